// Package aws resolves EC2 on-demand rates and node instance types with aws-sdk-go-v2.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// ErrInstanceNotFound is returned when no EC2 instance carries the requested private DNS name.
var ErrInstanceNotFound = errors.New("aws: no instance for node")

// PricingAPI is the subset of the pricing client used here.
type PricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// PriceClient provides EC2 on-demand rates and instance lookups.
type PriceClient struct {
	ec2Client     EC2API
	pricingClient PricingAPI
	logger        *slog.Logger
	region        string

	mu            sync.RWMutex
	onDemandCache map[string]float64 // key: instanceType
}

// NewPriceClient creates a new AWS price client for region.
func NewPriceClient(ctx context.Context, region string, logger *slog.Logger) (*PriceClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPriceClientWithAPIs(
		ec2.NewFromConfig(cfg),
		pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			// Pricing API is only available in us-east-1
			o.Region = "us-east-1"
		}),
		region,
		logger,
	), nil
}

// NewPriceClientWithAPIs builds a client over caller-supplied API implementations.
func NewPriceClientWithAPIs(ec2Client EC2API, pricingClient PricingAPI, region string, logger *slog.Logger) *PriceClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceClient{
		ec2Client:     ec2Client,
		pricingClient: pricingClient,
		logger:        logger,
		region:        region,
		onDemandCache: make(map[string]float64),
	}
}

// HourlyRate returns the Linux on-demand rate for instanceType in the client's region.
func (c *PriceClient) HourlyRate(ctx context.Context, instanceType string) (float64, error) {
	c.mu.RLock()
	if price, ok := c.onDemandCache[instanceType]; ok {
		c.mu.RUnlock()
		return price, nil
	}
	c.mu.RUnlock()

	input := &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			termMatch("instanceType", instanceType),
			termMatch("operatingSystem", "Linux"),
			termMatch("preInstalledSw", "NA"),
			termMatch("tenancy", "Shared"),
			termMatch("capacitystatus", "Used"),
			termMatch("regionCode", c.region),
		},
		MaxResults: aws.Int32(1),
	}

	result, err := c.pricingClient.GetProducts(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to get products: %w", err)
	}
	if len(result.PriceList) == 0 {
		return 0, fmt.Errorf("no pricing found for %s in %s", instanceType, c.region)
	}

	price, err := parseOnDemandPrice(result.PriceList[0])
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.onDemandCache[instanceType] = price
	c.mu.Unlock()

	c.logger.Info("on-demand rate resolved",
		"instance_type", instanceType,
		"region", c.region,
		"usd_per_hour", price,
	)
	return price, nil
}

// InstanceType returns the instance type of the EC2 instance whose private DNS name is node.
func (c *PriceClient) InstanceType(ctx context.Context, node string) (string, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("private-dns-name"), Values: []string{node}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe instances for %s: %w", node, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if it := string(inst.InstanceType); it != "" {
				return it, nil
			}
		}
	}
	return "", fmt.Errorf("%w %s", ErrInstanceNotFound, node)
}

func termMatch(field, value string) pricingtypes.Filter {
	return pricingtypes.Filter{
		Type:  pricingtypes.FilterTypeTermMatch,
		Field: aws.String(field),
		Value: aws.String(value),
	}
}

// priceDocument is the part of a Pricing API product document that carries
// on-demand terms. OnDemand is keyed by offer term code ("SKU.JRTCKXETXF").
type priceDocument struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit map[string]json.RawMessage `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// parseOnDemandPrice extracts the lowest positive USD hourly price from a product document.
func parseOnDemandPrice(priceList string) (float64, error) {
	var doc priceDocument
	if err := json.Unmarshal([]byte(priceList), &doc); err != nil {
		return 0, fmt.Errorf("failed to parse pricing payload: %w", err)
	}
	if len(doc.Terms.OnDemand) == 0 {
		return 0, fmt.Errorf("pricing payload missing terms.OnDemand")
	}

	best := 0.0
	found := false
	for _, term := range doc.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			raw, ok := dim.PricePerUnit["USD"]
			if !ok {
				continue
			}
			price, ok := parseUSD(raw)
			if !ok {
				continue
			}
			if !found || price < best {
				best = price
				found = true
			}
		}
	}

	if !found {
		return 0, fmt.Errorf("unable to extract USD on-demand price from payload")
	}
	return best, nil
}

// parseUSD accepts both the quoted string form the API returns and a bare number.
func parseUSD(raw json.RawMessage) (float64, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		p, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return p, err == nil && p > 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, f > 0
	}
	return 0, false
}
