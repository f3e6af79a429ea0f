// Package gcp estimates Compute Engine on-demand rates from machine type shapes.
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
)

// Approximate list prices, USD per hour.
const (
	pricePerVCPU     = 0.033
	pricePerGBMemory = 0.004
)

// MachineTypesAPI is the subset of the machine types client used here.
type MachineTypesAPI interface {
	Get(ctx context.Context, req *computepb.GetMachineTypeRequest, opts ...gax.CallOption) (*computepb.MachineType, error)
	List(ctx context.Context, req *computepb.ListMachineTypesRequest, opts ...gax.CallOption) *compute.MachineTypeIterator
	Close() error
}

// PriceClient estimates machine type rates in one zone.
type PriceClient struct {
	machineTypes MachineTypesAPI
	logger       *slog.Logger
	project      string
	zone         string

	mu    sync.RWMutex
	cache map[string]float64 // key: machineType
}

// NewPriceClient creates a new GCP price client.
func NewPriceClient(ctx context.Context, project, zone string, logger *slog.Logger) (*PriceClient, error) {
	if project == "" || zone == "" {
		return nil, fmt.Errorf("gcp project and zone are required")
	}
	machineTypesClient, err := compute.NewMachineTypesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create machine types client: %w", err)
	}
	return NewPriceClientWithAPI(machineTypesClient, project, zone, logger), nil
}

// NewPriceClientWithAPI builds a client over a caller-supplied machine types API.
func NewPriceClientWithAPI(api MachineTypesAPI, project, zone string, logger *slog.Logger) *PriceClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceClient{
		machineTypes: api,
		logger:       logger,
		project:      project,
		zone:         zone,
		cache:        make(map[string]float64),
	}
}

// Close releases resources.
func (c *PriceClient) Close() error {
	return c.machineTypes.Close()
}

// HourlyRate returns the estimated on-demand rate for machineType.
func (c *PriceClient) HourlyRate(ctx context.Context, machineType string) (float64, error) {
	c.mu.RLock()
	if price, ok := c.cache[machineType]; ok {
		c.mu.RUnlock()
		return price, nil
	}
	c.mu.RUnlock()

	mt, err := c.machineTypes.Get(ctx, &computepb.GetMachineTypeRequest{
		Project:     c.project,
		Zone:        c.zone,
		MachineType: machineType,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get machine type %s: %w", machineType, err)
	}

	price := shapePrice(mt)

	c.mu.Lock()
	c.cache[machineType] = price
	c.mu.Unlock()

	c.logger.Info("on-demand rate estimated",
		"machine_type", machineType,
		"zone", c.zone,
		"vcpus", mt.GetGuestCpus(),
		"memory_mb", mt.GetMemoryMb(),
		"usd_per_hour", price,
	)
	return price, nil
}

// ListMachineTypes returns the machine type names offered in the client's zone.
func (c *PriceClient) ListMachineTypes(ctx context.Context) ([]string, error) {
	it := c.machineTypes.List(ctx, &computepb.ListMachineTypesRequest{
		Project: c.project,
		Zone:    c.zone,
	})

	var names []string
	for {
		mt, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list machine types: %w", err)
		}
		names = append(names, mt.GetName())
	}
	return names, nil
}

func shapePrice(mt *computepb.MachineType) float64 {
	memoryGB := float64(mt.GetMemoryMb()) / 1024.0
	return float64(mt.GetGuestCpus())*pricePerVCPU + memoryGB*pricePerGBMemory
}
