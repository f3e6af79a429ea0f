package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/cloudapi"
	awsprice "github.com/fonpr/fonpr-agent/internal/cloudapi/aws"
	"github.com/fonpr/fonpr-agent/internal/config"
	"github.com/fonpr/fonpr-agent/internal/configrepo"
	"github.com/fonpr/fonpr-agent/internal/cost"
	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/metrics"
	"github.com/fonpr/fonpr-agent/internal/policy"
	"github.com/fonpr/fonpr-agent/internal/replay"
	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

// kubeClient uses in-cluster config, falling back to kubeconfig, then
// $KUBECONFIG, then ~/.kube/config.
func kubeClient(kubeconfig string) (kubernetes.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = os.Getenv("KUBECONFIG")
		}
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

func newMetricsClient(cfg *config.Config, logger *slog.Logger) (*metrics.Client, error) {
	client, err := metrics.NewClient(metrics.ClientConfig{
		PrometheusURL: cfg.Prometheus.URL,
		Timeout:       cfg.Prometheus.Timeout(),
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prometheus client: %w", err)
	}
	return client, nil
}

// newNodeSizer builds the configured node sizer behind a TTL cache.
func newNodeSizer(ctx context.Context, cfg *config.Config, prom telemetry.InstantQuerier, logger *slog.Logger) (telemetry.NodeSizer, error) {
	t := cfg.Telemetry
	var sizer telemetry.NodeSizer
	switch t.NodeSizer {
	case "prometheus":
		sizer = telemetry.NewPrometheusNodeSizer(prom, t.NodeLabelQuery, t.InstanceTypeLabel)
	case "kubernetes":
		client, err := kubeClient(t.Kubeconfig)
		if err != nil {
			return nil, err
		}
		sizer = telemetry.NewKubeNodeSizer(client)
	case "ec2":
		region := t.Region
		if region == "" {
			region = cfg.Cost.Region
		}
		client, err := awsprice.NewPriceClient(ctx, region, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create EC2 node sizer: %w", err)
		}
		sizer = client
	default:
		return nil, fmt.Errorf("unknown node sizer %q", t.NodeSizer)
	}
	logger.Info("node sizer ready", "sizer", t.NodeSizer, "cache_ttl", t.NodeCacheTTL())
	return telemetry.NewCachedNodeSizer(sizer, t.NodeCacheTTL()), nil
}

func newAggregator(cfg *config.Config, prom *metrics.Client, sizer telemetry.NodeSizer, logger *slog.Logger) (*telemetry.Aggregator, error) {
	t := cfg.Telemetry
	agg, err := telemetry.NewAggregator(telemetry.Config{
		WindowMinutes:   t.WindowMinutes,
		SampleRate:      t.SampleRate,
		QueryStep:       t.QueryStep(),
		ThroughputQuery: t.ThroughputQuery,
		PodQuery:        t.PodQuery,
		Sizes:           cfg.InstanceTypes(),
		NodeDomain:      t.NodeDomain,
		Querier:         prom,
		NodeSizer:       sizer,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry aggregator: %w", err)
	}
	return agg, nil
}

// newCostTable returns the static table, or live rates for the catalog when
// a cloud source is configured. GCP also checks that the zone offers every
// catalog machine type. Configured rates override either.
func newCostTable(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cost.Table, error) {
	table := cost.DefaultTable()
	if cfg.Cost.Source != "static" {
		src, cloud, err := cloudapi.NewRateSource(ctx, cloudapi.SourceConfig{
			Cloud:   cfg.Cost.Source,
			Region:  cfg.Cost.Region,
			Project: cfg.Cost.Project,
			Zone:    cfg.Cost.Zone,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate source: %w", err)
		}
		if c, ok := src.(io.Closer); ok {
			defer c.Close()
		}
		table, err = cost.FromSource(ctx, src, cfg.InstanceTypes())
		if err != nil {
			return nil, err
		}
		logger.Info("loaded live hourly rates", "cloud", cloud, "sizes", len(cfg.Sizes))
	}
	return table.Merge(cfg.Cost.Rates)
}

// newRepository builds the configured config repository backend.
func newRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (configrepo.Repository, error) {
	r := cfg.Repository
	switch r.Backend {
	case "github":
		loc, err := configrepo.ParseBlobURL(r.ValueFileURL, r.DirName)
		if err != nil {
			return nil, err
		}
		var secrets configrepo.SecretsAPI
		if r.TokenSecretID != "" {
			client, err := configrepo.NewSecretsClient(ctx, r.TokenSecretRegion)
			if err != nil {
				return nil, err
			}
			secrets = client
		}
		token, err := configrepo.ResolveToken(ctx, secrets, r.TokenSecretID, r.TokenSecretKey)
		if err != nil {
			return nil, err
		}
		logger.Info("using github config repository",
			"owner", loc.Owner, "repo", loc.Repo, "branch", loc.Branch, "path", loc.Path)
		return configrepo.NewGitHubRepository(configrepo.NewGitHubClient(token), loc, logger), nil

	case "configmap":
		client, err := kubeClient(cfg.Telemetry.Kubeconfig)
		if err != nil {
			return nil, err
		}
		logger.Info("using configmap config repository",
			"namespace", r.Namespace, "name", r.ConfigMapName, "key", r.ConfigMapKey)
		return configrepo.NewConfigMapRepository(client, r.Namespace, r.ConfigMapName, r.ConfigMapKey), nil

	default:
		return nil, fmt.Errorf("unknown repository backend %q", r.Backend)
	}
}

// catalog converts the configured sizes to effector sizes.
func catalog(cfg *config.Config) []action.Size {
	out := make([]action.Size, len(cfg.Sizes))
	for i, s := range cfg.Sizes {
		out[i] = action.Size{
			ID:           s.ID,
			InstanceType: s.InstanceType,
			Requests:     resourceSpec(s.Requests),
			Limits:       resourceSpec(s.Limits),
		}
	}
	return out
}

func resourceSpec(r *config.ResourceSpec) *configrepo.ResourceSpec {
	if r == nil {
		return nil
	}
	return &configrepo.ResourceSpec{CPU: r.CPU, Memory: r.Memory}
}

// policies holds the configured policy and the exploration wrapper around it.
type policies struct {
	explorer *policy.EpsilonGreedy
	close    func() error
}

// newPolicies builds the configured policy wrapped for exploration.
func newPolicies(cfg *config.Config, eff *action.Effector, logger *slog.Logger) (*policies, error) {
	p := cfg.Policy
	closeFn := func() error { return nil }

	var base driver.Policy
	switch p.Type {
	case "noop":
		base = policy.NoOp()
	case "rules":
		rules := make([]policy.Rule, len(p.Rules))
		for i, r := range p.Rules {
			rules[i] = policy.Rule{When: r.When, Action: action.Action(r.Action)}
		}
		rp, err := policy.NewRulePolicy(policy.RulesConfig{
			Rules:     rules,
			Sizes:     eff.Sizes(),
			Requested: eff.Requested,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to compile rules: %w", err)
		}
		base = rp
	case "onnx":
		net, err := policy.NewONNXQNetwork(policy.ONNXConfig{
			ModelPath:         p.ModelPath,
			ManifestPath:      p.ManifestPath,
			SharedLibraryPath: p.SharedLibraryPath,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		closeFn = net.Close
		qp, err := policy.NewQPolicy(net, eff.NumActions(), "onnx", logger)
		if err != nil {
			net.Close()
			return nil, err
		}
		base = qp
	default:
		return nil, fmt.Errorf("unknown policy type %q", p.Type)
	}

	explorer, err := policy.NewEpsilonGreedy(base, eff.NumActions(), p.Epsilon, nil)
	if err != nil {
		closeFn()
		return nil, err
	}
	logger.Info("policy ready", "type", p.Type, "epsilon", p.Epsilon, "actions", eff.NumActions())
	return &policies{explorer: explorer, close: closeFn}, nil
}

// newObservers returns the replay buffer and, if configured, the remote sink.
func newObservers(cfg *config.Config, logger *slog.Logger) (*replay.Buffer, *replay.HTTPSink, error) {
	buf := replay.NewBuffer(cfg.Replay.Capacity, nil)
	if cfg.Replay.SinkURL == "" {
		return buf, nil, nil
	}
	hostname, _ := os.Hostname()
	sink, err := replay.NewHTTPSink(replay.SinkConfig{
		Endpoint:   cfg.Replay.SinkURL,
		SigningKey: cfg.Replay.SigningKey,
		AgentID:    hostname,
		BatchSize:  cfg.Replay.BatchSize,
		DryRun:     IsDryRun(),
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return buf, sink, nil
}
