// Package app wires configuration into a ready pipeline. Both entry points
// (the CLI and the Lambda handler) build their dependencies here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"carbonetl/internal/api"
	"carbonetl/internal/config"
	"carbonetl/internal/csvout"
	"carbonetl/internal/db"
	"carbonetl/internal/external"
	"carbonetl/internal/handoff"
	"carbonetl/internal/pipeline"
	"carbonetl/internal/queue"
	"carbonetl/internal/transform"
)

// App holds the wired pipeline and its supporting clients.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Runner *pipeline.Runner

	connections config.ConnectionProvider
}

// Options adjusts how New wires the pipeline.
type Options struct {
	// FileHandoff keeps task outputs on disk under HANDOFF_DIR so tasks can
	// run in separate invocations. Otherwise they stay in memory.
	FileHandoff bool
	// HTTPClient overrides the extractor's client. Its timeout is set from
	// HTTP_TIMEOUT when zero.
	HTTPClient *http.Client
	// CloudWatch and SQS override the AWS clients built from the default
	// credential chain.
	CloudWatch pipeline.CloudWatchClient
	SQS        queue.SQSSender
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{
		Config:      cfg,
		Logger:      logger,
		connections: config.NewConnectionProvider(cfg.Database),
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = cfg.Source.Timeout
	}

	deps := pipeline.Deps{
		Extractor: external.NewCarbonIntensityClient(httpClient, external.CarbonIntensityClientConfig{
			UserAgent:  cfg.Source.UserAgent,
			MaxRetries: cfg.Source.MaxRetries,
			Logger:     logger,
		}),
		Transformer: transform.New(logger),
		Store:       handoff.NewMemoryStore(),
		Logger:      logger,
	}
	if opts.FileHandoff {
		deps.Store = handoff.NewFileStore(cfg.Pipeline.HandoffDir)
	}
	if cfg.Database.Enabled {
		deps.DB = a.openDB
	}
	if cfg.CSV.Enabled {
		deps.CSV = csvout.NewWriter(cfg.CSV.Dir, logger, csvout.WithGzip(cfg.CSV.Gzip))
	}

	if err := a.wireAWS(ctx, &deps, opts); err != nil {
		return nil, err
	}

	a.Runner = pipeline.NewRunner(pipeline.Config{
		BaseURL:    cfg.Source.BaseURL,
		CSVStem:    cfg.CSV.Stem,
		Retries:    cfg.Pipeline.TaskRetries,
		RetryDelay: cfg.Pipeline.TaskRetryDelay,
	}, deps)
	return a, nil
}

// wireAWS attaches CloudWatch metrics and the SQS run notifier when enabled.
// The SDK config is only loaded if one of them needs a real client.
func (a *App) wireAWS(ctx context.Context, deps *pipeline.Deps, opts Options) error {
	awsCfg := a.Config.AWS
	needMetrics := awsCfg.MetricsEnabled && opts.CloudWatch == nil
	needSQS := awsCfg.RunEventsQueueURL != "" && opts.SQS == nil

	var sdkCfg aws.Config
	if needMetrics || needSQS {
		var err error
		sdkCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(awsCfg.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config (region=%s): %w", awsCfg.Region, err)
		}
	}

	if awsCfg.MetricsEnabled {
		cw := opts.CloudWatch
		if cw == nil {
			cw = cloudwatch.NewFromConfig(sdkCfg, func(o *cloudwatch.Options) {
				if awsCfg.EndpointURL != "" {
					o.BaseEndpoint = aws.String(awsCfg.EndpointURL)
				}
			})
		}
		deps.Metrics = pipeline.NewCloudWatchMetrics(cw, awsCfg.MetricNamespace, a.Logger)
	}

	if awsCfg.RunEventsQueueURL != "" {
		sender := opts.SQS
		if sender == nil {
			sender = sqs.NewFromConfig(sdkCfg, func(o *sqs.Options) {
				if awsCfg.EndpointURL != "" {
					o.BaseEndpoint = aws.String(awsCfg.EndpointURL)
				}
			})
		}
		deps.Notifier = queue.NewRunNotifier(sender, awsCfg.RunEventsQueueURL, a.Logger)
	}
	return nil
}

func (a *App) connectOptions() db.ConnectOptions {
	return db.ConnectOptions{ConnectTimeout: a.Config.Database.ConnectTimeout}
}

// openDB connects for one load attempt. Connection settings are re-read on
// every call.
func (a *App) openDB(ctx context.Context) (pipeline.BatchInserter, func(), error) {
	pool, err := db.Connect(ctx, a.connections, a.connectOptions(), a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return db.NewCarbonIntensityRepository(pool, a.Logger), pool.Close, nil
}

// Migrate creates the carbon_intensity table if it does not exist.
func (a *App) Migrate(ctx context.Context) error {
	pool, err := db.Connect(ctx, a.connections, a.connectOptions(), a.Logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.EnsureSchema(ctx, pool, a.Logger)
}

// HealthProbes returns a probe per enabled loader.
func (a *App) HealthProbes() []api.HealthProbe {
	var probes []api.HealthProbe
	if a.Config.Database.Enabled {
		probes = append(probes, api.ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error {
			pool, err := db.Connect(ctx, a.connections, a.connectOptions(), a.Logger)
			if err != nil {
				return err
			}
			pool.Close()
			return nil
		}})
	}
	if a.Config.CSV.Enabled {
		probes = append(probes, api.ProbeFunc{ProbeName: "csv_dir", Fn: func(context.Context) error {
			info, err := os.Stat(a.Config.CSV.Dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", a.Config.CSV.Dir)
			}
			return nil
		}})
	}
	return probes
}
