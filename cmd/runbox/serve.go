package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	kafkagw "github.com/jkaninda/runbox/internal/gateway/kafka"
	"github.com/jkaninda/runbox/internal/gateway/mcpserver"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/storage"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, and the MCP and Kafka gateways when enabled",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `runbox --port :9090` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts every configured gateway and blocks until a signal or the
// first gateway failure.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	sc, err := initShared(cfg, logger, sharedOptions{record: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	gateways, err := buildGateways(sc)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runGateways(ctx, sc, gateways)
}

// runGateways starts the gateways and the record pruner, waits for ctx or
// the first failure, then stops everything in reverse order.
func runGateways(parent context.Context, sc *SharedComponents, gateways []gateway.Gateway) error {
	logger := sc.Logger
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if records := sc.Records(); records != nil {
		pruner := storage.NewPruner(records, sc.Config.Storage.Retention(), logger)
		g.Go(func() error { return pruner.Run(gctx) })
	}
	for _, gw := range gateways {
		g.Go(func() error {
			// One gateway exiting stops the others.
			defer cancel()
			if err := gw.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Graceful shutdown once a signal arrives or a gateway fails.
	g.Go(func() error {
		<-gctx.Done()
		if parent.Err() != nil {
			logger.Info("shutdown signal received")
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		for i := len(gateways) - 1; i >= 0; i-- {
			if err := gateways[i].Stop(shutdownCtx); err != nil {
				logger.Error("stopping gateway", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway exited with error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func buildGateways(sc *SharedComponents) ([]gateway.Gateway, error) {
	cfg := sc.Config
	var gateways []gateway.Gateway

	if h := cfg.Gateways.HTTP; h != nil && h.Enabled {
		gatewayCfg := httpapi.Config{
			ListenAddr:     h.Addr(),
			EnableDocs:     h.EnableDocs,
			APIKeys:        h.APIKeyUserMapping,
			MaxRequestSize: h.MaxRequestSizeBytes,
			HealthChecker:  sc.Health,
		}
		if metrics := sc.Obs.MetricsOrNil(); metrics != nil {
			gatewayCfg.Metrics = metrics
			gatewayCfg.MetricsRegistry = metrics.Registry
			if m := cfg.Observability.Metrics; m != nil {
				gatewayCfg.MetricsPath = m.Path
			}
		}
		if ts := sc.Obs.TracerOrNil(); ts != nil {
			gatewayCfg.Tracer = ts.Tracer()
		}

		var rl *ratelimit.Limiter
		if h.RateLimit.RequestsPerMinute > 0 {
			rl = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: h.RateLimit.RequestsPerMinute,
				BurstSize:         h.RateLimit.BurstSize,
			})
		}

		gw := httpapi.NewGateway(gatewayCfg, sc.Executor, rl, sc.Logger).
			WithPolicy(httpapi.NewPolicyInfo(sc.Policy, sc.Engine.RuntimeName(), sc.Engine.Limits(), cfg.Source.SourceBytes()))
		if records := sc.Records(); records != nil {
			gw.WithRecords(records)
		}

		if m := cfg.Gateways.MCP; m != nil && m.Enabled {
			srv, err := mcpserver.New(sc.ToolReg, version, sc.Logger)
			if err != nil {
				return nil, fmt.Errorf("building mcp server: %w", err)
			}
			gw.WithHandler(m.EndpointPath(), srv.HTTPHandler(), true)
			sc.Logger.Debug("mcp endpoint mounted", slog.String("path", m.EndpointPath()))
		}
		gateways = append(gateways, gw)
	}

	if k := cfg.Gateways.Kafka; k != nil && k.Enabled {
		w, err := newKafkaWorker(sc, k)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, w)
	}

	return gateways, nil
}

func newKafkaWorker(sc *SharedComponents, k *config.KafkaGatewayConfig) (*kafkagw.Worker, error) {
	w, err := kafkagw.NewWorker(kafkagw.Config{
		Brokers:      k.Brokers,
		RequestTopic: k.RequestTopic,
		ResultTopic:  k.ResultTopic,
		GroupID:      k.GroupID,
		Concurrency:  k.Workers(),
	}, sc.Executor, sc.Logger)
	if err != nil {
		return nil, fmt.Errorf("building kafka worker: %w", err)
	}
	return w, nil
}
