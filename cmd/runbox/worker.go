package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/gateway"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume run requests from Kafka without serving HTTP",
	RunE:  runWorker,
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	k := cfg.Gateways.Kafka
	if k == nil || len(k.Brokers) == 0 || k.RequestTopic == "" || k.ResultTopic == "" {
		return fmt.Errorf("gateways.kafka with brokers, request_topic and result_topic is required")
	}

	sc, err := initShared(cfg, logger, sharedOptions{record: true})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	w, err := newKafkaWorker(sc, k)
	if err != nil {
		return err
	}
	logger.Info("starting kafka worker",
		slog.Any("brokers", k.Brokers),
		slog.String("request_topic", k.RequestTopic),
		slog.String("group_id", k.GroupID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runGateways(ctx, sc, []gateway.Gateway{w})
}
