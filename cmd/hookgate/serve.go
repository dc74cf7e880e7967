package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hookgate/hookgate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serveE runs the webhook server and the Matrix client until interrupted.
func serveE(cmd *cobra.Command, args []string) error {
	config, err := hookgate.LoadConfig(hookgate.OptionsFilePath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := hookgate.OpenSessionStore(config.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	metrics := hookgate.NewMetrics(registry)

	client, err := hookgate.NewMatrixClient(config, store, metrics)
	if err != nil {
		return fmt.Errorf("failed to create Matrix client: %w", err)
	}
	server := hookgate.NewWebhookServer(config, client, metrics, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wait for both components so the webhook server can finish its
	// graceful shutdown before the process exits.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return client.Run(groupCtx) })
	group.Go(func() error { return server.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		zlog.Error("component failed", zap.Error(err))
		return err
	}

	zlog.Info("shutdown complete")
	return nil
}
