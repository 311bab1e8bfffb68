/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the webhook bucket processor: a fixed-cadence drain of
// pending webhook buckets into consolidated notifications.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/evalflow/metrics"
	"chainguard.dev/evalflow/platform"
	"chainguard.dev/evalflow/redislock"
	"chainguard.dev/evalflow/webhook"
)

type config struct {
	MetricsPort int `env:"METRICS_PORT,default=2112"`

	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	KeyPrefix     string `env:"KEY_PREFIX,default=evalflow"`

	BackendURL string `env:"BACKEND_URL,required"`
	BackendKey string `env:"BACKEND_API_KEY,required"`

	TickInterval time.Duration `env:"TICK_INTERVAL,default=5s"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		clog.FatalContextf(ctx, "connecting to redis at %s: %v", cfg.RedisAddr, err)
	}

	backend := platform.NewClient(cfg.BackendURL, cfg.BackendKey)
	processor := webhook.NewProcessor(
		webhook.NewAggregator(client, cfg.KeyPrefix),
		webhook.NewHTTPDispatcher(backend),
		redislock.New(client, cfg.KeyPrefix),
		webhook.WithTickInterval(cfg.TickInterval),
		webhook.WithMetrics(metrics.NewPipeline("evalflow/webhook")),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return processor.Run(groupCtx)
	})

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	clog.InfoContextf(ctx, "Starting webhook processor (interval=%s, metrics on :%d)", cfg.TickInterval, cfg.MetricsPort)
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		clog.FatalContextf(ctx, "webhook processor failed: %v", err)
	}
	clog.InfoContextf(context.WithoutCancel(ctx), "Webhook processor stopped")
}
