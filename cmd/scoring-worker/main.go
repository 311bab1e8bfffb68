/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the online scoring worker: one stream consumer per rule
// type, all feeding the shared scorer.
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
	"chainguard.dev/evalflow/scoring/consumer"
	"chainguard.dev/evalflow/scoring/feedback"
	"chainguard.dev/evalflow/scoring/judge"
	"chainguard.dev/evalflow/scoring/pythonevaluator"
	"chainguard.dev/evalflow/scoring/queue"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/userlog"
)

type config struct {
	MetricsPort int `env:"METRICS_PORT,default=2112"`

	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	KeyPrefix     string `env:"KEY_PREFIX,default=evalflow"`

	BackendURL string `env:"BACKEND_URL,required"`
	BackendKey string `env:"BACKEND_API_KEY,required"`

	AnthropicAPIKey    string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey       string `env:"OPENAI_API_KEY"`
	PythonEvaluatorURL string `env:"PYTHON_EVALUATOR_URL"`

	ConsumerGroup     string `env:"CONSUMER_GROUP,default=evalflow-scoring"`
	ConsumerName      string `env:"CONSUMER_NAME"`
	ThreadConcurrency int    `env:"THREAD_CONCURRENCY,default=4"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}
	if cfg.ConsumerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			clog.FatalContextf(ctx, "resolving hostname for consumer name: %v", err)
		}
		cfg.ConsumerName = hostname
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

	judges := consumer.Judges{}
	for provider, key := range map[rules.Provider]string{
		rules.ProviderAnthropic: cfg.AnthropicAPIKey,
		rules.ProviderOpenAI:    cfg.OpenAIAPIKey,
	} {
		if key == "" {
			continue
		}
		j, err := judge.New(provider, judge.Config{
			AnthropicAPIKey: cfg.AnthropicAPIKey,
			OpenAIAPIKey:    cfg.OpenAIAPIKey,
		})
		if err != nil {
			clog.FatalContextf(ctx, "creating %s judge: %v", provider, err)
		}
		judges[provider] = j
	}

	var python pythonevaluator.Interface
	if cfg.PythonEvaluatorURL != "" {
		python = pythonevaluator.New(cfg.PythonEvaluatorURL)
	}

	scorer, err := consumer.New(consumer.Deps{
		Rules:    backend,
		Traces:   backend,
		Marks:    backend,
		Feedback: feedback.NewWriter(backend),
		Judges:   judges,
		Python:   python,
		UserLog:  userlog.New(client, cfg.KeyPrefix),
		Metrics:  metrics.NewPipeline("evalflow/scoring"),
	}, consumer.WithThreadConcurrency(cfg.ThreadConcurrency))
	if err != nil {
		clog.FatalContextf(ctx, "creating scorer: %v", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ruleType := range []rules.Type{
		rules.LLMJudgeTrace,
		rules.LLMJudgeThread,
		rules.PythonTrace,
		rules.PythonThread,
	} {
		c := queue.NewConsumer(client, cfg.KeyPrefix, ruleType, scorer.Handle, queue.ConsumerOptions{
			Group: cfg.ConsumerGroup,
			Name:  cfg.ConsumerName,
		})
		group.Go(func() error {
			return c.Run(groupCtx)
		})
	}

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

	clog.InfoContextf(ctx, "Starting scoring worker %s (metrics on :%d)", cfg.ConsumerName, cfg.MetricsPort)
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		clog.FatalContextf(ctx, "scoring worker failed: %v", err)
	}
	clog.InfoContextf(context.WithoutCancel(ctx), "Scoring worker stopped")
}
