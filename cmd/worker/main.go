package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/suPer8Hu/projectchat/internal/app"
	"github.com/suPer8Hu/projectchat/internal/config"
	"github.com/suPer8Hu/projectchat/internal/logger"
	"github.com/suPer8Hu/projectchat/internal/store/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", logger.Err(err))
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With("component", "worker")

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	// The worker only consumes; replies are written straight to the store.
	svc := a.Service(nil)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, rabbitmq.ConsumerConfig{
		Queue:       cfg.RabbitQueue,
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  cfg.WorkerMaxRetries,
		RetryDelay:  cfg.WorkerRetryDelay,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := consumer.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return consumer.Run(ctx, svc.RunJob)
}
