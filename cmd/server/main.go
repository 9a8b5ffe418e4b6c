package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/suPer8Hu/projectchat/internal/app"
	"github.com/suPer8Hu/projectchat/internal/chat"
	"github.com/suPer8Hu/projectchat/internal/config"
	"github.com/suPer8Hu/projectchat/internal/httpapi"
	"github.com/suPer8Hu/projectchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/projectchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/projectchat/internal/logger"
	"github.com/suPer8Hu/projectchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/projectchat/internal/store/redisstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", logger.Err(err))
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	var closers []func() error
	closers = append(closers, a.Close)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}
	}()

	if err := a.Migrate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis and RabbitMQ are optional: without them the server runs without
	// rate limiting or the async endpoint.
	var limiter middleware.Limiter
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if perr := rds.Ping(ctx); perr != nil {
		log.Warn("redis unavailable, rate limiting disabled", logger.Err(perr))
		_ = rds.Close()
	} else {
		limiter = rds
		closers = append(closers, rds.Close)
	}

	var publisher chat.JobPublisher
	pub, perr := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if perr != nil {
		log.Warn("rabbitmq unavailable, async chat disabled", logger.Err(perr))
	} else {
		publisher = pub
		closers = append(closers, pub.Close)
	}

	h := handlers.NewHandler(cfg, a.Service(publisher), a.Orchestrator(), a.Projects, a.Registry)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(cfg, h, limiter),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "providers", a.Registry.Names())
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
		}
		close(errCh)
	}()

	select {
	case serr := <-errCh:
		return serr
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
