package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"recurring-scheduler/internal/app"
	"recurring-scheduler/internal/config"
	"recurring-scheduler/internal/logging"
	"recurring-scheduler/internal/scheduler"
	"recurring-scheduler/internal/telemetry"
	"recurring-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %+v\n", err)
		os.Exit(1)
	}
	log, closeLog, err := app.Logger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatalw("open store", logging.FieldError, err)
	}
	defer st.Close()

	funcs := app.Functions(log)
	svc := app.NewService(st, funcs, log)

	if cfg.BootstrapFile != "" {
		boot, err := scheduler.LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			log.Fatalw("load bootstrap file", logging.FieldError, err)
		}
		n, err := svc.ApplyBootstrap(ctx, boot)
		if err != nil {
			log.Fatalw("apply bootstrap file", logging.FieldError, err)
		}
		log.Infow("bootstrap applied", "file", cfg.BootstrapFile, logging.FieldCount, n)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				log.Warnw("metrics server stopped", logging.FieldError, err)
			}
		}()
	}

	runner := worker.NewRunner(cfg, st, funcs, log)
	log.Infow("worker started", "functions", funcs.Names(), "poll", cfg.WorkerPollInterval.String(),
		"action_timeout", cfg.ActionTimeout.String(), "concurrency", cfg.ActionConcurrency)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("worker stopped", logging.FieldError, err)
		return
	}
	log.Infow("worker stopped")
}
