package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recurring-scheduler/internal/api"
	"recurring-scheduler/internal/app"
	"recurring-scheduler/internal/config"
	"recurring-scheduler/internal/logging"
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
	server := api.New(svc, st, app.NewLimiter(cfg, st), log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("api listening", logging.FieldAddress, httpServer.Addr, "backend", cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", logging.FieldError, err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Infow("api stopped")
}
