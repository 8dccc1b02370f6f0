// Command cronctl manages recurring jobs directly against the configured store.
package main

import (
	"context"
	"os"

	"recurring-scheduler/internal/app"
	"recurring-scheduler/internal/config"
	"recurring-scheduler/internal/scheduler"
)

func main() {
	root := newRootCmd(openFromConfig)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openFromConfig connects to the store named by the environment.
func openFromConfig(ctx context.Context) (*scheduler.Service, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	// Stdout carries command output only.
	cfg.LogLevel = "warn"
	log, closeLog, err := app.LoggerTo(cfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	svc := app.NewService(st, app.Functions(log), log)
	return svc, func() error {
		err := st.Close()
		if cerr := closeLog(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
