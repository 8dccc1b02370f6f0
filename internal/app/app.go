// Package app assembles the pieces every binary shares: the configured store, the
// function registry and the scheduler service.
package app

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"recurring-scheduler/internal/config"
	"recurring-scheduler/internal/logging"
	"recurring-scheduler/internal/ratelimit"
	"recurring-scheduler/internal/scheduler"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/store/redisstore"
	"recurring-scheduler/internal/store/sqlstore"
	"recurring-scheduler/internal/worker"
)

// RetryPolicy derives the transaction retry policy from cfg.
func RetryPolicy(cfg config.Config) store.RetryPolicy {
	return store.RetryPolicy{
		MaxAttempts:    cfg.TxMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}
}

// OpenStore connects to the backend named by cfg.StoreBackend.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (store.Store, error) {
	policy := RetryPolicy(cfg)
	var (
		st  store.Store
		err error
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		st, err = sqlstore.OpenPostgres(ctx, cfg.PostgresDSN, sqlstore.WithRetryPolicy(policy))
	case config.BackendSQLite:
		st, err = sqlstore.OpenSQLite(ctx, cfg.SQLitePath, sqlstore.WithRetryPolicy(policy))
	case config.BackendRedis:
		st, err = redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithRetention(cfg.CallRetention),
			redisstore.WithRetryPolicy(policy))
	default:
		return nil, errors.Newf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.StoreBackend)
	}
	log.Infow("store ready", "backend", cfg.StoreBackend)
	return st, nil
}

// Functions returns a registry holding the built-in functions.
func Functions(log *zap.SugaredLogger) *worker.Registry {
	funcs := worker.NewRegistry()
	worker.RegisterBuiltins(funcs, log)
	return funcs
}

// NewService builds the scheduler service over st and installs its rescheduler on
// funcs, so registrations are checked against the same names the worker runs.
func NewService(st store.Store, funcs *worker.Registry, log *zap.SugaredLogger) *scheduler.Service {
	svc := scheduler.NewService(st, log, scheduler.WithFunctions(funcs))
	svc.Install(funcs)
	return svc
}

// NewLimiter returns a Redis token bucket when the store lives in Redis, so every API
// replica shares one budget, and an in-process limiter otherwise.
func NewLimiter(cfg config.Config, st store.Store) ratelimit.Limiter {
	if rs, ok := st.(*redisstore.Store); ok {
		return ratelimit.NewTokenBucket(rs.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour,
			ratelimit.WithKeyPrefix(cfg.RedisPrefix+"ratelimit:"))
	}
	return ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
}

// Logger builds the process logger from cfg, writing to stdout.
func Logger(cfg config.Config) (*zap.SugaredLogger, func() error, error) {
	return LoggerTo(cfg, os.Stdout)
}

// LoggerTo is Logger with the console sink replaced by out.
func LoggerTo(cfg config.Config, out zapcore.WriteSyncer) (*zap.SugaredLogger, func() error, error) {
	return logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile, Output: out})
}
