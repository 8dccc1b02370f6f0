package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"recurring-scheduler/internal/logging"
	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
)

// Built-in demonstration functions available to every worker.
const (
	DemoLog         = "demo.log"
	DemoLogMutation = "demo.log_mutation"
)

// RegisterBuiltins installs the demo functions on r.
func RegisterBuiltins(r *Registry, log *zap.SugaredLogger) {
	log = log.With(logging.FieldComponent, "builtin")

	r.RegisterAction(DemoLog, func(ctx context.Context, args models.Args) error {
		call, _ := CallFromContext(ctx)
		if err := simulate(ctx, args); err != nil {
			return err
		}
		log.Infow(messageOf(args), logging.FieldCallID, call.Handle, logging.FieldFunction, DemoLog)
		return nil
	})

	r.RegisterMutation(DemoLogMutation, func(ctx context.Context, tx store.Tx, args models.Args) error {
		call, _ := CallFromContext(ctx)
		if failRequested(args) {
			return errors.New("simulated failure requested by args.should_fail")
		}
		log.Infow(messageOf(args), logging.FieldCallID, call.Handle, logging.FieldFunction, DemoLogMutation,
			"tx_time", tx.Now())
		return nil
	})
}

func messageOf(args models.Args) string {
	if msg, ok := args["message"].(string); ok && msg != "" {
		return msg
	}
	return "demo call"
}

func failRequested(args models.Args) bool {
	val, ok := args["should_fail"].(bool)
	return ok && val
}

// simulate honours should_fail and duration_ms for exercising the worker.
func simulate(ctx context.Context, args models.Args) error {
	if failRequested(args) {
		return errors.New("simulated failure requested by args.should_fail")
	}
	if ms, ok := asInt(args["duration_ms"]); ok && ms > 0 {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
