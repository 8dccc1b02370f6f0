// Package logging builds the zap loggers used by every binary.
package logging

import (
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Standard field names for structured log lines.
const (
	FieldJobID     = "job_id"
	FieldJobName   = "job_name"
	FieldCallID    = "call_id"
	FieldFunction  = "function"
	FieldState     = "state"
	FieldError     = "error"
	FieldComponent = "component"
	FieldDuration  = "duration_ms"
	FieldCount     = "count"
	FieldAddress   = "address"
)

// Options selects level, encoding and an optional rotating file sink.
// Output defaults to stdout.
type Options struct {
	Level  string
	Format string
	File   string
	Output zapcore.WriteSyncer
}

// New builds a logger writing to Output and, when File is set, to a rotated JSON file.
// The returned close function flushes and releases the file.
func New(o Options) (*zap.SugaredLogger, func() error, error) {
	level, err := zapcore.ParseLevel(o.Level)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parse log level %q", o.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if o.Format == "json" {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	}
	out := o.Output
	if out == nil {
		out = os.Stdout
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, zapcore.Lock(out), level)}

	closeFile := func() error { return nil }
	if o.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closeFile = rotator.Close
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger.Sugar(), func() error {
		_ = logger.Sync()
		return closeFile()
	}, nil
}
