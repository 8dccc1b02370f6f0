package store

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"recurring-scheduler/internal/models"
)

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.New().String()
}

// NewHandle returns a time-ordered call handle, so handles created within the same
// millisecond sort in creation order.
func NewHandle() models.Handle {
	return models.Handle(uuid.Must(uuid.NewV7()).String())
}

// NormalizeArgs defaults nil args to an empty object.
func NormalizeArgs(args models.Args) models.Args {
	if args == nil {
		return models.Args{}
	}
	return args
}

// EncodeArgs serializes args as a JSON object.
func EncodeArgs(args models.Args) (string, error) {
	b, err := json.Marshal(NormalizeArgs(args))
	if err != nil {
		return "", errors.Wrap(err, "marshal args")
	}
	return string(b), nil
}

// DecodeArgs parses a JSON object produced by EncodeArgs.
func DecodeArgs(raw string) (models.Args, error) {
	var args models.Args
	if raw == "" {
		return models.Args{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, errors.Wrap(err, "unmarshal args")
	}
	return NormalizeArgs(args), nil
}
