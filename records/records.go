// Package records runs the patient and doctor workflows: publishing an
// encrypted record, granting access to it and reading it back.
package records

import (
	"errors"
	"log/slog"
	"os"
)

var (
	// ErrNoRecords is returned when there is nothing to grant.
	ErrNoRecords = errors.New("no records to share")
)

// Status is the per-item result of a batch read.
type Status string

const (
	StatusOK            Status = "ok"
	StatusRejected      Status = "rejected"
	StatusRevoked       Status = "revoked"
	StatusUnavailable   Status = "unavailable"
	StatusNotAnEnvelope Status = "not-an-envelope"
	StatusUndecryptable Status = "undecryptable"
	StatusFailed        Status = "failed"
)

// Option configures the workflow types in this package.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	o.logger = o.logger.With("component", "records")
	return o
}
