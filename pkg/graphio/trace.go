package graphio

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracer records byte-offset checkpoints against a human-readable
// profile label. A nil Tracer is valid and records nothing; tracing is
// enabled when the debug flag or verbose logging is configured.
type Tracer struct {
	log     *zap.Logger
	profile string
	op      string
}

// NewTracer returns a tracer logging through log under the given
// profile label. Each top-level operation gets its own id so that
// checkpoints from concurrently-open contexts can be correlated.
func NewTracer(log *zap.Logger, profile string) *Tracer {
	if log == nil {
		log = zap.NewNop()
	}

	return &Tracer{log: log, profile: profile, op: uuid.NewString()}
}

// Child derives a tracer for a nested scope; the relative path is
// appended to the profile label for traceability.
func (t *Tracer) Child(relative string) *Tracer {
	if t == nil {
		return nil
	}

	return &Tracer{log: t.log, profile: t.profile + "/" + relative, op: t.op}
}

// Checkpoint logs the current byte offset under a label.
func (t *Tracer) Checkpoint(label string, offset int64) {
	if t == nil {
		return
	}

	t.log.Debug("checkpoint",
		zap.String("op", t.op),
		zap.String("profile", t.profile),
		zap.String("label", label),
		zap.Int64("offset", offset),
	)
}
