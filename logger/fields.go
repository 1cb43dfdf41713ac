package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
const (
	FieldJobID   = "job_id"
	FieldJobType = "job_type"
	FieldOwner   = "owner"

	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldStatus     = "status"

	FieldSymbol = "symbol" // crmpulse glyph (꩜, ✿, ❀, etc.)
)

type contextKey struct{}

// jobFields is what a running job carries on its context
type jobFields struct {
	id, typeID, owner string
}

// WithJob marks ctx as belonging to one job run. The worker pool sets it
// before Execute, so anything logging through LoggerFromContext inside the
// run is tagged with the job.
func WithJob(ctx context.Context, jobID, typeID, owner string) context.Context {
	return context.WithValue(ctx, contextKey{}, jobFields{id: jobID, typeID: typeID, owner: owner})
}

// FieldsFromContext returns the job fields of ctx as key-value pairs for
// Infow/Warnw/With. Empty values are left out.
func FieldsFromContext(ctx context.Context) []interface{} {
	f, ok := ctx.Value(contextKey{}).(jobFields)
	if !ok {
		return nil
	}
	var fields []interface{}
	if f.id != "" {
		fields = append(fields, FieldJobID, f.id)
	}
	if f.typeID != "" {
		fields = append(fields, FieldJobType, f.typeID)
	}
	if f.owner != "" {
		fields = append(fields, FieldOwner, f.owner)
	}
	return fields
}

// LoggerFromContext returns the global logger tagged with the job of ctx
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}
