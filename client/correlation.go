package client

import (
	"context"

	"pkt.systems/fabric/internal/correlation"
)

// WithCorrelationID returns ctx carrying id. Operations invoked with the
// returned context send id in the X-Correlation-Id header and log it as
// "cid". Invalid ids (empty, over 128 bytes or non-printable) are ignored
// and a fresh id is generated per operation instead.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.Set(ctx, id)
}

// CorrelationIDFromContext returns the correlation id carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// NewCorrelationID generates a time-ordered correlation id.
func NewCorrelationID() string {
	return correlation.Generate()
}
