package domain

import "context"

type flowIDKey struct{}

// WithFlowID attaches the running flow's id to ctx.
func WithFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowIDKey{}, flowID)
}

// FlowIDFrom returns the flow id stored by WithFlowID, or "".
func FlowIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(flowIDKey{}).(string)
	return id
}
