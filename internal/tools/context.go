package tools

import "context"

type contextKey string

const (
	agentIDKey   contextKey = "agent_id"
	sessionIDKey contextKey = "session_id"
	runIDKey     contextKey = "run_id"
)

// WithCaller records who is making tool calls so registered handlers
// and remote runtimes can attribute them.
func WithCaller(ctx context.Context, agentID, sessionID, runID string) context.Context {
	ctx = context.WithValue(ctx, agentIDKey, agentID)
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, runIDKey, runID)
}

// CallerFromContext returns the values stored by [WithCaller]. Missing
// values are empty.
func CallerFromContext(ctx context.Context) (agentID, sessionID, runID string) {
	agentID, _ = ctx.Value(agentIDKey).(string)
	sessionID, _ = ctx.Value(sessionIDKey).(string)
	runID, _ = ctx.Value(runIDKey).(string)
	return agentID, sessionID, runID
}
