package audit

import "context"

type infoContextKey struct{}

// Info carries per-request metadata that the recorder stamps onto every
// event: who acted, from where, with which client. The HTTP layer attaches it
// once per request so individual call sites never thread it by hand.
type Info struct {
	Actor     string
	IP        string
	UserAgent string
	RequestID string
}

// WithInfo attaches request metadata to the context for audit recording.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoContextKey{}, info)
}

// InfoFromContext extracts request metadata if present.
func InfoFromContext(ctx context.Context) Info {
	if ctx == nil {
		return Info{}
	}
	if v, ok := ctx.Value(infoContextKey{}).(Info); ok {
		return v
	}
	return Info{}
}
