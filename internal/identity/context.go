package identity

import "context"

type principalContextKey struct{}

// ContextWithAccount attaches the authenticated account to the context.
func ContextWithAccount(ctx context.Context, acct *Account) context.Context {
	if acct == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, acct)
}

// AccountFromContext extracts the authenticated account from the context.
func AccountFromContext(ctx context.Context) (*Account, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Account)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
