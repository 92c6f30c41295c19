package tenant

import "context"

type ctxKey struct{}

// NewContext attaches the resolved tenant context to ctx.
func NewContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the tenant context attached to ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok
}
