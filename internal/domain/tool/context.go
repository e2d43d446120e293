package tool

import "context"

type invokerKey struct{}

// WithInvokerID tags the context with the platform user ID driving the
// exchange, so user-scoped tools know whose data to touch.
func WithInvokerID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, invokerKey{}, userID)
}

// InvokerID returns the user ID set by WithInvokerID, if any.
func InvokerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(invokerKey{}).(string)
	return id, ok && id != ""
}
