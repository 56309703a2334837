package api

import "context"

type contextKey int

const ctxKeySubject contextKey = 0

// WithSubject returns a context carrying the authenticated user.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// Subject returns the authenticated user, or "" when there is none.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}
