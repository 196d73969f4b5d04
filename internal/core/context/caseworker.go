package context

import "context"

// Caseworker identifies who triggered an action. Authentication happens
// upstream; the core only records the identity for audit.
type Caseworker struct {
	ID   string
	Name string
}

type caseworkerKey struct{}

// WithCaseworker adds the acting case worker to context.
func WithCaseworker(ctx context.Context, cw *Caseworker) context.Context {
	return context.WithValue(ctx, caseworkerKey{}, cw)
}

// GetCaseworker returns the acting case worker or nil.
func GetCaseworker(ctx context.Context) *Caseworker {
	if v, ok := ctx.Value(caseworkerKey{}).(*Caseworker); ok {
		return v
	}
	return nil
}

// GetCaseworkerID returns the case worker ID or "system" for background jobs.
func GetCaseworkerID(ctx context.Context) string {
	if cw := GetCaseworker(ctx); cw != nil && cw.ID != "" {
		return cw.ID
	}
	return "system"
}
