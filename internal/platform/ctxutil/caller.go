package ctxutil

import "context"

type callerKey struct{}

// Caller is the authenticated identity forwarded by the platform gateway.
// Authentication happens upstream; this service only trusts and scopes by it.
type Caller struct {
	UserUID        string
	OrganizationID string
	WorkspaceID    string
	Source         string
	// ProjectIDs the caller may view jobs of.
	ProjectIDs []string
	// AllJobs lets workspace admins see every job in the workspace.
	AllJobs bool
}

func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(Default(ctx), callerKey{}, c)
}

func GetCaller(ctx context.Context) *Caller {
	if ctx == nil {
		return nil
	}
	if c, ok := ctx.Value(callerKey{}).(*Caller); ok {
		return c
	}
	return nil
}
