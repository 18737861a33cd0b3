package filesystem

import (
	"context"
	"os"
)

// Caller identifies the credentials an operation runs with. Ownership of new
// nodes is derived from it.
type Caller struct {
	Uid uint32
	Gid uint32
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the Caller stored in ctx, defaulting to the credentials
// of the current process.
func CallerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}
