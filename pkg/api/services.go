package api

import "context"

// ServiceScope exposes external service handles for the duration of one
// public flow operation. Close is called on every exit path.
type ServiceScope interface {
	Get(name string) (any, bool)
	Close() error
}

// ServiceProvider creates a fresh ServiceScope per call.
type ServiceProvider interface {
	NewScope(ctx context.Context) (ServiceScope, error)
}

// StaticServices is a ServiceProvider handing out the same named handles to
// every scope. Closing its scopes is a no-op.
type StaticServices map[string]any

func (s StaticServices) NewScope(context.Context) (ServiceScope, error) {
	return staticScope(s), nil
}

type staticScope map[string]any

func (s staticScope) Get(name string) (any, bool) {
	v, ok := s[name]
	return v, ok
}

func (staticScope) Close() error { return nil }

// ServiceProviderFunc adapts a function to ServiceProvider.
type ServiceProviderFunc func(ctx context.Context) (ServiceScope, error)

func (f ServiceProviderFunc) NewScope(ctx context.Context) (ServiceScope, error) {
	return f(ctx)
}
