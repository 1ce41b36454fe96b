package subscription

import "github.com/nerrad567/sitelink-core/internal/registry"

// RetentionPolicy decides whether the subscription for a removed module is
// retracted.
type RetentionPolicy interface {
	Retract(module registry.Module, pattern string) bool
}

// AppendOnly never retracts. Other modules at the same site may still use the
// pattern and the registry does not say when the last one goes.
type AppendOnly struct{}

// Retract always returns false.
func (AppendOnly) Retract(registry.Module, string) bool { return false }

// RetentionFunc adapts a function to RetentionPolicy.
type RetentionFunc func(module registry.Module, pattern string) bool

// Retract calls f.
func (f RetentionFunc) Retract(module registry.Module, pattern string) bool {
	return f(module, pattern)
}
