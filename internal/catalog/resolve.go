package catalog

import "os"

// Resolver looks up the value behind a named configuration reference.
// Sensitive catalog fields (endpoints, credentials) are written as "$NAME"
// and resolved once at load time rather than stored literally.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// EnvResolver resolves references from process environment variables.
type EnvResolver struct{}

func (EnvResolver) Resolve(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ChainResolver tries each resolver in order and returns the first hit.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(name string) (string, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.Resolve(name); ok {
			return v, true
		}
	}
	return "", false
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (string, bool)

func (f ResolverFunc) Resolve(name string) (string, bool) { return f(name) }
