/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sort"
)

type registryEntry struct {
	policy  Policy
	limiter Limiter
}

// Registry keeps named policies together with the limiters enforcing them.
type Registry struct {
	entries map[string]registryEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// RegistryOpts represents options for NewRegistryFromConfig.
type RegistryOpts struct {
	Metrics MetricsCollector
	Clock   Clock
}

// NewRegistryFromConfig registers every configured policy.
// Fixed window policies share fixedWindow, each GCRA policy gets its own GCRALimiter.
// GCRA limiters always use an in-memory store, so their state is per process
// regardless of the configured store (see Config.Store).
func NewRegistryFromConfig(cfg *Config, fixedWindow Limiter, opts RegistryOpts) (*Registry, error) {
	reg := NewRegistry()
	for _, pc := range cfg.Policies {
		var limiter Limiter = fixedWindow
		if pc.Alg == AlgGCRA {
			gcraLimiter, err := NewGCRALimiterWithOpts(pc.Policy(), GCRALimiterOpts{
				Burst: pc.Burst, MaxKeys: cfg.MaxKeys, Metrics: opts.Metrics, Clock: opts.Clock,
			})
			if err != nil {
				return nil, err
			}
			limiter = gcraLimiter
		}
		if err := reg.Register(pc.Policy(), limiter); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds the named policy.
func (r *Registry) Register(policy Policy, limiter Limiter) error {
	if policy.Name == "" {
		return fmt.Errorf("%w: name is required for registration", ErrInvalidPolicy)
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if _, ok := r.entries[policy.Name]; ok {
		return fmt.Errorf("rate limit policy %q is already registered", policy.Name)
	}
	r.entries[policy.Name] = registryEntry{policy: policy, limiter: limiter}
	return nil
}

// Get returns the policy and its limiter by name.
func (r *Registry) Get(name string) (Policy, Limiter, error) {
	entry, ok := r.entries[name]
	if !ok {
		return Policy{}, nil, fmt.Errorf("%w %q", ErrUnknownPolicy, name)
	}
	return entry.policy, entry.limiter, nil
}

// Names returns sorted names of the registered policies.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckNamed checks the identifier against the registered policy.
func (r *Registry) CheckNamed(ctx context.Context, identifier, name string) (Result, error) {
	policy, limiter, err := r.Get(name)
	if err != nil {
		return Result{}, err
	}
	return limiter.Check(ctx, identifier, policy)
}
