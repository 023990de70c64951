// Package provider builds vendor clients and streams their responses.
package provider

import (
	"fmt"
	"sort"

	"github.com/user/llmgate/pkg/llm"
	"github.com/user/llmgate/pkg/llm/anthropic"
	"github.com/user/llmgate/pkg/llm/google"
	"github.com/user/llmgate/pkg/llm/openai"
)

// Registry maps each vendor to its adapter. It is built once at startup.
type Registry struct {
	adapters map[llm.Vendor]llm.Adapter
}

// NewRegistry registers the given adapters. A later adapter for the same
// vendor replaces an earlier one.
func NewRegistry(adapters ...llm.Adapter) *Registry {
	r := &Registry{adapters: make(map[llm.Vendor]llm.Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Vendor()] = a
	}
	return r
}

// DefaultRegistry registers the three built-in vendors.
func DefaultRegistry(googleFormat google.StreamFormat) *Registry {
	return NewRegistry(anthropic.New(), openai.New(), google.New(googleFormat))
}

// Adapter returns the adapter for vendor.
func (r *Registry) Adapter(vendor llm.Vendor) (llm.Adapter, error) {
	a, ok := r.adapters[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", llm.ErrInvalidProvider, vendor)
	}
	return a, nil
}

// Vendors lists registered vendors in name order.
func (r *Registry) Vendors() []llm.Vendor {
	out := make([]llm.Vendor, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AuthProviders returns the auth side of every adapter, keyed by vendor.
func (r *Registry) AuthProviders() map[llm.Vendor]llm.AuthProvider {
	out := make(map[llm.Vendor]llm.AuthProvider, len(r.adapters))
	for v, a := range r.adapters {
		out[v] = a.Auth()
	}
	return out
}
