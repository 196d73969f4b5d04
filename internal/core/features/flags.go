// Package features provides runtime feature switches.
package features

import (
	"context"
	"sync"
)

// Provider evaluates feature flags.
type Provider interface {
	IsEnabled(ctx context.Context, flag string) bool
}

// Flag names.
const (
	// FlagAuthorityTransmission gates the outbound Authority HTTP call.
	// When off, submissions are recorded as sent without touching the network.
	FlagAuthorityTransmission = "authority_transmission"
)

// InMemoryFlags is an in-memory flag provider fed from configuration.
type InMemoryFlags struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewInMemoryFlags creates an in-memory flag provider.
func NewInMemoryFlags() *InMemoryFlags {
	return &InMemoryFlags{flags: make(map[string]bool)}
}

// IsEnabled implements Provider.
func (f *InMemoryFlags) IsEnabled(_ context.Context, flag string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags[flag]
}

// SetFlag sets a boolean flag.
func (f *InMemoryFlags) SetFlag(flag string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[flag] = enabled
}

// Snapshot returns a copy of all flags.
func (f *InMemoryFlags) Snapshot() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]bool, len(f.flags))
	for k, v := range f.flags {
		out[k] = v
	}
	return out
}
