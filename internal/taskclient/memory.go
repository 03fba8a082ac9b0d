package taskclient

import (
	"context"
	"sync"

	"snapbridge/internal/bridge"
)

// MemoryFactory hands out task clients backed by shared in-memory state.
// A space is complete unless marked pending. Use in tests.
type MemoryFactory struct {
	mu        sync.Mutex
	pending   map[string]bool
	cleaned   []string
	endpoints []bridge.Endpoint
	creds     []bridge.Credentials

	// Failure injection. A non-nil error is returned by the matching call.
	FailConnect error
	FailCleanup error
	FailStatus  error
}

var _ bridge.TaskClientFactory = (*MemoryFactory)(nil)

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{pending: make(map[string]bool)}
}

func (f *MemoryFactory) ForEndpoint(ctx context.Context, endpoint bridge.Endpoint, creds bridge.Credentials) (bridge.TaskClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailConnect != nil {
		return nil, f.FailConnect
	}
	f.endpoints = append(f.endpoints, endpoint)
	f.creds = append(f.creds, creds)
	return &memoryClient{f: f}, nil
}

// SetPending marks spaceID as still being cleaned up.
func (f *MemoryFactory) SetPending(spaceID string, pending bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[spaceID] = pending
}

// Cleaned returns the spaces CleanupSnapshot was called for, in order.
func (f *MemoryFactory) Cleaned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cleaned))
	copy(out, f.cleaned)
	return out
}

// Credentials returns the credentials each client was created with.
func (f *MemoryFactory) Credentials() []bridge.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.Credentials, len(f.creds))
	copy(out, f.creds)
	return out
}

type memoryClient struct {
	f *MemoryFactory
}

func (c *memoryClient) CleanupSnapshot(ctx context.Context, spaceID string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.FailCleanup != nil {
		return c.f.FailCleanup
	}
	c.f.cleaned = append(c.f.cleaned, spaceID)
	return nil
}

func (c *memoryClient) IsComplete(ctx context.Context, spaceID string) (bool, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.FailStatus != nil {
		return false, c.f.FailStatus
	}
	return !c.f.pending[spaceID], nil
}
