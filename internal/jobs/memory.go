package jobs

import (
	"context"
	"sync"

	"snapbridge/internal/bridge"
)

// Submission is a job recorded by MemoryGateway.
type Submission struct {
	Kind bridge.JobKind
	ID   string
}

// MemoryGateway records submitted jobs without running them. Use in tests.
// Safe for concurrent use.
type MemoryGateway struct {
	mu          sync.Mutex
	submissions []Submission

	// Fail, when set, is returned by Submit and nothing is recorded.
	Fail error
}

var _ bridge.JobGateway = (*MemoryGateway)(nil)

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{}
}

func (g *MemoryGateway) Submit(ctx context.Context, kind bridge.JobKind, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return g.Fail
	}
	g.submissions = append(g.submissions, Submission{Kind: kind, ID: id})
	return nil
}

// Submissions returns the recorded jobs in submission order.
func (g *MemoryGateway) Submissions() []Submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Submission, len(g.submissions))
	copy(out, g.submissions)
	return out
}
