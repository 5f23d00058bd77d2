package cycle

import (
	"context"
	"sync"
	"time"

	"warpgate/internal/approval"
	"warpgate/internal/collab"
	"warpgate/internal/gate"
	"warpgate/internal/types"
)

type fakeGate struct {
	decision gate.Decision
}

func (g *fakeGate) Evaluate() gate.Decision { return g.decision }

func openGate() *fakeGate {
	return &fakeGate{decision: gate.Decision{Allowed: true, Reason: gate.ReasonWithinHours}}
}

type fakeGatherer struct {
	mu       sync.Mutex
	requests []collab.GatherRequest
	result   *collab.GatherResult
	err      error
}

func (g *fakeGatherer) Gather(_ context.Context, req collab.GatherRequest) (*collab.GatherResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.result == nil {
		return &collab.GatherResult{}, nil
	}
	return g.result, nil
}

func (g *fakeGatherer) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// fakeApplier records requests and tracks how many calls overlap per
// proposal id.
type fakeApplier struct {
	mu          sync.Mutex
	requests    []collab.ApplyRequest
	result      collab.ApplyResult
	err         error
	delay       time.Duration
	inflight    map[string]int
	maxInflight int
}

func (a *fakeApplier) Apply(ctx context.Context, req collab.ApplyRequest) (*collab.ApplyResult, error) {
	key := ""
	if req.Proposal != nil {
		key = req.Proposal.ID
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	if a.inflight == nil {
		a.inflight = make(map[string]int)
	}
	a.inflight[key]++
	if a.inflight[key] > a.maxInflight {
		a.maxInflight = a.inflight[key]
	}
	a.mu.Unlock()

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inflight[key]--
	if a.err != nil {
		return nil, a.err
	}
	res := a.result
	return &res, nil
}

func (a *fakeApplier) Requests() []collab.ApplyRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]collab.ApplyRequest(nil), a.requests...)
}

type fakeSubmitter struct {
	mu         sync.Mutex
	candidates []*types.Proposal
	result     *approval.SubmitResult
	err        error
}

func (s *fakeSubmitter) Submit(_ context.Context, p *types.Proposal) (*approval.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, p)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *fakeSubmitter) Candidates() []*types.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Proposal(nil), s.candidates...)
}

type fakeContext struct{ text string }

func (f fakeContext) LearningContext(context.Context, types.AgentType) (string, error) {
	return f.text, nil
}

type cycleCounter struct {
	mu      sync.Mutex
	success int
	failure int
}

func (c *cycleCounter) Cycle(success bool, _ string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.success++
	} else {
		c.failure++
	}
}
