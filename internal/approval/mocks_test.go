package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"warpgate/internal/collab"
	"warpgate/internal/store"
	"warpgate/internal/types"
)

// flakyStore fails the next n transitions into failTo.
type flakyStore struct {
	*store.Store
	mu     sync.Mutex
	failTo types.ApprovalStatus
	n      int
}

var errDiskIO = errors.New("disk I/O error")

func (f *flakyStore) Transition(ctx context.Context, t types.Transition) (*types.Approval, error) {
	f.mu.Lock()
	if f.n > 0 && t.To == f.failTo {
		f.n--
		f.mu.Unlock()
		return nil, errDiskIO
	}
	f.mu.Unlock()
	return f.Store.Transition(ctx, t)
}

// fakeBuilder counts calls and optionally blocks until released.
type fakeBuilder struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	result  collab.BuildResult
	err     error
}

func (b *fakeBuilder) Build(ctx context.Context, a *types.Approval, p *types.Proposal) (*collab.BuildResult, error) {
	b.mu.Lock()
	b.calls++
	release := b.release
	b.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	res := b.result
	return &res, nil
}

func (b *fakeBuilder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []collab.ChangeSet
	ref   string
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, cs collab.ChangeSet) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, cs)
	if p.err != nil {
		return "", p.err
	}
	return p.ref, nil
}

func (p *fakePublisher) Calls() []collab.ChangeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]collab.ChangeSet(nil), p.calls...)
}

// countingRecorder tallies lifecycle events.
type countingRecorder struct {
	mu          sync.Mutex
	submissions map[string]int
	transitions map[string]int
	conflicts   int
	stages      map[string]int
	inflight    int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		submissions: make(map[string]int),
		transitions: make(map[string]int),
		stages:      make(map[string]int),
	}
}

func (r *countingRecorder) Submission(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions[class]++
}

func (r *countingRecorder) Transition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[from+"->"+to]++
}

func (r *countingRecorder) Conflict(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
}

func (r *countingRecorder) Stage(stage string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stage + ":ok"
	if !success {
		key = stage + ":fail"
	}
	r.stages[key]++
}

func (r *countingRecorder) PipelineStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight++
}

func (r *countingRecorder) PipelineFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
}
