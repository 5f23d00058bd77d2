package cycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"warpgate/internal/approval"
	"warpgate/internal/collab"
	"warpgate/internal/dedup"
	"warpgate/internal/gate"
	"warpgate/internal/learning"
	"warpgate/internal/store"
	"warpgate/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	gate      *fakeGate
	gatherer  *fakeGatherer
	applier   *fakeApplier
	submitter *fakeSubmitter
	counter   *cycleCounter
	cycle     *Cycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gate: openGate(),
		gatherer: &fakeGatherer{result: &collab.GatherResult{Insights: []collab.Insight{
			{Type: "performance", Content: "cache the lookup"},
			{Type: "security", Content: "validate the path"},
		}}},
		applier: &fakeApplier{result: collab.ApplyResult{
			UpdatesApplied: 2,
			FilePath:       "x.go",
			Changes:        []string{"cache lookup", "validate path"},
			CodeAfter:      "improved",
		}},
		submitter: &fakeSubmitter{result: &approval.SubmitResult{
			DuplicateClass: types.DuplicateNovel,
			Approval:       &types.Approval{ID: "ap-1", Status: types.StatusPending},
		}},
		counter: &cycleCounter{},
	}
	c, err := New(Deps{
		Gate:      f.gate,
		Gatherer:  f.gatherer,
		Applier:   f.applier,
		Submitter: f.submitter,
		Context:   fakeContext{text: "Avoid:\n- duplicate logic"},
		Recorder:  f.counter,
	}, DefaultConfig())
	require.NoError(t, err)
	f.cycle = c
	return f
}

func event(outcome types.Outcome) Event {
	return Event{
		AgentType: "A1",
		Outcome:   outcome,
		Proposal: &types.Proposal{
			ID:              "p-1",
			AgentType:       "A1",
			FilePath:        "x.go",
			CodeBefore:      "original",
			CodeAfter:       "current",
			ImprovementType: types.ImprovementPerformance,
		},
	}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{Gate: openGate()}, Config{})
	assert.Error(t, err)
}

func TestRunSubmitsCandidate(t *testing.T) {
	f := newFixture(t)
	res := f.cycle.Run(context.Background(), event(types.OutcomeFailed))

	assert.True(t, res.Success)
	assert.Equal(t, ReasonSubmitted, res.Reason)
	assert.Equal(t, 2, res.InsightsCount)
	assert.Equal(t, 2, res.UpdatesCount)
	assert.Equal(t, "ap-1", res.ApprovalID)
	assert.Empty(t, res.ExternalChangeRef)

	require.Equal(t, 1, f.gatherer.Calls())
	assert.Equal(t, "Avoid:\n- duplicate logic", f.gatherer.requests[0].LearningContext)
	assert.Equal(t, 10, f.gatherer.requests[0].MaxInsights)

	reqs := f.applier.Requests()
	require.Len(t, reqs, 1)
	var kinds []string
	for _, s := range reqs[0].Updates {
		kinds = append(kinds, s.Type)
	}
	assert.Equal(t, []string{"bugfix", "security", "performance"}, kinds)

	cands := f.submitter.Candidates()
	require.Len(t, cands, 1)
	assert.Equal(t, "x.go", cands[0].FilePath)
	assert.Equal(t, "current", cands[0].CodeBefore)
	assert.Equal(t, "improved", cands[0].CodeAfter)
	assert.Equal(t, types.ImprovementPerformance, cands[0].ImprovementType)
	assert.Equal(t, "cache lookup; validate path", cands[0].Description)
	assert.Equal(t, 1, f.counter.success)
}

func TestRunBlockedByGate(t *testing.T) {
	f := newFixture(t)
	f.gate.decision = gate.Decision{Allowed: false, Reason: gate.ReasonWarpActive}

	res := f.cycle.Run(context.Background(), event(types.OutcomePassed))
	assert.False(t, res.Success)
	assert.Equal(t, "WARP_MODE_ACTIVE", res.Reason)
	assert.Zero(t, f.gatherer.Calls())
	assert.Empty(t, f.applier.Requests())
	assert.Equal(t, 1, f.counter.failure)
}

func TestRunStageFailures(t *testing.T) {
	t.Run("gather", func(t *testing.T) {
		f := newFixture(t)
		f.gatherer.err = errors.New("connection refused")
		res := f.cycle.Run(context.Background(), event(types.OutcomePassed))
		assert.False(t, res.Success)
		assert.Equal(t, ReasonInsightsFailed, res.Reason)
		assert.Contains(t, res.Error, "connection refused")
		assert.Empty(t, f.applier.Requests())
	})

	t.Run("apply keeps partial counts", func(t *testing.T) {
		f := newFixture(t)
		f.applier.err = errors.New("deadline exceeded")
		res := f.cycle.Run(context.Background(), event(types.OutcomePassed))
		assert.False(t, res.Success)
		assert.Equal(t, ReasonApplyFailed, res.Reason)
		assert.Equal(t, 2, res.InsightsCount)
		assert.Empty(t, f.submitter.Candidates())
	})

	t.Run("submit", func(t *testing.T) {
		f := newFixture(t)
		f.submitter.err = types.NewValidationError("submit proposal", "pending limit reached for A1 (5)")
		res := f.cycle.Run(context.Background(), event(types.OutcomePassed))
		assert.False(t, res.Success)
		assert.Equal(t, ReasonSubmitFailed, res.Reason)
		assert.Contains(t, res.Error, "pending limit reached")
		assert.Equal(t, 2, res.UpdatesCount)
	})
}

func TestRunWithoutUpdates(t *testing.T) {
	f := newFixture(t)
	f.applier.result = collab.ApplyResult{UpdatesApplied: 0}
	res := f.cycle.Run(context.Background(), event(types.OutcomePassed))
	assert.True(t, res.Success)
	assert.Equal(t, ReasonNoUpdates, res.Reason)
	assert.Empty(t, res.ApprovalID)
	assert.Empty(t, f.submitter.Candidates())

	f.applier.result = collab.ApplyResult{UpdatesApplied: 1}
	res = f.cycle.Run(context.Background(), event(types.OutcomePassed))
	assert.True(t, res.Success)
	assert.Equal(t, ReasonNoChange, res.Reason)
}

func TestRunExactDuplicate(t *testing.T) {
	f := newFixture(t)
	f.submitter.result = &approval.SubmitResult{DuplicateClass: types.DuplicateExact, Reference: "p-0"}
	res := f.cycle.Run(context.Background(), event(types.OutcomePassed))
	assert.True(t, res.Success)
	assert.Equal(t, ReasonExactDuplicate, res.Reason)
	assert.Equal(t, "p-0", res.DuplicateOf)
	assert.Empty(t, res.ApprovalID)
}

func TestRunTruncatesInsights(t *testing.T) {
	f := newFixture(t)
	var many []collab.Insight
	for i := 0; i < 15; i++ {
		many = append(many, collab.Insight{Type: "general", Content: fmt.Sprintf("note %d", i)})
	}
	f.gatherer.result = &collab.GatherResult{Insights: many}
	res := f.cycle.Run(context.Background(), event(types.OutcomePassed))
	assert.Equal(t, 10, res.InsightsCount)
}

func TestRunInvalidEvent(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		ev   Event
	}{
		{"no proposal", Event{AgentType: "A1", Outcome: types.OutcomePassed}},
		{"bad outcome", func() Event { e := event("maybe"); return e }()},
		{"no agent", func() Event { e := event(types.OutcomePassed); e.AgentType = ""; e.Proposal.AgentType = ""; return e }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.cycle.Run(context.Background(), tt.ev)
			assert.False(t, res.Success)
			assert.Equal(t, ReasonInvalidEvent, res.Reason)
			assert.NotEmpty(t, res.Error)
		})
	}
	assert.Zero(t, f.gatherer.Calls())
}

func TestRunAgentFallsBackToProposal(t *testing.T) {
	f := newFixture(t)
	ev := event(types.OutcomePassed)
	ev.AgentType = ""
	res := f.cycle.Run(context.Background(), ev)
	assert.True(t, res.Success)
	assert.Equal(t, types.AgentType("A1"), f.gatherer.requests[0].AgentType)
}

func TestSameProposalIsSerialized(t *testing.T) {
	f := newFixture(t)
	f.applier.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.cycle.Run(context.Background(), event(types.OutcomePassed))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.applier.maxInflight)
	assert.Len(t, f.applier.Requests(), 4)
	assert.Zero(t, f.cycle.locks.size())
}

func TestRunBatchKeepsOrder(t *testing.T) {
	f := newFixture(t)
	events := make([]Event, 6)
	for i := range events {
		ev := event(types.OutcomePassed)
		ev.Proposal.ID = fmt.Sprintf("p-%d", i)
		if i%2 == 1 {
			ev.Outcome = "bogus"
		}
		events[i] = ev
	}
	results := f.cycle.RunBatch(context.Background(), events, 3)
	require.Len(t, results, 6)
	for i, res := range results {
		assert.Equal(t, i%2 == 0, res.Success, "event %d", i)
	}
}

func TestRunner(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var done []string
	r := NewRunner(f.cycle, 2, 10, func(ev Event, res Result) {
		mu.Lock()
		defer mu.Unlock()
		done = append(done, ev.Proposal.ID)
	})

	for i := 0; i < 5; i++ {
		ev := event(types.OutcomePassed)
		ev.Proposal.ID = fmt.Sprintf("p-%d", i)
		require.NoError(t, r.Enqueue(ev))
	}
	assert.Equal(t, 5, r.Pending())
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	assert.Len(t, done, 5)
	assert.ErrorIs(t, r.Enqueue(event(types.OutcomePassed)), ErrRunnerStopped)
}

func TestRunnerQueueFull(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(f.cycle, 1, 1, nil)
	require.NoError(t, r.Enqueue(event(types.OutcomePassed)))
	assert.ErrorIs(t, r.Enqueue(event(types.OutcomePassed)), ErrQueueFull)
	r.Stop()
}

func TestSuggest(t *testing.T) {
	p := &types.Proposal{FilePath: "x.go", CodeBefore: "a", CodeAfter: "b\n// TODO: tidy"}
	got := Suggest(p, types.OutcomeFailed, []collab.Insight{
		{Type: "Performance", Content: "first"},
		{Type: "performance", Content: "second"},
		{Type: "bug", Content: "nil map write"},
		{Type: "mystery", Content: "unclassified"},
		{Type: "security", Content: "   "},
	}, 0)

	var kinds []string
	for _, s := range got {
		kinds = append(kinds, fmt.Sprintf("%s/%d", s.Type, s.Priority))
	}
	assert.Equal(t, []string{"bugfix/1", "performance/2", "general/3", "readability/3"}, kinds)
	assert.Equal(t, "first", got[1].Description)
	assert.True(t, strings.Contains(got[0].Description, "x.go"))

	assert.Len(t, Suggest(p, types.OutcomeFailed, nil, 1), 1)
}

func TestSuggestLargeDiff(t *testing.T) {
	var after []string
	for i := 0; i < 60; i++ {
		after = append(after, fmt.Sprintf("line %d", i))
	}
	got := Suggest(&types.Proposal{FilePath: "big.go", CodeAfter: strings.Join(after, "\n")}, types.OutcomePassed, nil, 5)
	require.Len(t, got, 1)
	assert.Equal(t, "refactor", got[0].Type)
	assert.Contains(t, got[0].Description, "60-line")
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"héllo", 2, "h..."},
		{"héllo", 3, "hé..."},
		{"ok🚀🚀", 5, "ok..."},
		{"🚀🚀", 1, "..."},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		assert.Equal(t, tc.want, got, "truncate(%q, %d)", tc.in, tc.n)
		assert.True(t, utf8.ValidString(got), "truncate(%q, %d) = %q", tc.in, tc.n, got)
	}
}

func TestCycleCreatesReviewableApproval(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "warpgate.db"))
	require.NoError(t, err)
	defer st.Close()

	m, err := approval.NewMachine(approval.Deps{
		Store:      st,
		Classifier: dedup.NewEngine(st, dedup.DefaultConfig()),
		Scorer:     learning.NewEngine(st, learning.DefaultConfig()),
	}, approval.Config{MaxPendingPerAgent: 5})
	require.NoError(t, err)

	f := newFixture(t)
	c, err := New(Deps{Gate: f.gate, Gatherer: f.gatherer, Applier: f.applier, Submitter: m}, Config{})
	require.NoError(t, err)

	first := c.Run(context.Background(), event(types.OutcomePassed))
	require.True(t, first.Success, first.Error)
	require.NotEmpty(t, first.ApprovalID)

	a, err := m.Get(context.Background(), first.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, a.Status)
	assert.Equal(t, types.AgentType("A1"), a.AgentType)

	// The applier returns the same diff again.
	second := c.Run(context.Background(), event(types.OutcomePassed))
	assert.True(t, second.Success)
	assert.Equal(t, types.DuplicateExact, second.DuplicateClass)
	assert.Empty(t, second.ApprovalID)

	pending, err := m.ListPending(context.Background(), "A1", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
