package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"warpgate/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func at(hour int) *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 4, hour, 15, 0, 0, time.Local)}
}

func newGate(t *testing.T, clk *fakeClock, h Hours) *Gate {
	t.Helper()
	g, err := New(h, WithClock(clk.Now))
	require.NoError(t, err)
	return g
}

func TestEvaluateOperationalHours(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		hours Hours
		hour  int
		want  Reason
	}{
		{"inside", Hours{9, 17}, 10, ReasonWithinHours},
		{"start inclusive", Hours{9, 17}, 9, ReasonWithinHours},
		{"end exclusive", Hours{9, 17}, 17, ReasonOutsideHours},
		{"before", Hours{9, 17}, 3, ReasonOutsideHours},
		{"wrap late", Hours{22, 6}, 23, ReasonWithinHours},
		{"wrap early", Hours{22, 6}, 2, ReasonWithinHours},
		{"wrap outside", Hours{22, 6}, 12, ReasonOutsideHours},
		{"full day", Hours{0, 24}, 23, ReasonWithinHours},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate(t, at(tc.hour), tc.hours)
			d := g.Evaluate()
			assert.Equal(t, tc.want, d.Reason)
			assert.Equal(t, tc.want == ReasonWithinHours, d.Allowed)
		})
	}
}

func TestNewRejectsInvalidHours(t *testing.T) {
	t.Parallel()
	for _, h := range []Hours{{5, 5}, {-1, 4}, {24, 3}, {3, 25}} {
		_, err := New(h)
		assert.True(t, errors.Is(err, types.ErrValidation), "hours %+v", h)
	}
}

func TestChaosThenWarp(t *testing.T) {
	t.Parallel()
	clk := at(3)
	g := newGate(t, clk, Hours{9, 17})

	_, err := g.ActivateChaos(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Reason: ReasonChaosActive}, g.Evaluate())

	g.ActivateWarp()
	assert.Equal(t, Decision{Allowed: false, Reason: ReasonWarpActive}, g.Evaluate())

	before := g.Status()
	st, err := g.ActivateChaos(time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPrecedence))
	assert.Equal(t, ErrWarpBlocksChaos, types.ReasonOf(err))
	assert.Equal(t, before, st)
	assert.Equal(t, before.ChaosExpiresAt, g.Status().ChaosExpiresAt)
}

func TestWarpOverridesEverything(t *testing.T) {
	t.Parallel()
	clk := at(10)
	g := newGate(t, clk, Hours{9, 17})
	g.ActivateWarp()

	assert.False(t, g.Evaluate().Allowed)
	clk.Advance(14 * time.Hour)
	assert.Equal(t, ReasonWarpActive, g.Evaluate().Reason)

	_, err := g.ActivateChaos(time.Minute)
	assert.True(t, errors.Is(err, types.ErrPrecedence))
	assert.False(t, g.Status().ChaosMode)
}

func TestActivateWarpIdempotentAndReturnsPrevious(t *testing.T) {
	t.Parallel()
	g := newGate(t, at(10), Hours{9, 17})

	prev := g.ActivateWarp()
	assert.False(t, prev.WarpMode)
	prev = g.ActivateWarp()
	assert.True(t, prev.WarpMode)

	st := g.DeactivateWarp()
	assert.False(t, st.WarpMode)
	assert.Equal(t, ReasonWithinHours, g.Evaluate().Reason)
}

func TestChaosExpiresLazily(t *testing.T) {
	t.Parallel()
	clk := at(3)
	g := newGate(t, clk, Hours{9, 17})

	_, err := g.ActivateChaos(10 * time.Minute)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	assert.Equal(t, Decision{Allowed: false, Reason: ReasonOutsideHours}, g.Evaluate())
	assert.False(t, g.Status().ChaosMode)
	assert.Nil(t, g.Status().ChaosExpiresAt)

	assert.True(t, g.Sweep())
	assert.False(t, g.Sweep())
}

func TestActivateChaosRejectsNonPositive(t *testing.T) {
	t.Parallel()
	g := newGate(t, at(3), Hours{9, 17})
	_, err := g.ActivateChaos(0)
	assert.True(t, errors.Is(err, types.ErrValidation))
	assert.False(t, g.Status().ChaosMode)
}

func TestDeactivateChaos(t *testing.T) {
	t.Parallel()
	g := newGate(t, at(3), Hours{9, 17})
	_, err := g.ActivateChaos(time.Hour)
	require.NoError(t, err)

	st := g.DeactivateChaos()
	assert.False(t, st.ChaosMode)
	assert.Equal(t, ReasonOutsideHours, st.OperationStatus.Reason)
}

func TestSetHours(t *testing.T) {
	t.Parallel()
	g := newGate(t, at(20), Hours{9, 17})
	assert.False(t, g.Evaluate().Allowed)

	require.NoError(t, g.SetHours(Hours{18, 23}))
	assert.True(t, g.Evaluate().Allowed)
	assert.Error(t, g.SetHours(Hours{4, 4}))
	assert.Equal(t, Hours{18, 23}, g.Status().OperationalHours)
}

type countingRecorder struct {
	mu        sync.Mutex
	decisions map[string]int
	modes     []string
}

func (r *countingRecorder) GateDecision(_ bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisions == nil {
		r.decisions = map[string]int{}
	}
	r.decisions[reason]++
}

func (r *countingRecorder) GateMode(mode string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.modes = append(r.modes, mode+"+")
	} else {
		r.modes = append(r.modes, mode+"-")
	}
}

func TestRecorderSeesDecisionsAndModes(t *testing.T) {
	t.Parallel()
	rec := &countingRecorder{}
	g, err := New(Hours{9, 17}, WithClock(at(10).Now), WithRecorder(rec))
	require.NoError(t, err)

	g.Evaluate()
	g.ActivateWarp()
	g.Evaluate()
	g.DeactivateWarp()

	assert.Equal(t, 1, rec.decisions[string(ReasonWithinHours)])
	assert.Equal(t, 1, rec.decisions[string(ReasonWarpActive)])
	assert.Equal(t, []string{"warp+", "warp-"}, rec.modes)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	g := newGate(t, at(10), Hours{9, 17})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				g.ActivateWarp()
			case 1:
				g.DeactivateWarp()
			case 2:
				_, _ = g.ActivateChaos(time.Minute)
			default:
				g.Evaluate()
			}
		}(i)
	}
	wg.Wait()

	st := g.Status()
	if st.WarpMode {
		assert.Equal(t, ReasonWarpActive, st.OperationStatus.Reason)
	}
}

func TestSweeperClearsExpiredChaos(t *testing.T) {
	clk := at(3)
	g := newGate(t, clk, Hours{9, 17})
	_, err := g.ActivateChaos(time.Minute)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	s := NewSweeper(g, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return !g.chaosActive
	}, time.Second, 5*time.Millisecond)
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	g := newGate(t, at(3), Hours{9, 17})
	s := NewSweeper(g, time.Hour)
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
