// Package gate implements the admission gate: the single authority for
// whether autonomous work may run right now. Three signals are combined
// with strict precedence WARP > CHAOS > OPERATIONAL_HOURS.
//
// State lives in memory only; a process restart resets it to the
// configured hours with both overrides off. Deployments running more than
// one process need an external single-writer coordinator.
package gate

import (
	"fmt"
	"sync"
	"time"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// Reason explains an admission decision.
type Reason string

const (
	ReasonWarpActive   Reason = "WARP_MODE_ACTIVE"
	ReasonChaosActive  Reason = "CHAOS_MODE_ACTIVE"
	ReasonWithinHours  Reason = "WITHIN_HOURS"
	ReasonOutsideHours Reason = "OUTSIDE_HOURS"
)

// ErrWarpBlocksChaos is the reason text returned when chaos is requested
// while warp is active.
const ErrWarpBlocksChaos = "Cannot activate Chaos while Warp mode is active"

// Hours is an operational-hours window, local time, [Start, End).
// Start > End wraps past midnight.
type Hours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls inside the window.
func (h Hours) Contains(hour int) bool {
	if h.Start < h.End {
		return hour >= h.Start && hour < h.End
	}
	return hour >= h.Start || hour < h.End
}

// Decision is the result of Evaluate.
type Decision struct {
	Allowed bool   `json:"canOperate"`
	Reason  Reason `json:"reason"`
}

// Status is the externally visible snapshot of the gate.
type Status struct {
	WarpMode         bool       `json:"warpMode"`
	ChaosMode        bool       `json:"chaosMode"`
	ChaosExpiresAt   *time.Time `json:"chaosExpiresAt,omitempty"`
	OperationalHours Hours      `json:"operationalHours"`
	OperationStatus  Decision   `json:"operationStatus"`
	CurrentTime      time.Time  `json:"currentTime"`
}

// Recorder receives gate decisions. Metrics implement it.
type Recorder interface {
	GateDecision(allowed bool, reason string)
	GateMode(mode string, active bool)
}

// Gate owns the operational state. All reads and writes go through mu.
type Gate struct {
	mu             sync.Mutex
	warpActive     bool
	chaosActive    bool
	chaosExpiresAt time.Time
	hours          Hours
	now            func() time.Time
	recorder       Recorder
	lastReason     Reason
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithRecorder attaches a decision recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// New creates a gate with the given operational hours and both overrides off.
func New(hours Hours, opts ...Option) (*Gate, error) {
	if err := validateHours(hours); err != nil {
		return nil, err
	}
	g := &Gate{hours: hours, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	logging.Gate("admission gate created: hours=%02d-%02d", hours.Start, hours.End)
	return g, nil
}

func validateHours(h Hours) error {
	if h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 24 || h.Start == h.End {
		return types.NewValidationError("gate hours", fmt.Sprintf("invalid operational hours %d-%d", h.Start, h.End))
	}
	return nil
}

// =============================================================================
// MODE OPERATIONS
// =============================================================================

// ActivateWarp sets warp unconditionally. Idempotent. Returns the status
// before the change.
func (g *Gate) ActivateWarp() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.statusLocked()
	if !g.warpActive {
		g.warpActive = true
		logging.Gate("warp mode activated")
		g.auditLocked("warp", true)
	}
	return prev
}

// DeactivateWarp clears warp. Returns the status after the change.
func (g *Gate) DeactivateWarp() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.warpActive {
		g.warpActive = false
		logging.Gate("warp mode deactivated")
		g.auditLocked("warp", false)
	}
	return g.statusLocked()
}

// ActivateChaos enables chaos for d. Fails with a precedence error, state
// unchanged, while warp is active.
func (g *Gate) ActivateChaos(d time.Duration) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d <= 0 {
		return g.statusLocked(), types.NewValidationError("activate chaos", "duration must be positive")
	}
	if g.warpActive {
		st := g.statusLocked()
		logging.GateWarn("chaos activation refused: warp active")
		return st, types.NewPrecedenceError("activate chaos", ErrWarpBlocksChaos, st)
	}

	g.chaosActive = true
	g.chaosExpiresAt = g.now().Add(d)
	logging.Gate("chaos mode activated until %s", g.chaosExpiresAt.Format(time.RFC3339))
	g.auditLocked("chaos", true)
	return g.statusLocked(), nil
}

// DeactivateChaos clears chaos. Returns the status after the change.
func (g *Gate) DeactivateChaos() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chaosActive {
		g.chaosActive = false
		g.chaosExpiresAt = time.Time{}
		logging.Gate("chaos mode deactivated")
		g.auditLocked("chaos", false)
	}
	return g.statusLocked()
}

// SetHours replaces the operational-hours window (config reload).
func (g *Gate) SetHours(h Hours) error {
	if err := validateHours(h); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hours != h {
		logging.Gate("operational hours changed: %02d-%02d -> %02d-%02d", g.hours.Start, g.hours.End, h.Start, h.End)
		g.hours = h
	}
	return nil
}

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluate answers "may autonomous work run now?". Expired chaos counts
// as inactive without needing a sweep.
func (g *Gate) Evaluate() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.evaluateLocked(g.now())
	if d.Reason != g.lastReason {
		logging.GateDebug("admission decision changed: %s -> %s (allowed=%v)", g.lastReason, d.Reason, d.Allowed)
		g.lastReason = d.Reason
	}
	if g.recorder != nil {
		g.recorder.GateDecision(d.Allowed, string(d.Reason))
	}
	return d
}

// Status returns a snapshot for the status surface.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

// Sweep clears chaos if it has expired. Returns true when it cleared.
func (g *Gate) Sweep() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chaosActive && !g.now().Before(g.chaosExpiresAt) {
		g.chaosActive = false
		g.chaosExpiresAt = time.Time{}
		logging.Gate("chaos mode expired")
		g.auditLocked("chaos", false)
		return true
	}
	return false
}

func (g *Gate) evaluateLocked(now time.Time) Decision {
	if g.warpActive {
		return Decision{Allowed: false, Reason: ReasonWarpActive}
	}
	if g.chaosActive && now.Before(g.chaosExpiresAt) {
		return Decision{Allowed: true, Reason: ReasonChaosActive}
	}
	if g.hours.Contains(now.Hour()) {
		return Decision{Allowed: true, Reason: ReasonWithinHours}
	}
	return Decision{Allowed: false, Reason: ReasonOutsideHours}
}

func (g *Gate) statusLocked() Status {
	now := g.now()
	st := Status{
		WarpMode:         g.warpActive,
		ChaosMode:        g.chaosActive && now.Before(g.chaosExpiresAt),
		OperationalHours: g.hours,
		OperationStatus:  g.evaluateLocked(now),
		CurrentTime:      now,
	}
	if st.ChaosMode {
		exp := g.chaosExpiresAt
		st.ChaosExpiresAt = &exp
	}
	return st
}

func (g *Gate) auditLocked(mode string, active bool) {
	if g.recorder != nil {
		g.recorder.GateMode(mode, active)
	}
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditGateChange,
		Subject: mode,
		Success: true,
		To:      fmt.Sprintf("%v", active),
	})
}
