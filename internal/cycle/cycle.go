// Package cycle runs the learning orchestration cycle: admission check,
// insight gathering, suggestion derivation, update application and
// submission of the resulting proposal for human review.
//
// A cycle never returns an error. Each stage failure ends the cycle with
// Success false and the partial counts gathered so far.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warpgate/internal/approval"
	"warpgate/internal/collab"
	"warpgate/internal/gate"
	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// Gate is the admission check.
type Gate interface {
	Evaluate() gate.Decision
}

// Gatherer is the insight-gathering collaborator.
type Gatherer interface {
	Gather(ctx context.Context, req collab.GatherRequest) (*collab.GatherResult, error)
}

// Applier is the code-update collaborator.
type Applier interface {
	Apply(ctx context.Context, req collab.ApplyRequest) (*collab.ApplyResult, error)
}

// Submitter turns a candidate into a PENDING approval.
type Submitter interface {
	Submit(ctx context.Context, candidate *types.Proposal) (*approval.SubmitResult, error)
}

// ContextSource provides the learning context handed to collaborators.
type ContextSource interface {
	LearningContext(ctx context.Context, agentType types.AgentType) (string, error)
}

// Recorder receives cycle outcomes. Metrics implement it.
type Recorder interface {
	Cycle(success bool, reason string, d time.Duration)
}

// Reasons reported by a finished cycle besides the gate reasons.
const (
	ReasonInvalidEvent   = "invalid event"
	ReasonInsightsFailed = "insight gathering failed"
	ReasonApplyFailed    = "update application failed"
	ReasonNoUpdates      = "no updates applied"
	ReasonNoChange       = "no code change produced"
	ReasonSubmitFailed   = "submission rejected"
	ReasonExactDuplicate = "exact duplicate"
	ReasonSubmitted      = "submitted for review"
)

// Config tunes the cycle.
type Config struct {
	MaxInsights    int
	MaxSuggestions int
	InsightTimeout time.Duration
	UpdateTimeout  time.Duration
}

// DefaultConfig returns the stock cycle settings.
func DefaultConfig() Config {
	return Config{
		MaxInsights:    10,
		MaxSuggestions: 5,
		InsightTimeout: 30 * time.Second,
		UpdateTimeout:  30 * time.Second,
	}
}

// Event triggers one cycle.
type Event struct {
	AgentType types.AgentType `json:"agentType"`
	Proposal  *types.Proposal `json:"proposal"`
	Outcome   types.Outcome   `json:"outcome"`
}

// Result is what a cycle reports. ApprovalID and ExternalChangeRef are
// empty when no approval was created or published.
type Result struct {
	Success           bool                 `json:"success"`
	Reason            string               `json:"reason,omitempty"`
	InsightsCount     int                  `json:"insightsCount"`
	SuggestionsCount  int                  `json:"suggestionsCount"`
	UpdatesCount      int                  `json:"updatesCount"`
	ApprovalID        string               `json:"approvalId,omitempty"`
	ExternalChangeRef string               `json:"externalChangeRef,omitempty"`
	DuplicateClass    types.DuplicateClass `json:"duplicateClass,omitempty"`
	DuplicateOf       string               `json:"duplicateOf,omitempty"`
	Error             string               `json:"error,omitempty"`
}

// Deps bundles the cycle's collaborators. Context and Recorder are optional.
type Deps struct {
	Gate      Gate
	Gatherer  Gatherer
	Applier   Applier
	Submitter Submitter
	Context   ContextSource
	Recorder  Recorder
}

// Cycle runs orchestration cycles. It is safe for concurrent use; cycles
// for the same proposal id are serialized.
type Cycle struct {
	deps  Deps
	cfg   Config
	locks *keyLock
}

// New creates a cycle. Gate, Gatherer, Applier and Submitter are required.
func New(deps Deps, cfg Config) (*Cycle, error) {
	if deps.Gate == nil || deps.Gatherer == nil || deps.Applier == nil || deps.Submitter == nil {
		return nil, errors.New("cycle requires gate, gatherer, applier and submitter")
	}
	def := DefaultConfig()
	if cfg.MaxInsights <= 0 {
		cfg.MaxInsights = def.MaxInsights
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = def.MaxSuggestions
	}
	if cfg.InsightTimeout <= 0 {
		cfg.InsightTimeout = def.InsightTimeout
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = def.UpdateTimeout
	}
	return &Cycle{deps: deps, cfg: cfg, locks: newKeyLock()}, nil
}

// Run executes one cycle for ev.
func (c *Cycle) Run(ctx context.Context, ev Event) (res Result) {
	start := time.Now()
	defer func() { c.finish(ev, res, time.Since(start)) }()

	if err := c.validate(&ev); err != nil {
		return Result{Reason: ReasonInvalidEvent, Error: types.ReasonOf(err)}
	}

	unlock := c.locks.Lock(lockKey(ev))
	defer unlock()

	// 1. Admission.
	d := c.deps.Gate.Evaluate()
	if !d.Allowed {
		logging.Cycle("cycle for %s on %s blocked: %s", ev.AgentType, ev.Proposal.FilePath, d.Reason)
		return Result{Reason: string(d.Reason)}
	}

	learned := c.learningContext(ctx, ev.AgentType)

	// 2. Insights.
	gctx, cancel := context.WithTimeout(ctx, c.cfg.InsightTimeout)
	gathered, err := c.deps.Gatherer.Gather(gctx, collab.GatherRequest{
		AgentType:       ev.AgentType,
		Proposal:        ev.Proposal,
		Outcome:         ev.Outcome,
		LearningContext: learned,
		MaxInsights:     c.cfg.MaxInsights,
	})
	cancel()
	if err != nil {
		return Result{Reason: ReasonInsightsFailed, Error: types.NewExternalError("gather insights", err).Error()}
	}
	var insights []collab.Insight
	if gathered != nil {
		insights = gathered.Insights
	}
	if len(insights) > c.cfg.MaxInsights {
		insights = insights[:c.cfg.MaxInsights]
	}
	res.InsightsCount = len(insights)

	// 3. Suggestions.
	suggestions := Suggest(ev.Proposal, ev.Outcome, insights, c.cfg.MaxSuggestions)
	res.SuggestionsCount = len(suggestions)
	logging.CycleDebug("cycle for %s: %d insights -> %d suggestions", ev.Proposal.FilePath, res.InsightsCount, res.SuggestionsCount)

	// 4. Apply.
	actx, cancel := context.WithTimeout(ctx, c.cfg.UpdateTimeout)
	applied, err := c.deps.Applier.Apply(actx, collab.ApplyRequest{
		AgentType:       ev.AgentType,
		Proposal:        ev.Proposal,
		Updates:         suggestions,
		LearningContext: learned,
	})
	cancel()
	if err == nil && applied == nil {
		err = errors.New("applier returned no result")
	}
	if err != nil {
		res.Reason = ReasonApplyFailed
		res.Error = types.NewExternalError("apply updates", err).Error()
		return res
	}
	res.UpdatesCount = applied.UpdatesApplied
	if applied.UpdatesApplied == 0 {
		res.Success, res.Reason = true, ReasonNoUpdates
		return res
	}

	// 5. Submit.
	candidate := buildCandidate(ev, applied)
	if strings.TrimSpace(candidate.CodeAfter) == "" {
		res.Success, res.Reason = true, ReasonNoChange
		return res
	}
	submitted, err := c.deps.Submitter.Submit(ctx, candidate)
	if err != nil {
		res.Reason = ReasonSubmitFailed
		res.Error = types.ReasonOf(err)
		return res
	}
	res.Success = true
	res.DuplicateClass = submitted.DuplicateClass
	res.DuplicateOf = submitted.Reference
	if !submitted.Created() {
		res.Reason = ReasonExactDuplicate
		return res
	}
	res.Reason = ReasonSubmitted
	res.ApprovalID = submitted.Approval.ID
	res.ExternalChangeRef = submitted.Approval.ExternalChangeRef
	return res
}

func (c *Cycle) validate(ev *Event) error {
	const op = "validate cycle event"
	if ev.Proposal == nil {
		return types.NewValidationError(op, "proposal is required")
	}
	agent := ev.AgentType
	if agent == "" {
		agent = ev.Proposal.AgentType
	}
	a, err := types.ParseAgentType(string(agent))
	if err != nil {
		return err
	}
	ev.AgentType = a
	o, err := types.ParseOutcome(string(ev.Outcome))
	if err != nil {
		return err
	}
	ev.Outcome = o
	if strings.TrimSpace(ev.Proposal.FilePath) == "" {
		return types.NewValidationError(op, "file path is required")
	}
	return nil
}

func (c *Cycle) learningContext(ctx context.Context, agent types.AgentType) string {
	if c.deps.Context == nil {
		return ""
	}
	s, err := c.deps.Context.LearningContext(ctx, agent)
	if err != nil {
		logging.CycleWarn("learning context for %s unavailable: %v", agent, err)
		return ""
	}
	return s
}

func (c *Cycle) finish(ev Event, res Result, d time.Duration) {
	if c.deps.Recorder != nil {
		c.deps.Recorder.Cycle(res.Success, res.Reason, d)
	}
	file := ""
	if ev.Proposal != nil {
		file = ev.Proposal.FilePath
	}
	if res.Success {
		logging.Cycle("cycle for %s on %s: %s (insights=%d updates=%d approval=%s)",
			ev.AgentType, file, res.Reason, res.InsightsCount, res.UpdatesCount, res.ApprovalID)
	} else {
		logging.CycleWarn("cycle for %s on %s failed: %s %s", ev.AgentType, file, res.Reason, res.Error)
	}
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditCycleComplete,
		Subject: res.ApprovalID,
		Actor:   string(ev.AgentType),
		Success: res.Success,
		Message: res.Reason,
		Fields: map[string]interface{}{
			"file_path":   file,
			"insights":    res.InsightsCount,
			"updates":     res.UpdatesCount,
			"duration_ms": d.Milliseconds(),
		},
	})
}

// lockKey is the proposal id, or agent and file when the proposal has no id.
func lockKey(ev Event) string {
	if ev.Proposal.ID != "" {
		return ev.Proposal.ID
	}
	return fmt.Sprintf("%s\x00%s", ev.AgentType, ev.Proposal.FilePath)
}

// buildCandidate turns the applier's diff into a new proposal. Missing
// fields fall back to the triggering proposal: its after text becomes the
// new before text.
func buildCandidate(ev Event, applied *collab.ApplyResult) *types.Proposal {
	src := ev.Proposal
	p := &types.Proposal{
		AgentType:       ev.AgentType,
		FilePath:        applied.FilePath,
		CodeBefore:      applied.CodeBefore,
		CodeAfter:       applied.CodeAfter,
		ImprovementType: applied.ImprovementType,
		Description:     strings.Join(applied.Changes, "; "),
	}
	if p.FilePath == "" {
		p.FilePath = src.FilePath
	}
	if p.CodeBefore == "" {
		p.CodeBefore = src.CodeAfter
	}
	if p.ImprovementType == "" {
		p.ImprovementType = src.ImprovementType
	}
	return p
}
