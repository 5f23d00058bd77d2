// Package approval owns the proposal lifecycle from submission to a
// terminal state:
//
//	PENDING -> APPROVED -> BUILDING -> BUILD_PASSED -> PUBLISHING -> COMPLETED
//	BUILDING -> BUILD_FAILED -> FAILED
//	PUBLISHING -> FAILED
//	PENDING -> REJECTED
//
// Every status change is a compare-and-set in the store. Only a human
// decision moves a record out of PENDING.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"warpgate/internal/collab"
	"warpgate/internal/dedup"
	"warpgate/internal/logging"
	"warpgate/internal/store"
	"warpgate/internal/types"
)

// Store is the persistence the machine needs.
type Store interface {
	CreateSubmission(ctx context.Context, p *types.Proposal, a *types.Approval, lim store.Limits) error
	GetProposal(ctx context.Context, id string) (*types.Proposal, error)
	GetApproval(ctx context.Context, id string) (*types.Approval, error)
	GetApprovalByProposal(ctx context.Context, proposalID string) (*types.Approval, error)
	FindByCodeHash(ctx context.Context, filePath, codeHash string) (*types.Proposal, error)
	ListApprovals(ctx context.Context, f store.ApprovalFilter) ([]*types.Approval, error)
	Transition(ctx context.Context, t types.Transition) (*types.Approval, error)
	Transitions(ctx context.Context, approvalID string) ([]types.Transition, error)
	Stats(ctx context.Context, agentType types.AgentType, since time.Time) (*types.Stats, error)
}

// Classifier runs duplicate detection.
type Classifier interface {
	Classify(ctx context.Context, candidate *types.Proposal) (dedup.Result, error)
}

// Scorer produces the advisory confidence.
type Scorer interface {
	Score(ctx context.Context, candidate *types.Proposal, class types.DuplicateClass) (float64, error)
}

// Builder runs the build stage.
type Builder interface {
	Build(ctx context.Context, a *types.Approval, p *types.Proposal) (*collab.BuildResult, error)
}

// Publisher opens a change request on the version-control host.
type Publisher interface {
	Publish(ctx context.Context, cs collab.ChangeSet) (string, error)
}

// Recorder receives lifecycle events. Metrics implement it.
type Recorder interface {
	Submission(class string)
	Transition(from, to string)
	Conflict(op string)
	Stage(stage string, success bool, d time.Duration)
	PipelineStarted()
	PipelineFinished()
}

// Config tunes the machine.
type Config struct {
	// MaxPendingPerAgent caps PENDING approvals per agent. 0 is unlimited.
	MaxPendingPerAgent int
	// MaxDailyPerAgent caps submissions per agent in the trailing 24h.
	// 0 is unlimited.
	MaxDailyPerAgent   int
	BuildTimeout       time.Duration
	PublishTimeout     time.Duration
}

// Deps bundles the collaborators. Builder and Publisher may be nil, in
// which case the stage waits for ReportBuild / ReportPublish.
type Deps struct {
	Store      Store
	Classifier Classifier
	Scorer     Scorer
	Builder    Builder
	Publisher  Publisher
	Recorder   Recorder
}

// Machine is the approval state machine.
type Machine struct {
	store      Store
	classifier Classifier
	scorer     Scorer
	builder    Builder
	publisher  Publisher
	recorder   Recorder
	cfg        Config

	now   func() time.Time
	newID func() string

	// Background pipelines outlive the request that scheduled them.
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewMachine creates a machine. Store, Classifier and Scorer are required.
func NewMachine(deps Deps, cfg Config) (*Machine, error) {
	if deps.Store == nil || deps.Classifier == nil || deps.Scorer == nil {
		return nil, errors.New("approval machine requires store, classifier and scorer")
	}
	if cfg.MaxPendingPerAgent < 0 {
		return nil, fmt.Errorf("max pending per agent must be >= 0, got %d", cfg.MaxPendingPerAgent)
	}
	if cfg.MaxDailyPerAgent < 0 {
		return nil, fmt.Errorf("max daily per agent must be >= 0, got %d", cfg.MaxDailyPerAgent)
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 90 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 90 * time.Second
	}
	return &Machine{
		store:      deps.Store,
		classifier: deps.Classifier,
		scorer:     deps.Scorer,
		builder:    deps.Builder,
		publisher:  deps.Publisher,
		recorder:   deps.Recorder,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		baseCtx:    context.Background(),
	}, nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitResult is the outcome of Submit. For an exact duplicate only
// DuplicateClass and Reference are set and nothing was stored.
type SubmitResult struct {
	DuplicateClass types.DuplicateClass `json:"duplicateClass"`
	Reference      string               `json:"reference,omitempty"`
	Similarity     *float64             `json:"similarityScore,omitempty"`
	Proposal       *types.Proposal      `json:"proposal,omitempty"`
	Approval       *types.Approval      `json:"approval,omitempty"`
}

// Created reports whether a reviewable record was created.
func (r *SubmitResult) Created() bool { return r.Approval != nil }

// Submit validates, classifies and scores a candidate, then stores it with
// a PENDING approval unless it is an exact duplicate.
func (m *Machine) Submit(ctx context.Context, candidate *types.Proposal) (*SubmitResult, error) {
	const op = "submit proposal"
	if candidate == nil {
		return nil, types.NewValidationError(op, "proposal is required")
	}
	p := *candidate
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if dedup.Normalize(p.CodeBefore) == dedup.Normalize(p.CodeAfter) {
		return nil, types.NewValidationError(op, "cosmetic change")
	}

	res, err := m.classifier.Classify(ctx, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to classify proposal: %w", err)
	}
	m.recordSubmission(res.Class)
	if res.IsExact() {
		return m.exact(&p, res.Reference), nil
	}

	confidence, err := m.scorer.Score(ctx, &p, res.Class)
	if err != nil {
		return nil, fmt.Errorf("failed to score proposal: %w", err)
	}

	now := m.now()
	if p.ID == "" {
		p.ID = m.newID()
	}
	res.Apply(&p)
	p.Confidence = confidence
	p.Status = types.StatusPending
	p.Decision = types.DecisionNone
	p.UserFeedbackReason = ""
	p.ReasonCode = ""
	p.DecidedAt = nil
	p.CreatedAt = now

	a := &types.Approval{
		ID:             m.newID(),
		ProposalID:     p.ID,
		AgentType:      p.AgentType,
		Status:         types.StatusPending,
		Confidence:     confidence,
		DuplicateClass: res.Class,
		DuplicateOf:    res.Reference,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	lim := store.Limits{
		MaxPending: m.cfg.MaxPendingPerAgent,
		MaxDaily:   m.cfg.MaxDailyPerAgent,
		DailySince: now.Add(-24 * time.Hour),
	}
	if err := m.store.CreateSubmission(ctx, &p, a, lim); err != nil {
		if errors.Is(err, types.ErrValidation) {
			logging.ApprovalWarn("submission from %s rejected: %s", p.AgentType, types.ReasonOf(err))
			return nil, err
		}
		if errors.Is(err, store.ErrDuplicateHash) {
			// Lost a race with an identical submission.
			existing, lookupErr := m.store.FindByCodeHash(ctx, p.FilePath, p.CodeHash)
			if lookupErr == nil && existing != nil {
				return m.exact(&p, existing.ID), nil
			}
		}
		return nil, fmt.Errorf("failed to store proposal: %w", err)
	}

	logging.Approval("proposal %s from %s on %s: class=%s confidence=%.2f approval=%s",
		p.ID, p.AgentType, p.FilePath, res.Class, confidence, a.ID)
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditProposalSubmit,
		Subject: a.ID,
		Actor:   string(p.AgentType),
		To:      string(types.StatusPending),
		Success: true,
		Fields: map[string]interface{}{
			"proposal_id":     p.ID,
			"file_path":       p.FilePath,
			"duplicate_class": string(res.Class),
			"confidence":      confidence,
		},
	})
	return &SubmitResult{
		DuplicateClass: res.Class,
		Reference:      res.Reference,
		Similarity:     res.Similarity,
		Proposal:       &p,
		Approval:       a,
	}, nil
}

func (m *Machine) exact(p *types.Proposal, ref string) *SubmitResult {
	logging.Approval("exact duplicate from %s on %s: matches %s, nothing stored", p.AgentType, p.FilePath, ref)
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditProposalExact,
		Subject: ref,
		Actor:   string(p.AgentType),
		Success: true,
		Fields:  map[string]interface{}{"file_path": p.FilePath},
	})
	one := 1.0
	return &SubmitResult{DuplicateClass: types.DuplicateExact, Reference: ref, Similarity: &one}
}

// =============================================================================
// HUMAN DECISIONS
// =============================================================================

// Approve moves a PENDING approval to APPROVED and schedules the build.
// On an approval already BUILDING or further along the happy path it
// returns the existing record, build reference included, and schedules
// nothing. An approval stuck in APPROVED gets its build scheduled. Any
// other status is a conflict.
func (m *Machine) Approve(ctx context.Context, id, reviewer, reason string) (*types.Approval, error) {
	const op = "approve"
	if reviewer == "" {
		return nil, types.NewValidationError(op, "reviewer is required")
	}
	cur, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == types.StatusApproved {
		return m.scheduleBuild(ctx, cur)
	}
	if cur.Status != types.StatusPending {
		return m.reapprove(op, cur)
	}

	approved, err := m.transition(ctx, op, types.Transition{
		ID:         id,
		From:       types.StatusPending,
		To:         types.StatusApproved,
		Reviewer:   reviewer,
		Reason:     reason,
		ReasonCode: types.ClassifyReason(reason),
		BuildRef:   m.newID(),
	})
	if err != nil {
		// Lost the race: the winner's record is the idempotent answer.
		if latest, ok := types.StateOf(err).(*types.Approval); ok && latest.Status.OnApprovedPath() {
			if latest.Status == types.StatusApproved {
				return m.scheduleBuild(ctx, latest)
			}
			return latest, nil
		}
		return nil, err
	}
	return m.scheduleBuild(ctx, approved)
}

// scheduleBuild moves an APPROVED record to BUILDING and starts the build.
// A record left APPROVED by a failed attempt is retried on the next
// approve. Losing the step to a concurrent caller returns its record.
func (m *Machine) scheduleBuild(ctx context.Context, approved *types.Approval) (*types.Approval, error) {
	building, err := m.transition(ctx, "schedule build", types.Transition{
		ID:   approved.ID,
		From: types.StatusApproved,
		To:   types.StatusBuilding,
	})
	if err != nil {
		if latest, ok := types.StateOf(err).(*types.Approval); ok && latest.Status.OnApprovedPath() {
			return latest, nil
		}
		logging.ApprovalError("approval %s is APPROVED but its build could not be scheduled, approve again to retry: %v", approved.ID, err)
		return nil, err
	}

	if m.builder != nil {
		m.spawn(func(ctx context.Context) { m.runBuild(ctx, building) })
	} else {
		logging.ApprovalDebug("approval %s: no builder configured, awaiting reported result", approved.ID)
	}
	return building, nil
}

// reapprove applies the idempotence rule to a non-PENDING record.
func (m *Machine) reapprove(op string, cur *types.Approval) (*types.Approval, error) {
	if cur.Status.OnApprovedPath() {
		logging.ApprovalDebug("approval %s already %s, returning build ref %s", cur.ID, cur.Status, cur.BuildRef)
		return cur, nil
	}
	m.recordConflict(op, cur, types.StatusPending)
	return nil, types.NewConflictError(op, types.StatusPending, cur.Status, cur)
}

// Reject moves a PENDING approval to REJECTED, recording reason verbatim.
func (m *Machine) Reject(ctx context.Context, id, reviewer, reason string) (*types.Approval, error) {
	const op = "reject"
	if reviewer == "" {
		return nil, types.NewValidationError(op, "reviewer is required")
	}
	return m.transition(ctx, op, types.Transition{
		ID:         id,
		From:       types.StatusPending,
		To:         types.StatusRejected,
		Reviewer:   reviewer,
		Reason:     reason,
		ReasonCode: types.ClassifyReason(reason),
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// Detail is an approval with its proposal and transition history.
type Detail struct {
	Approval    *types.Approval    `json:"approval"`
	Proposal    *types.Proposal    `json:"proposal"`
	Transitions []types.Transition `json:"transitions"`
}

// Get loads one approval.
func (m *Machine) Get(ctx context.Context, id string) (*types.Approval, error) {
	return m.store.GetApproval(ctx, id)
}

// GetDetail loads an approval with its proposal and history.
func (m *Machine) GetDetail(ctx context.Context, id string) (*Detail, error) {
	a, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := m.store.GetProposal(ctx, a.ProposalID)
	if err != nil {
		return nil, err
	}
	history, err := m.store.Transitions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Approval: a, Proposal: p, Transitions: history}, nil
}

// GetProposal loads one proposal.
func (m *Machine) GetProposal(ctx context.Context, id string) (*types.Proposal, error) {
	return m.store.GetProposal(ctx, id)
}

// ListPending returns PENDING approvals, oldest first. An empty agentType
// lists every agent.
func (m *Machine) ListPending(ctx context.Context, agentType types.AgentType, limit int) ([]*types.Approval, error) {
	return m.store.ListApprovals(ctx, store.ApprovalFilter{
		Status:    types.StatusPending,
		AgentType: agentType,
		Limit:     limit,
	})
}

// Stats summarizes approvals created in the last windowDays.
func (m *Machine) Stats(ctx context.Context, agentType types.AgentType, windowDays int) (*types.Stats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := m.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	st, err := m.store.Stats(ctx, agentType, since)
	if err != nil {
		return nil, err
	}
	st.WindowDays = windowDays
	return st, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// transition runs one guarded status change and records it.
func (m *Machine) transition(ctx context.Context, op string, t types.Transition) (*types.Approval, error) {
	if t.At.IsZero() {
		t.At = m.now()
	}
	a, err := m.store.Transition(ctx, t)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			cur, _ := types.StateOf(err).(*types.Approval)
			m.recordConflict(op, cur, t.From)
			// Re-issue under this op so callers see what they asked for.
			var actual types.ApprovalStatus
			if cur != nil {
				actual = cur.Status
			}
			return nil, types.NewConflictError(op, t.From, actual, cur)
		}
		return nil, err
	}

	if m.recorder != nil {
		m.recorder.Transition(string(t.From), string(t.To))
	}
	logging.Approval("approval %s: %s -> %s", t.ID, t.From, t.To)
	ev := logging.AuditEvent{
		Type:    logging.AuditApprovalChange,
		Subject: t.ID,
		Actor:   t.Reviewer,
		From:    string(t.From),
		To:      string(t.To),
		Success: true,
		Message: op,
	}
	if t.Error != "" {
		ev.Fields = map[string]interface{}{"error": t.Error}
	}
	logging.Audit(ev)
	return a, nil
}

func (m *Machine) recordConflict(op string, cur *types.Approval, expected types.ApprovalStatus) {
	if m.recorder != nil {
		m.recorder.Conflict(op)
	}
	subject, actual := "", ""
	if cur != nil {
		subject, actual = cur.ID, string(cur.Status)
	}
	logging.ApprovalWarn("%s refused on %s: expected %s, found %s", op, subject, expected, actual)
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditApprovalConflict,
		Subject: subject,
		From:    actual,
		To:      string(expected),
		Success: false,
		Message: op,
	})
}

func (m *Machine) recordSubmission(class types.DuplicateClass) {
	if m.recorder != nil {
		m.recorder.Submission(string(class))
	}
}
