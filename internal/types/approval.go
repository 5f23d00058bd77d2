package types

import (
	"strings"
	"time"
)

// ApprovalStatus is a node in the approval transition graph.
type ApprovalStatus string

const (
	StatusPending     ApprovalStatus = "PENDING"
	StatusApproved    ApprovalStatus = "APPROVED"
	StatusRejected    ApprovalStatus = "REJECTED"
	StatusBuilding    ApprovalStatus = "BUILDING"
	StatusBuildPassed ApprovalStatus = "BUILD_PASSED"
	StatusBuildFailed ApprovalStatus = "BUILD_FAILED"
	StatusPublishing  ApprovalStatus = "PUBLISHING"
	StatusFailed      ApprovalStatus = "FAILED"
	StatusCompleted   ApprovalStatus = "COMPLETED"
)

// AllStatuses lists every status in graph order.
var AllStatuses = []ApprovalStatus{
	StatusPending, StatusApproved, StatusRejected, StatusBuilding,
	StatusBuildPassed, StatusBuildFailed, StatusPublishing, StatusFailed,
	StatusCompleted,
}

// transitions is the forward-only edge set.
var transitions = map[ApprovalStatus][]ApprovalStatus{
	StatusPending:     {StatusApproved, StatusRejected},
	StatusApproved:    {StatusBuilding},
	StatusBuilding:    {StatusBuildPassed, StatusBuildFailed},
	StatusBuildPassed: {StatusPublishing},
	StatusBuildFailed: {StatusFailed},
	StatusPublishing:  {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to ApprovalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no edge leaves s.
func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusFailed || s == StatusCompleted
}

// OnApprovedPath reports whether s was reached through a successful approve
// and has not failed. Re-approving such a record is a no-op.
func (s ApprovalStatus) OnApprovedPath() bool {
	switch s {
	case StatusApproved, StatusBuilding, StatusBuildPassed, StatusPublishing, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus validates a raw status (case-insensitive).
func ParseStatus(s string) (ApprovalStatus, error) {
	st := ApprovalStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", NewValidationError("parse status", "unknown status "+s)
}

// Approval is the reviewable wrapper around a non-exact-duplicate proposal.
type Approval struct {
	ID                string         `json:"id"`
	ProposalID        string         `json:"proposal_id"`
	AgentType         AgentType      `json:"agent_type"`
	Status            ApprovalStatus `json:"status"`
	Reviewer          string         `json:"reviewer,omitempty"`
	DecisionReason    string         `json:"decision_reason,omitempty"`
	ReasonCode        ReasonCode     `json:"reason_code,omitempty"`
	BuildRef          string         `json:"build_ref,omitempty"`
	ExternalChangeRef string         `json:"external_change_ref,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	Confidence        float64        `json:"confidence"`
	DuplicateClass    DuplicateClass `json:"duplicate_class"`
	DuplicateOf       string         `json:"duplicate_of,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	BuildStartedAt    *time.Time     `json:"build_started_at,omitempty"`
	BuildFinishedAt   *time.Time     `json:"build_finished_at,omitempty"`
	PublishStartedAt  *time.Time     `json:"publish_started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Transition describes one guarded status change. Only the non-empty
// fields are written alongside the new status.
type Transition struct {
	ID                string
	From              ApprovalStatus
	To                ApprovalStatus
	Reviewer          string
	Reason            string
	ReasonCode        ReasonCode
	BuildRef          string
	ExternalChangeRef string
	Error             string
	At                time.Time
}

// ReasonCode is the enumerated form of a free-text decision reason.
type ReasonCode string

const (
	ReasonDuplicate   ReasonCode = "duplicate"
	ReasonPerformance ReasonCode = "performance"
	ReasonSecurity    ReasonCode = "security"
	ReasonQuality     ReasonCode = "quality"
	ReasonLogic       ReasonCode = "logic"
	ReasonStyle       ReasonCode = "style"
	ReasonTesting     ReasonCode = "testing"
	ReasonOther       ReasonCode = "other"
)

// reasonKeywords is checked in order; the first hit wins.
var reasonKeywords = []struct {
	code  ReasonCode
	words []string
}{
	{ReasonDuplicate, []string{"duplicate", "redundant", "already"}},
	{ReasonSecurity, []string{"security", "vulnerab", "injection", "unsafe"}},
	{ReasonPerformance, []string{"performance", "slow", "fast", "latency", "memory"}},
	{ReasonTesting, []string{"test", "coverage"}},
	{ReasonLogic, []string{"logic", "bug", "incorrect", "wrong", "broken"}},
	{ReasonStyle, []string{"style", "format", "naming", "cosmetic"}},
	{ReasonQuality, []string{"quality", "clean", "readab", "maintain", "good"}},
}

// ClassifyReason maps free text to a ReasonCode. The text itself is kept
// by callers; the code is auxiliary.
func ClassifyReason(reason string) ReasonCode {
	r := strings.ToLower(reason)
	if strings.TrimSpace(r) == "" {
		return ""
	}
	for _, kw := range reasonKeywords {
		for _, w := range kw.words {
			if strings.Contains(r, w) {
				return kw.code
			}
		}
	}
	return ReasonOther
}

// NormalizeReason lowercases and trims a decision reason for grouping.
func NormalizeReason(reason string) string {
	return strings.ToLower(strings.TrimSpace(reason))
}
