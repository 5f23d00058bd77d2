// Package types defines the records and error taxonomy shared by the
// admission gate, deduplication, learning, approval and cycle packages.
package types

import (
	"fmt"
	"strings"
	"time"
)

// AgentType names the autonomous agent that authored a proposal.
type AgentType string

const (
	AgentImperium  AgentType = "imperium"
	AgentGuardian  AgentType = "guardian"
	AgentSandbox   AgentType = "sandbox"
	AgentConquest  AgentType = "conquest"
	AgentTerra     AgentType = "terra"
	AgentCustodes  AgentType = "custodes"
	AgentWarmaster AgentType = "warmaster"
)

// KnownAgents lists the built-in agent types, in display order. Other
// identifiers are accepted as long as they pass ParseAgentType.
var KnownAgents = []AgentType{
	AgentImperium, AgentGuardian, AgentSandbox, AgentConquest,
	AgentTerra, AgentCustodes, AgentWarmaster,
}

// ParseAgentType validates a raw agent identifier: non-empty, at most 64
// bytes, no whitespace.
func ParseAgentType(s string) (AgentType, error) {
	const op = "parse agent type"
	a := strings.TrimSpace(s)
	if a == "" {
		return "", NewValidationError(op, "agent type is required")
	}
	if len(a) > 64 || strings.ContainsAny(a, " \t\r\n") {
		return "", NewValidationError(op, fmt.Sprintf("invalid agent type %q", s))
	}
	return AgentType(a), nil
}

// ImprovementType classifies what a proposal tries to improve.
type ImprovementType string

const (
	ImprovementPerformance   ImprovementType = "performance"
	ImprovementSecurity      ImprovementType = "security"
	ImprovementReadability   ImprovementType = "readability"
	ImprovementBugFix        ImprovementType = "bugfix"
	ImprovementRefactor      ImprovementType = "refactor"
	ImprovementTesting       ImprovementType = "testing"
	ImprovementErrorHandling ImprovementType = "error_handling"
	ImprovementGeneral       ImprovementType = "general"
)

var knownImprovements = []ImprovementType{
	ImprovementPerformance, ImprovementSecurity, ImprovementReadability,
	ImprovementBugFix, ImprovementRefactor, ImprovementTesting,
	ImprovementErrorHandling, ImprovementGeneral,
}

// ParseImprovementType validates a raw improvement type. Empty means general.
func ParseImprovementType(s string) (ImprovementType, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return ImprovementGeneral, nil
	}
	for _, k := range knownImprovements {
		if ImprovementType(raw) == k {
			return k, nil
		}
	}
	return "", NewValidationError("parse improvement type", fmt.Sprintf("unknown improvement type %q", s))
}

// DuplicateClass is the outcome of deduplication.
type DuplicateClass string

const (
	DuplicateExact    DuplicateClass = "exact"
	DuplicateSemantic DuplicateClass = "semantic"
	DuplicateSimilar  DuplicateClass = "similar"
	DuplicateNovel    DuplicateClass = "novel"
)

// Decision records the human verdict mirrored onto a proposal.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Proposal is a candidate change to one file authored by one agent.
type Proposal struct {
	ID                 string          `json:"id"`
	AgentType          AgentType       `json:"agent_type"`
	FilePath           string          `json:"file_path"`
	CodeBefore         string          `json:"code_before"`
	CodeAfter          string          `json:"code_after"`
	ImprovementType    ImprovementType `json:"improvement_type"`
	Description        string          `json:"description,omitempty"`
	CodeHash           string          `json:"code_hash"`
	SemanticHash       string          `json:"semantic_hash"`
	NearestNeighborID  string          `json:"nearest_neighbor_id,omitempty"`
	SimilarityScore    *float64        `json:"similarity_score,omitempty"`
	DuplicateClass     DuplicateClass  `json:"duplicate_class"`
	Confidence         float64         `json:"confidence"`
	UserFeedbackReason string          `json:"user_feedback_reason,omitempty"`
	ReasonCode         ReasonCode      `json:"reason_code,omitempty"`
	Decision           Decision        `json:"decision,omitempty"`
	Status             ApprovalStatus  `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	DecidedAt          *time.Time      `json:"decided_at,omitempty"`
}

// Validate checks the fields a submitter must supply and normalizes the
// agent and improvement types in place.
func (p *Proposal) Validate() error {
	const op = "validate proposal"
	if p == nil {
		return NewValidationError(op, "proposal is required")
	}
	agent, err := ParseAgentType(string(p.AgentType))
	if err != nil {
		return err
	}
	p.AgentType = agent
	if strings.TrimSpace(p.FilePath) == "" {
		return NewValidationError(op, "file path is required")
	}
	if strings.TrimSpace(p.CodeAfter) == "" {
		return NewValidationError(op, "code after is required")
	}
	if p.CodeBefore == p.CodeAfter {
		return NewValidationError(op, "no meaningful changes")
	}
	imp, err := ParseImprovementType(string(p.ImprovementType))
	if err != nil {
		return err
	}
	p.ImprovementType = imp
	return nil
}

// Outcome is the test result that triggers a learning cycle.
type Outcome string

const (
	OutcomePassed Outcome = "passed"
	OutcomeFailed Outcome = "failed"
)

// ParseOutcome validates a raw outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(s))) {
	case OutcomePassed:
		return OutcomePassed, nil
	case OutcomeFailed:
		return OutcomeFailed, nil
	}
	return "", NewValidationError("parse outcome", fmt.Sprintf("unknown outcome %q", s))
}
