// Package collab holds clients for the external collaborators: the
// insight-gathering service, the code-update applier, the build runner and
// the version-control publisher.
package collab

import (
	"warpgate/internal/types"
)

// =============================================================================
// INSIGHTS
// =============================================================================

// Insight is one record returned by the insight service.
type Insight struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// GatherRequest is the payload for the insight service.
type GatherRequest struct {
	AgentType       types.AgentType `json:"agent_type"`
	Proposal        *types.Proposal `json:"proposal"`
	Outcome         types.Outcome   `json:"outcome"`
	LearningContext string          `json:"learning_context,omitempty"`
	MaxInsights     int             `json:"max_insights,omitempty"`
}

// GatherResult is the insight service response.
type GatherResult struct {
	Insights        []Insight `json:"insights"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Sources         []string  `json:"sources,omitempty"`
}

// =============================================================================
// UPDATES
// =============================================================================

// Suggestion is a derived code-update suggestion. Lower priority runs first.
type Suggestion struct {
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
}

// ApplyRequest is the payload for the code-update applier.
type ApplyRequest struct {
	AgentType       types.AgentType `json:"agent_type"`
	Proposal        *types.Proposal `json:"proposal"`
	Updates         []Suggestion    `json:"updates"`
	LearningContext string          `json:"learning_context,omitempty"`
}

// ApplyResult is the applier response. CodeBefore/CodeAfter carry the
// resulting diff when the applier produced one.
type ApplyResult struct {
	UpdatesApplied  int                   `json:"updates_applied"`
	FilePath        string                `json:"file_path"`
	Changes         []string              `json:"changes"`
	CodeBefore      string                `json:"code_before,omitempty"`
	CodeAfter       string                `json:"code_after,omitempty"`
	ImprovementType types.ImprovementType `json:"improvement_type,omitempty"`
}

// =============================================================================
// PUBLISH
// =============================================================================

// ChangeSet is what gets published for an approved proposal.
type ChangeSet struct {
	ApprovalID  string          `json:"approval_id"`
	ProposalID  string          `json:"proposal_id"`
	AgentType   types.AgentType `json:"agent_type"`
	FilePath    string          `json:"file_path"`
	CodeBefore  string          `json:"code_before"`
	CodeAfter   string          `json:"code_after"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	BuildRef    string          `json:"build_ref"`
}

// NewChangeSet builds the change set for a proposal and its approval.
func NewChangeSet(a *types.Approval, p *types.Proposal) ChangeSet {
	title := p.Description
	if title == "" {
		title = string(p.ImprovementType) + " improvement to " + p.FilePath
	}
	desc := "Proposed by " + string(p.AgentType) + ", approved by " + a.Reviewer
	if a.DecisionReason != "" {
		desc += ": " + a.DecisionReason
	}
	return ChangeSet{
		ApprovalID:  a.ID,
		ProposalID:  p.ID,
		AgentType:   p.AgentType,
		FilePath:    p.FilePath,
		CodeBefore:  p.CodeBefore,
		CodeAfter:   p.CodeAfter,
		Title:       title,
		Description: desc,
		BuildRef:    a.BuildRef,
	}
}

// BuildResult is the outcome of a build run.
type BuildResult struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}
