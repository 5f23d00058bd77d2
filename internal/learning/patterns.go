// Package learning mines historical human decisions into ranked feedback
// patterns and turns them into an advisory confidence score.
package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// =============================================================================
// PATTERN MINING
// =============================================================================

// PatternKind separates what reviewers rejected from what they approved.
type PatternKind string

const (
	KindMistake PatternKind = "mistake"
	KindSuccess PatternKind = "success"
)

// Exemplar identifies one decided proposal behind a pattern.
type Exemplar struct {
	ProposalID      string                `json:"proposalId"`
	FilePath        string                `json:"filePath"`
	ImprovementType types.ImprovementType `json:"improvementType"`
}

// FeedbackPattern is a derived projection over decided proposals. Never
// persisted.
type FeedbackPattern struct {
	Kind            PatternKind           `json:"kind"`
	Signature       string                `json:"signature"`
	ImprovementType types.ImprovementType `json:"improvementType,omitempty"`
	ReasonCode      types.ReasonCode      `json:"reasonCode,omitempty"`
	Count           int                   `json:"count"`
	Frequency       float64               `json:"frequency"`
	Exemplars       []Exemplar            `json:"exemplars"`
}

// ExemplarProposalIDs lists the ids of the exemplar proposals.
func (p FeedbackPattern) ExemplarProposalIDs() []string {
	ids := make([]string, len(p.Exemplars))
	for i, e := range p.Exemplars {
		ids[i] = e.ProposalID
	}
	return ids
}

// PatternSet is the output of AnalyzePatterns.
type PatternSet struct {
	AgentType     types.AgentType   `json:"agentType"`
	WindowDays    int               `json:"windowDays"`
	TotalRejected int               `json:"totalRejected"`
	TotalApproved int               `json:"totalApproved"`
	Mistakes      []FeedbackPattern `json:"mistakes"`
	Successes     []FeedbackPattern `json:"successes"`
}

// DecisionSource is the slice of the persistent store the engine reads.
type DecisionSource interface {
	// DecidedForAgent returns proposals of agentType that carry a human
	// decision made at or after since.
	DecidedForAgent(ctx context.Context, agentType types.AgentType, since time.Time) ([]*types.Proposal, error)
}

// Config tunes mining and scoring.
type Config struct {
	WindowDays      int
	TopK            int
	MatchTopN       int
	BaseConfidence  float64
	SuccessBoost    float64
	MistakePenalty  float64
	SemanticPenalty float64
	SimilarPenalty  float64
}

// DefaultConfig returns the standard weights.
func DefaultConfig() Config {
	return Config{
		WindowDays:      30,
		TopK:            5,
		MatchTopN:       3,
		BaseConfidence:  0.5,
		SuccessBoost:    0.1,
		MistakePenalty:  0.2,
		SemanticPenalty: 0.2,
		SimilarPenalty:  0.1,
	}
}

// Engine computes patterns and confidence on demand.
type Engine struct {
	source DecisionSource
	cfg    Config
	now    func() time.Time
}

// NewEngine creates an engine over source.
func NewEngine(source DecisionSource, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = def.WindowDays
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MatchTopN <= 0 {
		cfg.MatchTopN = def.MatchTopN
	}
	return &Engine{source: source, cfg: cfg, now: time.Now}
}

type group struct {
	pattern *FeedbackPattern
	key     string
}

// AnalyzePatterns groups the agent's decided proposals inside the window.
// Rejections group by normalized reason, with no reason given as its own
// group; approvals group by improvement type and normalized reason. Each list is the top-K by frequency.
func (e *Engine) AnalyzePatterns(ctx context.Context, agentType types.AgentType, windowDays int) (*PatternSet, error) {
	if windowDays <= 0 {
		windowDays = e.cfg.WindowDays
	}
	timer := logging.StartTimer(logging.CategoryLearning, "AnalyzePatterns")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	since := e.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	decided, err := e.source.DecidedForAgent(ctx, agentType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions for %s: %w", agentType, err)
	}

	set := &PatternSet{AgentType: agentType, WindowDays: windowDays}
	mistakes := map[string]*group{}
	successes := map[string]*group{}

	for _, p := range decided {
		reason := types.NormalizeReason(p.UserFeedbackReason)
		ex := Exemplar{ProposalID: p.ID, FilePath: p.FilePath, ImprovementType: p.ImprovementType}
		switch p.Decision {
		case types.DecisionRejected:
			set.TotalRejected++
			g := mistakes[reason]
			if g == nil {
				g = &group{key: reason, pattern: &FeedbackPattern{
					Kind:       KindMistake,
					Signature:  reason,
					ReasonCode: types.ClassifyReason(reason),
				}}
				mistakes[reason] = g
			}
			g.pattern.Count++
			g.pattern.Exemplars = append(g.pattern.Exemplars, ex)
		case types.DecisionApproved:
			set.TotalApproved++
			key := string(p.ImprovementType) + "\x00" + reason
			g := successes[key]
			if g == nil {
				g = &group{key: key, pattern: &FeedbackPattern{
					Kind:            KindSuccess,
					Signature:       reason,
					ImprovementType: p.ImprovementType,
					ReasonCode:      types.ClassifyReason(reason),
				}}
				successes[key] = g
			}
			g.pattern.Count++
			g.pattern.Exemplars = append(g.pattern.Exemplars, ex)
		}
	}

	set.Mistakes = rank(mistakes, set.TotalRejected, e.cfg.TopK)
	set.Successes = rank(successes, set.TotalApproved, e.cfg.TopK)

	logging.LearningDebug("patterns for %s over %dd: rejected=%d approved=%d mistakes=%d successes=%d",
		agentType, windowDays, set.TotalRejected, set.TotalApproved, len(set.Mistakes), len(set.Successes))
	return set, nil
}

// rank computes frequencies and returns the top k, highest first. Ties
// break on group key so output is deterministic.
func rank(groups map[string]*group, total, k int) []FeedbackPattern {
	list := make([]*group, 0, len(groups))
	for _, g := range groups {
		g.pattern.Frequency = float64(g.pattern.Count) / float64(total)
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].pattern.Frequency != list[j].pattern.Frequency {
			return list[i].pattern.Frequency > list[j].pattern.Frequency
		}
		return list[i].key < list[j].key
	})
	if len(list) > k {
		list = list[:k]
	}
	out := make([]FeedbackPattern, len(list))
	for i, g := range list {
		out[i] = *g.pattern
	}
	return out
}

// LearningContext renders the top patterns for the external code-update
// generator.
func (e *Engine) LearningContext(ctx context.Context, agentType types.AgentType) (string, error) {
	set, err := e.AnalyzePatterns(ctx, agentType, e.cfg.WindowDays)
	if err != nil {
		return "", err
	}
	return FormatContext(set), nil
}

// FormatContext renders a PatternSet as plain text.
func FormatContext(set *PatternSet) string {
	if len(set.Mistakes) == 0 && len(set.Successes) == 0 {
		return fmt.Sprintf("No reviewer feedback recorded for %s in the last %d days.", set.AgentType, set.WindowDays)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reviewer feedback for %s (last %d days):\n", set.AgentType, set.WindowDays)
	if len(set.Mistakes) > 0 {
		b.WriteString("Avoid:\n")
		for _, p := range set.Mistakes {
			fmt.Fprintf(&b, "- %s (%.0f%% of %d rejections)\n", signature(p), p.Frequency*100, set.TotalRejected)
		}
	}
	if len(set.Successes) > 0 {
		b.WriteString("Repeat:\n")
		for _, p := range set.Successes {
			fmt.Fprintf(&b, "- %s: %s (%.0f%% of %d approvals)\n", p.ImprovementType, signature(p), p.Frequency*100, set.TotalApproved)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func signature(p FeedbackPattern) string {
	if p.Signature == "" {
		return "no reason given"
	}
	return p.Signature
}
