package learning

import (
	"context"
	"math"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// ConfidenceFor scores a candidate against the agent's top patterns.
// Start at the base, add the success boost when a top success pattern
// shares the improvement type, subtract the mistake penalty when a top
// mistake pattern has an exemplar on the same file and improvement type.
// The result is clamped to [0,1].
func (e *Engine) ConfidenceFor(ctx context.Context, candidate *types.Proposal, agentType types.AgentType) (float64, error) {
	set, err := e.AnalyzePatterns(ctx, agentType, e.cfg.WindowDays)
	if err != nil {
		return 0, err
	}
	score := ScoreAgainst(set, candidate, e.cfg)
	logging.LearningDebug("confidence for %s on %s (%s): %.2f", agentType, candidate.FilePath, candidate.ImprovementType, score)
	return score, nil
}

// Score is ConfidenceFor followed by the duplicate-class penalty.
func (e *Engine) Score(ctx context.Context, candidate *types.Proposal, class types.DuplicateClass) (float64, error) {
	c, err := e.ConfidenceFor(ctx, candidate, candidate.AgentType)
	if err != nil {
		return 0, err
	}
	return ApplyDuplicatePenalty(c, class, e.cfg), nil
}

// ScoreAgainst is the pure scoring rule over an already mined set.
func ScoreAgainst(set *PatternSet, candidate *types.Proposal, cfg Config) float64 {
	score := cfg.BaseConfidence
	n := cfg.MatchTopN
	if n <= 0 {
		n = DefaultConfig().MatchTopN
	}

	for i, p := range set.Successes {
		if i >= n {
			break
		}
		if p.ImprovementType == candidate.ImprovementType {
			score += cfg.SuccessBoost
			break
		}
	}

mistakes:
	for i, p := range set.Mistakes {
		if i >= n {
			break
		}
		for _, ex := range p.Exemplars {
			if ex.FilePath == candidate.FilePath && ex.ImprovementType == candidate.ImprovementType {
				score -= cfg.MistakePenalty
				break mistakes
			}
		}
	}
	return clamp(score)
}

// ApplyDuplicatePenalty lowers confidence for near-duplicates.
func ApplyDuplicatePenalty(confidence float64, class types.DuplicateClass, cfg Config) float64 {
	switch class {
	case types.DuplicateSemantic:
		confidence -= cfg.SemanticPenalty
	case types.DuplicateSimilar:
		confidence -= cfg.SimilarPenalty
	}
	return clamp(confidence)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
