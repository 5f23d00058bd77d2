// Package dedup classifies a candidate proposal against the history of its
// file before it becomes reviewable.
package dedup

import (
	"context"
	"fmt"
	"time"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// History is the slice of the persistent store the engine reads.
type History interface {
	// FindByCodeHash returns the proposal on filePath with codeHash, or
	// nil when there is none. Not time-bounded.
	FindByCodeHash(ctx context.Context, filePath, codeHash string) (*types.Proposal, error)
	// FindBySemanticHash returns the newest proposal on filePath with
	// semanticHash, or nil. Not time-bounded.
	FindBySemanticHash(ctx context.Context, filePath, semanticHash string) (*types.Proposal, error)
	// RecentForFile returns proposals on filePath created at or after
	// since, newest first.
	RecentForFile(ctx context.Context, filePath string, since time.Time) ([]*types.Proposal, error)
}

// Config holds classification thresholds.
type Config struct {
	RecencyWindow     time.Duration
	SemanticThreshold float64
	SimilarThreshold  float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		RecencyWindow:     30 * 24 * time.Hour,
		SemanticThreshold: 0.8,
		SimilarThreshold:  0.7,
	}
}

// Result is a classification outcome.
type Result struct {
	Class        types.DuplicateClass `json:"duplicateClass"`
	Reference    string               `json:"reference,omitempty"`
	Similarity   *float64             `json:"similarityScore,omitempty"`
	CodeHash     string               `json:"codeHash"`
	SemanticHash string               `json:"semanticHash"`
}

// IsExact reports whether the candidate must be discarded.
func (r Result) IsExact() bool { return r.Class == types.DuplicateExact }

// Apply copies the classification onto p.
func (r Result) Apply(p *types.Proposal) {
	p.CodeHash = r.CodeHash
	p.SemanticHash = r.SemanticHash
	p.DuplicateClass = r.Class
	p.NearestNeighborID = r.Reference
	p.SimilarityScore = r.Similarity
}

// Engine runs the multi-level duplicate check.
type Engine struct {
	history History
	cfg     Config
	now     func() time.Time
}

// NewEngine creates an engine over history. Zero thresholds fall back to
// the defaults.
func NewEngine(history History, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = def.SemanticThreshold
	}
	if cfg.SimilarThreshold <= 0 {
		cfg.SimilarThreshold = def.SimilarThreshold
	}
	return &Engine{history: history, cfg: cfg, now: time.Now}
}

// Classify runs exact hash, semantic hash, then line similarity, stopping
// at the first level that matches. Both hash lookups cover all history.
func (e *Engine) Classify(ctx context.Context, candidate *types.Proposal) (Result, error) {
	timer := logging.StartTimer(logging.CategoryDedup, "Classify")
	defer timer.StopWithThreshold(100 * time.Millisecond)

	res := Result{
		CodeHash:     CodeHash(candidate.CodeBefore, candidate.CodeAfter),
		SemanticHash: SemanticHash(candidate.CodeAfter),
	}

	existing, err := e.history.FindByCodeHash(ctx, candidate.FilePath, res.CodeHash)
	if err != nil {
		return Result{}, fmt.Errorf("failed to look up code hash: %w", err)
	}
	if existing != nil {
		res.Class = types.DuplicateExact
		res.Reference = existing.ID
		one := 1.0
		res.Similarity = &one
		logging.Dedup("exact duplicate on %s: matches %s", candidate.FilePath, existing.ID)
		return res, nil
	}

	same, err := e.history.FindBySemanticHash(ctx, candidate.FilePath, res.SemanticHash)
	if err != nil {
		return Result{}, fmt.Errorf("failed to look up semantic hash: %w", err)
	}
	if same != nil && same.ID != candidate.ID {
		res.Class = types.DuplicateSemantic
		res.Reference = same.ID
		score := Similarity(candidate.CodeAfter, same.CodeAfter)
		res.Similarity = &score
		logging.Dedup("semantic duplicate on %s: normalized form matches %s", candidate.FilePath, same.ID)
		return res, nil
	}

	// Only similarity scoring is bounded by the recency window.
	recent, err := e.history.RecentForFile(ctx, candidate.FilePath, e.now().Add(-e.cfg.RecencyWindow))
	if err != nil {
		return Result{}, fmt.Errorf("failed to load recent proposals: %w", err)
	}
	if len(recent) == 0 {
		res.Class = types.DuplicateNovel
		logging.DedupDebug("no recent history for %s: novel", candidate.FilePath)
		return res, nil
	}

	best, bestID := -1.0, ""
	for _, p := range recent {
		if p.ID == candidate.ID {
			continue
		}
		if s := Similarity(candidate.CodeAfter, p.CodeAfter); s > best {
			best, bestID = s, p.ID
		}
	}

	switch {
	case bestID == "":
		res.Class = types.DuplicateNovel
	case best >= e.cfg.SemanticThreshold:
		res.Class = types.DuplicateSemantic
	case best >= e.cfg.SimilarThreshold:
		res.Class = types.DuplicateSimilar
	default:
		res.Class = types.DuplicateNovel
	}
	if res.Class != types.DuplicateNovel {
		res.Reference = bestID
		res.Similarity = &best
	}
	logging.DedupDebug("classified %s against %d recent: class=%s max=%.3f", candidate.FilePath, len(recent), res.Class, best)
	return res, nil
}
