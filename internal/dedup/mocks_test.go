package dedup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"warpgate/internal/types"
)

// memHistory is an in-memory History for tests.
type memHistory struct {
	mu        sync.Mutex
	proposals []*types.Proposal
	err       error
	calls     int
}

func (h *memHistory) add(p *types.Proposal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.CodeHash == "" {
		p.CodeHash = CodeHash(p.CodeBefore, p.CodeAfter)
	}
	if p.SemanticHash == "" {
		p.SemanticHash = SemanticHash(p.CodeAfter)
	}
	h.proposals = append(h.proposals, p)
}

func (h *memHistory) FindByCodeHash(_ context.Context, filePath, codeHash string) (*types.Proposal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	for _, p := range h.proposals {
		if p.FilePath == filePath && p.CodeHash == codeHash {
			return p, nil
		}
	}
	return nil, nil
}

func (h *memHistory) FindBySemanticHash(_ context.Context, filePath, semanticHash string) (*types.Proposal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	var newest *types.Proposal
	for _, p := range h.proposals {
		if p.FilePath == filePath && p.SemanticHash == semanticHash {
			if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
				newest = p
			}
		}
	}
	return newest, nil
}

func (h *memHistory) RecentForFile(_ context.Context, filePath string, since time.Time) ([]*types.Proposal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	var out []*types.Proposal
	for _, p := range h.proposals {
		if p.FilePath == filePath && !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var errHistory = errors.New("history unavailable")
