package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// ErrDuplicateHash is returned by CreateSubmission when another proposal
// on the same file already carries the code hash.
var ErrDuplicateHash = errors.New("proposal with identical code hash exists for file")

const proposalColumns = `id, agent_type, file_path, code_before, code_after, improvement_type,
	description, code_hash, semantic_hash, nearest_neighbor_id, similarity_score,
	duplicate_class, confidence, user_feedback_reason, reason_code, decision, status,
	created_at, decided_at`

// Limits caps submissions per agent. Zero values disable a cap.
type Limits struct {
	// MaxPending caps PENDING approvals.
	MaxPending int
	// MaxDaily caps proposals created at or after DailySince.
	MaxDaily   int
	DailySince time.Time
}

// ==== PROPOSAL OPERATIONS ====

// CreateSubmission stores a proposal and its PENDING approval atomically.
// The per-agent limits are counted inside the same transaction, and
// exceeding one is a ValidationError with nothing stored.
func (s *Store) CreateSubmission(ctx context.Context, p *types.Proposal, a *types.Approval, lim Limits) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkLimits(ctx, tx, p.AgentType, lim); err != nil {
		return err
	}

	var score sql.NullFloat64
	if p.SimilarityScore != nil {
		score = sql.NullFloat64{Float64: *p.SimilarityScore, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.AgentType), p.FilePath, p.CodeBefore, p.CodeAfter, string(p.ImprovementType),
		p.Description, p.CodeHash, p.SemanticHash, nullString(p.NearestNeighborID), score,
		string(p.DuplicateClass), p.Confidence, nullString(p.UserFeedbackReason), nullString(string(p.ReasonCode)),
		string(p.Decision), string(p.Status), toNanos(p.CreatedAt), nullTime(p.DecidedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHash
		}
		return fmt.Errorf("failed to insert proposal: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProposalID, string(a.AgentType), string(a.Status), nullString(a.Reviewer),
		nullString(a.DecisionReason), nullString(string(a.ReasonCode)), nullString(a.BuildRef),
		nullString(a.ExternalChangeRef), nullString(a.LastError), a.Confidence,
		string(a.DuplicateClass), nullString(a.DuplicateOf), toNanos(a.CreatedAt), toNanos(a.UpdatedAt),
		nullTime(a.DecidedAt), nullTime(a.BuildStartedAt), nullTime(a.BuildFinishedAt),
		nullTime(a.PublishStartedAt), nullTime(a.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit submission: %w", err)
	}
	logging.StoreDebug("Stored proposal %s with approval %s (file=%s class=%s)", p.ID, a.ID, p.FilePath, p.DuplicateClass)
	return nil
}

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*types.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewNotFoundError("get proposal", "proposal", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

// FindByCodeHash returns the proposal on filePath with codeHash, or nil.
// Not time-bounded.
func (s *Store) FindByCodeHash(ctx context.Context, filePath, codeHash string) (*types.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE file_path = ? AND code_hash = ? ORDER BY created_at ASC LIMIT 1`, filePath, codeHash)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up code hash: %w", err)
	}
	return p, nil
}

// FindBySemanticHash returns the newest proposal on filePath whose
// normalized after-code hashes to semanticHash, or nil. Not time-bounded.
func (s *Store) FindBySemanticHash(ctx context.Context, filePath, semanticHash string) (*types.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE file_path = ? AND semantic_hash = ? ORDER BY created_at DESC LIMIT 1`, filePath, semanticHash)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up semantic hash: %w", err)
	}
	return p, nil
}

// RecentForFile returns proposals on filePath created at or after since,
// newest first.
func (s *Store) RecentForFile(ctx context.Context, filePath string, since time.Time) ([]*types.Proposal, error) {
	return s.queryProposals(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE file_path = ? AND created_at >= ? ORDER BY created_at DESC`, filePath, toNanos(since))
}

// DecidedForAgent returns the agent's proposals with a human decision made
// at or after since, oldest first.
func (s *Store) DecidedForAgent(ctx context.Context, agentType types.AgentType, since time.Time) ([]*types.Proposal, error) {
	return s.queryProposals(ctx, `SELECT `+proposalColumns+` FROM proposals
		WHERE agent_type = ? AND decision != '' AND decided_at >= ? ORDER BY decided_at ASC, id ASC`,
		string(agentType), toNanos(since))
}

// CountPending returns the number of PENDING approvals for agentType.
func (s *Store) CountPending(ctx context.Context, agentType types.AgentType) (int, error) {
	return countPending(ctx, s.db, agentType)
}

// CountCreatedSince returns the number of proposals agentType submitted at
// or after since.
func (s *Store) CountCreatedSince(ctx context.Context, agentType types.AgentType, since time.Time) (int, error) {
	return countCreatedSince(ctx, s.db, agentType, since)
}

func countPending(ctx context.Context, q querier, agentType types.AgentType) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE agent_type = ? AND status = ?`,
		string(agentType), string(types.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending approvals: %w", err)
	}
	return n, nil
}

func countCreatedSince(ctx context.Context, q querier, agentType types.AgentType, since time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE agent_type = ? AND created_at >= ?`,
		string(agentType), toNanos(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent proposals: %w", err)
	}
	return n, nil
}

func checkLimits(ctx context.Context, q querier, agentType types.AgentType, lim Limits) error {
	const op = "submit proposal"
	if lim.MaxPending > 0 {
		n, err := countPending(ctx, q, agentType)
		if err != nil {
			return err
		}
		if n >= lim.MaxPending {
			logging.StoreDebug("pending limit reached for %s (%d/%d)", agentType, n, lim.MaxPending)
			return types.NewValidationError(op, fmt.Sprintf("pending limit reached for %s (%d)", agentType, lim.MaxPending))
		}
	}
	if lim.MaxDaily > 0 {
		n, err := countCreatedSince(ctx, q, agentType, lim.DailySince)
		if err != nil {
			return err
		}
		if n >= lim.MaxDaily {
			logging.StoreDebug("daily limit reached for %s (%d/%d)", agentType, n, lim.MaxDaily)
			return types.NewValidationError(op, fmt.Sprintf("daily limit reached for %s (%d)", agentType, lim.MaxDaily))
		}
	}
	return nil
}

func (s *Store) queryProposals(ctx context.Context, query string, args ...any) ([]*types.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var out []*types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProposal(row rowScanner) (*types.Proposal, error) {
	var (
		p                                   types.Proposal
		agent, imp, class, decision, status string
		neighbor, feedback, reasonCode      sql.NullString
		score                               sql.NullFloat64
		created                             int64
		decided                             sql.NullInt64
	)
	err := row.Scan(&p.ID, &agent, &p.FilePath, &p.CodeBefore, &p.CodeAfter, &imp,
		&p.Description, &p.CodeHash, &p.SemanticHash, &neighbor, &score,
		&class, &p.Confidence, &feedback, &reasonCode, &decision, &status,
		&created, &decided)
	if err != nil {
		return nil, err
	}
	p.AgentType = types.AgentType(agent)
	p.ImprovementType = types.ImprovementType(imp)
	p.DuplicateClass = types.DuplicateClass(class)
	p.Decision = types.Decision(decision)
	p.Status = types.ApprovalStatus(status)
	p.NearestNeighborID = neighbor.String
	p.UserFeedbackReason = feedback.String
	p.ReasonCode = types.ReasonCode(reasonCode.String)
	if score.Valid {
		v := score.Float64
		p.SimilarityScore = &v
	}
	p.CreatedAt = fromNanos(created)
	p.DecidedAt = timePtr(decided)
	return &p, nil
}
