package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

const approvalColumns = `id, proposal_id, agent_type, status, reviewer, decision_reason, reason_code,
	build_ref, external_change_ref, last_error, confidence, duplicate_class, duplicate_of,
	created_at, updated_at, decided_at, build_started_at, build_finished_at,
	publish_started_at, completed_at`

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	Status    types.ApprovalStatus
	AgentType types.AgentType
	Limit     int
}

// ==== APPROVAL OPERATIONS ====

// GetApproval loads an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*types.Approval, error) {
	a, err := getApproval(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewNotFoundError("get approval", "approval", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

// GetApprovalByProposal loads the approval wrapping proposalID.
func (s *Store) GetApprovalByProposal(ctx context.Context, proposalID string) (*types.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE proposal_id = ?`, proposalID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewNotFoundError("get approval", "approval for proposal", proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns approvals matching f, oldest first.
func (s *Store) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*types.Approval, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentType != "" {
		where = append(where, "agent_type = ?")
		args = append(args, string(f.AgentType))
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*types.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Transition applies t as a compare-and-set on status. When the current
// status is not t.From the row is untouched and a conflict error carrying
// the current record is returned. The proposal's status, and on a human
// decision its decision and reason, change in the same transaction.
func (s *Store) Transition(ctx context.Context, t types.Transition) (*types.Approval, error) {
	const op = "transition approval"
	if !types.CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%s: %s -> %s is not an edge of the approval graph", op, t.From, t.To)
	}
	at := t.At
	if at.IsZero() {
		at = s.now()
	}
	atN := toNanos(at)

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), atN}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	decided := t.To == types.StatusApproved || t.To == types.StatusRejected
	if decided {
		add("reviewer", nullString(t.Reviewer))
		add("decision_reason", nullString(t.Reason))
		add("reason_code", nullString(string(t.ReasonCode)))
		add("decided_at", atN)
	}
	if t.BuildRef != "" {
		add("build_ref", t.BuildRef)
	}
	switch t.To {
	case types.StatusBuilding:
		add("build_started_at", atN)
	case types.StatusBuildPassed, types.StatusBuildFailed:
		add("build_finished_at", atN)
	case types.StatusPublishing:
		add("publish_started_at", atN)
	case types.StatusCompleted:
		add("completed_at", atN)
	}
	if t.ExternalChangeRef != "" {
		add("external_change_ref", t.ExternalChangeRef)
	}
	if t.Error != "" {
		add("last_error", t.Error)
	}
	args = append(args, t.ID, string(t.From))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE approvals SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		current, err := getApproval(ctx, tx, t.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(op, "approval", t.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read approval: %w", err)
		}
		logging.StoreDebug("CAS miss on approval %s: expected %s, found %s", t.ID, t.From, current.Status)
		return nil, types.NewConflictError(op, t.From, current.Status, current)
	}

	updated, err := getApproval(ctx, tx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval: %w", err)
	}

	if decided {
		decision := types.DecisionApproved
		if t.To == types.StatusRejected {
			decision = types.DecisionRejected
		}
		_, err = tx.ExecContext(ctx, `UPDATE proposals SET status = ?, decision = ?, user_feedback_reason = ?,
			reason_code = ?, decided_at = ? WHERE id = ?`,
			string(t.To), string(decision), nullString(t.Reason), nullString(string(t.ReasonCode)), atN, updated.ProposalID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE id = ?`, string(t.To), updated.ProposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mirror proposal status: %w", err)
	}

	actor := t.Reviewer
	reason := t.Reason
	_, err = tx.ExecContext(ctx, `INSERT INTO approval_transitions (approval_id, from_status, to_status, actor, reason, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, t.ID, string(t.From), string(t.To), nullString(actor), nullString(reason), nullString(t.Error), atN)
	if err != nil {
		return nil, fmt.Errorf("failed to record transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	logging.StoreDebug("Approval %s: %s -> %s", t.ID, t.From, t.To)
	return updated, nil
}

// Transitions returns the recorded status changes of an approval, oldest
// first.
func (s *Store) Transitions(ctx context.Context, approvalID string) ([]types.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_status, to_status, actor, reason, error, at
		FROM approval_transitions WHERE approval_id = ? ORDER BY id ASC`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []types.Transition
	for rows.Next() {
		var from, to string
		var actor, reason, errText sql.NullString
		var at int64
		if err := rows.Scan(&from, &to, &actor, &reason, &errText, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, types.Transition{
			ID:       approvalID,
			From:     types.ApprovalStatus(from),
			To:       types.ApprovalStatus(to),
			Reviewer: actor.String,
			Reason:   reason.String,
			Error:    errText.String,
			At:       fromNanos(at),
		})
	}
	return out, rows.Err()
}

// ==== STATS ====

// Stats aggregates approvals created at or after since. An empty
// agentType covers all agents.
func (s *Store) Stats(ctx context.Context, agentType types.AgentType, since time.Time) (*types.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, duplicate_class, COUNT(*), SUM(confidence)
		FROM approvals WHERE (? = '' OR agent_type = ?) AND created_at >= ?
		GROUP BY status, duplicate_class`, string(agentType), string(agentType), toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	st := &types.Stats{
		AgentType:        agentType,
		ByStatus:         map[types.ApprovalStatus]int{},
		ByDuplicateClass: map[types.DuplicateClass]int{},
	}
	var confSum float64
	for rows.Next() {
		var status, class string
		var n int
		var sum float64
		if err := rows.Scan(&status, &class, &n, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		st.ByStatus[types.ApprovalStatus(status)] += n
		st.ByDuplicateClass[types.DuplicateClass(class)] += n
		st.Total += n
		confSum += sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if st.Total > 0 {
		st.AvgConfidence = confSum / float64(st.Total)
	}
	st.Finalize()
	return st, nil
}

// ==== SCANNING ====

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getApproval(ctx context.Context, q querier, id string) (*types.Approval, error) {
	return scanApproval(q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
}

func scanApproval(row rowScanner) (*types.Approval, error) {
	var (
		a                                            types.Approval
		agent, status, class                         string
		reviewer, reason, code, build, ext, lastErr  sql.NullString
		dupOf                                        sql.NullString
		created, updated                             int64
		decided, buildStart, buildEnd, pubStart, end sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.ProposalID, &agent, &status, &reviewer, &reason, &code,
		&build, &ext, &lastErr, &a.Confidence, &class, &dupOf,
		&created, &updated, &decided, &buildStart, &buildEnd, &pubStart, &end)
	if err != nil {
		return nil, err
	}
	a.AgentType = types.AgentType(agent)
	a.Status = types.ApprovalStatus(status)
	a.DuplicateClass = types.DuplicateClass(class)
	a.Reviewer = reviewer.String
	a.DecisionReason = reason.String
	a.ReasonCode = types.ReasonCode(code.String)
	a.BuildRef = build.String
	a.ExternalChangeRef = ext.String
	a.LastError = lastErr.String
	a.DuplicateOf = dupOf.String
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	a.DecidedAt = timePtr(decided)
	a.BuildStartedAt = timePtr(buildStart)
	a.BuildFinishedAt = timePtr(buildEnd)
	a.PublishStartedAt = timePtr(pubStart)
	a.CompletedAt = timePtr(end)
	return &a, nil
}
