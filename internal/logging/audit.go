package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENTS - structured records of state-changing decisions
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	AuditGateChange       AuditEventType = "gate_change"
	AuditGateDenied       AuditEventType = "gate_denied"
	AuditProposalSubmit   AuditEventType = "proposal_submit"
	AuditProposalExact    AuditEventType = "proposal_exact_duplicate"
	AuditApprovalChange   AuditEventType = "approval_transition"
	AuditApprovalConflict AuditEventType = "approval_conflict"
	AuditCycleComplete    AuditEventType = "cycle_complete"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	Type    AuditEventType
	Subject string // proposal, approval or gate id
	Actor   string // reviewer or agent type
	From    string
	To      string
	Success bool
	Message string
	Fields  map[string]interface{}
}

// Audit writes e to the audit category as structured fields.
func Audit(e AuditEvent) {
	l := Get(CategoryAudit)
	if l.sugar == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.String("subject", e.Subject),
		zap.Bool("success", e.Success),
		zap.Time("at", time.Now()),
	}
	if e.Actor != "" {
		fields = append(fields, zap.String("actor", e.Actor))
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	l.sugar.Desugar().Info(msg, fields...)
}
