package types

// Stats summarizes approvals for one agent (or all agents) over a window.
type Stats struct {
	AgentType        AgentType              `json:"agent_type,omitempty"`
	WindowDays       int                    `json:"window_days"`
	Total            int                    `json:"total"`
	ByStatus         map[ApprovalStatus]int `json:"by_status"`
	ByDuplicateClass map[DuplicateClass]int `json:"by_duplicate_class"`
	Approved         int                    `json:"approved"`
	Rejected         int                    `json:"rejected"`
	Pending          int                    `json:"pending"`
	Completed        int                    `json:"completed"`
	Failed           int                    `json:"failed"`
	ApprovalRate     float64                `json:"approval_rate"`
	AvgConfidence    float64                `json:"avg_confidence"`
}

// Finalize derives the aggregate fields from ByStatus. Approved counts
// everything a reviewer approved, failed pipelines included. ApprovalRate
// is approved over decided and is zero when nothing was decided.
func (s *Stats) Finalize() {
	s.Approved, s.Rejected, s.Pending, s.Completed, s.Failed = 0, 0, 0, 0, 0
	for st, n := range s.ByStatus {
		switch {
		case st == StatusPending:
			s.Pending += n
		case st == StatusRejected:
			s.Rejected += n
		case st.OnApprovedPath() || st == StatusBuildFailed || st == StatusFailed:
			s.Approved += n
		}
		switch st {
		case StatusCompleted:
			s.Completed += n
		case StatusFailed, StatusBuildFailed:
			s.Failed += n
		}
	}
	if decided := s.Approved + s.Rejected; decided > 0 {
		s.ApprovalRate = float64(s.Approved) / float64(decided)
	} else {
		s.ApprovalRate = 0
	}
}
