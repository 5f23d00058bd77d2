package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]ApprovalStatus]bool{
		{StatusPending, StatusApproved}:       true,
		{StatusPending, StatusRejected}:       true,
		{StatusApproved, StatusBuilding}:      true,
		{StatusBuilding, StatusBuildPassed}:   true,
		{StatusBuilding, StatusBuildFailed}:   true,
		{StatusBuildPassed, StatusPublishing}: true,
		{StatusBuildFailed, StatusFailed}:     true,
		{StatusPublishing, StatusCompleted}:   true,
		{StatusPublishing, StatusFailed}:      true,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]ApprovalStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range AllStatuses {
			if CanTransition(s, to) {
				t.Errorf("terminal %s can move to %s", s, to)
			}
		}
	}
	for _, s := range []ApprovalStatus{StatusRejected, StatusFailed, StatusCompleted} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestOnApprovedPath(t *testing.T) {
	on := []ApprovalStatus{StatusApproved, StatusBuilding, StatusBuildPassed, StatusPublishing, StatusCompleted}
	off := []ApprovalStatus{StatusPending, StatusRejected, StatusBuildFailed, StatusFailed}
	for _, s := range on {
		if !s.OnApprovedPath() {
			t.Errorf("%s should be on the approved path", s)
		}
	}
	for _, s := range off {
		if s.OnApprovedPath() {
			t.Errorf("%s should not be on the approved path", s)
		}
	}
}

func TestClassifyReason(t *testing.T) {
	cases := map[string]ReasonCode{
		"":                        "",
		"   ":                     "",
		"duplicate logic":         ReasonDuplicate,
		"Already done elsewhere":  ReasonDuplicate,
		"SQL injection risk":      ReasonSecurity,
		"too slow in hot path":    ReasonPerformance,
		"missing test coverage":   ReasonTesting,
		"wrong branch taken":      ReasonLogic,
		"naming is inconsistent":  ReasonStyle,
		"good performance":        ReasonPerformance,
		"clean and readable":      ReasonQuality,
		"not what we want today.": ReasonOther,
	}
	for in, want := range cases {
		if got := ClassifyReason(in); got != want {
			t.Errorf("ClassifyReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeReason(t *testing.T) {
	if got := NormalizeReason("  Duplicate Logic \n"); got != "duplicate logic" {
		t.Errorf("NormalizeReason = %q", got)
	}
}

func TestParseAgentType(t *testing.T) {
	for _, ok := range []string{"A1", "imperium", " guardian "} {
		if _, err := ParseAgentType(ok); err != nil {
			t.Errorf("ParseAgentType(%q) unexpected error: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "  ", "two words", string(make([]byte, 65))} {
		if _, err := ParseAgentType(bad); !errors.Is(err, ErrValidation) {
			t.Errorf("ParseAgentType(%q) = %v, want validation error", bad, err)
		}
	}
}

func TestParseImprovementType(t *testing.T) {
	got, err := ParseImprovementType("")
	if err != nil || got != ImprovementGeneral {
		t.Fatalf("empty improvement type = %q, %v", got, err)
	}
	got, err = ParseImprovementType(" Security ")
	if err != nil || got != ImprovementSecurity {
		t.Fatalf("security = %q, %v", got, err)
	}
	if _, err := ParseImprovementType("vibes"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown type: %v", err)
	}
}

func TestProposalValidate(t *testing.T) {
	valid := func() *Proposal {
		return &Proposal{AgentType: "A1", FilePath: "x", CodeBefore: "a", CodeAfter: "b"}
	}

	p := valid()
	if err := p.Validate(); err != nil {
		t.Fatalf("valid proposal: %v", err)
	}
	if p.ImprovementType != ImprovementGeneral {
		t.Errorf("improvement type not defaulted: %q", p.ImprovementType)
	}

	cases := map[string]func(*Proposal){
		"no agent":     func(p *Proposal) { p.AgentType = "" },
		"no file":      func(p *Proposal) { p.FilePath = " " },
		"no after":     func(p *Proposal) { p.CodeAfter = "" },
		"unchanged":    func(p *Proposal) { p.CodeAfter = p.CodeBefore },
		"bad improver": func(p *Proposal) { p.ImprovementType = "nope" },
	}
	for name, mutate := range cases {
		p := valid()
		mutate(p)
		if err := p.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: got %v, want validation error", name, err)
		}
	}

	var nilProposal *Proposal
	if err := nilProposal.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("nil proposal: %v", err)
	}
}

func TestErrorSentinels(t *testing.T) {
	conflict := NewConflictError("approve", StatusPending, StatusFailed, "snapshot")
	wrapped := fmt.Errorf("handler: %w", conflict)

	if !errors.Is(wrapped, ErrConflict) {
		t.Fatal("wrapped conflict should match ErrConflict")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatal("conflict must not match ErrNotFound")
	}
	if KindOf(wrapped) != KindConflict {
		t.Errorf("KindOf = %s", KindOf(wrapped))
	}
	if ReasonOf(wrapped) != "expected status PENDING, found FAILED" {
		t.Errorf("ReasonOf = %q", ReasonOf(wrapped))
	}
	if StateOf(wrapped) != "snapshot" {
		t.Errorf("StateOf = %v", StateOf(wrapped))
	}

	cause := errors.New("connection refused")
	ext := NewExternalError("publish", cause)
	if !errors.Is(ext, ErrExternal) || !errors.Is(ext, cause) {
		t.Error("external error should match both the sentinel and its cause")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("plain errors are internal")
	}
	if KindOf(nil) != "" {
		t.Error("nil has no kind")
	}
}

func TestParseOutcome(t *testing.T) {
	if o, err := ParseOutcome("FAILED"); err != nil || o != OutcomeFailed {
		t.Errorf("ParseOutcome(FAILED) = %q, %v", o, err)
	}
	if _, err := ParseOutcome("maybe"); !errors.Is(err, ErrValidation) {
		t.Errorf("ParseOutcome(maybe) = %v", err)
	}
}
