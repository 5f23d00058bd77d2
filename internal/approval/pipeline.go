package approval

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"warpgate/internal/collab"
	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// maxErrorText bounds the build output kept on a failed approval.
const maxErrorText = 2000

// =============================================================================
// BUILD / PUBLISH PIPELINE
// =============================================================================

// spawn runs fn in the background, detached from any request context.
func (m *Machine) spawn(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if m.recorder != nil {
			m.recorder.PipelineStarted()
			defer m.recorder.PipelineFinished()
		}
		fn(m.baseCtx)
	}()
}

// Wait blocks until every scheduled build and publish has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Shutdown waits for in-flight pipelines or until ctx is done.
func (m *Machine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipelines still running: %w", ctx.Err())
	}
}

func (m *Machine) runBuild(ctx context.Context, a *types.Approval) {
	p, err := m.store.GetProposal(ctx, a.ProposalID)
	if err != nil {
		logging.ApprovalError("build %s: failed to load proposal %s: %v", a.BuildRef, a.ProposalID, err)
		_, _ = m.finishBuild(ctx, a.ID, false, "failed to load proposal: "+err.Error())
		return
	}

	buildCtx, cancel := context.WithTimeout(ctx, m.cfg.BuildTimeout)
	start := time.Now()
	res, err := m.builder.Build(buildCtx, a, p)
	cancel()

	ok := err == nil && res != nil && res.Success
	var text string
	switch {
	case err != nil:
		text = types.NewExternalError("build", err).Error()
	case res == nil:
		text = "builder returned no result"
	case !res.Success:
		text = fmt.Sprintf("build exited with code %d: %s", res.ExitCode, tail(res.Output, maxErrorText))
	default:
		text = res.Output
	}
	if m.recorder != nil {
		m.recorder.Stage("build", ok, time.Since(start))
	}

	next, err := m.finishBuild(ctx, a.ID, ok, text)
	if err != nil {
		logging.ApprovalWarn("build %s: result not recorded: %v", a.BuildRef, err)
		return
	}
	if next.Status == types.StatusPublishing && m.publisher != nil {
		m.runPublish(ctx, next)
	}
}

// finishBuild records a build outcome. A failure goes straight through
// BUILD_FAILED to FAILED; a success continues to PUBLISHING.
func (m *Machine) finishBuild(ctx context.Context, id string, ok bool, output string) (*types.Approval, error) {
	if ok {
		if _, err := m.transition(ctx, "report build", types.Transition{
			ID:   id,
			From: types.StatusBuilding,
			To:   types.StatusBuildPassed,
		}); err != nil {
			return nil, err
		}
		return m.transition(ctx, "schedule publish", types.Transition{
			ID:   id,
			From: types.StatusBuildPassed,
			To:   types.StatusPublishing,
		})
	}

	msg := tail(output, maxErrorText)
	if msg == "" {
		msg = "build failed"
	}
	if _, err := m.transition(ctx, "report build", types.Transition{
		ID:    id,
		From:  types.StatusBuilding,
		To:    types.StatusBuildFailed,
		Error: msg,
	}); err != nil {
		return nil, err
	}
	return m.transition(ctx, "fail build", types.Transition{
		ID:    id,
		From:  types.StatusBuildFailed,
		To:    types.StatusFailed,
		Error: msg,
	})
}

func (m *Machine) runPublish(ctx context.Context, a *types.Approval) {
	p, err := m.store.GetProposal(ctx, a.ProposalID)
	if err != nil {
		logging.ApprovalError("publish %s: failed to load proposal %s: %v", a.ID, a.ProposalID, err)
		_, _ = m.finishPublish(ctx, a.ID, "", "failed to load proposal: "+err.Error())
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	start := time.Now()
	ref, err := m.publisher.Publish(pubCtx, collab.NewChangeSet(a, p))
	cancel()

	var errText string
	if err != nil {
		errText = types.NewExternalError("publish", err).Error()
	}
	if m.recorder != nil {
		m.recorder.Stage("publish", err == nil, time.Since(start))
	}
	if _, err := m.finishPublish(ctx, a.ID, ref, errText); err != nil {
		logging.ApprovalWarn("publish %s: result not recorded: %v", a.ID, err)
	}
}

func (m *Machine) finishPublish(ctx context.Context, id, ref, errText string) (*types.Approval, error) {
	if errText != "" {
		return m.transition(ctx, "report publish", types.Transition{
			ID:    id,
			From:  types.StatusPublishing,
			To:    types.StatusFailed,
			Error: errText,
		})
	}
	return m.transition(ctx, "report publish", types.Transition{
		ID:                id,
		From:              types.StatusPublishing,
		To:                types.StatusCompleted,
		ExternalChangeRef: ref,
	})
}

// =============================================================================
// EXTERNAL REPORTS
// =============================================================================

// ReportBuild records a build result produced outside this process. The
// approval must be BUILDING. On success the publish stage is scheduled if
// a publisher is configured.
func (m *Machine) ReportBuild(ctx context.Context, id string, ok bool, output string) (*types.Approval, error) {
	next, err := m.finishBuild(ctx, id, ok, output)
	if err != nil {
		return nil, err
	}
	if next.Status == types.StatusPublishing && m.publisher != nil {
		m.spawn(func(ctx context.Context) { m.runPublish(ctx, next) })
	}
	return next, nil
}

// ReportPublish records a publish result produced outside this process.
// A non-empty errText fails the approval; otherwise ref is required.
func (m *Machine) ReportPublish(ctx context.Context, id, ref, errText string) (*types.Approval, error) {
	if errText == "" && strings.TrimSpace(ref) == "" {
		return nil, types.NewValidationError("report publish", "change reference or error is required")
	}
	return m.finishPublish(ctx, id, ref, errText)
}

// tail keeps at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
