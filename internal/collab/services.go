package collab

import (
	"context"
	"errors"
	"time"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// ErrDisabled is returned by collaborators that are switched off in config.
var ErrDisabled = errors.New("collaborator disabled")

// =============================================================================
// INSIGHT GATHERER
// =============================================================================

// InsightClient calls POST {base}/gather.
type InsightClient struct {
	c *client
}

// NewInsightClient creates an insight client.
func NewInsightClient(baseURL string, timeout time.Duration, rec Recorder) *InsightClient {
	return &InsightClient{c: newClient("insights", baseURL, "", timeout, rec)}
}

// Gather asks the insight service about a proposal outcome.
func (ic *InsightClient) Gather(ctx context.Context, req GatherRequest) (*GatherResult, error) {
	var out GatherResult
	if err := ic.c.postJSON(ctx, "/gather", req, &out); err != nil {
		return nil, err
	}
	logging.CollabDebug("insights: %d insights, %d recommendations", len(out.Insights), len(out.Recommendations))
	return &out, nil
}

// =============================================================================
// CODE-UPDATE APPLIER
// =============================================================================

// ApplierClient calls POST {base}/apply.
type ApplierClient struct {
	c *client
}

// NewApplierClient creates an applier client.
func NewApplierClient(baseURL string, timeout time.Duration, rec Recorder) *ApplierClient {
	return &ApplierClient{c: newClient("applier", baseURL, "", timeout, rec)}
}

// Apply sends suggestions to the applier.
func (ac *ApplierClient) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	var out ApplyResult
	if err := ac.c.postJSON(ctx, "/apply", req, &out); err != nil {
		return nil, err
	}
	logging.CollabDebug("applier: %d updates applied to %s", out.UpdatesApplied, out.FilePath)
	return &out, nil
}

// =============================================================================
// PUBLISHER
// =============================================================================

// PublisherClient calls POST {base}/changes on the version-control bridge.
type PublisherClient struct {
	c *client
}

// NewPublisherClient creates a publisher client. token is sent as a
// bearer token when set.
func NewPublisherClient(baseURL, token string, timeout time.Duration, rec Recorder) *PublisherClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &PublisherClient{c: newClient("publisher", baseURL, token, timeout, rec)}
}

type publishResponse struct {
	Ref string `json:"ref"`
	URL string `json:"url,omitempty"`
}

// Publish opens a change request and returns its reference.
func (pc *PublisherClient) Publish(ctx context.Context, cs ChangeSet) (string, error) {
	var out publishResponse
	if err := pc.c.postJSON(ctx, "/changes", cs, &out); err != nil {
		return "", err
	}
	if out.Ref == "" {
		out.Ref = out.URL
	}
	if out.Ref == "" {
		return "", errors.New("publisher returned no change reference")
	}
	logging.Collab("published approval %s as %s", cs.ApprovalID, out.Ref)
	return out.Ref, nil
}

// =============================================================================
// DISABLED COLLABORATORS
// =============================================================================

// Disabled satisfies every collaborator interface and always fails with
// ErrDisabled.
type Disabled struct {
	Service string
}

func (d Disabled) Gather(context.Context, GatherRequest) (*GatherResult, error) {
	return nil, d.err()
}

func (d Disabled) Apply(context.Context, ApplyRequest) (*ApplyResult, error) {
	return nil, d.err()
}

func (d Disabled) Publish(context.Context, ChangeSet) (string, error) {
	return "", d.err()
}

func (d Disabled) Build(context.Context, *types.Approval, *types.Proposal) (*BuildResult, error) {
	return nil, d.err()
}

func (d Disabled) err() error {
	if d.Service == "" {
		return ErrDisabled
	}
	return errors.Join(ErrDisabled, errors.New(d.Service))
}
