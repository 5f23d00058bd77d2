package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.GateDecision(false, "WARP_MODE_ACTIVE")
	m.GateDecision(false, "WARP_MODE_ACTIVE")
	m.GateMode("warp", true)
	m.Submission("novel")
	m.Transition("PENDING", "APPROVED")
	m.Conflict("approve")
	m.Cycle(true, "OK", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("false", "WARP_MODE_ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateModes.WithLabelValues("warp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("novel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("PENDING", "APPROVED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("true", "OK")))

	m.GateMode("warp", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.gateModes.WithLabelValues("warp")))

	m.PipelineStarted()
	m.PipelineStarted()
	m.PipelineFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.GateDecision(true, "WITHIN_HOURS")
	m.GateMode("chaos", true)
	m.Submission("exact")
	m.Transition("a", "b")
	m.Conflict("x")
	m.Stage("build", true, time.Second)
	m.PipelineStarted()
	m.PipelineFinished()
	m.Cycle(false, "x", time.Second)
	m.Collab("insights", true, time.Second)
	m.HTTPRequest("GET", "/x", 200, time.Second)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.HTTPRequest("GET", "/admission-status", 200, 5*time.Millisecond)
	m.Collab("publisher", false, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `warpgate_http_requests_total{method="GET",route="/admission-status",status="200"} 1`), text)
	assert.True(t, strings.Contains(text, `warpgate_collab_requests_total{service="publisher",success="false"} 1`))
}
