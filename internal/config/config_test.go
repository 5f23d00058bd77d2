package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Gate.StartHour)
	assert.Equal(t, 17, cfg.Gate.EndHour)
	assert.Equal(t, 0.8, cfg.Dedup.SemanticThreshold)
	assert.Equal(t, 0.7, cfg.Dedup.SimilarThreshold)
	assert.Equal(t, 10, cfg.Cycle.MaxInsights)
	assert.Equal(t, 30*24*time.Hour, cfg.GetRecencyWindow())
	assert.Equal(t, 30*time.Second, cfg.GetInsightTimeout())
	assert.Equal(t, 90*time.Second, cfg.GetPublishTimeout())
	assert.Equal(t, 10, cfg.Approval.MaxDailyPerAgent)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warpgate.yaml")
	content := `
gate:
  start_hour: 22
  end_hour: 6
dedup:
  recency_window: 48h
cycle:
  workers: 2
  max_insights: 3
approval:
  max_pending_per_agent: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.Gate.StartHour)
	assert.Equal(t, 6, cfg.Gate.EndHour)
	assert.Equal(t, 48*time.Hour, cfg.GetRecencyWindow())
	assert.Equal(t, 2, cfg.Cycle.Workers)
	assert.Equal(t, 3, cfg.Cycle.MaxInsights)
	assert.Equal(t, 0, cfg.Approval.MaxPendingPerAgent)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.Learning.TopK)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warpgate.toml")
	content := `
[gate]
start_hour = 8
end_hour = 20

[learning]
top_k = 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Gate.StartHour)
	assert.Equal(t, 20, cfg.Gate.EndHour)
	assert.Equal(t, 7, cfg.Learning.TopK)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"cfg.yaml", "cfg.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Gate.StartHour = 7
			require.NoError(t, cfg.Save(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 7, loaded.Gate.StartHour)
			assert.Equal(t, cfg.Integrations.Builder.Command, loaded.Integrations.Builder.Command)
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty hours":     "gate:\n  start_hour: 5\n  end_hour: 5\n",
		"hour range":      "gate:\n  start_hour: 25\n",
		"thresholds":      "dedup:\n  similar_threshold: 0.9\n  semantic_threshold: 0.8\n",
		"confidence":      "learning:\n  base_confidence: 1.5\n",
		"workers":         "cycle:\n  workers: 0\n",
		"log level":       "logging:\n  level: loud\n",
		"malformed yaml":  "gate: [",
		"negative limits": "approval:\n  max_pending_per_agent: -1\n",
		"negative daily":  "approval:\n  max_daily_per_agent: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WARPGATE_DB", "/tmp/wg.db")
	t.Setenv("WARPGATE_LISTEN", ":9999")
	t.Setenv("WARPGATE_INSIGHTS_URL", "http://insights")
	t.Setenv("WARPGATE_PUBLISHER_TOKEN", "secret")
	t.Setenv("WARPGATE_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/wg.db", cfg.Store.Path)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "http://insights", cfg.Integrations.Insights.BaseURL)
	assert.Equal(t, "secret", cfg.Integrations.Publisher.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cycle.InsightTimeout = "not-a-duration"
	cfg.Approval.BuildTimeout = "-5s"

	assert.Equal(t, 30*time.Second, cfg.GetInsightTimeout())
	assert.Equal(t, 90*time.Second, cfg.GetBuildTimeout())
	assert.Equal(t, 5*time.Second, ServiceIntegration{Timeout: "5s"}.GetTimeout(time.Minute))
	assert.Equal(t, time.Minute, ServiceIntegration{}.GetTimeout(time.Minute))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warpgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gate:\n  start_hour: 9\n  end_hour: 17\n"), 0644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("gate:\n  start_hour: 6\n  end_hour: 22\n"), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 6, cfg.Gate.StartHour)
		assert.Equal(t, 22, cfg.Gate.EndHour)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherIgnoresInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warpgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gate:\n  start_hour: 9\n"), 0644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("gate:\n  start_hour: 4\n  end_hour: 4\n"), 0644))

	select {
	case <-changes:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
}
