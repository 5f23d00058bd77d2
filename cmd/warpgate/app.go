package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"warpgate/internal/api"
	"warpgate/internal/approval"
	"warpgate/internal/collab"
	"warpgate/internal/config"
	"warpgate/internal/cycle"
	"warpgate/internal/dedup"
	"warpgate/internal/gate"
	"warpgate/internal/learning"
	"warpgate/internal/logging"
	"warpgate/internal/metrics"
	"warpgate/internal/store"
)

// app owns every long-lived component of a running service.
type app struct {
	cfg     *config.Config
	store   *store.Store
	metrics *metrics.Metrics
	gate    *gate.Gate
	sweeper *gate.Sweeper
	machine *approval.Machine
	cycle   *cycle.Cycle
	runner  *cycle.Runner
	server  *api.Server
	watcher *config.Watcher
}

// buildApp wires the components described by cfg. watchPath, when it names
// an existing file, is watched for gate hour changes.
func buildApp(cfg *config.Config, watchPath string) (*app, error) {
	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &app{cfg: cfg, store: st, metrics: metrics.New()}

	a.gate, err = gate.New(gate.Hours{Start: cfg.Gate.StartHour, End: cfg.Gate.EndHour}, gate.WithRecorder(a.metrics))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create gate: %w", err)
	}
	a.sweeper = gate.NewSweeper(a.gate, cfg.GetSweepInterval())

	classifier := dedup.NewEngine(st, dedup.Config{
		RecencyWindow:     cfg.GetRecencyWindow(),
		SemanticThreshold: cfg.Dedup.SemanticThreshold,
		SimilarThreshold:  cfg.Dedup.SimilarThreshold,
	})
	scorer := learning.NewEngine(st, learning.Config{
		WindowDays:      cfg.Learning.WindowDays,
		TopK:            cfg.Learning.TopK,
		MatchTopN:       cfg.Learning.MatchTopN,
		BaseConfidence:  cfg.Learning.BaseConfidence,
		SuccessBoost:    cfg.Learning.SuccessBoost,
		MistakePenalty:  cfg.Learning.MistakePenalty,
		SemanticPenalty: cfg.Dedup.SemanticPenalty,
		SimilarPenalty:  cfg.Dedup.SimilarPenalty,
	})

	deps := approval.Deps{
		Store:      st,
		Classifier: classifier,
		Scorer:     scorer,
		Recorder:   a.metrics,
	}
	integ := cfg.Integrations
	if len(integ.Builder.Command) > 0 {
		deps.Builder = collab.NewCommandBuilder(integ.Builder.Command, integ.Builder.Dir, integ.Builder.GetTimeout())
	} else {
		logging.Boot("no build command configured, builds are reported externally")
	}
	if integ.Publisher.Enabled {
		deps.Publisher = collab.NewPublisherClient(integ.Publisher.BaseURL, integ.Publisher.Token,
			integ.Publisher.GetTimeout(cfg.GetPublishTimeout()), a.metrics)
	} else {
		logging.Boot("publisher disabled, publishes are reported externally")
	}
	a.machine, err = approval.NewMachine(deps, approval.Config{
		MaxPendingPerAgent: cfg.Approval.MaxPendingPerAgent,
		MaxDailyPerAgent:   cfg.Approval.MaxDailyPerAgent,
		BuildTimeout:       cfg.GetBuildTimeout(),
		PublishTimeout:     cfg.GetPublishTimeout(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create approval machine: %w", err)
	}

	var gatherer cycle.Gatherer = collab.Disabled{Service: "insights"}
	if integ.Insights.Enabled {
		gatherer = collab.NewInsightClient(integ.Insights.BaseURL, integ.Insights.GetTimeout(cfg.GetInsightTimeout()), a.metrics)
	}
	var applier cycle.Applier = collab.Disabled{Service: "applier"}
	if integ.Applier.Enabled {
		applier = collab.NewApplierClient(integ.Applier.BaseURL, integ.Applier.GetTimeout(cfg.GetUpdateTimeout()), a.metrics)
	}
	a.cycle, err = cycle.New(cycle.Deps{
		Gate:      a.gate,
		Gatherer:  gatherer,
		Applier:   applier,
		Submitter: a.machine,
		Context:   scorer,
		Recorder:  a.metrics,
	}, cycle.Config{
		MaxInsights:    cfg.Cycle.MaxInsights,
		MaxSuggestions: cfg.Cycle.MaxSuggestions,
		InsightTimeout: cfg.GetInsightTimeout(),
		UpdateTimeout:  cfg.GetUpdateTimeout(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create cycle: %w", err)
	}
	a.runner = cycle.NewRunner(a.cycle, cfg.Cycle.Workers, cfg.Cycle.QueueSize, func(ev cycle.Event, res cycle.Result) {
		logging.CycleDebug("queued cycle for %s finished: %s", ev.AgentType, res.Reason)
	})

	a.server, err = api.NewServer(api.Deps{
		Gate:      a.gate,
		Approvals: a.machine,
		Cycles:    a.cycle,
		Queue:     a.runner,
		Metrics:   a.metrics,
		Health:    st.Ping,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	if watchPath != "" {
		if _, statErr := os.Stat(watchPath); statErr == nil {
			a.watcher, err = config.NewWatcher(watchPath, a.reload)
			if err != nil {
				logging.ConfigWarn("config watcher unavailable: %v", err)
				a.watcher = nil
			}
		}
	}
	return a, nil
}

// reload applies the hot-reloadable parts of a changed config.
func (a *app) reload(c *config.Config) {
	h := gate.Hours{Start: c.Gate.StartHour, End: c.Gate.EndHour}
	if err := a.gate.SetHours(h); err != nil {
		logging.ConfigWarn("ignoring gate hours %d-%d: %v", h.Start, h.End, err)
		return
	}
	logging.ConfigLog("gate hours reloaded: %d-%d", h.Start, h.End)
}

// run serves until ctx is done and then stops every component.
func (a *app) run(ctx context.Context) error {
	a.sweeper.Start(ctx)
	a.runner.Start(ctx)
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			logging.ConfigWarn("failed to start config watcher: %v", err)
		}
	}

	logging.Boot("warpgate serving on %s (gate hours %d-%d)", a.cfg.Server.Listen, a.cfg.Gate.StartHour, a.cfg.Gate.EndHour)
	serveErr := a.server.Serve(ctx, a.cfg.Server.Listen, a.cfg.GetShutdownTimeout())
	return errors.Join(serveErr, a.close())
}

func (a *app) close() error {
	a.runner.Stop()
	a.sweeper.Stop()
	if a.watcher != nil {
		a.watcher.Stop()
	}

	timeout := a.cfg.GetShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.machine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain pipelines: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
