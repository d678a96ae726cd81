// Package watchdog runs the reconcile loop that compares the tunnel the
// orchestrator believes in with what the provider reports, repairing drift
// with a bounded number of in-place restarts.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/orchestrator"
)

// Target is the subset of the orchestrator the watchdog drives. Repairs use
// the same entry points as the command surface.
type Target interface {
	Probe(ctx context.Context) (orchestrator.ProbeResult, error)
	Restart(ctx context.Context) error
	Escalate(ctx context.Context, kind domain.FailureKind, detail string) error
}

// Config tunes the loop.
type Config struct {
	Interval time.Duration
	// MaxRestarts is the restart budget before a tunnel is declared flapping.
	MaxRestarts int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Action is what a tick did.
type Action string

const (
	ActionNone          Action = "none"
	ActionVerified      Action = "verified"
	ActionRestarted     Action = "restarted"
	ActionRestartFailed Action = "restart_failed"
	ActionEscalated     Action = "escalated"
)

// Watchdog is a single background reconcile loop.
type Watchdog struct {
	target Target
	cfg    Config
	log    *slog.Logger

	// restarts counts consecutive repairs without an intervening live probe.
	restarts int
}

// New returns a watchdog for target.
func New(target Target, cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watchdog{target: target, cfg: cfg, log: cfg.Logger.With("component", "watchdog")}
}

// Run ticks every interval until ctx ends.
func (w *Watchdog) Run(ctx context.Context) error {
	w.log.Info("watchdog started", "interval", w.cfg.Interval, "max_restarts", w.cfg.MaxRestarts)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.cfg.Clock.After(w.cfg.Interval):
			w.Tick(ctx)
		}
	}
}

// Tick runs one reconcile pass.
func (w *Watchdog) Tick(ctx context.Context) Action {
	res, err := w.target.Probe(ctx)
	if err != nil {
		w.log.Warn("liveness probe failed", "err", err)
		return ActionNone
	}

	switch res {
	case orchestrator.ProbeSkipped:
		w.restarts = 0
		return ActionNone
	case orchestrator.ProbeLive:
		if w.restarts > 0 {
			w.log.Info("tunnel healthy after repair", "restarts", w.restarts)
		}
		w.restarts = 0
		return ActionVerified
	}

	if w.restarts >= w.cfg.MaxRestarts {
		return w.escalate(ctx, fmt.Sprintf("not live again after %d restart(s)", w.restarts))
	}
	w.restarts++
	w.log.Warn("tunnel not live; restarting", "attempt", w.restarts)
	if err := w.target.Restart(ctx); err != nil {
		if domain.KindOf(err) == domain.KindAlreadyInProgress {
			w.restarts--
			return ActionNone
		}
		if kind := domain.KindOf(err); kind != "" && !kind.Transient() {
			// The orchestrator recorded a failure only the operator can clear.
			w.restarts = 0
			w.log.Warn("restart failed; tunnel needs the operator", "kind", kind, "err", err)
			return ActionRestartFailed
		}
		if w.restarts >= w.cfg.MaxRestarts {
			return w.escalate(ctx, "restart failed: "+err.Error())
		}
		w.log.Warn("restart failed", "attempt", w.restarts, "err", err)
		return ActionRestartFailed
	}
	return ActionRestarted
}

func (w *Watchdog) escalate(ctx context.Context, detail string) Action {
	w.restarts = 0
	if err := w.target.Escalate(ctx, domain.KindFlapping, detail); err != nil {
		w.log.Error("escalate flapping tunnel", "err", err)
		return ActionNone
	}
	w.log.Error("tunnel flapping; automatic restarts stopped", "detail", detail)
	return ActionEscalated
}
