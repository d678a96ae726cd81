// Package registration publishes the hub's public URL to an external
// directory. Delivery is best-effort: it runs on its own worker and never
// blocks or fails tunnel orchestration.
package registration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/citinet/hubtunnel/internal/domain"
)

// Config tunes delivery retries.
type Config struct {
	HubID       string
	DisplayName string
	Delay       time.Duration
	MaxDelay    time.Duration
	// MaxDuration bounds the retries for one update.
	MaxDuration time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

type updateKind int

const (
	kindUpsert updateKind = iota
	kindDelete
)

type update struct {
	kind  updateKind
	entry domain.RegistrationEntry
}

var errSuperseded = errors.New("superseded by a newer update")

// Reporter turns status transitions into directory calls. Only the latest
// pending update is kept; an update still being retried is dropped once a
// newer one arrives.
type Reporter struct {
	dir Directory
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	pending *update
	// last is the newest update accepted for delivery.
	last *update
	wake chan struct{}
}

// NewReporter returns a reporter for dir.
func NewReporter(dir Directory, cfg Config) *Reporter {
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reporter{
		dir:  dir,
		cfg:  cfg,
		log:  cfg.Logger.With("component", "registration", "hub_id", cfg.HubID),
		wake: make(chan struct{}, 1),
	}
}

// Observe implements orchestrator.Observer. It never blocks.
func (r *Reporter) Observe(prev, next domain.TunnelStatusView) {
	u := r.updateFor(prev, next)
	if u == nil {
		return
	}
	r.mu.Lock()
	if r.last != nil && *r.last == *u {
		r.mu.Unlock()
		return
	}
	r.last = u
	r.pending = u
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reporter) updateFor(prev, next domain.TunnelStatusView) *update {
	entry := domain.RegistrationEntry{ID: r.cfg.HubID, DisplayName: r.cfg.DisplayName, Hostname: next.Hostname}
	switch {
	case next.ObservedState == domain.ObservedRunning && next.Hostname != "" && next.Phase == domain.PhaseRunning:
		entry.Online = true
		return &update{kind: kindUpsert, entry: entry}
	case next.Phase == domain.PhaseUnconfigured:
		if prev.Configured || prev.Hostname != "" {
			return &update{kind: kindDelete, entry: domain.RegistrationEntry{ID: r.cfg.HubID}}
		}
	case next.Phase == domain.PhaseStopping, next.Phase == domain.PhaseStopped, next.Phase == domain.PhaseFailed:
		if next.Hostname != "" {
			return &update{kind: kindUpsert, entry: entry}
		}
	}
	return nil
}

// Run delivers updates until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			for {
				u := r.take()
				if u == nil {
					break
				}
				r.deliver(ctx, u)
			}
		}
	}
}

func (r *Reporter) take() *update {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.pending
	r.pending = nil
	return u
}

func (r *Reporter) superseded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

func (r *Reporter) deliver(ctx context.Context, u *update) {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if r.superseded() {
				return errSuperseded
			}
			if u.kind == kindDelete {
				return r.dir.Delete(ctx, u.entry.ID)
			}
			return r.dir.Upsert(ctx, u.entry)
		},
		IsFatalError: func(err error) bool {
			var se *StatusError
			return errors.Is(err, errSuperseded) || (errors.As(err, &se) && se.Permanent())
		},
		NotifyFunc: func(err error, attempt int) {
			r.log.Warn("directory update failed; retrying", "attempt", attempt, "err", err)
		},
		Attempts:    -1,
		Delay:       r.cfg.Delay,
		MaxDelay:    r.cfg.MaxDelay,
		MaxDuration: r.cfg.MaxDuration,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.cfg.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		if u.kind == kindDelete {
			r.log.Info("hub removed from directory")
		} else {
			r.log.Info("hub listed in directory", "hostname", u.entry.Hostname, "online", u.entry.Online)
		}
	case errors.Is(err, errSuperseded), retry.IsRetryStopped(err):
	default:
		r.forget(u)
		r.log.Warn("directory update dropped", "err", err)
	}
}

// forget clears the dedupe state for a dropped update so the next identical
// status is delivered again.
func (r *Reporter) forget(u *update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == u {
		r.last = nil
	}
}
