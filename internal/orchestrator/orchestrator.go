// Package orchestrator owns the hub's tunnel state machine. All transitions
// are serialized; the watchdog and the command surface share the same entry
// points, and every transition is persisted before it is reported.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/provider"
)

// Store persists the single tunnel record. *sqlite.Store implements it.
type Store interface {
	LoadTunnel(ctx context.Context) (domain.TunnelRecord, bool, error)
	SaveTunnel(ctx context.Context, rec domain.TunnelRecord) error
	DeleteTunnel(ctx context.Context) error
}

// Vault holds provider credentials. *vault.Vault implements it.
type Vault interface {
	Put(ctx context.Context, p domain.Provider, blob domain.Secret) error
	Get(ctx context.Context, p domain.Provider) (domain.Secret, error)
	Wipe(ctx context.Context, p domain.Provider) error
}

// Observer is notified after every committed or published transition.
// Implementations must not block.
type Observer interface {
	Observe(prev, next domain.TunnelStatusView)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(prev, next domain.TunnelStatusView)

func (f ObserverFunc) Observe(prev, next domain.TunnelStatusView) { f(prev, next) }

// Options tunes timeouts and polling. Zero values take the defaults.
type Options struct {
	LocalPort        int
	AuthPollInterval time.Duration
	AuthPollAttempts int
	InstallTimeout   time.Duration
	RemoteTimeout    time.Duration
	StartTimeout     time.Duration
	ProcessTimeout   time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
	NewID            func() string
}

func (o *Options) setDefaults() {
	if o.LocalPort <= 0 {
		o.LocalPort = domain.DefaultLocalPort
	}
	if o.AuthPollInterval <= 0 {
		o.AuthPollInterval = 2 * time.Second
	}
	if o.AuthPollAttempts <= 0 {
		o.AuthPollAttempts = 90
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = 60 * time.Second
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = 60 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// setupOp is the single in-flight setup.
type setupOp struct {
	token    string
	provider domain.Provider
	cancel   context.CancelFunc
	done     chan struct{}
	// abandoned is set on shutdown: the setup exits without committing so the
	// persisted phase is recovered as interrupted on the next boot.
	abandoned bool
}

// Orchestrator is the tunnel state machine for one hub.
type Orchestrator struct {
	store     Store
	vault     Vault
	providers provider.Registry
	opts      Options
	clock     clock.Clock
	log       *slog.Logger

	// opMu serializes transitions. A setup holds it for its whole run and
	// releases it from the setup goroutine.
	opMu sync.Mutex

	mu        sync.Mutex // guards the fields below
	rec       *domain.TunnelRecord
	persisted bool
	session   *provider.Session
	inFlight  *setupOp
	loginURL  string
	observers []Observer
	lastView  domain.TunnelStatusView
}

// New returns an orchestrator. Call Recover before serving.
func New(store Store, vault Vault, providers provider.Registry, opts Options) *Orchestrator {
	opts.setDefaults()
	o := &Orchestrator{
		store:     store,
		vault:     vault,
		providers: providers,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
	o.lastView = o.viewLocked()
	return o
}

// Subscribe registers an observer. It is called with the current status as
// next and an empty prev so late subscribers start from a known state.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, obs)
	view := o.lastView
	o.mu.Unlock()
	obs.Observe(domain.TunnelStatusView{}, view)
}

// Status returns the best-known state. It never fails.
func (o *Orchestrator) Status() domain.TunnelStatusView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

func (o *Orchestrator) viewLocked() domain.TunnelStatusView {
	v := domain.TunnelStatusView{Phase: domain.PhaseUnconfigured, ObservedState: domain.ObservedUnknown}
	if o.inFlight != nil && (o.rec == nil || o.rec.Phase.InSetup()) {
		v.SetupToken = o.inFlight.token
		v.Provider = o.inFlight.provider
	}
	if o.rec == nil {
		return v
	}
	r := o.rec
	v.Configured = o.persisted
	v.TunnelID = r.ID
	v.Provider = r.Provider
	v.Phase = r.Phase
	v.ObservedState = r.ObservedState
	v.DesiredState = r.DesiredState
	v.Hostname = r.Hostname
	v.LocalPort = r.LocalPort
	if r.Failure != nil {
		f := *r.Failure
		v.LastError = &f
	}
	if r.LastVerifiedAt != nil {
		t := *r.LastVerifiedAt
		v.LastVerifiedAt = &t
	}
	if !r.CreatedAt.IsZero() {
		t := r.CreatedAt
		v.CreatedAt = &t
	}
	if r.Phase == domain.PhaseAuthenticating {
		v.LoginURL = o.loginURL
	}
	return v
}

// record returns a copy of the working record, or nil.
func (o *Orchestrator) record() *domain.TunnelRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec.Clone()
}

// publish replaces the in-memory record without persisting it. Only
// intermediate phases that are never reported as an outcome go through here.
func (o *Orchestrator) publish(rec *domain.TunnelRecord) {
	o.mu.Lock()
	o.rec = rec.Clone()
	if rec == nil {
		o.persisted = false
	}
	o.notifyLocked()
}

// commit persists rec and then makes it current. A failed write degrades the
// tunnel to failed(storage_error) in memory and returns the error.
func (o *Orchestrator) commit(ctx context.Context, rec *domain.TunnelRecord) error {
	now := o.clock.Now().UTC()
	if rec.ID == "" {
		rec.ID = o.opts.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ProcessTimeout)
	defer cancel()
	if err := o.store.SaveTunnel(wctx, *rec); err != nil {
		o.log.Error("persist tunnel record", "tunnel_id", rec.ID, "phase", rec.Phase, "err", err)
		failed := rec.Clone()
		failed.ObservedState = domain.ObservedFailed
		failed.Phase = domain.PhaseFailed
		failed.Failure = domain.Failure(domain.KindStorageError, err.Error())
		o.mu.Lock()
		o.rec = failed
		o.notifyLocked()
		return &domain.OrchestratorError{Kind: domain.KindStorageError, Op: "persist", Err: err}
	}

	o.mu.Lock()
	o.rec = rec.Clone()
	o.persisted = true
	o.notifyLocked()
	return nil
}

// notifyLocked must be called with mu held; it releases mu.
func (o *Orchestrator) notifyLocked() {
	prev := o.lastView
	next := o.viewLocked()
	o.lastView = next
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()

	for _, obs := range observers {
		obs.Observe(prev, next)
	}
}

func (o *Orchestrator) setLoginURL(url string) {
	o.mu.Lock()
	if o.loginURL == url {
		o.mu.Unlock()
		return
	}
	o.loginURL = url
	o.notifyLocked()
}

func (o *Orchestrator) setupInFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight != nil
}

// cancelSetup cancels an in-flight setup and waits for it to finish. It must
// not be called with opMu held.
func (o *Orchestrator) cancelSetup(abandon bool) {
	o.mu.Lock()
	op := o.inFlight
	if op != nil {
		op.abandoned = op.abandoned || abandon
		op.cancel()
	}
	o.mu.Unlock()
	if op != nil {
		<-op.done
	}
}

// AwaitSetup blocks until no setup is in flight or ctx ends.
func (o *Orchestrator) AwaitSetup(ctx context.Context) error {
	o.mu.Lock()
	op := o.inFlight
	o.mu.Unlock()
	if op == nil {
		return nil
	}
	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) client(p domain.Provider) (provider.Client, error) {
	c, err := o.providers.Get(p)
	if err != nil {
		return nil, &domain.OrchestratorError{Kind: domain.KindBadRequest, Op: "provider", Err: err}
	}
	return c, nil
}

// failure builds the command-surface error for a recorded failure.
func failure(op string, reason *domain.FailureReason, err error) error {
	return &domain.OrchestratorError{Kind: reason.Kind, Op: op, Detail: reason.Detail, Code: reason.ExitCode, Err: err}
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) && err != nil
}
