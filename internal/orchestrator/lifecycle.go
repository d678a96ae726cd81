package orchestrator

import (
	"context"
	"errors"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/provider"
)

// Start brings a configured tunnel up and marks it desired running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.setupInFlight() {
		return domain.NewError("start", domain.KindAlreadyInProgress, "a setup is running")
	}
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec, client, err := o.current("start")
	if err != nil {
		return err
	}
	if rec.ObservedState == domain.ObservedRunning && o.hasSession() {
		if rec.DesiredState != domain.DesiredRunning {
			rec.DesiredState = domain.DesiredRunning
			return o.commit(ctx, rec)
		}
		return nil
	}
	rec.DesiredState = domain.DesiredRunning
	return o.startLocked(ctx, "start", client, rec)
}

// Restart stops the session and starts it again with the same credentials.
// The watchdog repairs tunnels through this entry point.
func (o *Orchestrator) Restart(ctx context.Context) error {
	if o.setupInFlight() {
		return domain.NewError("restart", domain.KindAlreadyInProgress, "a setup is running")
	}
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec, client, err := o.current("restart")
	if err != nil {
		return err
	}
	o.stopSession(ctx, client)
	rec.DesiredState = domain.DesiredRunning
	return o.startLocked(ctx, "restart", client, rec)
}

// Stop takes the tunnel down. Stopping a stopped tunnel is a no-op. A setup
// in flight is cancelled and ends stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.cancelSetup(false)
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec := o.record()
	if rec == nil || !o.isPersisted() {
		if rec != nil {
			o.publish(nil)
		}
		return nil
	}
	if rec.DesiredState == domain.DesiredStopped && rec.ObservedState == domain.ObservedStopped {
		return nil
	}
	client, err := o.client(rec.Provider)
	if err != nil {
		return err
	}

	stopping := rec.Clone()
	stopping.Phase = domain.PhaseStopping
	stopping.DesiredState = domain.DesiredStopped
	o.publish(stopping)

	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	stopCtx, cancel := context.WithTimeout(ctx, o.opts.ProcessTimeout)
	err = client.Stop(stopCtx, sess)
	cancel()

	rec.DesiredState = domain.DesiredStopped
	if err != nil {
		reason := provider.Classify(err)
		o.log.Warn("tunnel stop failed", "provider", rec.Provider, "kind", reason.Kind, "err", err)
		rec.ObservedState = domain.ObservedFailed
		rec.Phase = domain.PhaseFailed
		rec.Failure = reason
		if cerr := o.commit(ctx, rec); cerr != nil {
			return cerr
		}
		return failure("stop", reason, err)
	}
	rec.ObservedState = domain.ObservedStopped
	rec.Phase = domain.PhaseStopped
	rec.Failure = nil
	o.log.Info("tunnel stopped", "provider", rec.Provider, "tunnel_id", rec.ID)
	return o.commit(ctx, rec)
}

// Teardown stops the tunnel, wipes its credentials and removes the record.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.cancelSetup(false)
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec := o.record()
	if rec == nil {
		return nil
	}
	if !o.isPersisted() {
		o.publish(nil)
		return nil
	}
	return o.teardownLocked(ctx, rec)
}

// teardownLocked is called with opMu held.
func (o *Orchestrator) teardownLocked(ctx context.Context, rec *domain.TunnelRecord) error {
	if client, err := o.client(rec.Provider); err == nil {
		o.stopSession(ctx, client)
		if rec.ObservedState != domain.ObservedStopped {
			// Daemon-managed providers keep state without a session.
			stopCtx, cancel := context.WithTimeout(ctx, o.opts.ProcessTimeout)
			if err := client.Stop(stopCtx, nil); err != nil {
				o.log.Warn("provider cleanup during teardown", "provider", rec.Provider, "err", err)
			}
			cancel()
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ProcessTimeout)
	defer cancel()
	wipeErr := o.vault.Wipe(wctx, rec.Provider)
	if err := o.store.DeleteTunnel(wctx); err != nil {
		return &domain.OrchestratorError{Kind: domain.KindStorageError, Op: "teardown", Err: err}
	}
	o.publish(nil)
	o.log.Info("tunnel torn down", "provider", rec.Provider, "tunnel_id", rec.ID)
	if wipeErr != nil {
		return &domain.OrchestratorError{Kind: domain.KindVaultError, Op: "teardown", Err: wipeErr}
	}
	return nil
}

// PollLogin reports whether the provider's interactive login has completed.
// Providers without interactive login always report true.
func (o *Orchestrator) PollLogin(ctx context.Context) (bool, error) {
	o.mu.Lock()
	var p domain.Provider
	if o.inFlight != nil {
		p = o.inFlight.provider
	} else if o.rec != nil {
		p = o.rec.Provider
	}
	o.mu.Unlock()
	if p == "" {
		return false, domain.NewError("poll_login", domain.KindNotConfigured, domain.ErrNotConfigured.Error())
	}
	client, err := o.client(p)
	if err != nil {
		return false, err
	}
	auth, ok := client.(provider.Authenticator)
	if !ok {
		return true, nil
	}
	checkCtx, cancel := context.WithTimeout(ctx, o.opts.ProcessTimeout)
	defer cancel()
	done, err := auth.CheckAuth(checkCtx)
	if err != nil {
		return false, failure("poll_login", provider.Classify(err), err)
	}
	return done, nil
}

// Providers reports each available provider's installation and sign-in
// state. It does not take the transition lock and never changes the tunnel.
func (o *Orchestrator) Providers(ctx context.Context) []domain.ProviderInventory {
	out := make([]domain.ProviderInventory, 0, len(o.providers))
	for _, p := range domain.Providers {
		client, ok := o.providers[p]
		if !ok {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, o.opts.ProcessTimeout)
		inv, err := client.Check(checkCtx)
		cancel()
		if err != nil {
			o.log.Debug("provider check failed", "provider", p, "err", err)
			inv = domain.ProviderInventory{Provider: p, Installed: inv.Installed, Path: inv.Path, Detail: err.Error()}
		}
		inv.Provider = p
		out = append(out, inv)
	}
	return out
}

// ProbeResult is the outcome of a liveness probe.
type ProbeResult int

const (
	// ProbeSkipped means there is nothing to verify or repair.
	ProbeSkipped ProbeResult = iota
	ProbeLive
	ProbeNotLive
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeLive:
		return "live"
	case ProbeNotLive:
		return "not_live"
	}
	return "skipped"
}

// Probe checks the actual provider session of a tunnel that should be
// running. A live session refreshes last_verified_at; a dead one that was
// believed running is recorded as failed.
func (o *Orchestrator) Probe(ctx context.Context) (ProbeResult, error) {
	if o.setupInFlight() {
		return ProbeSkipped, nil
	}
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec := o.record()
	if !o.repairable(rec) {
		return ProbeSkipped, nil
	}
	client, err := o.client(rec.Provider)
	if err != nil {
		return ProbeSkipped, err
	}
	o.mu.Lock()
	sess := o.session
	o.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, o.opts.ProcessTimeout)
	live, err := client.Liveness(probeCtx, sess)
	cancel()
	if err != nil {
		live = provider.Liveness{Detail: err.Error()}
	}

	if live.Alive && rec.ObservedState == domain.ObservedRunning {
		now := o.clock.Now().UTC()
		rec.LastVerifiedAt = &now
		return ProbeLive, o.commit(ctx, rec)
	}
	if rec.ObservedState == domain.ObservedRunning {
		reason := domain.Failure(domain.KindProcessExited, live.Detail)
		if live.ExitCode != nil {
			reason = domain.ExitedWith(*live.ExitCode)
			reason.Detail = live.Detail
		}
		o.log.Warn("tunnel not live", "provider", rec.Provider, "detail", live.Detail)
		rec.ObservedState = domain.ObservedFailed
		rec.Phase = domain.PhaseFailed
		rec.Failure = reason
		if err := o.commit(ctx, rec); err != nil {
			return ProbeNotLive, err
		}
	}
	return ProbeNotLive, nil
}

// repairable reports whether the watchdog may act on rec: it must be
// persisted, desired running and not in a failure needing the operator.
func (o *Orchestrator) repairable(rec *domain.TunnelRecord) bool {
	if rec == nil || !o.isPersisted() || rec.DesiredState != domain.DesiredRunning {
		return false
	}
	if rec.Phase.InSetup() || rec.Phase == domain.PhaseStopping {
		return false
	}
	if rec.ObservedState == domain.ObservedFailed && rec.Failure != nil && !rec.Failure.Kind.Transient() {
		return false
	}
	return true
}

// Escalate records a terminal failure raised by the watchdog, stopping the
// session. It is a no-op unless the tunnel is still desired running, and it
// never replaces a terminal failure already on the record.
func (o *Orchestrator) Escalate(ctx context.Context, kind domain.FailureKind, detail string) error {
	if o.setupInFlight() {
		return nil
	}
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec := o.record()
	if rec == nil || !o.isPersisted() || rec.DesiredState != domain.DesiredRunning {
		return nil
	}
	if rec.ObservedState == domain.ObservedFailed && rec.Failure != nil && !rec.Failure.Kind.Transient() {
		// Keep the recorded cause; it tells the operator what to fix.
		return nil
	}
	if client, err := o.client(rec.Provider); err == nil {
		o.stopSession(ctx, client)
	}
	o.log.Error("tunnel escalated", "provider", rec.Provider, "kind", kind, "detail", detail)
	rec.ObservedState = domain.ObservedFailed
	rec.Phase = domain.PhaseFailed
	rec.Failure = domain.Failure(kind, detail)
	return o.commit(ctx, rec)
}

// Recover loads the persisted record at boot and resumes a tunnel desired
// running. It is Load followed by Resume.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if err := o.Load(ctx); err != nil {
		return err
	}
	return o.Resume(ctx)
}

// Load reads the persisted record without touching the provider. A record
// left mid-setup is marked interrupted. Call it before serving commands.
func (o *Orchestrator) Load(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	stored, found, err := o.store.LoadTunnel(ctx)
	if err != nil {
		return &domain.OrchestratorError{Kind: domain.KindStorageError, Op: "recover", Err: err}
	}
	if !found {
		return nil
	}
	rec := &stored
	o.mu.Lock()
	o.rec = rec.Clone()
	o.persisted = true
	o.notifyLocked()

	if rec.Phase.InSetup() || rec.Phase == domain.PhaseStopping {
		interrupted := rec.Phase
		rec.ObservedState = domain.ObservedFailed
		rec.Phase = domain.PhaseFailed
		rec.Failure = domain.Failure(domain.KindInterrupted, "hub stopped during "+string(interrupted))
		o.log.Warn("tunnel setup was interrupted", "provider", rec.Provider, "phase", interrupted)
		return o.commit(ctx, rec)
	}
	if !o.repairable(rec) && rec.ObservedState == domain.ObservedRunning {
		// No session survives a hub restart.
		rec.ObservedState = domain.ObservedStopped
		rec.Phase = domain.PhaseStopped
		return o.commit(ctx, rec)
	}
	return nil
}

// Resume starts a loaded tunnel that is desired running and has no session.
// Commands that ran since Load take precedence.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if o.setupInFlight() {
		return nil
	}
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec := o.record()
	if !o.repairable(rec) || o.hasSession() {
		return nil
	}
	client, err := o.client(rec.Provider)
	if err != nil {
		return err
	}
	o.log.Info("resuming tunnel", "provider", rec.Provider, "tunnel_id", rec.ID)
	return o.startLocked(ctx, "recover", client, rec)
}

// Close stops any running session without changing desired state, so the
// next boot resumes the tunnel. An in-flight setup is abandoned.
func (o *Orchestrator) Close(ctx context.Context) {
	o.cancelSetup(true)
	o.opMu.Lock()
	defer o.opMu.Unlock()
	rec := o.record()
	if rec == nil {
		return
	}
	if client, err := o.client(rec.Provider); err == nil {
		o.stopSession(ctx, client)
	}
}

// current returns the persisted record and its client. Called with opMu held.
func (o *Orchestrator) current(op string) (*domain.TunnelRecord, provider.Client, error) {
	rec := o.record()
	if rec == nil || !o.isPersisted() {
		return nil, nil, domain.NewError(op, domain.KindNotConfigured, domain.ErrNotConfigured.Error())
	}
	client, err := o.client(rec.Provider)
	if err != nil {
		return nil, nil, err
	}
	return rec, client, nil
}

// startLocked starts the session and records the outcome.
func (o *Orchestrator) startLocked(ctx context.Context, op string, client provider.Client, rec *domain.TunnelRecord) error {
	creds, err := o.vault.Get(ctx, rec.Provider)
	if err != nil {
		return o.vaultFailed(ctx, op, rec, err)
	}
	defer creds.Wipe()

	if err := o.startSession(ctx, client, rec, creds); err != nil {
		var oe *domain.OrchestratorError
		if errors.As(err, &oe) {
			return err
		}
		reason := provider.Classify(err)
		o.log.Warn("tunnel start failed", "op", op, "provider", rec.Provider, "kind", reason.Kind, "err", err)
		rec.ObservedState = domain.ObservedFailed
		rec.Phase = domain.PhaseFailed
		rec.Failure = reason
		if cerr := o.commit(ctx, rec); cerr != nil {
			return cerr
		}
		return failure(op, reason, err)
	}
	return nil
}

// vaultFailed wipes an unreadable credential and fails the tunnel; the
// operator must run setup again to re-authenticate.
func (o *Orchestrator) vaultFailed(ctx context.Context, op string, rec *domain.TunnelRecord, err error) error {
	o.log.Error("credential unavailable", "provider", rec.Provider, "err", err)
	if werr := o.vault.Wipe(context.WithoutCancel(ctx), rec.Provider); werr != nil {
		o.log.Error("wipe unreadable credential", "provider", rec.Provider, "err", werr)
	}
	reason := domain.Failure(domain.KindVaultError, err.Error())
	rec.ObservedState = domain.ObservedFailed
	rec.Phase = domain.PhaseFailed
	rec.Failure = reason
	if cerr := o.commit(ctx, rec); cerr != nil {
		return cerr
	}
	return failure(op, reason, err)
}

// startSession runs the provider start and commits Running once the provider
// confirmed a hostname. Failures are returned uncommitted.
func (o *Orchestrator) startSession(ctx context.Context, client provider.Client, rec *domain.TunnelRecord, creds domain.Secret) error {
	o.stopSession(ctx, client)

	startCtx, cancel := context.WithTimeout(ctx, o.opts.StartTimeout)
	defer cancel()
	sess, err := client.Start(startCtx, provider.StartRequest{
		TunnelID:    rec.ID,
		LocalPort:   rec.LocalPort,
		Credentials: creds,
		Hostname:    rec.Hostname,
	})
	if err != nil {
		return err
	}
	if sess == nil || sess.Hostname == "" {
		if sess != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ProcessTimeout)
			_ = client.Stop(stopCtx, sess)
			cancel()
		}
		return domain.ErrNoHostname
	}

	o.mu.Lock()
	o.session = sess
	o.mu.Unlock()

	now := o.clock.Now().UTC()
	rec.Hostname = sess.Hostname
	rec.ObservedState = domain.ObservedRunning
	rec.Phase = domain.PhaseRunning
	rec.Failure = nil
	rec.LastVerifiedAt = &now
	o.log.Info("tunnel running", "provider", rec.Provider, "hostname", rec.Hostname, "tunnel_id", rec.ID)
	return o.commit(ctx, rec)
}

// stopSession stops the current session, if any, without recording a
// transition.
func (o *Orchestrator) stopSession(ctx context.Context, client provider.Client) {
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	if sess == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ProcessTimeout)
	defer cancel()
	if err := client.Stop(stopCtx, sess); err != nil {
		o.log.Warn("stop provider session", "err", err)
	}
}

func (o *Orchestrator) hasSession() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session != nil
}
