package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/provider"
)

// Setup begins orchestration for provider p and returns immediately. The
// caller follows progress through Status.
func (o *Orchestrator) Setup(ctx context.Context, p domain.Provider, params domain.SetupParams) (domain.SetupHandle, error) {
	return o.beginSetup(ctx, "setup", p, params, false)
}

// SwitchProvider replaces a stopped tunnel with a new one under p. The old
// record is torn down and its credentials wiped before the new setup starts.
func (o *Orchestrator) SwitchProvider(ctx context.Context, p domain.Provider, params domain.SetupParams) (domain.SetupHandle, error) {
	return o.beginSetup(ctx, "switch", p, params, true)
}

func (o *Orchestrator) beginSetup(ctx context.Context, op string, p domain.Provider, params domain.SetupParams, switching bool) (domain.SetupHandle, error) {
	if !p.Valid() {
		return domain.SetupHandle{}, domain.NewError(op, domain.KindBadRequest, fmt.Sprintf("unknown provider %q", p))
	}
	client, err := o.client(p)
	if err != nil {
		return domain.SetupHandle{}, err
	}

	// Registering the operation before taking opMu makes a concurrent second
	// call fail fast instead of queueing behind the first.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sop := &setupOp{token: uuid.NewString(), provider: p, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	if o.inFlight != nil {
		o.mu.Unlock()
		cancel()
		return domain.SetupHandle{}, domain.NewError(op, domain.KindAlreadyInProgress, "a setup is already running; poll status instead")
	}
	o.inFlight = sop
	o.mu.Unlock()

	o.opMu.Lock()
	rec, err := o.prepareSetup(ctx, op, p, switching)
	if err != nil {
		o.finishSetup(sop)
		o.opMu.Unlock()
		cancel()
		return domain.SetupHandle{}, err
	}
	if params.LocalPort <= 0 {
		params.LocalPort = o.opts.LocalPort
	}
	if rec.LocalPort <= 0 {
		rec.LocalPort = params.LocalPort
	}
	rec.Phase = domain.PhaseInstalling
	rec.ObservedState = domain.ObservedStarting
	rec.DesiredState = domain.DesiredRunning
	rec.Failure = nil
	o.publish(rec)

	o.log.Info("tunnel setup started", "provider", p, "setup_token", sop.token)
	go o.runSetup(runCtx, sop, client, rec, params)
	return domain.SetupHandle{Token: sop.token, Provider: p}, nil
}

// prepareSetup validates the current record against a new setup and returns
// the working record. Called with opMu held.
func (o *Orchestrator) prepareSetup(ctx context.Context, op string, p domain.Provider, switching bool) (*domain.TunnelRecord, error) {
	cur := o.record()
	o.mu.Lock()
	persisted := o.persisted
	o.mu.Unlock()

	if cur == nil || !persisted {
		if switching {
			return nil, domain.NewError(op, domain.KindNotConfigured, "no tunnel to switch from; use setup")
		}
		return &domain.TunnelRecord{Provider: p}, nil
	}
	if cur.Provider == p {
		if switching {
			return nil, domain.NewError(op, domain.KindInvalidState, fmt.Sprintf("tunnel already uses %s", p))
		}
		if cur.ObservedState == domain.ObservedRunning {
			return nil, domain.NewError(op, domain.KindInvalidState, "tunnel is running; stop it first")
		}
		// Retry path: same record, every remote object is re-checked.
		return cur, nil
	}
	if cur.DesiredState != domain.DesiredStopped {
		return nil, domain.NewError(op, domain.KindInvalidState,
			fmt.Sprintf("tunnel under %s must be stopped before switching to %s", cur.Provider, p))
	}
	if err := o.teardownLocked(ctx, cur); err != nil {
		return nil, err
	}
	return &domain.TunnelRecord{Provider: p}, nil
}

func (o *Orchestrator) finishSetup(sop *setupOp) {
	o.mu.Lock()
	if o.inFlight == sop {
		o.inFlight = nil
	}
	o.loginURL = ""
	o.mu.Unlock()
	close(sop.done)
}

// runSetup drives install → authenticate → configure → start. It owns opMu
// until it returns.
func (o *Orchestrator) runSetup(ctx context.Context, sop *setupOp, client provider.Client, rec *domain.TunnelRecord, params domain.SetupParams) {
	defer func() {
		o.opMu.Unlock()
		sop.cancel()
	}()
	defer o.finishSetup(sop)
	log := o.log.With("provider", rec.Provider)

	phase, err := o.setupSteps(ctx, client, rec, params)
	if err == nil {
		return
	}

	o.mu.Lock()
	abandoned := sop.abandoned
	o.mu.Unlock()
	switch {
	case abandoned:
		log.Info("tunnel setup abandoned", "phase", phase)
	case cancelled(ctx, err):
		log.Info("tunnel setup cancelled", "phase", phase)
		o.setupCancelled(ctx, rec)
	default:
		reason := classifySetup(phase, err)
		log.Warn("tunnel setup failed", "phase", phase, "kind", reason.Kind, "err", err)
		rec.ObservedState = domain.ObservedFailed
		rec.Phase = domain.PhaseFailed
		rec.Failure = reason
		if o.isPersisted() {
			_ = o.commit(ctx, rec)
		} else {
			o.publish(rec)
		}
	}
}

func (o *Orchestrator) setupSteps(ctx context.Context, client provider.Client, rec *domain.TunnelRecord, params domain.SetupParams) (domain.Phase, error) {
	installCtx, cancel := context.WithTimeout(ctx, o.opts.InstallTimeout)
	err := client.EnsureInstalled(installCtx)
	cancel()
	if err != nil {
		return domain.PhaseInstalling, err
	}

	// The record exists from the first successful provider round trip.
	auth, needsAuth := client.(provider.Authenticator)
	rec.Phase = domain.PhaseConfiguring
	if needsAuth {
		rec.Phase = domain.PhaseAuthenticating
	}
	if err := o.commit(ctx, rec); err != nil {
		return rec.Phase, err
	}

	if needsAuth {
		if err := o.authenticate(ctx, auth); err != nil {
			return domain.PhaseAuthenticating, err
		}
		rec.Phase = domain.PhaseConfiguring
		if err := o.commit(ctx, rec); err != nil {
			return rec.Phase, err
		}
	}

	var creds domain.Secret
	if rc, ok := client.(provider.RemoteConfigurer); ok {
		remoteCtx, cancel := context.WithTimeout(ctx, o.opts.RemoteTimeout)
		res, err := rc.EnsureRemote(remoteCtx, params)
		cancel()
		if err != nil {
			return domain.PhaseConfiguring, err
		}
		creds = res.Credentials
		defer creds.Wipe()
		if res.Hostname != "" {
			rec.Hostname = res.Hostname
		}
		if !creds.IsZero() {
			if err := o.vault.Put(ctx, rec.Provider, creds); err != nil {
				return domain.PhaseConfiguring, &vaultFailure{err: err}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return domain.PhaseConfiguring, err
	}
	if err := o.startSession(ctx, client, rec, creds); err != nil {
		return phaseStart, err
	}
	return domain.PhaseRunning, nil
}

// phaseStart tags failures of the connector start within a setup.
const phaseStart domain.Phase = "starting"

// authenticate runs the login task and the bounded status poll side by side.
// Both share ctx; the login task is cancelled when polling ends.
func (o *Orchestrator) authenticate(ctx context.Context, auth provider.Authenticator) error {
	checkCtx, cancel := context.WithTimeout(ctx, o.opts.ProcessTimeout)
	ok, err := auth.CheckAuth(checkCtx)
	cancel()
	if err == nil && ok {
		return nil
	}

	loginCtx, cancelLogin := context.WithCancel(ctx)
	defer cancelLogin()
	loginDone := make(chan error, 1)
	go func() {
		ch, err := auth.BeginLogin(loginCtx)
		if err == nil && ch.URL != "" {
			o.setLoginURL(ch.URL)
		}
		loginDone <- err
	}()

	for attempt := 1; attempt <= o.opts.AuthPollAttempts; attempt++ {
		tick := o.clock.After(o.opts.AuthPollInterval)
	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-loginDone:
				loginDone = nil
				if err != nil && loginCtx.Err() == nil {
					o.log.Warn("login task failed; still polling", "err", err)
				}
			case <-tick:
				break wait
			}
		}

		checkCtx, cancel := context.WithTimeout(ctx, o.opts.ProcessTimeout)
		ok, err := auth.CheckAuth(checkCtx)
		cancel()
		if err != nil {
			o.log.Debug("auth poll", "attempt", attempt, "err", err)
			continue
		}
		if ok {
			o.log.Info("provider login confirmed", "attempt", attempt)
			return nil
		}
	}
	return errAuthTimeout
}

var errAuthTimeout = errors.New("login was not completed in time")

// vaultFailure marks a credential storage error during setup.
type vaultFailure struct{ err error }

func (e *vaultFailure) Error() string { return "store credentials: " + e.err.Error() }
func (e *vaultFailure) Unwrap() error { return e.err }

// classifySetup maps a setup failure onto the taxonomy. Remote configuration
// failures are configuration errors and never retried.
func classifySetup(phase domain.Phase, err error) *domain.FailureReason {
	var vf *vaultFailure
	var oe *domain.OrchestratorError
	switch {
	case errors.As(err, &oe):
		return oe.Reason()
	case errors.As(err, &vf):
		return domain.Failure(domain.KindVaultError, vf.Error())
	case errors.Is(err, errAuthTimeout):
		return domain.Failure(domain.KindAuthTimeout, err.Error())
	}
	reason := provider.Classify(err)
	switch phase {
	case domain.PhaseInstalling:
		if reason.Kind != domain.KindTimedOut {
			reason = domain.Failure(domain.KindNotInstalled, err.Error())
		}
	case domain.PhaseConfiguring:
		if reason.Kind != domain.KindConfigError {
			reason = domain.Failure(domain.KindConfigError, err.Error())
		}
	}
	return reason
}

// setupCancelled settles a setup cut short by stop or teardown.
func (o *Orchestrator) setupCancelled(ctx context.Context, rec *domain.TunnelRecord) {
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	if sess != nil {
		if client, err := o.client(rec.Provider); err == nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ProcessTimeout)
			_ = client.Stop(stopCtx, sess)
			cancel()
		}
	}
	if !o.isPersisted() {
		o.publish(nil)
		return
	}
	rec.DesiredState = domain.DesiredStopped
	rec.ObservedState = domain.ObservedStopped
	rec.Phase = domain.PhaseStopped
	rec.Failure = nil
	_ = o.commit(ctx, rec)
}

func (o *Orchestrator) isPersisted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persisted
}
