package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/provider"
)

func TestQuickSetupHappyPath(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	h := newHarness(t, Options{}, quick)

	st := h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{LocalPort: 9090})
	if st.ObservedState != domain.ObservedRunning || st.Hostname != "abc123.example-relay.net" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Phase != domain.PhaseRunning || !st.Configured || st.LastVerifiedAt == nil {
		t.Fatalf("unexpected status %+v", st)
	}
	rec := h.store.stored()
	if rec == nil || rec.ObservedState != domain.ObservedRunning || rec.Hostname != st.Hostname || rec.LocalPort != 9090 {
		t.Fatalf("record not persisted: %+v", rec)
	}
	if rec.ID == "" || rec.ID != st.TunnelID {
		t.Fatalf("unexpected tunnel id %q / %q", rec.ID, st.TunnelID)
	}
}

func TestNoRunningWithoutConfirmation(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "")
	started := make(chan struct{})
	quick.startFn = func(ctx context.Context, _ provider.StartRequest) (*provider.Session, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, Options{StartTimeout: 200 * time.Millisecond}, quick)

	if _, err := h.orch.Setup(context.Background(), domain.ProviderQuick, domain.SetupParams{}); err != nil {
		t.Fatal(err)
	}
	<-started
	st := h.orch.Status()
	if st.Phase != domain.PhaseConfiguring || st.ObservedState != domain.ObservedStarting {
		t.Fatalf("expected configuring while unconfirmed, got %+v", st)
	}
	h.await(t)
	st = h.orch.Status()
	if st.ObservedState != domain.ObservedFailed || st.LastError == nil || st.LastError.Kind != domain.KindTimedOut {
		t.Fatalf("expected timed_out failure, got %+v", st)
	}
}

func TestEmptyHostnameIsNotConfirmation(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "")
	h := newHarness(t, Options{}, quick)

	st := h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})
	if st.ObservedState == domain.ObservedRunning {
		t.Fatalf("running without hostname: %+v", st)
	}
	if st.LastError == nil || st.LastError.Kind != domain.KindTimedOut {
		t.Fatalf("unexpected failure %+v", st.LastError)
	}
}

func TestSingleInFlightSetup(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "")
	release := make(chan struct{})
	quick.startFn = func(ctx context.Context, _ provider.StartRequest) (*provider.Session, error) {
		select {
		case <-release:
			return &provider.Session{Hostname: "abc123.example-relay.net"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h := newHarness(t, Options{}, quick)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Setup(context.Background(), domain.ProviderQuick, domain.SetupParams{})
		}(i)
	}
	wg.Wait()

	inProgress := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case domain.KindOf(err) == domain.KindAlreadyInProgress:
			inProgress++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if inProgress != 1 {
		t.Fatalf("expected exactly one already_in_progress, got %d (%v)", inProgress, errs)
	}

	close(release)
	h.await(t)
	if starts, _ := quick.counts(); starts != 1 {
		t.Fatalf("expected one start, got %d", starts)
	}
	if st := h.orch.Status(); st.ObservedState != domain.ObservedRunning {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestManagedBadTokenIsConfigError(t *testing.T) {
	t.Parallel()

	managed := &remoteClient{
		fakeClient: newFakeClient(domain.ProviderManaged, "myhub.example.cloud"),
		remoteErr:  &domain.ConfigError{Detail: "unauthorized", Err: domain.ErrUnauthorized},
	}
	h := newHarness(t, Options{}, managed)

	st := h.setupAndWait(t, domain.ProviderManaged, domain.SetupParams{APIToken: domain.NewSecret("bad"), Name: "myhub"})
	if st.ObservedState != domain.ObservedFailed || st.LastError == nil {
		t.Fatalf("expected failure, got %+v", st)
	}
	if st.LastError.Kind != domain.KindConfigError || st.LastError.Detail != "unauthorized" {
		t.Fatalf("unexpected failure %+v", st.LastError)
	}
	if starts, _ := managed.counts(); starts != 0 {
		t.Fatalf("connector must not start after a config error, got %d", starts)
	}
	res, err := h.orch.Probe(context.Background())
	if err != nil || res != ProbeSkipped {
		t.Fatalf("config error must not be repaired: %v %v", res, err)
	}
}

func TestManagedSetupStoresCredentials(t *testing.T) {
	t.Parallel()

	managed := &remoteClient{fakeClient: newFakeClient(domain.ProviderManaged, "myhub.example.cloud"), creds: `{"tunnel_token":"t"}`}
	h := newHarness(t, Options{}, managed)

	st := h.setupAndWait(t, domain.ProviderManaged, domain.SetupParams{APIToken: domain.NewSecret("good"), Name: "myhub"})
	if st.ObservedState != domain.ObservedRunning || st.Hostname != "myhub.example.cloud" {
		t.Fatalf("unexpected status %+v", st)
	}
	got, err := h.vault.Get(context.Background(), domain.ProviderManaged)
	if err != nil || got.Reveal() != `{"tunnel_token":"t"}` {
		t.Fatalf("credentials not sealed: %q %v", got.Reveal(), err)
	}
	if managed.lastCreds != `{"tunnel_token":"t"}` {
		t.Fatalf("start did not receive credentials: %q", managed.lastCreds)
	}

	// A restart reads the credential back from the vault.
	if err := h.orch.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if managed.lastCreds != `{"tunnel_token":"t"}` {
		t.Fatalf("restart did not receive credentials: %q", managed.lastCreds)
	}
}

func TestMeshLoginTimeout(t *testing.T) {
	t.Parallel()

	mesh := newAuthClient("hub.tail.example", 0)
	h := newHarness(t, Options{AuthPollInterval: 2 * time.Second, AuthPollAttempts: 90}, mesh)

	if _, err := h.orch.Setup(context.Background(), domain.ProviderMeshFunnel, domain.SetupParams{LocalPort: 9090}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "login url", func() bool { return h.orch.Status().LoginURL != "" })
	if st := h.orch.Status(); st.Phase != domain.PhaseAuthenticating || st.SetupToken == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	for i := 0; i < 90; i++ {
		if err := h.clock.WaitAdvance(2*time.Second, 5*time.Second, 1); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	h.await(t)

	st := h.orch.Status()
	if st.ObservedState != domain.ObservedFailed || st.LastError == nil || st.LastError.Kind != domain.KindAuthTimeout {
		t.Fatalf("expected auth_timeout, got %+v", st)
	}
	if got := mesh.checkCount(); got != 91 {
		t.Fatalf("expected 1 initial check and 90 polls, got %d", got)
	}
	loginCtx := <-mesh.loginCtxCh
	if loginCtx.Err() == nil {
		t.Fatal("login task should be cancelled when polling ends")
	}
}

func TestMeshLoginCompletes(t *testing.T) {
	t.Parallel()

	mesh := newAuthClient("hub.tail.example", 3)
	h := newHarness(t, Options{}, mesh)

	if _, err := h.orch.Setup(context.Background(), domain.ProviderMeshFunnel, domain.SetupParams{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := h.clock.WaitAdvance(2*time.Second, 5*time.Second, 1); err != nil {
			t.Fatal(err)
		}
	}
	h.await(t)
	if st := h.orch.Status(); st.ObservedState != domain.ObservedRunning || st.Hostname != "hub.tail.example" {
		t.Fatalf("unexpected status %+v", st)
	}
	done, err := h.orch.PollLogin(context.Background())
	if err != nil || !done {
		t.Fatalf("PollLogin = %v, %v", done, err)
	}
}

func TestStopCancelsSetup(t *testing.T) {
	t.Parallel()

	mesh := newAuthClient("hub.tail.example", 0)
	h := newHarness(t, Options{}, mesh)

	if _, err := h.orch.Setup(context.Background(), domain.ProviderMeshFunnel, domain.SetupParams{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "authenticating", func() bool { return h.orch.Status().Phase == domain.PhaseAuthenticating })
	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := h.orch.Status()
	if st.ObservedState != domain.ObservedStopped || st.DesiredState != domain.DesiredStopped || st.SetupToken != "" {
		t.Fatalf("unexpected status after cancel %+v", st)
	}
	if rec := h.store.stored(); rec == nil || rec.Phase != domain.PhaseStopped {
		t.Fatalf("stopped state not persisted: %+v", rec)
	}
}

func TestTeardownCancelsSetup(t *testing.T) {
	t.Parallel()

	mesh := newAuthClient("hub.tail.example", 0)
	h := newHarness(t, Options{}, mesh)

	if _, err := h.orch.Setup(context.Background(), domain.ProviderMeshFunnel, domain.SetupParams{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "authenticating", func() bool { return h.orch.Status().Phase == domain.PhaseAuthenticating })
	if err := h.orch.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := h.orch.Status(); st.Configured || st.Phase != domain.PhaseUnconfigured {
		t.Fatalf("unexpected status %+v", st)
	}
	if h.store.stored() != nil {
		t.Fatal("record should be deleted")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	h := newHarness(t, Options{}, quick)
	h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})

	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := h.orch.Status()
	if first.ObservedState != domain.ObservedStopped || first.Phase != domain.PhaseStopped {
		t.Fatalf("unexpected status %+v", first)
	}
	saves := h.store.saves

	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, stops := quick.counts(); stops != 1 {
		t.Fatalf("provider stop called %d times, want 1", stops)
	}
	second := h.orch.Status()
	if !second.LastVerifiedAt.Equal(*first.LastVerifiedAt) {
		t.Fatal("last_verified_at changed on a no-op stop")
	}
	if h.store.saves != saves {
		t.Fatal("no-op stop persisted a record")
	}
}

func TestStopWithoutRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, newFakeClient(domain.ProviderQuick, "x.example-relay.net"))
	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Start(context.Background()); domain.KindOf(err) != domain.KindNotConfigured {
		t.Fatalf("expected not_configured, got %v", err)
	}
}

func TestTeardownWipesCredentials(t *testing.T) {
	t.Parallel()

	managed := &remoteClient{fakeClient: newFakeClient(domain.ProviderManaged, "myhub.example.cloud"), creds: "tunnel-secret"}
	h := newHarness(t, Options{}, managed)
	h.setupAndWait(t, domain.ProviderManaged, domain.SetupParams{APIToken: domain.NewSecret("good"), Name: "myhub"})

	if err := h.orch.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := h.vault.Get(context.Background(), domain.ProviderManaged)
	if err != nil || got != nil {
		t.Fatalf("credential survived teardown: %v %v", got, err)
	}
	if len(h.store.sealed) != 0 {
		t.Fatal("ciphertext survived teardown")
	}
	if h.store.stored() != nil {
		t.Fatal("record survived teardown")
	}
	if st := h.orch.Status(); st.Configured || st.Phase != domain.PhaseUnconfigured {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSetupRejectedWhileRunning(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	h := newHarness(t, Options{}, quick)
	h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})

	_, err := h.orch.Setup(context.Background(), domain.ProviderQuick, domain.SetupParams{})
	if domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	if st := h.orch.Status(); st.SetupToken != "" || st.ObservedState != domain.ObservedRunning {
		t.Fatalf("rejected setup changed status: %+v", st)
	}
}

func TestSwitchProviderRequiresStopped(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	managed := &remoteClient{fakeClient: newFakeClient(domain.ProviderManaged, "myhub.example.cloud"), creds: "c"}
	h := newHarness(t, Options{}, quick, managed)
	first := h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})

	params := domain.SetupParams{APIToken: domain.NewSecret("good"), Name: "myhub"}
	if _, err := h.orch.SwitchProvider(context.Background(), domain.ProviderManaged, params); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	if _, err := h.orch.Setup(context.Background(), domain.ProviderManaged, params); domain.KindOf(err) != domain.KindInvalidState {
		t.Fatalf("expected invalid_state for setup under another provider, got %v", err)
	}

	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.SwitchProvider(context.Background(), domain.ProviderManaged, params); err != nil {
		t.Fatal(err)
	}
	h.await(t)
	st := h.orch.Status()
	if st.Provider != domain.ProviderManaged || st.ObservedState != domain.ObservedRunning {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.TunnelID == first.TunnelID {
		t.Fatal("switch must create a new record")
	}
}

func TestSwitchWithoutRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, newFakeClient(domain.ProviderQuick, "x"))
	_, err := h.orch.SwitchProvider(context.Background(), domain.ProviderQuick, domain.SetupParams{})
	if domain.KindOf(err) != domain.KindNotConfigured {
		t.Fatalf("expected not_configured, got %v", err)
	}
	if _, err := h.orch.Setup(context.Background(), domain.Provider("ngrok"), domain.SetupParams{}); domain.KindOf(err) != domain.KindBadRequest {
		t.Fatalf("expected bad_request, got %v", err)
	}
}

func TestInstallFailureBeforeRecord(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	quick.installErr = domain.ErrNotInstalled
	h := newHarness(t, Options{}, quick)

	st := h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})
	if st.Configured || st.Phase != domain.PhaseFailed || st.LastError == nil || st.LastError.Kind != domain.KindNotInstalled {
		t.Fatalf("unexpected status %+v", st)
	}
	if h.store.stored() != nil {
		t.Fatal("no record should exist before install succeeds")
	}

	// Failed → Installing retry path.
	quick.mu.Lock()
	quick.installErr = nil
	quick.mu.Unlock()
	if st := h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{}); st.ObservedState != domain.ObservedRunning {
		t.Fatalf("retry did not reach running: %+v", st)
	}
}

func TestStorageFailureDegradesTunnel(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.saveErr = errors.New("disk full")
	h := newHarnessWithStore(t, store, testKey(1), Options{}, newFakeClient(domain.ProviderQuick, "abc123.example-relay.net"))

	st := h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})
	if st.ObservedState != domain.ObservedFailed || st.LastError == nil || st.LastError.Kind != domain.KindStorageError {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestUndecryptableCredentialForcesSetup(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	managed := &remoteClient{fakeClient: newFakeClient(domain.ProviderManaged, "myhub.example.cloud"), creds: "c"}
	first := newHarnessWithStore(t, store, testKey(1), Options{}, managed)
	first.setupAndWait(t, domain.ProviderManaged, domain.SetupParams{APIToken: domain.NewSecret("good"), Name: "myhub"})
	first.orch.Close(context.Background())

	// The hub comes back with a different master key.
	second := newHarnessWithStore(t, store, testKey(2), Options{}, managed)
	err := second.orch.Recover(context.Background())
	if domain.KindOf(err) != domain.KindVaultError {
		t.Fatalf("expected vault_error, got %v", err)
	}
	st := second.orch.Status()
	if st.ObservedState != domain.ObservedFailed || st.LastError.Kind != domain.KindVaultError {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(store.sealed) != 0 {
		t.Fatal("unreadable credential should be wiped")
	}
	if res, _ := second.orch.Probe(context.Background()); res != ProbeSkipped {
		t.Fatalf("vault error must not be auto-repaired, got %v", res)
	}
	if err := second.orch.Escalate(context.Background(), domain.KindFlapping, "not live"); err != nil {
		t.Fatal(err)
	}
	if st := second.orch.Status(); st.LastError.Kind != domain.KindVaultError {
		t.Fatalf("escalation replaced the recorded cause: %+v", st.LastError)
	}
}

func TestRecoverMarksInterruptedSetup(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.rec = &domain.TunnelRecord{
		ID: "t1", Provider: domain.ProviderMeshFunnel, LocalPort: 9090,
		DesiredState: domain.DesiredRunning, ObservedState: domain.ObservedStarting,
		Phase: domain.PhaseAuthenticating, CreatedAt: time.Now(),
	}
	mesh := newAuthClient("hub.tail.example", 1)
	h := newHarnessWithStore(t, store, testKey(1), Options{}, mesh)

	if err := h.orch.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := h.orch.Status()
	if st.LastError == nil || st.LastError.Kind != domain.KindInterrupted || st.Phase != domain.PhaseFailed {
		t.Fatalf("unexpected status %+v", st)
	}
	if starts, _ := mesh.counts(); starts != 0 {
		t.Fatal("interrupted setup must not auto-start")
	}
}

func TestRecoverResumesDesiredRunning(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.rec = &domain.TunnelRecord{
		ID: "t1", Provider: domain.ProviderQuick, LocalPort: 9090, Hostname: "old.example-relay.net",
		DesiredState: domain.DesiredRunning, ObservedState: domain.ObservedRunning,
		Phase: domain.PhaseRunning, CreatedAt: time.Now(),
	}
	quick := newFakeClient(domain.ProviderQuick, "new.example-relay.net")
	h := newHarnessWithStore(t, store, testKey(1), Options{}, quick)

	if err := h.orch.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := h.orch.Status()
	if st.ObservedState != domain.ObservedRunning || st.Hostname != "new.example-relay.net" || st.TunnelID != "t1" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStopBetweenLoadAndResume(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.rec = &domain.TunnelRecord{
		ID: "t1", Provider: domain.ProviderQuick, LocalPort: 9090, Hostname: "old.example-relay.net",
		DesiredState: domain.DesiredRunning, ObservedState: domain.ObservedRunning,
		Phase: domain.PhaseRunning, CreatedAt: time.Now(),
	}
	quick := newFakeClient(domain.ProviderQuick, "new.example-relay.net")
	h := newHarnessWithStore(t, store, testKey(1), Options{}, quick)

	ctx := context.Background()
	if err := h.orch.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if st := h.orch.Status(); !st.Configured || st.TunnelID != "t1" {
		t.Fatalf("record not loaded: %+v", st)
	}
	if err := h.orch.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if starts, _ := quick.counts(); starts != 0 {
		t.Fatalf("resume restarted a tunnel the operator stopped (%d starts)", starts)
	}
	if st := h.orch.Status(); st.Phase != domain.PhaseStopped || st.DesiredState != domain.DesiredStopped {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRecoverLeavesStoppedTunnel(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.rec = &domain.TunnelRecord{
		ID: "t1", Provider: domain.ProviderQuick, DesiredState: domain.DesiredStopped,
		ObservedState: domain.ObservedStopped, Phase: domain.PhaseStopped, CreatedAt: time.Now(),
	}
	quick := newFakeClient(domain.ProviderQuick, "x.example-relay.net")
	h := newHarnessWithStore(t, store, testKey(1), Options{}, quick)
	if err := h.orch.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if starts, _ := quick.counts(); starts != 0 {
		t.Fatal("stopped tunnel must stay stopped")
	}
	if st := h.orch.Status(); !st.Configured || st.Phase != domain.PhaseStopped {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	h := newHarness(t, Options{}, quick)
	h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})
	before := *h.orch.Status().LastVerifiedAt

	h.clock.Advance(time.Minute)
	res, err := h.orch.Probe(context.Background())
	if err != nil || res != ProbeLive {
		t.Fatalf("Probe = %v, %v", res, err)
	}
	if after := *h.orch.Status().LastVerifiedAt; !after.After(before) {
		t.Fatal("live probe should refresh last_verified_at")
	}

	quick.setAlive(false)
	res, err = h.orch.Probe(context.Background())
	if err != nil || res != ProbeNotLive {
		t.Fatalf("Probe = %v, %v", res, err)
	}
	st := h.orch.Status()
	if st.ObservedState != domain.ObservedFailed || st.LastError.Kind != domain.KindProcessExited {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestEscalateStopsRepairs(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	h := newHarness(t, Options{}, quick)
	h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})

	if err := h.orch.Escalate(context.Background(), domain.KindFlapping, "failed again after restart"); err != nil {
		t.Fatal(err)
	}
	st := h.orch.Status()
	if st.LastError == nil || st.LastError.Kind != domain.KindFlapping {
		t.Fatalf("unexpected status %+v", st)
	}
	if res, _ := h.orch.Probe(context.Background()); res != ProbeSkipped {
		t.Fatalf("flapping tunnel must not be probed, got %v", res)
	}

	// Operator action clears it.
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := h.orch.Status(); st.ObservedState != domain.ObservedRunning || st.LastError != nil {
		t.Fatalf("unexpected status after start %+v", st)
	}
}

func TestObserversSeeTransitions(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	h := newHarness(t, Options{}, quick)

	var mu sync.Mutex
	var phases []domain.Phase
	h.orch.Subscribe(ObserverFunc(func(_, next domain.TunnelStatusView) {
		mu.Lock()
		phases = append(phases, next.Phase)
		mu.Unlock()
	}))
	h.setupAndWait(t, domain.ProviderQuick, domain.SetupParams{})

	mu.Lock()
	defer mu.Unlock()
	want := []domain.Phase{domain.PhaseUnconfigured, domain.PhaseInstalling, domain.PhaseConfiguring, domain.PhaseRunning}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}

func TestProvidersReportsInventory(t *testing.T) {
	t.Parallel()

	quick := newFakeClient(domain.ProviderQuick, "abc123.example-relay.net")
	mesh := newAuthClient("hub.tail1234.ts.net", 1)
	h := newHarness(t, Options{}, mesh, quick)

	inv := h.orch.Providers(context.Background())
	if len(inv) != 2 {
		t.Fatalf("inventory = %+v", inv)
	}
	if inv[0].Provider != domain.ProviderQuick || inv[1].Provider != domain.ProviderMeshFunnel {
		t.Fatalf("unexpected order %+v", inv)
	}
	if !inv[0].Installed || inv[0].Version != "1.0.0" {
		t.Fatalf("unexpected quick inventory %+v", inv[0])
	}
	if starts, stops := quick.counts(); starts != 0 || stops != 0 {
		t.Fatalf("inventory touched the tunnel: starts=%d stops=%d", starts, stops)
	}
	if mesh.checkCount() != 0 {
		t.Fatalf("inventory polled sign-in %d times", mesh.checkCount())
	}
	if st := h.orch.Status(); st.Configured || st.Phase != domain.PhaseUnconfigured {
		t.Fatalf("inventory changed status: %+v", st)
	}
}
