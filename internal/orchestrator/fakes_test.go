package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/provider"
	"github.com/citinet/hubtunnel/internal/vault"
)

// memStore is an in-memory Store and vault.SealedStore.
type memStore struct {
	mu      sync.Mutex
	rec     *domain.TunnelRecord
	sealed  map[domain.Provider]domain.SealedSecret
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{sealed: map[domain.Provider]domain.SealedSecret{}}
}

func (s *memStore) LoadTunnel(context.Context) (domain.TunnelRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return domain.TunnelRecord{}, false, nil
	}
	return *s.rec.Clone(), true, nil
}

func (s *memStore) SaveTunnel(_ context.Context, rec domain.TunnelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.rec = rec.Clone()
	return nil
}

func (s *memStore) DeleteTunnel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

func (s *memStore) PutSealed(_ context.Context, sealed domain.SealedSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[sealed.Provider] = sealed
	return nil
}

func (s *memStore) GetSealed(_ context.Context, p domain.Provider) (domain.SealedSecret, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sealed[p]
	return v, ok, nil
}

func (s *memStore) DeleteSealed(_ context.Context, p domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sealed, p)
	return nil
}

func (s *memStore) stored() *domain.TunnelRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone()
}

// fakeClient is a scriptable provider.Client.
type fakeClient struct {
	kind domain.Provider

	mu         sync.Mutex
	installErr error
	startFn    func(ctx context.Context, req provider.StartRequest) (*provider.Session, error)
	alive      bool
	starts     int
	stops      int
	lastCreds  string
}

func newFakeClient(kind domain.Provider, hostname string) *fakeClient {
	f := &fakeClient{kind: kind, alive: true}
	f.startFn = func(context.Context, provider.StartRequest) (*provider.Session, error) {
		return &provider.Session{Hostname: hostname}, nil
	}
	return f
}

func (f *fakeClient) Kind() domain.Provider { return f.kind }

func (f *fakeClient) EnsureInstalled(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installErr
}

func (f *fakeClient) Start(ctx context.Context, req provider.StartRequest) (*provider.Session, error) {
	f.mu.Lock()
	f.starts++
	f.lastCreds = req.Credentials.Reveal()
	fn := f.startFn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeClient) Stop(context.Context, *provider.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeClient) Liveness(context.Context, *provider.Session) (provider.Liveness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return provider.Liveness{Detail: "connector exited"}, nil
	}
	return provider.Liveness{Alive: true}, nil
}

func (f *fakeClient) Check(context.Context) (domain.ProviderInventory, error) {
	return domain.ProviderInventory{Provider: f.kind, Installed: true, Version: "1.0.0"}, nil
}

func (f *fakeClient) setAlive(v bool) {
	f.mu.Lock()
	f.alive = v
	f.mu.Unlock()
}

func (f *fakeClient) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// authClient adds interactive login.
type authClient struct {
	*fakeClient
	mu         sync.Mutex
	authed     bool
	checks     int
	authAfter  int // authenticate once checks reaches this; 0 = never
	loginCtxCh chan context.Context
}

func newAuthClient(hostname string, authAfter int) *authClient {
	return &authClient{
		fakeClient: newFakeClient(domain.ProviderMeshFunnel, hostname),
		authAfter:  authAfter,
		loginCtxCh: make(chan context.Context, 1),
	}
}

func (a *authClient) CheckAuth(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks++
	if a.authAfter > 0 && a.checks >= a.authAfter {
		a.authed = true
	}
	return a.authed, nil
}

func (a *authClient) BeginLogin(ctx context.Context) (provider.LoginChallenge, error) {
	a.loginCtxCh <- ctx
	return provider.LoginChallenge{URL: "https://login.example.net/a/xyz"}, nil
}

func (a *authClient) checkCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checks
}

// remoteClient adds remote configuration.
type remoteClient struct {
	*fakeClient
	remoteErr error
	creds     string
	remotes   int
}

func (r *remoteClient) EnsureRemote(_ context.Context, params domain.SetupParams) (provider.RemoteResult, error) {
	r.mu.Lock()
	r.remotes++
	r.mu.Unlock()
	if r.remoteErr != nil {
		return provider.RemoteResult{}, r.remoteErr
	}
	return provider.RemoteResult{Credentials: domain.NewSecret(r.creds), Hostname: params.Name + ".example.cloud"}, nil
}

type harness struct {
	orch  *Orchestrator
	store *memStore
	vault *vault.Vault
	clock *testclock.Clock
}

func testKey(b byte) vault.StaticKeySource {
	k := make([]byte, vault.KeySize)
	for i := range k {
		k[i] = b
	}
	return vault.StaticKeySource(k)
}

func newHarness(t *testing.T, opts Options, clients ...provider.Client) *harness {
	t.Helper()
	store := newMemStore()
	return newHarnessWithStore(t, store, testKey(1), opts, clients...)
}

func newHarnessWithStore(t *testing.T, store *memStore, key vault.StaticKeySource, opts Options, clients ...provider.Client) *harness {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if opts.Clock == nil {
		opts.Clock = clk
	}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 2 * time.Second
	}
	v := vault.New(store, key, nil)
	o := New(store, v, provider.NewRegistry(clients...), opts)
	t.Cleanup(func() { o.Close(context.Background()) })
	return &harness{orch: o, store: store, vault: v, clock: clk}
}

func (h *harness) setupAndWait(t *testing.T, p domain.Provider, params domain.SetupParams) domain.TunnelStatusView {
	t.Helper()
	if _, err := h.orch.Setup(context.Background(), p, params); err != nil {
		t.Fatalf("setup: %v", err)
	}
	h.await(t)
	return h.orch.Status()
}

func (h *harness) await(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.orch.AwaitSetup(ctx); err != nil {
		t.Fatalf("setup did not finish: %v", err)
	}
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
