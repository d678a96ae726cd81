package mesh

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/process"
	"github.com/citinet/hubtunnel/internal/process/processtest"
	"github.com/citinet/hubtunnel/internal/provider"
)

const (
	statusRunning   = `{"BackendState":"Running","AuthURL":"","Self":{"DNSName":"hub.tail1234.ts.net."}}`
	statusNeedLogin = `{"BackendState":"NeedsLogin","AuthURL":"","Self":{"DNSName":""}}`
)

// daemon scripts the CLI: responses are keyed by the joined arguments.
type daemon struct {
	mu        sync.Mutex
	status    string
	funnel    string
	funnelErr error
}

func (d *daemon) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *daemon) run(_ context.Context, _ string, args []string) (process.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch strings.Join(args, " ") {
	case "status --json":
		if strings.Contains(d.status, "NeedsLogin") {
			return process.Result{Stdout: []byte(d.status), ExitCode: 1}, &process.ExitError{Name: "tailscale", Code: 1}
		}
		return process.Result{Stdout: []byte(d.status)}, nil
	case "funnel status":
		return process.Result{Stdout: []byte(d.funnel)}, d.funnelErr
	case "version":
		return process.Result{Stdout: []byte("1.86.2\n  tailscale commit: 3f2a1c\n")}, nil
	}
	return process.Result{}, nil
}

func newClient(d *daemon) (*Client, *processtest.Runner) {
	r := &processtest.Runner{RunFunc: d.run}
	return New(r, nil, Options{Binary: "/usr/bin/tailscale", LoginTimeout: time.Second, GOOS: "linux"}), r
}

func TestCheckAuth(t *testing.T) {
	t.Parallel()

	d := &daemon{status: statusNeedLogin}
	c, _ := newClient(d)
	ok, err := c.CheckAuth(context.Background())
	if err != nil || ok {
		t.Fatalf("expected signed out, got %v %v", ok, err)
	}
	d.setStatus(statusRunning)
	ok, err = c.CheckAuth(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected signed in, got %v %v", ok, err)
	}
}

func TestBeginLoginCapturesURL(t *testing.T) {
	t.Parallel()

	d := &daemon{status: statusNeedLogin}
	var h *processtest.Handle
	r := &processtest.Runner{
		RunFunc: d.run,
		StartFunc: func(_ string, _ []string, opts process.StartOptions) (process.Handle, error) {
			h = processtest.NewHandle()
			go func() {
				opts.OnStdout("")
				opts.OnStdout("To authenticate, visit:")
				opts.OnStdout("\thttps://login.tailscale.com/a/abc123")
			}()
			return h, nil
		},
	}
	c := New(r, nil, Options{Binary: "/usr/bin/tailscale", LoginTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.BeginLogin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ch.URL != "https://login.tailscale.com/a/abc123" {
		t.Fatalf("unexpected login url %q", ch.URL)
	}
	if got := r.Starts()[0].String(); got != "/usr/bin/tailscale login" {
		t.Fatalf("unexpected command %q", got)
	}

	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("login process not stopped after cancel")
	}
}

func TestBeginLoginUsesPendingAuthURL(t *testing.T) {
	t.Parallel()

	d := &daemon{status: `{"BackendState":"NeedsLogin","AuthURL":"https://login.tailscale.com/a/pending"}`}
	c, r := newClient(d)
	ch, err := c.BeginLogin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ch.URL != "https://login.tailscale.com/a/pending" || len(r.Starts()) != 0 {
		t.Fatalf("expected pending url without new login, got %q starts=%d", ch.URL, len(r.Starts()))
	}
}

func TestBeginLoginAlreadySignedIn(t *testing.T) {
	t.Parallel()

	c, r := newClient(&daemon{status: statusRunning})
	ch, err := c.BeginLogin(context.Background())
	if err != nil || ch.URL != "" || len(r.Starts()) != 0 {
		t.Fatalf("unexpected login %+v %v", ch, err)
	}
}

func TestStartEnablesFunnel(t *testing.T) {
	t.Parallel()

	c, r := newClient(&daemon{status: statusRunning})
	sess, err := c.Start(context.Background(), provider.StartRequest{LocalPort: 9090})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Hostname != "hub.tail1234.ts.net" {
		t.Fatalf("unexpected hostname %q", sess.Hostname)
	}
	if !r.RanWith("funnel --bg 9090") {
		t.Fatalf("funnel not enabled: %v", r.Runs())
	}
}

func TestStartRequiresLogin(t *testing.T) {
	t.Parallel()

	c, r := newClient(&daemon{status: statusNeedLogin})
	_, err := c.Start(context.Background(), provider.StartRequest{LocalPort: 9090})
	if !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if r.RanWith("funnel --bg") {
		t.Fatal("funnel must not start while signed out")
	}
}

func TestStartWithoutDNSName(t *testing.T) {
	t.Parallel()

	c, _ := newClient(&daemon{status: `{"BackendState":"Running"}`})
	_, err := c.Start(context.Background(), provider.StartRequest{LocalPort: 9090})
	if !errors.Is(err, domain.ErrNoHostname) {
		t.Fatalf("expected ErrNoHostname, got %v", err)
	}
}

func TestStopResetsFunnelWithoutSession(t *testing.T) {
	t.Parallel()

	c, r := newClient(&daemon{status: statusRunning})
	if err := c.Stop(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if !r.RanWith("funnel reset") {
		t.Fatalf("expected funnel reset, got %v", r.Runs())
	}
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status string
		funnel string
		alive  bool
	}{
		{"active", statusRunning, "https://hub.tail1234.ts.net (Funnel on)\n|-- / proxy http://127.0.0.1:9090", true},
		{"no_mapping", statusRunning, "No serve config", false},
		{"signed_out", statusNeedLogin, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newClient(&daemon{status: tc.status, funnel: tc.funnel})
			l, err := c.Liveness(context.Background(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if l.Alive != tc.alive {
				t.Fatalf("alive = %v, want %v (%s)", l.Alive, tc.alive, l.Detail)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	c, r := newClient(&daemon{status: statusRunning, funnel: "https://hub.tail1234.ts.net (Funnel on)\n|-- / proxy http://127.0.0.1:9090"})
	inv, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !inv.Installed || inv.Version != "1.86.2" || inv.MachineName != "hub.tail1234.ts.net" {
		t.Fatalf("unexpected inventory %+v", inv)
	}
	if inv.Authenticated == nil || !*inv.Authenticated || inv.FunnelActive == nil || !*inv.FunnelActive {
		t.Fatalf("unexpected sign-in state %+v", inv)
	}
	if len(r.Starts()) != 0 || r.RanWith(" up") || r.RanWith("funnel --bg") {
		t.Fatalf("check had side effects: %v %v", r.Runs(), r.Starts())
	}

	c, _ = newClient(&daemon{status: statusNeedLogin})
	inv, err = c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if inv.Authenticated == nil || *inv.Authenticated || inv.FunnelActive != nil {
		t.Fatalf("signed-out daemon reported %+v", inv)
	}
}

func TestEnsureInstalledLinuxRunsScript(t *testing.T) {
	t.Parallel()

	installed := false
	var mu sync.Mutex
	r := &processtest.Runner{
		LookPathFunc: func(string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			if installed {
				return "/usr/bin/tailscale", nil
			}
			return "", process.ErrNotFound
		},
		RunFunc: func(_ context.Context, name string, _ []string) (process.Result, error) {
			if name == "sh" {
				mu.Lock()
				installed = true
				mu.Unlock()
			}
			return process.Result{}, nil
		},
	}
	c := New(r, nil, Options{GOOS: "linux"})
	if err := c.EnsureInstalled(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !r.RanWith("tailscale.com/install.sh") {
		t.Fatalf("install script not run: %v", r.Runs())
	}
}

func TestEnsureInstalledDarwinNotInstalled(t *testing.T) {
	t.Parallel()

	r := &processtest.Runner{LookPathFunc: func(string) (string, error) { return "", process.ErrNotFound }}
	c := New(r, nil, Options{GOOS: "darwin"})
	if err := c.EnsureInstalled(context.Background()); !errors.Is(err, domain.ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
	if len(r.Runs()) != 0 {
		t.Fatal("nothing should run on darwin")
	}
}

func TestEnsureInstalledWindowsRunsMSI(t *testing.T) {
	t.Parallel()

	var downloaded string
	r := &processtest.Runner{LookPathFunc: func(string) (string, error) { return "", process.ErrNotFound }}
	c := New(r, nil, Options{
		GOOS: "windows",
		Downloader: func(_ context.Context, url, dst string) error {
			downloaded = url
			return os.WriteFile(dst, []byte("msi"), 0o600)
		},
	})
	// The binary is still absent after the fake installer, so this reports
	// NotInstalled, but the MSI must have been run.
	_ = c.EnsureInstalled(context.Background())
	if downloaded != defaultMSIURL {
		t.Fatalf("unexpected msi url %q", downloaded)
	}
	if !r.RanWith("msiexec /i") || !r.RanWith("TS_NOLAUNCH=1") {
		t.Fatalf("msiexec not run: %v", r.Runs())
	}
}
