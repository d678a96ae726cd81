// Package mesh implements the mesh-network funnel provider. The overlay
// daemon owns the session; the hub drives it through its CLI: interactive
// login, then a background funnel to the local port.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/process"
	"github.com/citinet/hubtunnel/internal/provider"
)

const (
	binaryName        = "tailscale"
	windowsBinaryPath = `C:\Program Files\Tailscale\tailscale.exe`
	linuxInstallCmd   = "curl -fsSL https://tailscale.com/install.sh | sh"
	defaultMSIURL     = "https://pkgs.tailscale.com/stable/tailscale-setup-latest-amd64.msi"
)

var loginURLRe = regexp.MustCompile(`https://login\.tailscale\.com/\S+`)

// Options configures a Client.
type Options struct {
	// Binary overrides binary discovery.
	Binary string
	// LoginTimeout bounds the wait for the login URL.
	LoginTimeout time.Duration
	// MSIURL is the Windows installer package.
	MSIURL string
	// Downloader fetches the Windows installer into a local file.
	Downloader func(ctx context.Context, url, dst string) error
	GOOS       string
}

// Client is the mesh funnel provider.
type Client struct {
	runner process.Runner
	log    *slog.Logger
	opts   Options
}

var (
	_ provider.Client        = (*Client)(nil)
	_ provider.Authenticator = (*Client)(nil)
)

// New returns a mesh funnel client.
func New(runner process.Runner, log *slog.Logger, opts Options) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 30 * time.Second
	}
	if opts.MSIURL == "" {
		opts.MSIURL = defaultMSIURL
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	return &Client{runner: runner, log: log.With("provider", domain.ProviderMeshFunnel), opts: opts}
}

func (c *Client) Kind() domain.Provider { return domain.ProviderMeshFunnel }

// daemonStatus is the subset of `status --json` the hub reads.
type daemonStatus struct {
	BackendState string `json:"BackendState"`
	AuthURL      string `json:"AuthURL"`
	Self         *struct {
		DNSName string `json:"DNSName"`
	} `json:"Self"`
}

func (s daemonStatus) running() bool { return s.BackendState == "Running" }

func (s daemonStatus) hostname() string {
	if s.Self == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s.Self.DNSName), "."))
}

func (c *Client) binary() (string, error) {
	if c.opts.Binary != "" {
		return c.opts.Binary, nil
	}
	p, err := c.runner.LookPath(binaryName)
	if err == nil {
		return p, nil
	}
	if c.opts.GOOS == "windows" {
		if _, statErr := os.Stat(windowsBinaryPath); statErr == nil {
			return windowsBinaryPath, nil
		}
	}
	return "", fmt.Errorf("%w: %s: %v", domain.ErrNotInstalled, binaryName, err)
}

func (c *Client) status(ctx context.Context) (daemonStatus, error) {
	var st daemonStatus
	bin, err := c.binary()
	if err != nil {
		return st, err
	}
	res, runErr := c.runner.Run(ctx, bin, "status", "--json")
	// A logged-out daemon exits non-zero but still prints its state.
	if len(res.Stdout) > 0 {
		if err := json.Unmarshal(res.Stdout, &st); err == nil {
			return st, nil
		}
	}
	if runErr != nil {
		return st, fmt.Errorf("%s status: %w", binaryName, runErr)
	}
	return st, fmt.Errorf("%s status: unreadable output", binaryName)
}

// EnsureInstalled installs the daemon with the platform installer when it is
// not found.
func (c *Client) EnsureInstalled(ctx context.Context) error {
	if _, err := c.binary(); err == nil {
		return nil
	}
	c.log.Info("installing mesh client", "goos", c.opts.GOOS)
	switch c.opts.GOOS {
	case "linux":
		if _, err := c.runner.Run(ctx, "sh", "-c", linuxInstallCmd); err != nil {
			return fmt.Errorf("%w: install script: %v", domain.ErrNotInstalled, err)
		}
	case "windows":
		if err := c.installMSI(ctx); err != nil {
			return fmt.Errorf("%w: msi install: %v", domain.ErrNotInstalled, err)
		}
	default:
		return fmt.Errorf("%w: install Tailscale from https://tailscale.com/download and retry", domain.ErrNotInstalled)
	}
	if _, err := c.binary(); err != nil {
		return err
	}
	return nil
}

func (c *Client) installMSI(ctx context.Context) error {
	if c.opts.Downloader == nil {
		return errors.New("no downloader configured")
	}
	dir, err := os.MkdirTemp("", "hubtunnel-msi-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()
	msi := dir + string(os.PathSeparator) + "tailscale-setup.msi"
	if err := c.opts.Downloader(ctx, c.opts.MSIURL, msi); err != nil {
		return err
	}
	_, err = c.runner.Run(ctx, "msiexec", "/i", msi, "/qn", "TS_NOLAUNCH=1", "TS_CHECKUPDATES=never")
	return err
}

// CheckAuth reports whether the daemon has a signed-in session.
func (c *Client) CheckAuth(ctx context.Context) (bool, error) {
	st, err := c.status(ctx)
	if err != nil {
		return false, err
	}
	return st.running(), nil
}

// BeginLogin starts the interactive login and returns the URL the operator
// must open. The login process keeps running until ctx ends or it exits on
// its own after the operator signs in.
func (c *Client) BeginLogin(ctx context.Context) (provider.LoginChallenge, error) {
	st, err := c.status(ctx)
	if err == nil {
		if st.running() {
			return provider.LoginChallenge{}, nil
		}
		if st.AuthURL != "" {
			return provider.LoginChallenge{URL: st.AuthURL}, nil
		}
	}
	bin, err := c.binary()
	if err != nil {
		return provider.LoginChallenge{}, err
	}

	confirm := provider.NewConfirmation(func(line string) string { return loginURLRe.FindString(line) })
	h, err := c.runner.Start(bin, []string{"login"}, process.StartOptions{OnStdout: confirm.Feed, OnStderr: confirm.Feed})
	if err != nil {
		return provider.LoginChallenge{}, err
	}
	url, err := confirm.Wait(ctx, h, c.opts.LoginTimeout)
	if err != nil {
		var exitErr *process.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == 0 {
			// Exited cleanly without a URL: the session was already valid.
			return provider.LoginChallenge{}, nil
		}
		return provider.LoginChallenge{}, err
	}

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = h.Stop(stopCtx)
		case <-h.Done():
		}
	}()
	c.log.Info("mesh login pending", "login_url", url)
	return provider.LoginChallenge{URL: url}, nil
}

// Start enables a background funnel to the local port and reads the node's
// public name back from the daemon.
func (c *Client) Start(ctx context.Context, req provider.StartRequest) (*provider.Session, error) {
	st, err := c.status(ctx)
	if err != nil {
		return nil, err
	}
	if !st.running() {
		return nil, fmt.Errorf("%w: backend state %q", domain.ErrNotAuthenticated, st.BackendState)
	}
	bin, err := c.binary()
	if err != nil {
		return nil, err
	}
	port := req.LocalPort
	if port <= 0 {
		port = domain.DefaultLocalPort
	}
	if _, err := c.runner.Run(ctx, bin, "funnel", "--bg", strconv.Itoa(port)); err != nil {
		return nil, fmt.Errorf("%s funnel: %w", binaryName, err)
	}
	host := st.hostname()
	if host == "" {
		return nil, domain.ErrNoHostname
	}
	c.log.Info("mesh funnel enabled", "hostname", host, "local_port", port)
	return &provider.Session{Hostname: host}, nil
}

// Stop resets the funnel configuration. It runs even without a session since
// the daemon keeps the funnel across hub restarts.
func (c *Client) Stop(ctx context.Context, _ *provider.Session) error {
	bin, err := c.binary()
	if err != nil {
		return err
	}
	if _, err := c.runner.Run(ctx, bin, "funnel", "reset"); err != nil {
		return fmt.Errorf("%s funnel reset: %w", binaryName, err)
	}
	return nil
}

// Liveness requires a running backend and an active funnel mapping.
func (c *Client) Liveness(ctx context.Context, _ *provider.Session) (provider.Liveness, error) {
	st, err := c.status(ctx)
	if err != nil {
		return provider.Liveness{}, err
	}
	if !st.running() {
		return provider.Liveness{Detail: "backend " + strings.ToLower(st.BackendState)}, nil
	}
	bin, err := c.binary()
	if err != nil {
		return provider.Liveness{}, err
	}
	res, err := c.runner.Run(ctx, bin, "funnel", "status")
	if err != nil {
		return provider.Liveness{Detail: "funnel status failed"}, nil
	}
	if !funnelActive(string(res.Stdout)) {
		return provider.Liveness{Detail: "funnel not active"}, nil
	}
	return provider.Liveness{Alive: true}, nil
}

// Check reports the daemon binary, its version and the signed-in node.
// Nothing is installed and no login is started.
func (c *Client) Check(ctx context.Context) (domain.ProviderInventory, error) {
	inv := domain.ProviderInventory{Provider: c.Kind()}
	bin, err := c.binary()
	if err != nil {
		inv.Detail = binaryName + " not found"
		return inv, nil
	}
	inv.Installed = true
	inv.Path = bin
	if res, err := c.runner.Run(ctx, bin, "version"); err == nil {
		inv.Version = provider.ParseVersion(string(res.Stdout))
	}

	st, err := c.status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return inv, ctx.Err()
		}
		inv.Detail = err.Error()
		return inv, nil
	}
	authed := st.running()
	inv.Authenticated = &authed
	inv.MachineName = st.hostname()
	if !authed {
		return inv, nil
	}
	res, err := c.runner.Run(ctx, bin, "funnel", "status")
	active := err == nil && funnelActive(string(res.Stdout))
	inv.FunnelActive = &active
	return inv, nil
}

func funnelActive(out string) bool {
	return strings.Contains(out, ":443") ||
		strings.Contains(out, "http://127.0.0.1") ||
		strings.Contains(out, "localhost")
}
