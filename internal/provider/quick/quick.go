// Package quick implements the ephemeral quick-tunnel provider: a cloudflared
// connector that is assigned a random hostname under the relay domain. No
// account is needed and the hostname changes on every start.
package quick

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/install"
	"github.com/citinet/hubtunnel/internal/netutil"
	"github.com/citinet/hubtunnel/internal/process"
	"github.com/citinet/hubtunnel/internal/provider"
)

const defaultRelayDomain = "trycloudflare.com"

// Options configures a Client.
type Options struct {
	RelayDomain  string
	StartTimeout time.Duration
}

// Client is the quick tunnel provider.
type Client struct {
	runner  process.Runner
	bins    provider.Binaries
	log     *slog.Logger
	urlRe   *regexp.Regexp
	relay   string
	timeout time.Duration
}

var _ provider.Client = (*Client)(nil)

// New returns a quick tunnel client.
func New(runner process.Runner, bins provider.Binaries, log *slog.Logger, opts Options) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	relay := netutil.NormalizeHost(opts.RelayDomain)
	if relay == "" {
		relay = defaultRelayDomain
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		runner:  runner,
		bins:    bins,
		log:     log.With("provider", domain.ProviderQuick),
		urlRe:   regexp.MustCompile(`https://[a-z0-9][a-z0-9.-]*\.` + regexp.QuoteMeta(relay)),
		relay:   relay,
		timeout: timeout,
	}
}

func (c *Client) Kind() domain.Provider { return domain.ProviderQuick }

func (c *Client) EnsureInstalled(ctx context.Context) error {
	if _, err := c.bins.Ensure(ctx, install.Cloudflared); err != nil {
		return fmt.Errorf("%w: cloudflared: %v", domain.ErrNotInstalled, err)
	}
	return nil
}

// Start spawns the connector and waits for it to print its public URL.
func (c *Client) Start(ctx context.Context, req provider.StartRequest) (*provider.Session, error) {
	bin, err := c.bins.Locate(install.Cloudflared)
	if err != nil {
		return nil, fmt.Errorf("%w: cloudflared: %v", domain.ErrNotInstalled, err)
	}
	confirm := provider.NewConfirmation(c.matchURL)
	confirm.OnLine = func(line string) { c.log.Debug("cloudflared", "line", line) }

	args := []string{"tunnel", "--no-autoupdate", "--url", "http://localhost:" + strconv.Itoa(req.LocalPort)}
	h, err := c.runner.Start(bin, args, process.StartOptions{OnStdout: confirm.Feed, OnStderr: confirm.Feed})
	if err != nil {
		return nil, err
	}
	host, err := confirm.Wait(ctx, h, c.timeout)
	if err != nil {
		return nil, err
	}
	c.log.Info("quick tunnel confirmed", "hostname", host, "pid", h.PID())
	return &provider.Session{Hostname: host, Process: h}, nil
}

// Check reports the cloudflared binary and its version.
func (c *Client) Check(ctx context.Context) (domain.ProviderInventory, error) {
	return provider.CheckCloudflared(ctx, c.runner, c.bins, c.Kind())
}

func (c *Client) Stop(ctx context.Context, sess *provider.Session) error {
	return provider.StopProcess(ctx, sess)
}

func (c *Client) Liveness(_ context.Context, sess *provider.Session) (provider.Liveness, error) {
	return provider.ProcessLiveness(sess), nil
}

// matchURL extracts the assigned hostname from a connector log line. The
// relay's own API host is not a tunnel hostname.
func (c *Client) matchURL(line string) string {
	for _, m := range c.urlRe.FindAllString(line, -1) {
		host := netutil.HostFromURL(m)
		if host == "api."+c.relay || host == c.relay {
			continue
		}
		if netutil.IsSubdomainOf(host, c.relay) {
			return host
		}
	}
	return ""
}
