// Package managed implements the API-managed custom-domain tunnel provider.
// A named tunnel object, its ingress rules and a DNS record are provisioned
// through the provider's management API; the local connector then runs with
// the tunnel token.
package managed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/install"
	"github.com/citinet/hubtunnel/internal/netutil"
	"github.com/citinet/hubtunnel/internal/process"
	"github.com/citinet/hubtunnel/internal/provider"
)

const (
	defaultAPIBase = "https://api.cloudflare.com/client/v4"
	tunnelTarget   = "cfargotunnel.com"
	registeredLine = "Registered tunnel connection"
)

// Options configures a Client.
type Options struct {
	APIBase      string
	HTTPClient   *http.Client
	StartTimeout time.Duration
}

// Client is the managed tunnel provider.
type Client struct {
	runner  process.Runner
	bins    provider.Binaries
	log     *slog.Logger
	apiBase string
	http    *http.Client
	timeout time.Duration
}

var (
	_ provider.Client           = (*Client)(nil)
	_ provider.RemoteConfigurer = (*Client)(nil)
)

// New returns a managed tunnel client.
func New(runner process.Runner, bins provider.Binaries, log *slog.Logger, opts Options) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if base == "" {
		base = defaultAPIBase
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		runner:  runner,
		bins:    bins,
		log:     log.With("provider", domain.ProviderManaged),
		apiBase: base,
		http:    hc,
		timeout: timeout,
	}
}

// Credentials is the blob sealed in the vault for a managed tunnel.
type Credentials struct {
	APIToken    string `json:"api_token"`
	AccountID   string `json:"account_id"`
	TunnelID    string `json:"tunnel_id"`
	TunnelToken string `json:"tunnel_token"`
	Hostname    string `json:"hostname"`
}

// Seal encodes the credentials as a vault blob.
func (c Credentials) Seal() (domain.Secret, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return domain.Secret(b), nil
}

// ParseCredentials decodes a vault blob.
func ParseCredentials(blob domain.Secret) (Credentials, error) {
	var c Credentials
	if blob.IsZero() {
		return c, &domain.ConfigError{Detail: "managed tunnel credentials missing"}
	}
	if err := json.Unmarshal(blob, &c); err != nil {
		return c, &domain.ConfigError{Detail: "managed tunnel credentials unreadable", Err: err}
	}
	if c.TunnelToken == "" {
		return c, &domain.ConfigError{Detail: "managed tunnel token missing"}
	}
	return c, nil
}

func (c *Client) Kind() domain.Provider { return domain.ProviderManaged }

func (c *Client) EnsureInstalled(ctx context.Context) error {
	if _, err := c.bins.Ensure(ctx, install.Cloudflared); err != nil {
		return fmt.Errorf("%w: cloudflared: %v", domain.ErrNotInstalled, err)
	}
	return nil
}

// EnsureRemote provisions the tunnel object, ingress and DNS binding. Every
// object is looked up before it is created so a retried setup never
// duplicates remote resources.
func (c *Client) EnsureRemote(ctx context.Context, params domain.SetupParams) (provider.RemoteResult, error) {
	if params.APIToken.IsZero() {
		return provider.RemoteResult{}, &domain.ConfigError{Detail: "api token is required"}
	}
	api := &apiClient{base: c.apiBase, token: strings.TrimSpace(params.APIToken.Reveal()), http: c.http}

	accts, err := api.accounts(ctx)
	if err != nil {
		return provider.RemoteResult{}, asConfigError("list accounts", err)
	}
	if len(accts) == 0 {
		return provider.RemoteResult{}, &domain.ConfigError{Detail: "no account is visible to this api token"}
	}
	accountID := accts[0].ID

	hostname, zoneID, err := c.resolveHostname(ctx, api, params)
	if err != nil {
		return provider.RemoteResult{}, err
	}
	name := tunnelName(params, hostname)

	tun, err := api.findTunnel(ctx, accountID, name)
	if err != nil {
		return provider.RemoteResult{}, asConfigError("find tunnel", err)
	}
	if tun == nil {
		secret, err := tunnelSecret()
		if err != nil {
			return provider.RemoteResult{}, err
		}
		tun, err = api.createTunnel(ctx, accountID, name, secret)
		if err != nil {
			return provider.RemoteResult{}, asConfigError("create tunnel", err)
		}
		c.log.Info("managed tunnel created", "tunnel_name", name, "remote_id", tun.ID)
	} else {
		c.log.Info("managed tunnel reused", "tunnel_name", name, "remote_id", tun.ID)
	}

	token := tun.Token
	if token == "" {
		token, err = api.tunnelToken(ctx, accountID, tun.ID)
		if err != nil {
			return provider.RemoteResult{}, asConfigError("fetch tunnel token", err)
		}
	}

	if err := api.configureIngress(ctx, accountID, tun.ID, hostname, localPort(params)); err != nil {
		return provider.RemoteResult{}, asConfigError("configure ingress", err)
	}
	if err := c.bindDNS(ctx, api, zoneID, hostname, tun.ID+"."+tunnelTarget); err != nil {
		return provider.RemoteResult{}, err
	}

	creds, err := Credentials{
		APIToken:    params.APIToken.Reveal(),
		AccountID:   accountID,
		TunnelID:    tun.ID,
		TunnelToken: token,
		Hostname:    hostname,
	}.Seal()
	if err != nil {
		return provider.RemoteResult{}, err
	}
	return provider.RemoteResult{Credentials: creds, Hostname: hostname}, nil
}

// resolveHostname returns the public hostname and its zone. Without an
// explicit hostname the provider's first zone decides the domain.
func (c *Client) resolveHostname(ctx context.Context, api *apiClient, params domain.SetupParams) (string, string, error) {
	host := netutil.NormalizeHost(params.Hostname)
	if host == "" {
		name := slug(params.Name)
		if name == "" {
			return "", "", &domain.ConfigError{Detail: "a tunnel name or hostname is required"}
		}
		zones, err := api.zones(ctx, "")
		if err != nil {
			return "", "", asConfigError("list zones", err)
		}
		if len(zones) == 0 {
			return "", "", &domain.ConfigError{Detail: "no DNS zone is visible to this api token"}
		}
		return name + "." + zones[0].Name, zones[0].ID, nil
	}

	apex := netutil.ApexDomain(host)
	zones, err := api.zones(ctx, apex)
	if err != nil {
		return "", "", asConfigError("find zone", err)
	}
	for _, z := range zones {
		if strings.EqualFold(z.Name, apex) {
			return host, z.ID, nil
		}
	}
	return "", "", &domain.ConfigError{Detail: fmt.Sprintf("zone %q not found for hostname %q", apex, host)}
}

func (c *Client) bindDNS(ctx context.Context, api *apiClient, zoneID, hostname, target string) error {
	existing, err := api.findCNAME(ctx, zoneID, hostname)
	if err != nil {
		return asConfigError("find dns record", err)
	}
	if existing != nil {
		if strings.EqualFold(strings.TrimSuffix(existing.Content, "."), target) {
			return nil
		}
		return &domain.ConfigError{Detail: fmt.Sprintf("dns record %s already points to %s", hostname, existing.Content)}
	}
	if _, err := api.createCNAME(ctx, zoneID, hostname, target); err != nil {
		return asConfigError("create dns record", err)
	}
	c.log.Info("managed tunnel dns bound", "hostname", hostname)
	return nil
}

// Start runs the connector with the stored tunnel token and waits for it to
// register a connection with the edge.
func (c *Client) Start(ctx context.Context, req provider.StartRequest) (*provider.Session, error) {
	creds, err := ParseCredentials(req.Credentials)
	if err != nil {
		return nil, err
	}
	host := netutil.NormalizeHost(creds.Hostname)
	if host == "" {
		return nil, domain.ErrNoHostname
	}
	bin, err := c.bins.Locate(install.Cloudflared)
	if err != nil {
		return nil, fmt.Errorf("%w: cloudflared: %v", domain.ErrNotInstalled, err)
	}

	confirm := provider.NewConfirmation(func(line string) string {
		if strings.Contains(line, registeredLine) {
			return host
		}
		return ""
	})
	confirm.OnLine = func(line string) { c.log.Debug("cloudflared", "line", line) }

	// The token goes through the environment so it never shows up in argv.
	h, err := c.runner.Start(bin, []string{"tunnel", "--no-autoupdate", "run"}, process.StartOptions{
		Env:      []string{"TUNNEL_TOKEN=" + creds.TunnelToken},
		OnStdout: confirm.Feed,
		OnStderr: confirm.Feed,
	})
	if err != nil {
		return nil, err
	}
	if _, err := confirm.Wait(ctx, h, c.timeout); err != nil {
		return nil, err
	}
	c.log.Info("managed tunnel connected", "hostname", host, "pid", h.PID())
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

func localPort(params domain.SetupParams) int {
	if params.LocalPort > 0 {
		return params.LocalPort
	}
	return domain.DefaultLocalPort
}

func tunnelName(params domain.SetupParams, hostname string) string {
	if n := slug(params.Name); n != "" {
		return n
	}
	label, _, _ := strings.Cut(hostname, ".")
	if n := slug(label); n != "" {
		return n
	}
	return "hub"
}

// slug lowercases v and keeps DNS-label characters.
func slug(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func tunnelSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate tunnel secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
