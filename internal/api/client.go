package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/citinet/hubtunnel/internal/config"
	"github.com/citinet/hubtunnel/internal/domain"
)

// Client calls a hub's command surface.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// StatusError is a non-2xx response that carries no orchestrator error kind,
// such as a rejected admin token.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned HTTP %d", e.Code)
	}
	return e.Message
}

// SetupRequest is the body of a setup or switch call.
type SetupRequest struct {
	Provider  domain.Provider
	LocalPort int
	APIToken  string
	Name      string
	Hostname  string
}

// NewClient returns a client for cfg. cfg should already be validated.
func NewClient(cfg config.ClientConfig) *Client {
	return &Client{
		base:  strings.TrimRight(cfg.ServerURL, "/"),
		token: strings.TrimSpace(cfg.AdminToken),
		http:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Setup(ctx context.Context, req SetupRequest) (domain.SetupHandle, error) {
	return c.setup(ctx, "/v1/tunnel/setup", req)
}

func (c *Client) Switch(ctx context.Context, req SetupRequest) (domain.SetupHandle, error) {
	return c.setup(ctx, "/v1/tunnel/switch", req)
}

func (c *Client) setup(ctx context.Context, path string, req SetupRequest) (domain.SetupHandle, error) {
	body := setupRequest{
		Provider:  string(req.Provider),
		LocalPort: req.LocalPort,
		APIToken:  req.APIToken,
		Name:      req.Name,
		Hostname:  req.Hostname,
	}
	var out domain.SetupHandle
	err := c.do(ctx, http.MethodPost, path, body, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (domain.TunnelStatusView, error) {
	var out domain.TunnelStatusView
	err := c.do(ctx, http.MethodGet, "/v1/tunnel/status", nil, &out)
	return out, err
}

// Login polls the interactive sign-in state.
func (c *Client) Login(ctx context.Context) (LoginStatus, error) {
	var out LoginStatus
	err := c.do(ctx, http.MethodGet, "/v1/tunnel/login", nil, &out)
	return out, err
}

// Providers reports what each provider finds installed on the hub.
func (c *Client) Providers(ctx context.Context) ([]domain.ProviderInventory, error) {
	var out ProviderList
	err := c.do(ctx, http.MethodGet, "/v1/providers", nil, &out)
	return out.Providers, err
}

func (c *Client) Start(ctx context.Context) (domain.TunnelStatusView, error) {
	return c.command(ctx, http.MethodPost, "/v1/tunnel/start")
}

func (c *Client) Stop(ctx context.Context) (domain.TunnelStatusView, error) {
	return c.command(ctx, http.MethodPost, "/v1/tunnel/stop")
}

func (c *Client) Restart(ctx context.Context) (domain.TunnelStatusView, error) {
	return c.command(ctx, http.MethodPost, "/v1/tunnel/restart")
}

func (c *Client) Teardown(ctx context.Context) (domain.TunnelStatusView, error) {
	return c.command(ctx, http.MethodDelete, "/v1/tunnel")
}

func (c *Client) command(ctx context.Context, method, path string) (domain.TunnelStatusView, error) {
	var out domain.TunnelStatusView
	err := c.do(ctx, method, path, nil, &out)
	return out, err
}

// Watch streams status views to fn until ctx ends or the hub closes the
// stream. The first view is the current state.
func (c *Client) Watch(ctx context.Context, fn func(domain.TunnelStatusView)) error {
	u := c.base + "/v1/tunnel/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &StatusError{Code: resp.StatusCode, Message: "unauthorized"}
		}
		return err
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var v domain.TunnelStatusView
		if err := conn.ReadJSON(&v); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fn(v)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	if json.Unmarshal(b, &er) != nil || er.Error == "" {
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	switch er.ErrorCode {
	case "", errCodeUnauthorized, errCodeInternal, errCodeForbidden, errCodeUnsupportedMedia:
		return &StatusError{Code: resp.StatusCode, Message: er.Error}
	}
	return &domain.OrchestratorError{Kind: domain.FailureKind(er.ErrorCode), Op: er.Op, Detail: er.Detail}
}

// IsUnauthorized reports whether err is a rejected admin token.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}
