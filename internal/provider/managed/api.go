package managed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/citinet/hubtunnel/internal/domain"
)

const maxAPIResponse = 4 << 20

// apiClient is a minimal client for the provider's v4 management API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type remoteTunnel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

type zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type dnsRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

// apiError is a non-success response from the management API.
type apiError struct {
	Status   int
	Messages []apiMessage
}

func (e *apiError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("provider API returned HTTP %d", e.Status)
	}
	parts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		parts = append(parts, fmt.Sprintf("%s (code %d)", m.Message, m.Code))
	}
	return strings.Join(parts, "; ")
}

// asConfigError converts API rejections into non-retried config errors.
// Transport failures pass through unchanged.
func asConfigError(op string, err error) error {
	var ae *apiError
	if !errors.As(err, &ae) {
		return err
	}
	if ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden {
		return &domain.ConfigError{Detail: "unauthorized", Err: domain.ErrUnauthorized}
	}
	return &domain.ConfigError{Detail: op + ": " + ae.Error(), Err: ae}
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		return err
	}
	var env apiEnvelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{Status: resp.StatusCode, Messages: env.Errors}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, decodeErr)
	}
	if !env.Success {
		return &apiError{Status: resp.StatusCode, Messages: env.Errors}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s %s result: %w", method, path, err)
		}
	}
	return nil
}

func (c *apiClient) accounts(ctx context.Context) ([]account, error) {
	var out []account
	err := c.do(ctx, http.MethodGet, "/accounts", nil, nil, &out)
	return out, err
}

func (c *apiClient) findTunnel(ctx context.Context, accountID, name string) (*remoteTunnel, error) {
	var out []remoteTunnel
	q := url.Values{"name": {name}, "is_deleted": {"false"}}
	if err := c.do(ctx, http.MethodGet, "/accounts/"+accountID+"/cfd_tunnel", q, nil, &out); err != nil {
		return nil, err
	}
	for _, t := range out {
		if t.Name == name {
			return &t, nil
		}
	}
	return nil, nil
}

func (c *apiClient) createTunnel(ctx context.Context, accountID, name, secret string) (*remoteTunnel, error) {
	var out remoteTunnel
	body := map[string]string{"name": name, "tunnel_secret": secret, "config_src": "cloudflare"}
	if err := c.do(ctx, http.MethodPost, "/accounts/"+accountID+"/cfd_tunnel", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) tunnelToken(ctx context.Context, accountID, tunnelID string) (string, error) {
	var out string
	err := c.do(ctx, http.MethodGet, "/accounts/"+accountID+"/cfd_tunnel/"+tunnelID+"/token", nil, nil, &out)
	return out, err
}

func (c *apiClient) configureIngress(ctx context.Context, accountID, tunnelID, hostname string, port int) error {
	body := map[string]any{
		"config": map[string]any{
			"ingress": []map[string]string{
				{"hostname": hostname, "service": fmt.Sprintf("http://localhost:%d", port)},
				{"service": "http_status:404"},
			},
		},
	}
	return c.do(ctx, http.MethodPut, "/accounts/"+accountID+"/cfd_tunnel/"+tunnelID+"/configurations", nil, body, nil)
}

func (c *apiClient) zones(ctx context.Context, name string) ([]zone, error) {
	q := url.Values{"per_page": {"50"}}
	if name != "" {
		q.Set("name", name)
	}
	var out []zone
	err := c.do(ctx, http.MethodGet, "/zones", q, nil, &out)
	return out, err
}

func (c *apiClient) findCNAME(ctx context.Context, zoneID, hostname string) (*dnsRecord, error) {
	var out []dnsRecord
	q := url.Values{"type": {"CNAME"}, "name": {hostname}}
	if err := c.do(ctx, http.MethodGet, "/zones/"+zoneID+"/dns_records", q, nil, &out); err != nil {
		return nil, err
	}
	for _, r := range out {
		if strings.EqualFold(r.Name, hostname) {
			return &r, nil
		}
	}
	return nil, nil
}

func (c *apiClient) createCNAME(ctx context.Context, zoneID, hostname, target string) (*dnsRecord, error) {
	var out dnsRecord
	body := dnsRecord{Type: "CNAME", Name: hostname, Content: target, TTL: 1, Proxied: true}
	if err := c.do(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
