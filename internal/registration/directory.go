package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
)

// Directory is the external hub listing service.
type Directory interface {
	Upsert(ctx context.Context, entry domain.RegistrationEntry) error
	Delete(ctx context.Context, id string) error
}

// NopDirectory drops every update. It is used when no directory is set.
type NopDirectory struct{}

func (NopDirectory) Upsert(context.Context, domain.RegistrationEntry) error { return nil }
func (NopDirectory) Delete(context.Context, string) error                   { return nil }

// HTTPDirectory talks to the directory's REST API:
// PUT/DELETE {base}/v1/hubs/{id}.
type HTTPDirectory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewDirectory returns an HTTPDirectory, or NopDirectory when baseURL is
// empty.
func NewDirectory(baseURL, token string) Directory {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return NopDirectory{}
	}
	return &HTTPDirectory{BaseURL: baseURL, Token: token, Client: &http.Client{Timeout: 15 * time.Second}}
}

// StatusError is a non-2xx directory response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("directory returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("directory returned HTTP %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying cannot help.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

func (d *HTTPDirectory) Upsert(ctx context.Context, entry domain.RegistrationEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return d.do(ctx, http.MethodPut, entry.ID, body)
}

// Delete removes the entry. A missing entry is not an error.
func (d *HTTPDirectory) Delete(ctx context.Context, id string) error {
	err := d.do(ctx, http.MethodDelete, id, nil)
	if se, ok := err.(*StatusError); ok && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (d *HTTPDirectory) do(ctx context.Context, method, id string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+"/v1/hubs/"+url.PathEscape(id), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
