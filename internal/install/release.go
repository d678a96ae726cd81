package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

// Release is the part of the GitHub release payload the installer reads.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// find returns the download URL of the named asset.
func (r *Release) find(name string) (string, bool) {
	for _, a := range r.Assets {
		if a.Name == name && a.BrowserDownloadURL != "" {
			return a.BrowserDownloadURL, true
		}
	}
	return "", false
}

func (i *Installer) latestRelease(ctx context.Context, repo string) (*Release, error) {
	endpoint := strings.TrimRight(i.APIBase, "/") + "/repos/" + repo + "/releases/latest"
	body, err := i.open(ctx, endpoint, "application/vnd.github+json")
	if err != nil {
		return nil, fmt.Errorf("latest %s release: %w", repo, err)
	}
	defer func() { _ = body.Close() }()

	var rel Release
	if err := json.NewDecoder(io.LimitReader(body, maxReleaseJSON)).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode %s release: %w", repo, err)
	}
	if strings.TrimSpace(rel.TagName) == "" {
		return nil, errors.New("release metadata missing tag_name")
	}
	return &rel, nil
}

// open issues a GET and returns the body of a 200 response. Larger bodies
// than maxDownloadBytes are refused when the server announces their length.
func (i *Installer) open(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := i.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	if resp.ContentLength > maxDownloadBytes {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %d bytes exceeds limit %d", url, resp.ContentLength, maxDownloadBytes)
	}
	return resp.Body, nil
}

func (i *Installer) client() *http.Client {
	if i.Client != nil {
		return i.Client
	}
	return http.DefaultClient
}

// copyLimited copies src into dst and fails once more than limit bytes
// arrive.
func copyLimited(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	if limit <= 0 {
		return 0, errors.New("invalid copy limit")
	}
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, fmt.Errorf("content exceeds limit of %d bytes", limit)
	}
	return n, nil
}

// DownloadFile fetches url into dst. The mesh provider uses it for installer
// packages that are run rather than placed on PATH.
func (i *Installer) DownloadFile(ctx context.Context, url, dst string) error {
	body, err := i.open(ctx, url, "")
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	f, err := stage(filepath.Dir(dst), filepath.Base(dst))
	if err != nil {
		return err
	}
	defer f.discard()
	if _, err := copyLimited(f, body, maxDownloadBytes); err != nil {
		return err
	}
	return f.commit(dst, 0o600)
}
