// Package install downloads vendor binaries from their GitHub releases into
// the hub's data directory. Installs are check-before-install and land with
// an atomic rename so a crash never leaves a truncated executable behind.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	githubAPI        = "https://api.github.com"
	maxReleaseJSON   = 2 << 20   // 2 MiB
	maxDownloadBytes = 200 << 20 // 200 MiB
	maxBinaryBytes   = 200 << 20 // 200 MiB

	userAgent = "hubtunnel-install"
)

// Package describes one installable vendor binary.
type Package struct {
	// Binary is the executable name without extension.
	Binary string
	// Repo is the GitHub owner/repo publishing releases.
	Repo string
	// Asset maps a platform to a release asset name.
	Asset func(goos, goarch string) (string, error)
}

// Result describes an Ensure call.
type Result struct {
	Path      string
	Installed bool
	Version   string
	AssetName string
}

// Installer fetches Packages into BinDir.
type Installer struct {
	BinDir string
	// APIBase overrides the GitHub API root. Tests point it at httptest.
	APIBase  string
	Client   *http.Client
	LookPath func(name string) (string, error)
	Log      *slog.Logger

	goos   string
	goarch string
}

// New returns an Installer writing into binDir.
func New(binDir string, lookPath func(string) (string, error), log *slog.Logger) *Installer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Installer{
		BinDir:   binDir,
		APIBase:  githubAPI,
		Client:   &http.Client{Timeout: 5 * time.Minute},
		LookPath: lookPath,
		Log:      log,
	}
}

// Locate returns the path of an already present binary: PATH first, then
// BinDir. It returns os.ErrNotExist when neither has it.
func (i *Installer) Locate(pkg Package) (string, error) {
	if i.LookPath != nil {
		if p, err := i.LookPath(pkg.Binary); err == nil && p != "" {
			return p, nil
		}
	}
	p := i.binPath(pkg)
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if info.IsDir() || (i.platformOS() != "windows" && info.Mode().Perm()&0o111 == 0) {
		return "", fmt.Errorf("%s: %w", p, os.ErrNotExist)
	}
	return p, nil
}

// Ensure returns the binary path, downloading the latest release when the
// binary is not present yet. The context bounds the whole install.
func (i *Installer) Ensure(ctx context.Context, pkg Package) (Result, error) {
	if p, err := i.Locate(pkg); err == nil {
		return Result{Path: p}, nil
	}

	assetName, err := pkg.Asset(i.platformOS(), i.platformArch())
	if err != nil {
		return Result{}, err
	}
	rel, err := i.latestRelease(ctx, pkg.Repo)
	if err != nil {
		return Result{}, err
	}
	dlURL, ok := rel.find(assetName)
	if !ok {
		return Result{}, fmt.Errorf("no release asset %q in %s %s", assetName, pkg.Repo, rel.TagName)
	}

	i.Log.Info("downloading provider binary", "binary", pkg.Binary, "version", rel.TagName, "asset", assetName)
	dst := i.binPath(pkg)
	if err := i.fetchExecutable(ctx, dlURL, assetName, i.binaryFile(pkg), dst); err != nil {
		return Result{}, fmt.Errorf("install %s: %w", assetName, err)
	}
	i.Log.Info("provider binary installed", "binary", pkg.Binary, "path", dst)
	return Result{Path: dst, Installed: true, Version: rel.TagName, AssetName: assetName}, nil
}

// fetchExecutable streams the asset through unpack into a staged file and
// renames it to dst.
func (i *Installer) fetchExecutable(ctx context.Context, url, assetName, name, dst string) error {
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
	if err := unpack(f, body, assetName, name); err != nil {
		return err
	}
	return f.commit(dst, 0o755)
}

func (i *Installer) binaryFile(pkg Package) string {
	if i.platformOS() == "windows" {
		return pkg.Binary + ".exe"
	}
	return pkg.Binary
}

func (i *Installer) binPath(pkg Package) string {
	return filepath.Join(i.BinDir, i.binaryFile(pkg))
}

func (i *Installer) platformOS() string {
	if i.goos != "" {
		return i.goos
	}
	return runtime.GOOS
}

func (i *Installer) platformArch() string {
	if i.goarch != "" {
		return i.goarch
	}
	return runtime.GOARCH
}

// ErrUnsupportedPlatform is returned when a package has no asset for the
// current OS/arch.
var ErrUnsupportedPlatform = errors.New("unsupported platform")
