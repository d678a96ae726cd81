package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/netutil"
)

// HubConfig holds every knob of the serve process.
type HubConfig struct {
	DataDir    string
	DBPath     string
	Listen     string
	AdminToken string
	LocalPort  int

	WatchdogInterval time.Duration
	MaxRestarts      int
	AuthPollInterval time.Duration
	AuthPollAttempts int
	InstallTimeout   time.Duration
	ProcessTimeout   time.Duration
	StartTimeout     time.Duration

	RelayDomain    string
	ManagedAPIBase string

	DirectoryURL   string
	DirectoryToken string
	HubName        string

	KeyBackend string
	LogLevel   string
	LogFormat  string
	PprofAddr  string
}

// ClientConfig is what the command-line client needs to reach a running hub.
type ClientConfig struct {
	ServerURL  string
	AdminToken string
	Timeout    time.Duration
}

const (
	defaultListen           = "127.0.0.1:8787"
	defaultServerURL        = "http://127.0.0.1:8787"
	defaultWatchdogInterval = 30 * time.Second
	defaultMaxRestarts      = 1
	defaultAuthPollInterval = 2 * time.Second
	defaultAuthPollAttempts = 90
	defaultInstallTimeout   = 60 * time.Second
	defaultProcessTimeout   = 10 * time.Second
	defaultStartTimeout     = 30 * time.Second
	defaultRelayDomain      = "trycloudflare.com"
	defaultManagedAPIBase   = "https://api.cloudflare.com/client/v4"
	defaultKeyBackend       = "auto"
)

// Key backends accepted by KeyBackend.
const (
	KeyBackendAuto    = "auto"
	KeyBackendFile    = "file"
	KeyBackendKeyring = "keyring"
)

// DefaultHub returns a HubConfig populated from HUB_* environment variables
// with built-in fallbacks.
func DefaultHub() HubConfig {
	return HubConfig{
		DataDir:          envOrDefault("HUB_DATA_DIR", defaultDataDir()),
		DBPath:           envOrDefault("HUB_DB_PATH", ""),
		Listen:           envOrDefault("HUB_LISTEN", defaultListen),
		AdminToken:       envOrDefault("HUB_ADMIN_TOKEN", ""),
		LocalPort:        envIntOrDefault("HUB_LOCAL_PORT", domain.DefaultLocalPort),
		WatchdogInterval: envDurationOrDefault("HUB_WATCHDOG_INTERVAL", defaultWatchdogInterval),
		MaxRestarts:      envIntOrDefault("HUB_WATCHDOG_MAX_RESTARTS", defaultMaxRestarts),
		AuthPollInterval: envDurationOrDefault("HUB_AUTH_POLL_INTERVAL", defaultAuthPollInterval),
		AuthPollAttempts: envIntOrDefault("HUB_AUTH_POLL_ATTEMPTS", defaultAuthPollAttempts),
		InstallTimeout:   envDurationOrDefault("HUB_INSTALL_TIMEOUT", defaultInstallTimeout),
		ProcessTimeout:   envDurationOrDefault("HUB_PROCESS_TIMEOUT", defaultProcessTimeout),
		StartTimeout:     envDurationOrDefault("HUB_START_TIMEOUT", defaultStartTimeout),
		RelayDomain:      envOrDefault("HUB_RELAY_DOMAIN", defaultRelayDomain),
		ManagedAPIBase:   envOrDefault("HUB_MANAGED_API_BASE", defaultManagedAPIBase),
		DirectoryURL:     envOrDefault("HUB_DIRECTORY_URL", ""),
		DirectoryToken:   envOrDefault("HUB_DIRECTORY_TOKEN", ""),
		HubName:          envOrDefault("HUB_NAME", defaultHubName()),
		KeyBackend:       envOrDefault("HUB_KEY_BACKEND", defaultKeyBackend),
		LogLevel:         envOrDefault("HUB_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("HUB_LOG_FORMAT", "text"),
		PprofAddr:        envOrDefault("HUB_PPROF_LISTEN", ""),
	}
}

// BindFlags registers serve flags on fs, using the current values as defaults.
func (c *HubConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory for the database, key file and downloaded binaries")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path (default <data-dir>/hub.db)")
	fs.StringVar(&c.Listen, "listen", c.Listen, "Command surface listen address")
	fs.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "Bearer token required by the command surface")
	fs.IntVar(&c.LocalPort, "local-port", c.LocalPort, "Local hub port every tunnel forwards to")
	fs.DurationVar(&c.WatchdogInterval, "watchdog-interval", c.WatchdogInterval, "Watchdog poll interval")
	fs.IntVar(&c.MaxRestarts, "watchdog-max-restarts", c.MaxRestarts, "Automatic restarts before a tunnel is marked flapping")
	fs.DurationVar(&c.AuthPollInterval, "auth-poll-interval", c.AuthPollInterval, "Interactive login poll cadence")
	fs.IntVar(&c.AuthPollAttempts, "auth-poll-attempts", c.AuthPollAttempts, "Interactive login poll ceiling")
	fs.DurationVar(&c.InstallTimeout, "install-timeout", c.InstallTimeout, "Provider binary install timeout")
	fs.DurationVar(&c.ProcessTimeout, "process-timeout", c.ProcessTimeout, "Provider start/stop timeout")
	fs.DurationVar(&c.StartTimeout, "start-timeout", c.StartTimeout, "How long to wait for a connector to confirm the tunnel")
	fs.StringVar(&c.RelayDomain, "relay-domain", c.RelayDomain, "Domain quick tunnel URLs are issued under")
	fs.StringVar(&c.ManagedAPIBase, "managed-api-base", c.ManagedAPIBase, "Managed tunnel provider API base URL")
	fs.StringVar(&c.DirectoryURL, "directory-url", c.DirectoryURL, "Directory service base URL (empty disables registration)")
	fs.StringVar(&c.DirectoryToken, "directory-token", c.DirectoryToken, "Directory service bearer token")
	fs.StringVar(&c.HubName, "hub-name", c.HubName, "Display name reported to the directory")
	fs.StringVar(&c.KeyBackend, "key-backend", c.KeyBackend, "Vault key storage: auto|file|keyring (auto prefers the platform keychain)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
	fs.StringVar(&c.PprofAddr, "pprof-listen", c.PprofAddr, "Optional pprof listen address")
}

// Validate normalizes c in place and reports the first invalid setting.
func (c *HubConfig) Validate() error {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		return errors.New("missing --data-dir or HUB_DATA_DIR")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = filepath.Join(c.DataDir, "hub.db")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return errors.New("local port must be between 1 and 65535")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if !isLoopbackListen(c.Listen) && strings.TrimSpace(c.AdminToken) == "" {
		return errors.New("an admin token is required when listening on a non-loopback address")
	}
	if c.WatchdogInterval <= 0 {
		return errors.New("watchdog interval must be > 0")
	}
	if c.MaxRestarts < 1 {
		return errors.New("watchdog max restarts must be >= 1")
	}
	if c.AuthPollInterval <= 0 {
		return errors.New("auth poll interval must be > 0")
	}
	if c.AuthPollAttempts <= 0 {
		return errors.New("auth poll attempts must be > 0")
	}
	if c.InstallTimeout <= 0 {
		return errors.New("install timeout must be > 0")
	}
	if c.ProcessTimeout <= 0 {
		return errors.New("process timeout must be > 0")
	}
	if c.StartTimeout <= 0 {
		return errors.New("start timeout must be > 0")
	}
	c.RelayDomain = netutil.NormalizeHost(c.RelayDomain)
	if c.RelayDomain == "" {
		return errors.New("relay domain must not be empty")
	}
	c.ManagedAPIBase = strings.TrimRight(strings.TrimSpace(c.ManagedAPIBase), "/")
	c.DirectoryURL = strings.TrimRight(strings.TrimSpace(c.DirectoryURL), "/")
	c.KeyBackend = strings.ToLower(strings.TrimSpace(c.KeyBackend))
	switch c.KeyBackend {
	case KeyBackendAuto, KeyBackendFile, KeyBackendKeyring:
	case "":
		c.KeyBackend = defaultKeyBackend
	default:
		return errors.New("key backend must be one of: auto, file, keyring")
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "text", "json":
	case "":
		c.LogFormat = "text"
	default:
		return errors.New("log format must be one of: text, json")
	}
	return nil
}

// BinDir is where downloaded provider binaries live.
func (c HubConfig) BinDir() string {
	return filepath.Join(c.DataDir, "bin")
}

// KeyFile is the vault key path used by the file key backend.
func (c HubConfig) KeyFile() string {
	return filepath.Join(c.DataDir, "vault.key")
}

// DefaultClient returns a ClientConfig populated from the environment.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerURL:  envOrDefault("HUB_SERVER", defaultServerURL),
		AdminToken: envOrDefault("HUB_ADMIN_TOKEN", ""),
		Timeout:    envDurationOrDefault("HUB_CLIENT_TIMEOUT", 30*time.Second),
	}
}

// BindFlags registers client flags on fs.
func (c *ClientConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ServerURL, "server", c.ServerURL, "Hub command surface URL")
	fs.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "Bearer token for the command surface")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Request timeout")
}

// Validate normalizes the client settings.
func (c *ClientConfig) Validate() error {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.ServerURL == "" {
		return errors.New("missing --server or HUB_SERVER")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		c.ServerURL = "http://" + c.ServerURL
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

func isLoopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "hubtunnel")
	}
	return ".hubtunnel"
}

func defaultHubName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "hub"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
