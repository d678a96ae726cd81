// Package domain defines the core data types shared across the hub tunnel
// orchestrator, store, providers, and command surface.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultLocalPort is the hub API port every tunnel forwards to.
const DefaultLocalPort = 9090

// Provider identifies one of the supported ingress providers.
type Provider string

// Provider constants. A record's provider never changes once set.
const (
	ProviderQuick      Provider = "quick"
	ProviderManaged    Provider = "managed"
	ProviderMeshFunnel Provider = "mesh_funnel"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderQuick, ProviderManaged, ProviderMeshFunnel:
		return true
	}
	return false
}

// ParseProvider accepts the canonical names plus a few CLI-friendly aliases.
func ParseProvider(v string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "quick":
		return ProviderQuick, nil
	case "managed", "named":
		return ProviderManaged, nil
	case "mesh_funnel", "mesh-funnel", "mesh", "funnel":
		return ProviderMeshFunnel, nil
	}
	return "", fmt.Errorf("unknown provider %q", v)
}

// DesiredState is what the operator last asked for.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ObservedState is what the orchestrator last confirmed from the provider.
type ObservedState string

const (
	ObservedUnknown  ObservedState = "unknown"
	ObservedStarting ObservedState = "starting"
	ObservedRunning  ObservedState = "running"
	ObservedStopped  ObservedState = "stopped"
	ObservedFailed   ObservedState = "failed"
)

// Phase is the orchestrator state machine position.
type Phase string

const (
	PhaseUnconfigured   Phase = "unconfigured"
	PhaseInstalling     Phase = "installing"
	PhaseAuthenticating Phase = "authenticating"
	PhaseConfiguring    Phase = "configuring"
	PhaseRunning        Phase = "running"
	PhaseStopping       Phase = "stopping"
	PhaseStopped        Phase = "stopped"
	PhaseFailed         Phase = "failed"
)

// InSetup reports whether p is one of the setup phases driven by a
// background setup operation.
func (p Phase) InSetup() bool {
	switch p {
	case PhaseInstalling, PhaseAuthenticating, PhaseConfiguring:
		return true
	}
	return false
}

// TunnelRecord is the durable source of truth for the hub's public ingress.
// Credentials are never persisted by the record store; the vault owns them.
type TunnelRecord struct {
	ID             string
	Provider       Provider
	Hostname       string // empty until the provider confirms it
	LocalPort      int
	Credentials    Secret
	DesiredState   DesiredState
	ObservedState  ObservedState
	Failure        *FailureReason // set when ObservedState is failed
	Phase          Phase
	CreatedAt      time.Time
	LastVerifiedAt *time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy of r.
func (r *TunnelRecord) Clone() *TunnelRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Credentials = r.Credentials.Clone()
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	if r.LastVerifiedAt != nil {
		t := *r.LastVerifiedAt
		out.LastVerifiedAt = &t
	}
	return &out
}

// SetupParams carries the caller-supplied inputs for a setup call. Only the
// fields a provider needs are read by it.
type SetupParams struct {
	LocalPort int
	APIToken  Secret
	Name      string
	Hostname  string
}

// SetupHandle is returned by a non-blocking setup call. Token correlates the
// caller with the in-flight operation reported by status queries.
type SetupHandle struct {
	Token    string   `json:"token"`
	Provider Provider `json:"provider"`
}

// TunnelStatusView is the read model served to the UI. Status queries never
// fail; they return the best-known state plus the last structured error.
type TunnelStatusView struct {
	Configured     bool           `json:"configured"`
	TunnelID       string         `json:"tunnel_id,omitempty"`
	Provider       Provider       `json:"provider,omitempty"`
	Phase          Phase          `json:"phase"`
	ObservedState  ObservedState  `json:"observed_state"`
	DesiredState   DesiredState   `json:"desired_state,omitempty"`
	Hostname       string         `json:"hostname,omitempty"`
	LocalPort      int            `json:"local_port,omitempty"`
	LoginURL       string         `json:"login_url,omitempty"`
	SetupToken     string         `json:"setup_token,omitempty"`
	LastError      *FailureReason `json:"last_error,omitempty"`
	LastVerifiedAt *time.Time     `json:"last_verified_at,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
}

// PublicURL returns the https URL for the confirmed hostname, if any.
func (v TunnelStatusView) PublicURL() string {
	if v.Hostname == "" {
		return ""
	}
	return "https://" + v.Hostname
}

// RegistrationEntry is the directory-service entity the reporter upserts.
// The directory owns its lifecycle; the hub only pushes updates.
type RegistrationEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Hostname    string `json:"hostname"`
	Online      bool   `json:"online"`
}

// SealedSecret is a vault ciphertext as persisted by the datastore. KeyID
// fingerprints the key that sealed it so a changed key is detected before
// decryption is attempted.
type SealedSecret struct {
	Provider   Provider
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
	UpdatedAt  time.Time
}

// Providers lists every provider in display order.
var Providers = []Provider{ProviderQuick, ProviderManaged, ProviderMeshFunnel}

// ProviderInventory reports what a provider finds on this host. Producing it
// never installs, signs in or changes tunnel state.
type ProviderInventory struct {
	Provider  Provider `json:"provider"`
	Installed bool     `json:"installed"`
	Path      string   `json:"path,omitempty"`
	Version   string   `json:"version,omitempty"`
	// Authenticated, MachineName and FunnelActive are only reported by
	// providers with an interactive login.
	Authenticated *bool  `json:"authenticated,omitempty"`
	MachineName   string `json:"machine_name,omitempty"`
	FunnelActive  *bool  `json:"funnel_active,omitempty"`
	Detail        string `json:"detail,omitempty"`
}
