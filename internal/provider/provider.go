// Package provider defines the capability interfaces every ingress provider
// implements. The orchestrator treats the optional steps (interactive login,
// remote object configuration) as pass-through when a provider lacks them.
package provider

import (
	"context"
	"fmt"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/install"
	"github.com/citinet/hubtunnel/internal/process"
)

// Binaries locates and installs connector binaries. *install.Installer
// implements it.
type Binaries interface {
	Locate(pkg install.Package) (string, error)
	Ensure(ctx context.Context, pkg install.Package) (install.Result, error)
}

// StartRequest carries what a provider needs to bring its session up.
type StartRequest struct {
	TunnelID    string
	LocalPort   int
	Credentials domain.Secret
	// Hostname is the last confirmed hostname, if any.
	Hostname string
}

// Session is a provider-confirmed running tunnel.
type Session struct {
	// Hostname is the public host the provider reported. Never empty for a
	// confirmed session.
	Hostname string
	// Process is the local connector, nil for daemon-managed providers.
	Process process.Handle
}

// Liveness is the result of a liveness probe.
type Liveness struct {
	Alive    bool
	Detail   string
	ExitCode *int
}

// Client is implemented by every provider.
type Client interface {
	Kind() domain.Provider
	// EnsureInstalled installs the provider binary if absent.
	EnsureInstalled(ctx context.Context) error
	// Start brings the tunnel up and returns once the provider confirmed a
	// public hostname.
	Start(ctx context.Context, req StartRequest) (*Session, error)
	// Stop tears the running session down. sess may be nil after a hub
	// restart; providers with daemon-side state still clean it up.
	Stop(ctx context.Context, sess *Session) error
	// Liveness probes the actual session, not just whether it was started.
	Liveness(ctx context.Context, sess *Session) (Liveness, error)
	// Check reports installation and sign-in state without side effects.
	Check(ctx context.Context) (domain.ProviderInventory, error)
}

// LoginChallenge is returned by BeginLogin.
type LoginChallenge struct {
	URL string
}

// Authenticator is implemented by providers requiring interactive login.
type Authenticator interface {
	CheckAuth(ctx context.Context) (bool, error)
	// BeginLogin starts the login flow and returns once a login URL is known
	// (or the provider reports it is already signed in).
	BeginLogin(ctx context.Context) (LoginChallenge, error)
}

// RemoteResult is the outcome of remote configuration.
type RemoteResult struct {
	// Credentials replaces the stored credential blob.
	Credentials domain.Secret
	// Hostname is the hostname the provider bound, if known at this step.
	Hostname string
}

// RemoteConfigurer is implemented by providers needing a remote-managed
// tunnel object before they can start.
type RemoteConfigurer interface {
	EnsureRemote(ctx context.Context, params domain.SetupParams) (RemoteResult, error)
}

// Registry maps provider kinds to clients.
type Registry map[domain.Provider]Client

// NewRegistry indexes clients by Kind.
func NewRegistry(clients ...Client) Registry {
	r := make(Registry, len(clients))
	for _, c := range clients {
		r[c.Kind()] = c
	}
	return r
}

// Get returns the client for kind.
func (r Registry) Get(kind domain.Provider) (Client, error) {
	c, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("provider %q is not available", kind)
	}
	return c, nil
}
