package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// FailureKind is the structured failure taxonomy surfaced to callers so they
// can branch on the cause instead of parsing messages.
type FailureKind string

const (
	KindNotInstalled      FailureKind = "not_installed"
	KindAuthTimeout       FailureKind = "auth_timeout"
	KindAlreadyInProgress FailureKind = "already_in_progress"
	KindConfigError       FailureKind = "config_error"
	KindProcessExited     FailureKind = "process_exited"
	KindTimedOut          FailureKind = "timed_out"
	KindFlapping          FailureKind = "flapping"
	KindVaultError        FailureKind = "vault_error"
	KindUnreachable       FailureKind = "unreachable"
	KindInterrupted       FailureKind = "interrupted"
	KindStorageError      FailureKind = "storage_error"

	// Command-surface only; never stored on a record.
	KindInvalidState  FailureKind = "invalid_state"
	KindNotConfigured FailureKind = "not_configured"
	KindBadRequest    FailureKind = "bad_request"
)

// Transient reports whether the watchdog may repair a failure of this kind
// with an in-place restart.
func (k FailureKind) Transient() bool {
	switch k {
	case KindProcessExited, KindTimedOut, KindUnreachable, KindStorageError:
		return true
	}
	return false
}

// FailureReason is the payload of observed_state = failed.
type FailureReason struct {
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail,omitempty"`
	ExitCode *int        `json:"exit_code,omitempty"`
}

// Failure builds a FailureReason with an optional detail.
func Failure(kind FailureKind, detail string) *FailureReason {
	return &FailureReason{Kind: kind, Detail: detail}
}

// ExitedWith builds a ProcessExited failure carrying the exit code.
func ExitedWith(code int) *FailureReason {
	c := code
	return &FailureReason{Kind: KindProcessExited, ExitCode: &c}
}

func (f *FailureReason) String() string {
	if f == nil {
		return ""
	}
	switch {
	case f.ExitCode != nil && f.Detail != "":
		return fmt.Sprintf("%s(%d): %s", f.Kind, *f.ExitCode, f.Detail)
	case f.ExitCode != nil:
		return string(f.Kind) + "(" + strconv.Itoa(*f.ExitCode) + ")"
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
	return string(f.Kind)
}

// Sentinel errors shared between providers and the orchestrator. Callers
// should use [errors.Is] to match these.
var (
	// ErrNotInstalled means the provider binary could not be found or installed.
	ErrNotInstalled = errors.New("provider binary not installed")

	// ErrUnauthorized indicates the provider API rejected the credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotAuthenticated means an interactive provider has no signed-in session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrTimedOut is returned when a bounded provider call exceeds its ceiling.
	ErrTimedOut = errors.New("timed out")

	// ErrNoHostname means the provider session started without confirming a
	// public hostname.
	ErrNoHostname = errors.New("provider did not confirm a hostname")

	// ErrNotConfigured means no tunnel record exists.
	ErrNotConfigured = errors.New("tunnel not configured")
)

// ConfigError marks a provider configuration failure (bad token, name
// collision). These are surfaced to the operator and never retried.
type ConfigError struct {
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil && e.Detail == "" {
		return e.Err.Error()
	}
	return e.Detail
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// OrchestratorError is returned by every command-surface operation.
type OrchestratorError struct {
	Kind   FailureKind
	Op     string
	Detail string
	Code   *int
	Err    error
}

// NewError builds an OrchestratorError for op.
func NewError(op string, kind FailureKind, detail string) *OrchestratorError {
	return &OrchestratorError{Op: op, Kind: kind, Detail: detail}
}

func (e *OrchestratorError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// Reason converts the error into the FailureReason stored on a record.
func (e *OrchestratorError) Reason() *FailureReason {
	detail := e.Detail
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return &FailureReason{Kind: e.Kind, Detail: detail, ExitCode: e.Code}
}

// KindOf extracts the FailureKind from err, or "" when err carries none.
func KindOf(err error) FailureKind {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}
