package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/process"
)

// LineMatcher inspects one output line and returns a non-empty value when it
// confirms the session.
type LineMatcher func(line string) string

// Confirmation collects connector output until a matcher fires. It is shared
// by the connector-process providers.
type Confirmation struct {
	match LineMatcher
	once  sync.Once
	ch    chan string
	// OnLine, when set, sees every line (after matching).
	OnLine func(line string)
}

// NewConfirmation returns a Confirmation using match.
func NewConfirmation(match LineMatcher) *Confirmation {
	return &Confirmation{match: match, ch: make(chan string, 1)}
}

// Feed is passed as the process output callback.
func (c *Confirmation) Feed(line string) {
	if v := c.match(line); v != "" {
		c.once.Do(func() { c.ch <- v })
	}
	if c.OnLine != nil {
		c.OnLine(line)
	}
}

// Wait blocks until a line matched, the process exited, ctx ended or timeout
// passed. On failure the process is stopped.
func (c *Confirmation) Wait(ctx context.Context, h process.Handle, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	fail := func(err error) (string, error) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Stop(stopCtx)
		return "", err
	}

	select {
	case v := <-c.ch:
		return v, nil
	case <-h.Done():
		select {
		case v := <-c.ch:
			return v, nil
		default:
		}
		_, code := h.Exited()
		return "", &process.ExitError{Name: "connector", Code: code, Stderr: "exited before the tunnel was confirmed"}
	case <-timer.C:
		return fail(fmt.Errorf("waiting for tunnel confirmation: %w", domain.ErrTimedOut))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Errorf("waiting for tunnel confirmation: %w", domain.ErrTimedOut))
		}
		return fail(ctx.Err())
	}
}

// ProcessLiveness reports liveness of a connector-process session.
func ProcessLiveness(sess *Session) Liveness {
	if sess == nil || sess.Process == nil {
		return Liveness{Alive: false, Detail: "no running session"}
	}
	if exited, code := sess.Process.Exited(); exited {
		c := code
		return Liveness{Alive: false, Detail: "connector exited", ExitCode: &c}
	}
	return Liveness{Alive: true}
}

// StopProcess stops a connector-process session. A nil session is a no-op.
func StopProcess(ctx context.Context, sess *Session) error {
	if sess == nil || sess.Process == nil {
		return nil
	}
	return sess.Process.Stop(ctx)
}
