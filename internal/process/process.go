// Package process is the hub's command execution facility: bounded one-shot
// commands with captured output, and long-lived provider processes whose
// output lines are streamed to callbacks.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound means the binary does not exist or is not executable.
	ErrNotFound = errors.New("executable not found")

	// ErrTimedOut means the command exceeded its deadline.
	ErrTimedOut = errors.New("command timed out")
)

// ExitError reports a non-zero exit.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return msg
}

// Result is the captured output of a one-shot command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// StartOptions configures a long-lived process.
type StartOptions struct {
	Env      []string
	OnStdout func(line string)
	OnStderr func(line string)
}

// Handle controls a started process.
type Handle interface {
	PID() int
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Exited reports whether the process has exited and its exit code.
	Exited() (bool, int)
	// Stop asks the process to terminate and kills it if ctx expires first.
	Stop(ctx context.Context) error
}

// Runner runs provider binaries. Tests replace it with a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	Start(name string, args []string, opts StartOptions) (Handle, error)
	LookPath(name string) (string, error)
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct {
	// Env is appended to the parent environment for every command.
	Env []string
}

// Run executes name and waits for it. The context deadline bounds the call.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = r.environ(nil)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", name, ErrTimedOut)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Name: name, Code: res.ExitCode, Stderr: stderr.String()}
	}
	if isNotFound(err) {
		return res, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return res, err
}

// LookPath resolves name on PATH.
func (r ExecRunner) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return p, nil
}

// Start launches name in the background. Output lines are delivered to the
// callbacks from dedicated goroutines until the process exits.
func (r ExecRunner) Start(name string, args []string, opts StartOptions) (Handle, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = r.environ(opts.Env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, err
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanLines(stdout, opts.OnStdout) }()
	go func() { defer wg.Done(); scanLines(stderr, opts.OnStderr) }()
	go func() {
		wg.Wait()
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		h.mu.Lock()
		h.exited = true
		h.code = code
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

func (r ExecRunner) environ(extra []string) []string {
	if len(r.Env) == 0 && len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	env = append(env, r.Env...)
	return append(env, extra...)
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	exited bool
	code   int
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Exited() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.code
}

func (h *execHandle) Stop(ctx context.Context) error {
	if exited, _ := h.Exited(); exited {
		return nil
	}
	if err := terminate(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = h.cmd.Process.Kill()
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("pid %d: %w", h.PID(), ErrTimedOut)
	}
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if fn != nil {
			fn(sc.Text())
		}
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
