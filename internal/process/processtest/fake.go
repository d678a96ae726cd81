// Package processtest provides a scriptable process.Runner for tests.
package processtest

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/citinet/hubtunnel/internal/process"
)

// Call records one Run or Start invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner is a fake process.Runner. Nil funcs fall back to success with empty
// output.
type Runner struct {
	RunFunc      func(ctx context.Context, name string, args []string) (process.Result, error)
	StartFunc    func(name string, args []string, opts process.StartOptions) (process.Handle, error)
	LookPathFunc func(name string) (string, error)

	mu     sync.Mutex
	runs   []Call
	starts []Call
}

var _ process.Runner = (*Runner)(nil)

func (r *Runner) Run(ctx context.Context, name string, args ...string) (process.Result, error) {
	r.mu.Lock()
	r.runs = append(r.runs, Call{Name: name, Args: slices.Clone(args)})
	fn := r.RunFunc
	r.mu.Unlock()
	if fn == nil {
		return process.Result{}, nil
	}
	return fn(ctx, name, args)
}

func (r *Runner) Start(name string, args []string, opts process.StartOptions) (process.Handle, error) {
	r.mu.Lock()
	r.starts = append(r.starts, Call{Name: name, Args: slices.Clone(args)})
	fn := r.StartFunc
	r.mu.Unlock()
	if fn == nil {
		return NewHandle(), nil
	}
	return fn(name, args, opts)
}

func (r *Runner) LookPath(name string) (string, error) {
	r.mu.Lock()
	fn := r.LookPathFunc
	r.mu.Unlock()
	if fn == nil {
		return "/usr/local/bin/" + name, nil
	}
	return fn(name)
}

// Runs returns the recorded Run calls.
func (r *Runner) Runs() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.runs)
}

// Starts returns the recorded Start calls.
func (r *Runner) Starts() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.starts)
}

// RanWith reports whether a Run call's command line contains substr.
func (r *Runner) RanWith(substr string) bool {
	for _, c := range r.Runs() {
		if strings.Contains(c.String(), substr) {
			return true
		}
	}
	return false
}

// Handle is a fake process.Handle controlled by the test.
type Handle struct {
	Pid int

	mu      sync.Mutex
	done    chan struct{}
	exited  bool
	code    int
	stopped int
}

// NewHandle returns a running fake handle.
func NewHandle() *Handle {
	return &Handle{Pid: 4242, done: make(chan struct{})}
}

func (h *Handle) PID() int { return h.Pid }

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Exited() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.code
}

// Exit marks the process as exited with code.
func (h *Handle) Exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.code = code
	close(h.done)
}

func (h *Handle) Stop(context.Context) error {
	h.mu.Lock()
	h.stopped++
	h.mu.Unlock()
	h.Exit(0)
	return nil
}

// StopCount returns how many times Stop was called.
func (h *Handle) StopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
