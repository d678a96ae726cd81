package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/orchestrator"
)

// fakeTarget models a tunnel whose liveness is scripted. Escalation makes
// later probes skip, as a terminal failure does in the orchestrator.
type fakeTarget struct {
	mu         sync.Mutex
	live       bool
	skipped    bool
	restartErr error
	restarts   int
	escalated  []domain.FailureKind
	// liveAfterRestart makes a restart repair the tunnel.
	liveAfterRestart bool
}

func (f *fakeTarget) Probe(context.Context) (orchestrator.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.skipped || len(f.escalated) > 0:
		return orchestrator.ProbeSkipped, nil
	case f.live:
		return orchestrator.ProbeLive, nil
	}
	return orchestrator.ProbeNotLive, nil
}

func (f *fakeTarget) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if f.restartErr != nil {
		return f.restartErr
	}
	if f.liveAfterRestart {
		f.live = true
	}
	return nil
}

func (f *fakeTarget) Escalate(_ context.Context, kind domain.FailureKind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, kind)
	return nil
}

func (f *fakeTarget) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func TestBoundedRestartsThenFlapping(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{}
	w := New(target, Config{MaxRestarts: 1})

	var actions []Action
	for i := 0; i < 6; i++ {
		actions = append(actions, w.Tick(context.Background()))
	}
	if target.restartCount() != 1 {
		t.Fatalf("expected exactly one restart, got %d (%v)", target.restartCount(), actions)
	}
	if len(target.escalated) != 1 || target.escalated[0] != domain.KindFlapping {
		t.Fatalf("expected one flapping escalation, got %v", target.escalated)
	}
	want := []Action{ActionRestarted, ActionEscalated, ActionNone, ActionNone, ActionNone, ActionNone}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", actions, want)
		}
	}
}

func TestFailedRestartEscalates(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{restartErr: &domain.OrchestratorError{Kind: domain.KindProcessExited}}
	w := New(target, Config{})

	if got := w.Tick(context.Background()); got != ActionEscalated {
		t.Fatalf("expected escalation on failed restart, got %s", got)
	}
	for i := 0; i < 4; i++ {
		w.Tick(context.Background())
	}
	if target.restartCount() != 1 {
		t.Fatalf("expected one restart, got %d", target.restartCount())
	}
}

func TestTerminalRestartFailureIsNotEscalated(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{restartErr: &domain.OrchestratorError{Kind: domain.KindConfigError, Detail: "unauthorized"}}
	w := New(target, Config{})

	if got := w.Tick(context.Background()); got != ActionRestartFailed {
		t.Fatalf("got %s", got)
	}
	if len(target.escalated) != 0 {
		t.Fatalf("config error must not become flapping: %v", target.escalated)
	}
}

func TestRepairResetsBudget(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{liveAfterRestart: true}
	w := New(target, Config{})

	if got := w.Tick(context.Background()); got != ActionRestarted {
		t.Fatalf("got %s", got)
	}
	if got := w.Tick(context.Background()); got != ActionVerified {
		t.Fatalf("got %s", got)
	}

	// A later, unrelated failure gets a fresh restart.
	target.mu.Lock()
	target.live = false
	target.mu.Unlock()
	if got := w.Tick(context.Background()); got != ActionRestarted {
		t.Fatalf("got %s", got)
	}
	if target.restartCount() != 2 || len(target.escalated) != 0 {
		t.Fatalf("restarts=%d escalated=%v", target.restartCount(), target.escalated)
	}
}

func TestLargerBudget(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{restartErr: errors.New("connector exited")}
	w := New(target, Config{MaxRestarts: 3})

	for i := 0; i < 8; i++ {
		w.Tick(context.Background())
	}
	if target.restartCount() != 3 || len(target.escalated) != 1 {
		t.Fatalf("restarts=%d escalated=%v", target.restartCount(), target.escalated)
	}
}

func TestSkippedTunnelIsLeftAlone(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{skipped: true}
	w := New(target, Config{})
	for i := 0; i < 5; i++ {
		if got := w.Tick(context.Background()); got != ActionNone {
			t.Fatalf("got %s", got)
		}
	}
	if target.restartCount() != 0 {
		t.Fatal("skipped tunnel must not be restarted")
	}
}

func TestSetupInProgressDoesNotConsumeBudget(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{restartErr: &domain.OrchestratorError{Kind: domain.KindAlreadyInProgress}}
	w := New(target, Config{})
	for i := 0; i < 3; i++ {
		if got := w.Tick(context.Background()); got != ActionNone {
			t.Fatalf("got %s", got)
		}
	}
	if len(target.escalated) != 0 {
		t.Fatal("in-progress setup must not escalate")
	}
}

func TestRunTicksOnInterval(t *testing.T) {
	t.Parallel()

	clk := testclock.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	target := &fakeTarget{}
	w := New(target, Config{Interval: 30 * time.Second, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		if err := clk.WaitAdvance(30*time.Second, 5*time.Second, 1); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	// Wait for the loop to re-arm so the fifth tick has been handled.
	if err := clk.WaitAdvance(0, 5*time.Second, 1); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if target.restartCount() != 1 {
		t.Fatalf("expected one restart across five ticks, got %d", target.restartCount())
	}
}
