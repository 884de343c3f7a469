package clirunner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/mu/internal/controlplane/clirunner"
)

type recordingSink struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    int
	last      clirunner.InvocationResult
}

func (s *recordingSink) InvocationStarted(ctx context.Context, plan clirunner.InvocationPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *recordingSink) InvocationCompleted(ctx context.Context, plan clirunner.InvocationPlan, result clirunner.InvocationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.last = result
}

func (s *recordingSink) InvocationFailed(ctx context.Context, plan clirunner.InvocationPlan, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

func TestInvoke_SuccessCapturesOutputAndRootIssue(t *testing.T) {
	sink := &recordingSink{}
	runner := clirunner.New("/bin/echo", clirunner.WithSink(sink))

	result, err := runner.Invoke(context.Background(), clirunner.InvocationPlan{
		Argv:        []string{"Root: mu-xyz789 done"},
		CommandKind: "run_start",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.RunRootID != "mu-xyz789" {
		t.Errorf("expected root issue mu-xyz789, got %q", result.RunRootID)
	}
	if result.Kind != clirunner.KindRunTrigger {
		t.Errorf("expected run_trigger kind, got %s", result.Kind)
	}
	if sink.started != 1 || sink.completed != 1 || sink.failed != 0 {
		t.Errorf("expected started=1 completed=1 failed=0, got started=%d completed=%d failed=%d", sink.started, sink.completed, sink.failed)
	}
}

func TestInvoke_NonZeroExitReportsCodeNotError(t *testing.T) {
	sink := &recordingSink{}
	runner := clirunner.New("/bin/sh", clirunner.WithSink(sink))

	result, err := runner.Invoke(context.Background(), clirunner.InvocationPlan{
		Argv:        []string{"-c", "exit 3"},
		CommandKind: "status",
	})
	if err != nil {
		t.Fatalf("expected no Go error for a non-zero exit, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Kind != clirunner.KindReadonly {
		t.Errorf("expected readonly kind for 'status', got %s", result.Kind)
	}
	if sink.completed != 1 {
		t.Errorf("expected a completed lifecycle event even on non-zero exit, got %d", sink.completed)
	}
}

func TestInvoke_MutatingCommandKind(t *testing.T) {
	runner := clirunner.New("/bin/echo")
	result, err := runner.Invoke(context.Background(), clirunner.InvocationPlan{
		Argv:        []string{"closed"},
		CommandKind: "issue.close",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Kind != clirunner.KindMutating {
		t.Errorf("expected mutating kind for issue.close, got %s", result.Kind)
	}
}

func TestInvoke_TimeoutIsMarked(t *testing.T) {
	runner := clirunner.New("/bin/sleep")
	result, _ := runner.Invoke(context.Background(), clirunner.InvocationPlan{
		Argv:        []string{"2"},
		CommandKind: "run_start",
		Timeout:     10 * time.Millisecond,
	})
	if !result.TimedOut {
		t.Error("expected TimedOut=true for an invocation exceeding its plan timeout")
	}
}

type stubSandbox struct {
	calls int
}

func (s *stubSandbox) Run(ctx context.Context, plan clirunner.InvocationPlan) (string, string, int, error) {
	s.calls++
	return "sandboxed output", "", 0, nil
}

func TestInvoke_UsesSandboxWhenConfigured(t *testing.T) {
	sandbox := &stubSandbox{}
	runner := clirunner.New("/bin/echo", clirunner.WithSandbox(sandbox))

	result, err := runner.Invoke(context.Background(), clirunner.InvocationPlan{
		Argv:        []string{"ignored"},
		CommandKind: "status",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if sandbox.calls != 1 {
		t.Fatalf("expected the sandbox path to be used exactly once, got %d calls", sandbox.calls)
	}
	if result.Stdout != "sandboxed output" {
		t.Errorf("expected sandboxed output to be surfaced, got %q", result.Stdout)
	}
}
