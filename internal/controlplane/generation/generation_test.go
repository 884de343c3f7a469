package generation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/mu/internal/controlplane/generation"
)

type stepClock struct {
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	t := c.cur
	c.cur = c.cur.Add(time.Millisecond)
	return t
}

func idSeq() generation.IDGenerator {
	n := 0
	return func() string {
		n++
		return "gen-" + string(rune('a'+n))
	}
}

func TestReload_HappyPath(t *testing.T) {
	var warmedUp, cutOver, drained bool
	hooks := generation.Hooks{
		OnWarmup: func(ctx context.Context) error { warmedUp = true; return nil },
		OnCutover: func(ctx context.Context) error { cutOver = true; return nil },
		OnDrain: func(ctx context.Context) (bool, error) { drained = true; return false, nil },
	}
	sup := generation.New(hooks, &stepClock{cur: time.Unix(0, 0)}, idSeq())

	att := sup.Reload(context.Background(), "config changed")

	if !warmedUp || !cutOver || !drained {
		t.Fatalf("expected all three hooks invoked, got warmup=%v cutover=%v drain=%v", warmedUp, cutOver, drained)
	}
	if att.State != generation.StateCompleted {
		t.Fatalf("expected completed, got %s", att.State)
	}
	if att.Drain.ForcedStop {
		t.Errorf("expected forced_stop=false on clean drain")
	}
	if sup.Current() == nil || sup.Current().GenerationSeq != 1 {
		t.Fatalf("expected generation_seq=1, got %+v", sup.Current())
	}
	if sup.Counters().ReloadSuccessTotal != 1 {
		t.Errorf("expected reload_success_total=1, got %d", sup.Counters().ReloadSuccessTotal)
	}
}

func TestReload_WarmupFailed_NoCutover(t *testing.T) {
	var cutOver bool
	hooks := generation.Hooks{
		OnWarmup:  func(ctx context.Context) error { return errors.New("adapter unreachable") },
		OnCutover: func(ctx context.Context) error { cutOver = true; return nil },
		OnDrain:   func(ctx context.Context) (bool, error) { return false, nil },
	}
	sup := generation.New(hooks, &stepClock{cur: time.Unix(0, 0)}, idSeq())

	att := sup.Reload(context.Background(), "bad config")

	if cutOver {
		t.Fatal("cutover must not run after warmup failure")
	}
	if att.State != generation.StateFailed {
		t.Fatalf("expected failed, got %s", att.State)
	}
	if att.Rollback == nil || att.Rollback.Trigger != generation.RollbackWarmupFailed || att.Rollback.Attempted {
		t.Fatalf("expected unattempted warmup_failed rollback record, got %+v", att.Rollback)
	}
	if sup.Current() != nil {
		t.Fatalf("expected no active generation after warmup failure, got %+v", sup.Current())
	}
	if sup.Counters().ReloadFailureTotal != 1 {
		t.Errorf("expected reload_failure_total=1, got %d", sup.Counters().ReloadFailureTotal)
	}
}

func TestReload_CutoverFailed_AttemptsRollback(t *testing.T) {
	var rolledBack bool
	hooks := generation.Hooks{
		OnWarmup:  func(ctx context.Context) error { return nil },
		OnCutover: func(ctx context.Context) error { return errors.New("atomic swap rejected") },
		OnDrain:   func(ctx context.Context) (bool, error) { return false, nil },
		OnRollback: func(ctx context.Context) error { rolledBack = true; return nil },
	}
	sup := generation.New(hooks, &stepClock{cur: time.Unix(0, 0)}, idSeq())

	att := sup.Reload(context.Background(), "network partition")

	if !rolledBack {
		t.Fatal("expected rollback to be attempted after cutover failure")
	}
	if att.Rollback == nil || att.Rollback.Trigger != generation.RollbackCutoverFailed || !att.Rollback.Attempted || !att.Rollback.Succeeded {
		t.Fatalf("expected attempted+succeeded cutover_failed rollback, got %+v", att.Rollback)
	}
	if sup.Current() != nil {
		t.Fatalf("adapter map must remain on the prior generation, got %+v", sup.Current())
	}
}

func TestReload_DrainTimeout_ForcedStopKeepsSwapSuccessful(t *testing.T) {
	hooks := generation.Hooks{
		OnWarmup:  func(ctx context.Context) error { return nil },
		OnCutover: func(ctx context.Context) error { return nil },
		OnDrain:   func(ctx context.Context) (bool, error) { return false, errors.New("quiesce timeout") },
	}
	sup := generation.New(hooks, &stepClock{cur: time.Unix(0, 0)}, idSeq())

	att := sup.Reload(context.Background(), "reload")

	if att.State != generation.StateCompleted {
		t.Fatalf("drain timeout must not fail the swap, got state=%s", att.State)
	}
	if !att.Drain.ForcedStop {
		t.Errorf("expected drain.forced_stop=true after a drain error")
	}
	if sup.Current() == nil {
		t.Fatal("expected the new generation to remain active despite forced drain stop")
	}
}

func TestRollback_Manual(t *testing.T) {
	var rolledBack bool
	hooks := generation.Hooks{
		OnWarmup:   func(ctx context.Context) error { return nil },
		OnCutover:  func(ctx context.Context) error { return nil },
		OnDrain:    func(ctx context.Context) (bool, error) { return false, nil },
		OnRollback: func(ctx context.Context) error { rolledBack = true; return nil },
	}
	sup := generation.New(hooks, &stepClock{cur: time.Unix(0, 0)}, idSeq())
	sup.Reload(context.Background(), "initial")

	rb := sup.Rollback(context.Background())

	if !rolledBack || rb.Trigger != generation.RollbackManual || !rb.Attempted {
		t.Fatalf("expected manual rollback attempted, got %+v", rb)
	}
}

func TestGate_UnhealthyOnHighFailureRatio(t *testing.T) {
	hooks := generation.Hooks{
		OnWarmup:  func(ctx context.Context) error { return errors.New("fail") },
		OnCutover: func(ctx context.Context) error { return nil },
		OnDrain:   func(ctx context.Context) (bool, error) { return false, nil },
	}
	sup := generation.New(hooks, &stepClock{cur: time.Unix(0, 0)}, idSeq())
	sup.Reload(context.Background(), "r1")
	sup.Reload(context.Background(), "r2")

	result := sup.Gate(generation.GateThresholds{MaxFailureRatio: 0.5})
	if result.Healthy {
		t.Fatal("expected unhealthy gate after two consecutive failures")
	}
	if len(result.Reasons) == 0 {
		t.Error("expected at least one reason for the unhealthy verdict")
	}
}

func TestGate_HealthyWithNoAttempts(t *testing.T) {
	sup := generation.New(generation.Hooks{
		OnWarmup:  func(ctx context.Context) error { return nil },
		OnCutover: func(ctx context.Context) error { return nil },
		OnDrain:   func(ctx context.Context) (bool, error) { return false, nil },
	}, &stepClock{cur: time.Unix(0, 0)}, idSeq())

	result := sup.Gate(generation.GateThresholds{MaxFailureRatio: 0.5})
	if !result.Healthy {
		t.Fatalf("expected healthy gate with no attempts yet, got reasons=%v", result.Reasons)
	}
}

func TestRecordDuplicateAndDropSignal(t *testing.T) {
	sup := generation.New(generation.Hooks{
		OnWarmup:  func(ctx context.Context) error { return nil },
		OnCutover: func(ctx context.Context) error { return nil },
		OnDrain:   func(ctx context.Context) (bool, error) { return false, nil },
	}, &stepClock{cur: time.Unix(0, 0)}, idSeq())

	sup.RecordDuplicateSignal()
	sup.RecordDropSignal()
	sup.RecordDropSignal()

	c := sup.Counters()
	if c.DuplicateSignalTotal != 1 || c.DropSignalTotal != 2 {
		t.Fatalf("expected duplicate=1 drop=2, got %+v", c)
	}
}
