// Command mu-controlplane is the control plane's entrypoint: load the
// MuConfig document, open the three journal stores plus the identity
// database, wire every internal/controlplane package into a pipeline and
// HTTP surface, and serve until signalled to stop. It is grounded on
// cmd/ruriko/main.go's version-banner / loadConfig / construct / Run /
// Stop shape, generalized from Ruriko's ad hoc environment-variable
// config to this module's MuConfig YAML document plus one environment
// variable, MU_CONFIG_PATH, naming the config file (listen address and
// store locations are all in the document itself).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/mu/common/environment"
	"github.com/bdobrica/mu/common/redact"
	"github.com/bdobrica/mu/common/trace"
	"github.com/bdobrica/mu/common/version"
	"github.com/bdobrica/mu/internal/controlplane/clirunner"
	"github.com/bdobrica/mu/internal/controlplane/config"
	"github.com/bdobrica/mu/internal/controlplane/confirmation"
	"github.com/bdobrica/mu/internal/controlplane/deliver"
	"github.com/bdobrica/mu/internal/controlplane/dispatch"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/generation"
	"github.com/bdobrica/mu/internal/controlplane/identity"
	"github.com/bdobrica/mu/internal/controlplane/idempotency"
	"github.com/bdobrica/mu/internal/controlplane/ingress"
	"github.com/bdobrica/mu/internal/controlplane/journal"
	"github.com/bdobrica/mu/internal/controlplane/operatortooling"
	"github.com/bdobrica/mu/internal/controlplane/outbox"
	"github.com/bdobrica/mu/internal/controlplane/pipeline"
	"github.com/bdobrica/mu/internal/controlplane/policy"
	"github.com/bdobrica/mu/internal/controlplane/program"
	"github.com/bdobrica/mu/internal/controlplane/run"
	"github.com/bdobrica/mu/internal/controlplane/sandbox"
	"github.com/bdobrica/mu/internal/controlplane/server"
	"github.com/bdobrica/mu/internal/controlplane/telemetry"
)

func main() {
	fmt.Printf("mu Control Plane\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	configPath := environment.StringOr("MU_CONFIG_PATH", "./mu-config.yaml")

	loader := config.New()
	if err := loader.LoadFile(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading %s: %v\n", configPath, err)
		os.Exit(1)
	}

	a, err := newApp(loader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize control plane: %v\n", err)
		os.Exit(1)
	}
	defer a.Stop()

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running control plane: %v\n", err)
		os.Exit(1)
	}
}

// app bundles every long-lived handle main constructs, so Stop can close
// them in reverse order of construction.
type app struct {
	loader  *config.Loader
	id      *identity.Store
	j       *journal.Journal
	idem    *idempotency.Ledger
	outboxD *outbox.Dispatcher
	srv     *server.Server
	gen     *generation.Supervisor

	heartbeats *program.HeartbeatRegistry
	cron       *program.CronRegistry

	drainCancel context.CancelFunc
	drainDone   chan struct{}

	startedAt time.Time
}

// newApp opens every store the currently-loaded MuConfig names and wires
// the pipeline/server/generation trio around them. Nothing here is
// reload-aware: the generation.Hooks wired below are no-ops, so a reload
// or an applied config document changes the loader's document but not the
// adapter map, policy engine, journal/identity/outbox stores, or listener
// built here, which stay fixed for the process lifetime.
func newApp(loader *config.Loader) (*app, error) {
	cfg := loader.Config()

	idStore, err := identity.Open(cfg.Identity.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}

	j, err := journal.Open(cfg.Journal.CommandsPath)
	if err != nil {
		idStore.Close()
		return nil, fmt.Errorf("open command journal: %w", err)
	}

	idem, err := idempotency.Open(cfg.Journal.IdempotencyPath)
	if err != nil {
		idStore.Close()
		j.Close()
		return nil, fmt.Errorf("open idempotency ledger: %w", err)
	}

	outboxD, err := outbox.Open(cfg.Journal.OutboxPath)
	if err != nil {
		idStore.Close()
		j.Close()
		idem.Close()
		return nil, fmt.Errorf("open outbox dispatcher: %w", err)
	}

	cfg.ApplyOverrides()

	if cfg.Outbox.DeliveryRatePerSecond > 0 {
		burst := cfg.Outbox.DeliveryBurst
		if burst <= 0 {
			burst = int(cfg.Outbox.DeliveryRatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		outboxD.SetDeliveryRateLimit(cfg.Outbox.DeliveryRatePerSecond, burst)
	}

	policyEng := policy.New()
	pol, err := cfg.ToPolicy()
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}
	policyEng.SetPolicy(pol)

	records, err := pipeline.LoadRecordStore(cfg.Journal.CommandsPath)
	if err != nil {
		return nil, fmt.Errorf("fold command journal: %w", err)
	}

	nowMS := func() int64 { return time.Now().UnixMilli() }

	runSink := &runEventSink{outboxD: outboxD, records: records, nowMS: nowMS}
	runSup := run.New(runSink)

	tooling := operatortooling.New(cfg.Journal.CommandsPath, outboxD, policyEng)

	heartbeats := program.NewHeartbeatRegistry(dispatchWake, programTickRecorder{}, nil)
	cron := program.NewCronRegistry(dispatchWake, programTickRecorder{}, nil)

	cliOpts := []clirunner.Option{clirunner.WithSink(cliLogSink{})}
	if cfg.Operator.SandboxEnabled {
		dockerSandbox, err := sandbox.New(cfg.Operator.SandboxImage, cfg.Operator.SandboxNetwork)
		if err != nil {
			return nil, fmt.Errorf("build docker sandbox: %w", err)
		}
		cliOpts = append(cliOpts, clirunner.WithSandbox(dockerSandbox))
	}

	router := &dispatch.Router{
		CLI:      clirunner.New("mu", cliOpts...),
		Run:      runSup,
		Identity: idStore,
		Tooling:  tooling,
		NowMS:    nowMS,
	}

	confirmHandler := confirmation.New(records, j, router.Mutation())

	cp := pipeline.New(
		j,
		idem,
		idStore,
		policyEng,
		confirmHandler,
		router.Readonly(),
		router.Mutation(),
		pipeline.NewSerializedMutationExecutor(),
		records,
		pipeline.IDGenerator(uuid.NewString),
		cfg.RepoRoot,
	)

	instruments, err := telemetry.NewInstruments(telemetry.NewMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("build telemetry instruments: %w", err)
	}

	startedAt := time.Now()
	gen := generation.New(generation.Hooks{
		OnWarmup:   func(ctx context.Context) error { return nil },
		OnCutover:  func(ctx context.Context) error { return nil },
		OnDrain:    func(ctx context.Context) (bool, error) { return false, nil },
		OnRollback: func(ctx context.Context) error { return nil },
	}, nil, generation.IDGenerator(uuid.NewString))

	srv := server.New(cfg.Server.ListenAddr, server.Handlers{
		Version:   version.Version,
		StartedAt: startedAt,
		ConfigHash: func() string {
			return loader.Hash()
		},
		ApplyConfig: func(yaml string) (string, error) {
			if err := loader.Apply([]byte(yaml)); err != nil {
				return "", err
			}
			return loader.Hash(), nil
		},
		Generation: gen.Current,
		Reload: func(ctx context.Context, reason string) generation.Attempt {
			return gen.Reload(ctx, reason)
		},
		Rollback: func(ctx context.Context) generation.Rollback {
			return gen.Rollback(ctx)
		},
		Adapters: adaptersByRoute(cfg),
		HandleInbound: func(ctx context.Context, env envelope.InboundEnvelope, nowMS int64) (pipeline.Result, error) {
			result, err := cp.HandleInbound(ctx, env, nowMS)
			if err == nil {
				instruments.RecordCommandOutcome(ctx, result.Outcome)
				if result.Deny != nil {
					instruments.RecordDeny(ctx, result.Deny.Reason)
				}
			}
			return result, err
		},
		Tooling:    tooling,
		Heartbeats: heartbeats,
		Cron:       cron,
		Now:        nowMS,
	})

	return &app{
		loader:     loader,
		id:         idStore,
		j:          j,
		idem:       idem,
		outboxD:    outboxD,
		srv:        srv,
		gen:        gen,
		heartbeats: heartbeats,
		cron:       cron,
		startedAt:  startedAt,
	}, nil
}

// dispatchWake is the program.DispatchWakeFunc every HeartbeatProgram/
// CronProgram tick runs through. A wake has no channel/actor binding of its
// own (spec §4.12 leaves how a program's wake reaches the command pipeline
// as an implementer choice), so it is logged rather than threaded into
// pipeline.HandleInbound, which requires an identity-bound actor and
// channel that no program definition carries yet.
func dispatchWake(ctx context.Context, opts program.WakeOpts) program.WakeResult {
	slog.Info("program wake", "program_id", opts.ProgramID, "dedupe_key", opts.DedupeKey, "reason", opts.Reason, "target", opts.Target)
	return program.WakeResult{Kind: program.WakeOK}
}

// programTickRecorder logs every heartbeat/cron tick via slog, grounded on
// the teacher's log-don't-block posture for fire-and-forget observability
// events (see outbox's dead-letter/backoff logging).
type programTickRecorder struct{}

func (programTickRecorder) RecordTick(programID string, result program.WakeResult, nowMS int64) {
	slog.Info("program tick", "program_id", programID, "result", result.Kind, "now_ms", nowMS)
}

// adaptersByRoute builds the server's route-keyed adapter map from the
// loaded config's configured channel set.
func adaptersByRoute(cfg *config.MuConfig) map[string]ingress.Adapter {
	byRoute := make(map[string]ingress.Adapter)
	for _, adapter := range cfg.BuildAdapters() {
		byRoute[adapter.Spec().Route] = adapter
	}
	return byRoute
}

func (a *app) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	drainCtx, drainCancel := context.WithCancel(context.Background())
	a.drainCancel = drainCancel
	a.drainDone = make(chan struct{})
	go a.runOutboxDrainLoop(drainCtx)

	slog.Info("mu control plane is running; press Ctrl+C to stop", "addr", a.loader.Config().Server.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// runOutboxDrainLoop periodically drains due outbox records through the
// configured Deliverer, per spec §4.10's at-least-once delivery loop. The
// period is fixed rather than config-driven: it bounds latency on retries,
// not throughput, so it doesn't need to be an operator-tunable knob.
func (a *app) runOutboxDrainLoop(ctx context.Context) {
	defer close(a.drainDone)

	cfg := a.loader.Config()
	deliverer := deliver.New(cfg.BuildDeliveryURLs())

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowMS := time.Now().UnixMilli()
			if err := a.outboxD.DrainDue(ctx, deliverer, nowMS); err != nil {
				slog.Error("outbox drain failed", "err", err)
			}
		}
	}
}

func (a *app) Stop() {
	if a.drainCancel != nil {
		a.drainCancel()
		<-a.drainDone
	}
	if a.heartbeats != nil {
		a.heartbeats.Stop()
	}
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.srv != nil {
		slog.Info("stopping server")
		a.srv.Stop()
	}
	if a.outboxD != nil {
		a.outboxD.Close()
	}
	if a.idem != nil {
		a.idem.Close()
	}
	if a.j != nil {
		a.j.Close()
	}
	if a.id != nil {
		a.id.Close()
	}
}

// runEventSink bridges run.Supervisor events into the outbox, per spec
// §4.11's event-to-envelope mapping: run_completed maps to kind=result,
// run_failed to kind=error, everything else to kind=lifecycle. The
// originating command's channel/conversation routing is recovered from
// the RecordStore by CommandID, since run.Snapshot itself carries no
// channel fields.
type runEventSink struct {
	outboxD *outbox.Dispatcher
	records *pipeline.RecordStore
	nowMS   func() int64
}

func (s *runEventSink) HandleRunEvent(ctx context.Context, evt run.Event) {
	rec, ok := s.records.Get(evt.Snapshot.CommandID)
	if !ok {
		slog.Warn("run event for unknown command", "job_id", evt.JobID, "command_id", evt.Snapshot.CommandID)
		return
	}

	kind := envelope.KindLifecycle
	switch evt.Type {
	case run.EventCompleted:
		kind = envelope.KindResult
	case run.EventFailed:
		kind = envelope.KindError
	}

	env := envelope.OutboundEnvelope{
		Channel:         rec.Channel,
		ChannelTenantID: rec.ChannelTenantID,
		ChannelConvID:   rec.ChannelConvID,
		Kind:            kind,
		Body: envelope.Body{
			Text: string(evt.Type),
			Fields: map[string]string{
				"job_id":        evt.JobID,
				"status":        string(evt.Snapshot.Status),
				"last_progress": evt.Snapshot.LastProgress,
			},
		},
		Correlation: envelope.Correlation{
			CommandID: rec.CommandID,
			RunRootID: evt.Snapshot.RootIssueID,
		},
	}

	dedupeKey := fmt.Sprintf("run-event:%s:%d", evt.JobID, evt.Seq)
	outboxID := uuid.NewString()
	if _, err := s.outboxD.Enqueue(outboxID, dedupeKey, env, s.nowMS(), ""); err != nil {
		slog.Error("enqueue run event failed", "job_id", evt.JobID, "err", err)
	}
}

// cliLogSink implements clirunner.LifecycleSink with slog, redacting any
// env var a launched CLI invocation carried (scope tokens, API keys) before
// it reaches a log line, per common/redact's "never leave the process
// boundary unredacted" threat model.
type cliLogSink struct{}

func (cliLogSink) InvocationStarted(ctx context.Context, plan clirunner.InvocationPlan) {
	slog.Info("cli invocation started", "trace_id", trace.FromContext(ctx), "argv", plan.Argv, "env", redactEnv(plan.Env))
}

func (cliLogSink) InvocationCompleted(ctx context.Context, plan clirunner.InvocationPlan, result clirunner.InvocationResult) {
	slog.Info("cli invocation completed", "trace_id", trace.FromContext(ctx), "argv", plan.Argv, "exit_code", result.ExitCode, "timed_out", result.TimedOut)
}

func (cliLogSink) InvocationFailed(ctx context.Context, plan clirunner.InvocationPlan, err error) {
	slog.Error("cli invocation failed", "trace_id", trace.FromContext(ctx), "argv", plan.Argv, "err", err)
}

// redactEnv turns a "KEY=VALUE" environment slice into a loggable map with
// secret-shaped values replaced, via redact.Map's key-name heuristic.
func redactEnv(env []string) map[string]any {
	if len(env) == 0 {
		return nil
	}
	raw := make(map[string]any, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		raw[k] = v
	}
	return redact.Map(raw)
}
