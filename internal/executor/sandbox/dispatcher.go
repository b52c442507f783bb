// Package sandbox dispatches run requests: it resolves the language adapter,
// admits the request, owns its scoped directory and drives the plan through
// the execution engine.
package sandbox

import (
	"context"
	"runtime"
	"time"

	"runbox/internal/executor/sandbox/adapter"
	"runbox/internal/executor/sandbox/engine"
	"runbox/internal/executor/sandbox/events"
	"runbox/internal/executor/sandbox/observer"
	"runbox/internal/executor/sandbox/profile"
	"runbox/internal/executor/sandbox/spec"
	"runbox/internal/executor/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultEventTimeout = 3 * time.Second

// AdapterResolver resolves a language name to its adapter.
type AdapterResolver interface {
	Resolve(language string) (adapter.Adapter, error)
	Languages() []profile.LanguageSpec
}

// Workspaces creates scoped directories.
type Workspaces interface {
	Create(runID string) (*workspace.Scope, error)
}

// Config controls admission and limits.
type Config struct {
	MaxConcurrent int64
	Limits        spec.ResourceLimits
	EventTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = int64(runtime.GOMAXPROCS(0))
	}
	c.Limits = c.Limits.WithDefaults()
	if c.EventTimeout <= 0 {
		c.EventTimeout = defaultEventTimeout
	}
	return c
}

// Dispatcher runs requests end to end.
type Dispatcher struct {
	cfg        Config
	resolver   AdapterResolver
	engine     engine.Engine
	workspaces Workspaces
	slots      *semaphore.Weighted

	metrics        observer.MetricsRecorder
	publisher      events.Publisher
	statusReporter StatusReporter
}

// NewDispatcher creates a dispatcher with required dependencies.
func NewDispatcher(cfg Config, resolver AdapterResolver, eng engine.Engine, workspaces Workspaces) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:        cfg,
		resolver:   resolver,
		engine:     eng,
		workspaces: workspaces,
		slots:      semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics:    observer.NoopMetricsRecorder{},
		publisher:  events.NoopPublisher{},
	}
}

// SetMetricsRecorder injects a metrics recorder.
func (d *Dispatcher) SetMetricsRecorder(recorder observer.MetricsRecorder) {
	if recorder != nil {
		d.metrics = recorder
	}
}

// SetEventPublisher injects a run event publisher.
func (d *Dispatcher) SetEventPublisher(publisher events.Publisher) {
	if publisher != nil {
		d.publisher = publisher
	}
}

// SetStatusReporter injects a status reporter for state transitions.
func (d *Dispatcher) SetStatusReporter(reporter StatusReporter) {
	d.statusReporter = reporter
}

// Languages lists the configured languages.
func (d *Dispatcher) Languages() []profile.LanguageSpec {
	return d.resolver.Languages()
}

// MaxConcurrent returns the number of execution slots.
func (d *Dispatcher) MaxConcurrent() int64 {
	return d.cfg.MaxConcurrent
}

// Run executes one request. The returned Outcome is always populated with the id,
// language and last state reached; err is non-nil when the request was rejected or
// an internal failure occurred. Program failures are reported through the Outcome.
func (d *Dispatcher) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	if d.resolver == nil || d.engine == nil || d.workspaces == nil {
		return Outcome{}, appErr.New(appErr.InternalServerError).WithMessage("dispatcher dependencies are not initialized")
	}
	out := Outcome{
		ID:        req.ID,
		Language:  req.Language,
		State:     StateReceived,
		StartedAt: time.Now(),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.RunID, out.ID)
	ctx = context.WithValue(ctx, contextkey.Language, req.Language)

	err := d.run(ctx, req, &out)
	out.FinishedAt = time.Now()
	d.finish(ctx, out, err)
	return out, err
}

func (d *Dispatcher) run(ctx context.Context, req RunRequest, out *Outcome) error {
	adp, err := d.resolver.Resolve(req.Language)
	if err != nil {
		return err
	}
	out.Language = adp.Language().ID

	plan, err := adp.BuildPlan(req.SourceCode, req.Stdin)
	if err != nil {
		return err
	}

	if !d.slots.TryAcquire(1) {
		d.metrics.ObserveRejected(ctx, out.Language)
		return appErr.New(appErr.ExecutionQueueFull).WithDetail("max_concurrent", d.cfg.MaxConcurrent)
	}
	defer d.slots.Release(1)
	d.metrics.ObserveInFlight(1)
	defer d.metrics.ObserveInFlight(-1)

	scope, err := d.workspaces.Create(out.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := scope.Release(); err != nil {
			logger.Error(ctx, "release scoped dir failed", zap.String("dir", scope.Dir), zap.Error(err))
		}
	}()
	if err := scope.Materialize(plan.Files); err != nil {
		return err
	}

	limits := adp.Limits(d.cfg.Limits)
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return appErr.Wrap(err, appErr.RequestCanceled)
		}
		switch step.Kind {
		case spec.StepCompile:
			if err := d.transition(ctx, out, StateCompiling); err != nil {
				return err
			}
			res, err := d.engine.Run(ctx, step, limits, scope.Dir)
			if err != nil {
				return err
			}
			out.Compile = &res
			ok := res.Succeeded()
			d.metrics.ObserveCompile(ctx, out.Language, ok, res)
			if !ok {
				return d.transition(ctx, out, StateCompileFailed)
			}
			if err := d.transition(ctx, out, StateCompiled); err != nil {
				return err
			}
		case spec.StepExecute:
			if err := d.transition(ctx, out, StateExecuting); err != nil {
				return err
			}
			res, err := d.engine.Run(ctx, step, limits, scope.Dir)
			if err != nil {
				return err
			}
			out.Execute = &res
			final := classify(res)
			d.metrics.ObserveRun(ctx, out.Language, string(final), res)
			if err := d.transition(ctx, out, final); err != nil {
				return err
			}
		default:
			return appErr.New(appErr.InternalServerError).WithMessagef("unknown step kind %q", step.Kind)
		}
	}
	if !out.State.Terminal() {
		return appErr.New(appErr.InternalServerError).WithMessagef("plan ended in non-terminal state %s", out.State)
	}
	return nil
}

func (d *Dispatcher) transition(ctx context.Context, out *Outcome, next State) error {
	if err := checkTransition(out.State, next); err != nil {
		logger.Error(ctx, "illegal state transition", zap.String("from", string(out.State)), zap.String("to", string(next)))
		return err
	}
	prev := out.State
	out.State = next
	logger.Debug(ctx, "run state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	if d.statusReporter != nil {
		update := StatusUpdate{RunID: out.ID, Language: out.Language, From: prev, To: next, At: time.Now().UnixMilli()}
		if err := d.statusReporter.ReportStatus(ctx, update); err != nil {
			logger.Warn(ctx, "report status failed", zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) finish(ctx context.Context, out Outcome, err error) {
	fields := []zap.Field{
		zap.String("state", string(out.State)),
		zap.Duration("duration", out.Duration()),
	}
	if out.Execute != nil {
		fields = append(fields,
			zap.Int("exit_code", out.Execute.ExitCode),
			zap.Int64("cpu_ms", out.Execute.CPUTimeMs),
			zap.Int64("memory_kb", out.Execute.MemoryKB),
		)
	}
	switch {
	case err == nil:
		logger.Info(ctx, "run finished", fields...)
	case appErr.GetCode(err).HTTPStatus() < 500:
		logger.Info(ctx, "run rejected", append(fields, zap.Error(err))...)
	default:
		logger.Error(ctx, "run failed", append(fields, zap.Error(err))...)
	}

	// Rejected requests never reach the sandbox and are not published.
	if err != nil && appErr.GetCode(err).HTTPStatus() < 500 {
		return
	}
	event := buildRunEvent(out, err)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.EventTimeout)
	go func() {
		defer cancel()
		if err := d.publisher.PublishRunFinished(pubCtx, event); err != nil {
			logger.Warn(pubCtx, "publish run event failed", zap.Error(err))
		}
	}()
}

func buildRunEvent(out Outcome, err error) events.RunEvent {
	event := events.RunEvent{
		Type:       events.EventRunFinished,
		RunID:      out.ID,
		Language:   out.Language,
		State:      string(out.State),
		StartedAt:  out.StartedAt.UnixMilli(),
		FinishedAt: out.FinishedAt.UnixMilli(),
	}
	if err != nil {
		event.ErrorCode = int(appErr.GetCode(err))
	}
	if out.Compile != nil {
		event.CompileMs = out.Compile.WallTimeMs
	}
	if res := out.Execute; res != nil {
		event.ExitCode = res.ExitCode
		event.TimedOut = res.TimedOut
		event.KilledForMemory = res.KilledForMemory
		event.FileSizeExceeded = res.FileSizeExceeded
		event.OutputTruncated = res.OutputTruncated()
		event.ExecuteMs = res.WallTimeMs
		event.CPUTimeMs = res.CPUTimeMs
		event.MemoryKB = res.MemoryKB
	}
	return event
}
