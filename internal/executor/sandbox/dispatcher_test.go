package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"runbox/internal/executor/sandbox/adapter"
	"runbox/internal/executor/sandbox/events"
	"runbox/internal/executor/sandbox/profile"
	"runbox/internal/executor/sandbox/result"
	"runbox/internal/executor/sandbox/spec"
	"runbox/internal/executor/sandbox/workspace"
	appErr "runbox/pkg/errors"
)

type engineCall struct {
	step    spec.Step
	limits  spec.ResourceLimits
	workDir string
	files   []string
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall
	run   func(ctx context.Context, step spec.Step) (result.ExecutionResult, error)
}

func (f *fakeEngine) Run(ctx context.Context, step spec.Step, limits spec.ResourceLimits, workDir string) (result.ExecutionResult, error) {
	entries, _ := os.ReadDir(workDir)
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		files = append(files, e.Name())
	}
	f.mu.Lock()
	f.calls = append(f.calls, engineCall{step: step, limits: limits, workDir: workDir, files: files})
	f.mu.Unlock()
	if f.run == nil {
		return result.ExecutionResult{}, nil
	}
	return f.run(ctx, step)
}

func (f *fakeEngine) Calls() []engineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engineCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type recordingReporter struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (r *recordingReporter) ReportStatus(ctx context.Context, update StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *recordingReporter) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.To)
	}
	return out
}

type chanPublisher struct {
	ch chan events.RunEvent
}

func (p *chanPublisher) PublishRunFinished(ctx context.Context, event events.RunEvent) error {
	p.ch <- event
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	engine     *fakeEngine
	reporter   *recordingReporter
	workRoot   string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	registry, err := adapter.NewRegistry(profile.Defaults(), adapter.InputLimits{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	workRoot := filepath.Join(t.TempDir(), "work")
	ws, err := workspace.NewManager(workRoot)
	if err != nil {
		t.Fatalf("new workspace manager: %v", err)
	}
	eng := &fakeEngine{}
	d := NewDispatcher(cfg, registry, eng, ws)
	rep := &recordingReporter{}
	d.SetStatusReporter(rep)
	return &fixture{dispatcher: d, engine: eng, reporter: rep, workRoot: workRoot}
}

func (f *fixture) assertWorkRootEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.workRoot)
	if err != nil {
		t.Fatalf("read work root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scoped dirs left behind: %d", len(entries))
	}
}

func stepResult(compile, execute result.ExecutionResult) func(context.Context, spec.Step) (result.ExecutionResult, error) {
	return func(_ context.Context, step spec.Step) (result.ExecutionResult, error) {
		if step.Kind == spec.StepCompile {
			return compile, nil
		}
		return execute, nil
	}
}

func TestDispatcherStates(t *testing.T) {
	cases := []struct {
		name       string
		language   string
		compile    result.ExecutionResult
		execute    result.ExecutionResult
		wantState  State
		wantTrail  []State
		wantCalls  int
		wantOutput string
	}{
		{
			name:       "interpreted_completed",
			language:   "python",
			execute:    result.ExecutionResult{Stdout: []byte("hi\n")},
			wantState:  StateCompleted,
			wantTrail:  []State{StateExecuting, StateCompleted},
			wantCalls:  1,
			wantOutput: "hi\n",
		},
		{
			name:       "compiled_completed",
			language:   "cpp",
			execute:    result.ExecutionResult{Stdout: []byte("3\n")},
			wantState:  StateCompleted,
			wantTrail:  []State{StateCompiling, StateCompiled, StateExecuting, StateCompleted},
			wantCalls:  2,
			wantOutput: "3\n",
		},
		{
			name:      "compile_failed_skips_execute",
			language:  "cpp",
			compile:   result.ExecutionResult{ExitCode: 1, Stderr: []byte("error: expected '}'")},
			wantState: StateCompileFailed,
			wantTrail: []State{StateCompiling, StateCompileFailed},
			wantCalls: 1,
		},
		{
			name:      "compile_timeout_is_compile_failure",
			language:  "java",
			compile:   result.ExecutionResult{ExitCode: -1, TimedOut: true},
			wantState: StateCompileFailed,
			wantTrail: []State{StateCompiling, StateCompileFailed},
			wantCalls: 1,
		},
		{
			name:      "runtime_failed",
			language:  "python",
			execute:   result.ExecutionResult{ExitCode: 1},
			wantState: StateRuntimeFailed,
			wantTrail: []State{StateExecuting, StateRuntimeFailed},
			wantCalls: 1,
		},
		{
			name:      "signal_is_runtime_failure",
			language:  "c",
			execute:   result.ExecutionResult{ExitCode: -1, Signal: "SIGSEGV"},
			wantState: StateRuntimeFailed,
			wantTrail: []State{StateCompiling, StateCompiled, StateExecuting, StateRuntimeFailed},
			wantCalls: 2,
		},
		{
			name:      "timed_out",
			language:  "javascript",
			execute:   result.ExecutionResult{ExitCode: -1, TimedOut: true},
			wantState: StateTimedOut,
			wantTrail: []State{StateExecuting, StateTimedOut},
			wantCalls: 1,
		},
		{
			name:      "memory_wins_over_timeout",
			language:  "python",
			execute:   result.ExecutionResult{ExitCode: -1, TimedOut: true, KilledForMemory: true},
			wantState: StateResourceExceeded,
			wantTrail: []State{StateExecuting, StateResourceExceeded},
			wantCalls: 1,
		},
		{
			name:      "file_size_limit",
			language:  "python",
			execute:   result.ExecutionResult{ExitCode: -1, Signal: "SIGXFSZ", FileSizeExceeded: true},
			wantState: StateResourceExceeded,
			wantTrail: []State{StateExecuting, StateResourceExceeded},
			wantCalls: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxConcurrent: 2})
			f.engine.run = stepResult(tc.compile, tc.execute)

			out, err := f.dispatcher.Run(context.Background(), RunRequest{Language: tc.language, SourceCode: "x", Stdin: "in"})
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if out.State != tc.wantState {
				t.Fatalf("state = %s, want %s", out.State, tc.wantState)
			}
			if out.ID == "" || out.FinishedAt.Before(out.StartedAt) {
				t.Fatalf("outcome metadata missing: %+v", out)
			}
			trail := f.reporter.States()
			if len(trail) != len(tc.wantTrail) {
				t.Fatalf("trail = %v, want %v", trail, tc.wantTrail)
			}
			for i := range trail {
				if trail[i] != tc.wantTrail[i] {
					t.Fatalf("trail = %v, want %v", trail, tc.wantTrail)
				}
			}
			calls := f.engine.Calls()
			if len(calls) != tc.wantCalls {
				t.Fatalf("engine calls = %d, want %d", len(calls), tc.wantCalls)
			}
			if tc.wantCalls == 2 && (calls[0].step.Kind != spec.StepCompile || calls[1].step.Kind != spec.StepExecute) {
				t.Fatalf("compile must precede execute: %+v", calls)
			}
			for _, c := range calls {
				if len(c.files) == 0 {
					t.Fatalf("source file was not materialized before %s", c.step.Kind)
				}
				if c.workDir != calls[0].workDir {
					t.Fatalf("steps of one request must share the scoped dir")
				}
			}
			if tc.wantOutput != "" && (out.Execute == nil || string(out.Execute.Stdout) != tc.wantOutput) {
				t.Fatalf("unexpected execute result: %+v", out.Execute)
			}
			if tc.wantState == StateCompileFailed && out.Execute != nil {
				t.Fatalf("execute result must be nil after compile failure")
			}
			f.assertWorkRootEmpty(t)
		})
	}
}

func TestDispatcherRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name string
		req  RunRequest
		code appErr.ErrorCode
	}{
		{name: "unsupported_language", req: RunRequest{Language: "cobol", SourceCode: "x"}, code: appErr.LanguageNotSupported},
		{name: "empty_source", req: RunRequest{Language: "python"}, code: appErr.ValidationFailed},
		{name: "source_too_large", req: RunRequest{Language: "python", SourceCode: string(make([]byte, adapter.DefaultMaxSourceBytes+1))}, code: appErr.CodeTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			out, err := f.dispatcher.Run(context.Background(), tc.req)
			if got := appErr.GetCode(err); got != tc.code {
				t.Fatalf("code = %v, want %v", got, tc.code)
			}
			if out.State != StateReceived {
				t.Fatalf("state = %s, want Received", out.State)
			}
			if len(f.engine.Calls()) != 0 {
				t.Fatalf("engine must not run for invalid input")
			}
			f.assertWorkRootEmpty(t)
		})
	}
}

func TestDispatcherAdmissionControl(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1})
	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.engine.run = func(ctx context.Context, step spec.Step) (result.ExecutionResult, error) {
		close(entered)
		<-unblock
		return result.ExecutionResult{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.Run(context.Background(), RunRequest{Language: "python", SourceCode: "x"})
		done <- err
	}()
	<-entered

	_, err := f.dispatcher.Run(context.Background(), RunRequest{Language: "python", SourceCode: "y"})
	if !appErr.Is(err, appErr.ExecutionQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if appErr.GetCode(err).HTTPStatus() != 429 {
		t.Fatalf("admission rejection must map to 429")
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	f.engine.run = nil
	if _, err := f.dispatcher.Run(context.Background(), RunRequest{Language: "python", SourceCode: "z"}); err != nil {
		t.Fatalf("slot should be released: %v", err)
	}
	f.assertWorkRootEmpty(t)
}

func TestDispatcherEngineFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.run = func(ctx context.Context, step spec.Step) (result.ExecutionResult, error) {
		return result.ExecutionResult{}, appErr.New(appErr.SandboxError).WithMessage("sandbox setup failed: chroot")
	}
	out, err := f.dispatcher.Run(context.Background(), RunRequest{Language: "cpp", SourceCode: "x"})
	if !appErr.Is(err, appErr.SandboxError) {
		t.Fatalf("expected sandbox error, got %v", err)
	}
	if out.State != StateCompiling {
		t.Fatalf("state = %s, want Compiling", out.State)
	}
	f.assertWorkRootEmpty(t)
}

func TestDispatcherCanceledContext(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.dispatcher.Run(ctx, RunRequest{Language: "python", SourceCode: "x"})
	if !appErr.Is(err, appErr.RequestCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if len(f.engine.Calls()) != 0 {
		t.Fatalf("engine must not run after cancellation")
	}
	f.assertWorkRootEmpty(t)
}

func TestDispatcherAppliesLanguageLimits(t *testing.T) {
	registry, err := adapter.NewRegistry([]profile.LanguageSpec{{
		ID:             "slow",
		SourceFile:     "a.rb",
		RunCmdTpl:      "ruby {src}",
		TimeMultiplier: 2,
	}}, adapter.InputLimits{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ws, _ := workspace.NewManager(t.TempDir())
	eng := &fakeEngine{}
	base := spec.ResourceLimits{CPUTimeMs: 1000, WallTimeMs: 2000}
	d := NewDispatcher(Config{Limits: base}, registry, eng, ws)

	if _, err := d.Run(context.Background(), RunRequest{Language: "slow", SourceCode: "x", Stdin: "abc"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	got := calls[0].limits
	if got.CPUTimeMs != 2000 || got.WallTimeMs != 4000 || got.MemoryBytes != spec.DefaultMemoryBytes {
		t.Fatalf("unexpected limits: %+v", got)
	}
	if calls[0].step.Stdin != "abc" {
		t.Fatalf("stdin not forwarded: %q", calls[0].step.Stdin)
	}
}

func TestDispatcherPublishesEvent(t *testing.T) {
	f := newFixture(t, Config{})
	pub := &chanPublisher{ch: make(chan events.RunEvent, 1)}
	f.dispatcher.SetEventPublisher(pub)
	f.engine.run = stepResult(result.ExecutionResult{}, result.ExecutionResult{ExitCode: 2, WallTimeMs: 15})

	out, err := f.dispatcher.Run(context.Background(), RunRequest{ID: "fixed-id", Language: "py", SourceCode: "x"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.ID != "fixed-id" || out.Language != "python" {
		t.Fatalf("unexpected outcome identity: %+v", out)
	}

	select {
	case ev := <-pub.ch:
		if ev.RunID != "fixed-id" || ev.Language != "python" || ev.State != string(StateRuntimeFailed) {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.ExitCode != 2 || ev.ExecuteMs != 15 || ev.ErrorCode != 0 {
			t.Fatalf("unexpected event metrics: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run event not published")
	}
}

func TestDispatcherDoesNotPublishRejections(t *testing.T) {
	f := newFixture(t, Config{})
	pub := &chanPublisher{ch: make(chan events.RunEvent, 1)}
	f.dispatcher.SetEventPublisher(pub)

	_, _ = f.dispatcher.Run(context.Background(), RunRequest{Language: "cobol", SourceCode: "x"})
	select {
	case ev := <-pub.ch:
		t.Fatalf("unexpected event for rejected request: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateTransitions(t *testing.T) {
	legal := [][2]State{
		{StateReceived, StateCompiling},
		{StateReceived, StateExecuting},
		{StateCompiling, StateCompileFailed},
		{StateCompiling, StateCompiled},
		{StateCompiled, StateExecuting},
		{StateExecuting, StateCompleted},
		{StateExecuting, StateTimedOut},
		{StateExecuting, StateResourceExceeded},
		{StateExecuting, StateRuntimeFailed},
	}
	for _, p := range legal {
		if err := checkTransition(p[0], p[1]); err != nil {
			t.Fatalf("%s -> %s should be legal", p[0], p[1])
		}
	}
	illegal := [][2]State{
		{StateReceived, StateCompleted},
		{StateCompileFailed, StateExecuting},
		{StateCompiling, StateExecuting},
		{StateCompleted, StateExecuting},
	}
	for _, p := range illegal {
		err := checkTransition(p[0], p[1])
		if !appErr.Is(err, appErr.InternalServerError) {
			t.Fatalf("%s -> %s should be rejected, got %v", p[0], p[1], err)
		}
	}
	for _, s := range []State{StateCompileFailed, StateCompleted, StateTimedOut, StateResourceExceeded, StateRuntimeFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}
