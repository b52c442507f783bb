//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"runbox/internal/executor/sandbox/result"
	"runbox/internal/executor/sandbox/security"
	"runbox/internal/executor/sandbox/spec"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const maxStatusBytes = 4096

type linuxEngine struct {
	cfg       Config
	inFlight  map[string]struct{}
	inFlightM sync.Mutex
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config) (Engine, error) {
	cfg = cfg.withDefaults()
	if disabled := cfg.disabledIsolation(); len(disabled) > 0 {
		if !cfg.Insecure {
			return nil, appErr.New(appErr.InvalidParams).
				WithMessagef("sandbox isolation disabled (%s); set insecure to run without it", strings.Join(disabled, ", "))
		}
		logger.Warn(context.Background(), "sandbox running in insecure mode", zap.Strings("disabled", disabled))
	}
	if cfg.EnableCgroup {
		if err := prepareCgroupRoot(cfg.CgroupRoot); err != nil {
			return nil, err
		}
	}
	if !cfg.EnableNamespaces {
		if cfg.Isolation.RootFS != "" || len(cfg.BindMounts) > 0 {
			return nil, appErr.New(appErr.InvalidParams).WithMessage("rootfs and bind mounts require namespaces")
		}
	}
	if cfg.EnableSeccomp && cfg.Isolation.SeccompProfile != "" {
		if _, err := os.Stat(cfg.Isolation.SeccompProfile); err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "seccomp profile not readable")
		}
	}
	return &linuxEngine{
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
	}, nil
}

func (e *linuxEngine) Run(ctx context.Context, step spec.Step, limits spec.ResourceLimits, workDir string) (result.ExecutionResult, error) {
	if err := validateStep(step, workDir); err != nil {
		return result.ExecutionResult{}, err
	}
	limits = limits.WithDefaults()
	hostDir, err := filepath.Abs(workDir)
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.SandboxError, "resolve work dir failed")
	}
	if err := e.acquire(hostDir); err != nil {
		return result.ExecutionResult{}, err
	}
	defer e.release(hostDir)

	cgroupPath := ""
	if e.cfg.EnableCgroup {
		var cleanup func()
		cgroupPath, cleanup, err = createRunCgroup(e.cfg.CgroupRoot, filepath.Base(hostDir)+"-"+string(step.Kind))
		if err != nil {
			return result.ExecutionResult{}, err
		}
		defer cleanup()
		if err := applyCgroupLimits(cgroupPath, limits); err != nil {
			return result.ExecutionResult{}, err
		}
	}

	req := e.buildInitRequest(step, limits, hostDir, cgroupPath != "")

	configR, configW, err := os.Pipe()
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.SandboxError, "create config pipe failed")
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		configR.Close()
		configW.Close()
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.SandboxError, "create status pipe failed")
	}
	defer statusR.Close()

	stdout := newCappedBuffer(limits.MaxOutputBytes)
	stderr := newCappedBuffer(limits.MaxOutputBytes)

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(e.cfg.Isolation, e.cfg.EnableNamespaces)
	cmd.Dir = hostDir
	cmd.Env = []string{}
	cmd.Stdin = strings.NewReader(step.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{configR, statusW}
	cmd.WaitDelay = limits.KillGracePeriod

	start := time.Now()
	startErr := cmd.Start()
	configR.Close()
	statusW.Close()
	if startErr != nil {
		configW.Close()
		return result.ExecutionResult{}, appErr.Wrapf(startErr, appErr.SandboxError, "start sandbox helper failed")
	}
	pid := cmd.Process.Pid

	// The helper blocks on the config pipe, so the process is inside the cgroup
	// before any user code runs.
	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, pid); err != nil {
			configW.Close()
			signalGroup(pid, syscall.SIGKILL)
			_ = cmd.Wait()
			return result.ExecutionResult{}, err
		}
	}
	go func() {
		_ = json.NewEncoder(configW).Encode(req)
		configW.Close()
	}()

	statusCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(statusR, maxStatusBytes))
		statusCh <- data
	}()

	var timedOut atomic.Bool
	done := make(chan struct{})
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		e.supervise(ctx, pid, cgroupPath, limits, &timedOut, done)
	}()

	waitErr := cmd.Wait()
	wall := time.Since(start)
	close(done)
	<-supervised
	// Reap anything that escaped the process group leader.
	signalGroup(pid, syscall.SIGKILL)
	_ = killCgroup(cgroupPath)

	status := <-statusCh
	if len(status) > 0 {
		msg := strings.TrimSpace(string(status))
		logger.Error(ctx, "sandbox helper setup failed",
			zap.String("command", step.Command),
			zap.String("kind", string(step.Kind)),
			zap.String("reason", msg),
		)
		return result.ExecutionResult{}, appErr.New(appErr.SandboxError).WithMessagef("sandbox setup failed: %s", msg)
	}

	state := cmd.ProcessState
	res := result.ExecutionResult{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		ExitCode:        exitCodeFromErr(waitErr, state),
		TimedOut:        timedOut.Load(),
		CPUTimeMs:       cpuTimeMs(cgroupPath, state),
		WallTimeMs:      wall.Milliseconds(),
		MemoryKB:        memoryPeakKB(cgroupPath, state),
	}
	if sig, ok := terminatingSignal(state); ok {
		res.Signal = signalName(sig)
		if sig == syscall.SIGXCPU || (sig == syscall.SIGKILL && limits.CPUTimeMs > 0 && res.CPUTimeMs >= limits.CPUTimeMs) {
			res.TimedOut = true
		}
		if sig == syscall.SIGXFSZ {
			res.FileSizeExceeded = true
		}
	}
	oomKilled, err := wasOomKilled(cgroupPath)
	if err != nil {
		// Without memory.events only the peak usage is left to go on.
		oomKilled = limits.MemoryBytes > 0 && res.MemoryKB*1024 >= limits.MemoryBytes
	}
	res.KilledForMemory = oomKilled
	if res.TimedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}

	if ctx.Err() != nil {
		return res, appErr.Wrap(ctx.Err(), appErr.RequestCanceled)
	}
	return res, nil
}

// supervise enforces wall-clock and cgroup CPU limits until done is closed.
func (e *linuxEngine) supervise(ctx context.Context, pid int, cgroupPath string, limits spec.ResourceLimits, timedOut *atomic.Bool, done <-chan struct{}) {
	var wallTimer <-chan time.Time
	if d := durationFromMs(limits.WallTimeMs); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		wallTimer = timer.C
	}
	var cpuTick <-chan time.Time
	if cgroupPath != "" && limits.CPUTimeMs > 0 {
		ticker := time.NewTicker(e.cfg.CPUPollInterval)
		defer ticker.Stop()
		cpuTick = ticker.C
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			e.kill(pid, cgroupPath)
			return
		case <-wallTimer:
			timedOut.Store(true)
			e.terminate(pid, cgroupPath, limits.KillGracePeriod, done)
			return
		case <-cpuTick:
			used, err := cgroupCPUTimeMs(cgroupPath)
			if err == nil && used >= limits.CPUTimeMs {
				timedOut.Store(true)
				e.kill(pid, cgroupPath)
				return
			}
		}
	}
}

// terminate sends SIGTERM to the group and escalates to SIGKILL after grace.
func (e *linuxEngine) terminate(pid int, cgroupPath string, grace time.Duration, done <-chan struct{}) {
	signalGroup(pid, syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.kill(pid, cgroupPath)
	}
}

func (e *linuxEngine) kill(pid int, cgroupPath string) {
	signalGroup(pid, syscall.SIGKILL)
	_ = killCgroup(cgroupPath)
}

func (e *linuxEngine) buildInitRequest(step spec.Step, limits spec.ResourceLimits, hostDir string, inCgroup bool) initRequest {
	sandboxDir := hostDir
	if e.cfg.EnableNamespaces && e.cfg.Isolation.RootFS != "" {
		sandboxDir = sandboxWorkDir
	}
	rel, _ := relativeDir(step.WorkingDir)
	var dataBytes int64
	if !inCgroup {
		dataBytes = limits.MemoryBytes
	}
	return initRequest{
		WorkDir:       hostDir,
		SandboxDir:    sandboxDir,
		Cwd:           filepath.Join(sandboxDir, rel),
		Cmd:           step.Argv(),
		Env:           buildEnv(step.Env, sandboxDir),
		BindMounts:    e.cfg.BindMounts,
		CPUTimeMs:     limits.CPUTimeMs,
		FileBytes:     limits.MaxFileBytes,
		DataBytes:     dataBytes,
		Isolation:     e.cfg.Isolation,
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
	}
}

func (e *linuxEngine) acquire(workDir string) error {
	e.inFlightM.Lock()
	defer e.inFlightM.Unlock()
	if _, busy := e.inFlight[workDir]; busy {
		return appErr.New(appErr.SandboxError).WithMessage("work dir already has a running step").
			WithDetail("work_dir", workDir)
	}
	e.inFlight[workDir] = struct{}{}
	return nil
}

func (e *linuxEngine) release(workDir string) {
	e.inFlightM.Lock()
	defer e.inFlightM.Unlock()
	delete(e.inFlight, workDir)
}

func buildSysProcAttr(profile security.IsolationProfile, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
