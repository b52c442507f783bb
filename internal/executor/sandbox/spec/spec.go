// Package spec defines execution plans and the resource limits applied to them.
package spec

import "time"

// StepKind identifies the role of a step inside an execution plan.
type StepKind string

const (
	StepCompile StepKind = "compile"
	StepExecute StepKind = "execute"
)

// ResourceLimits describes hard limits enforced for every step.
type ResourceLimits struct {
	CPUTimeMs       int64         `yaml:"cpuTimeMs"`
	WallTimeMs      int64         `yaml:"wallTimeMs"`
	MemoryBytes     int64         `yaml:"memoryBytes"`
	MaxOutputBytes  int64         `yaml:"maxOutputBytes"`
	MaxFileBytes    int64         `yaml:"maxFileBytes"`
	Processes       int64         `yaml:"processes"`
	KillGracePeriod time.Duration `yaml:"killGracePeriod"`
}

const (
	DefaultCPUTimeMs       int64 = 5000
	DefaultWallTimeMs      int64 = 10000
	DefaultMemoryBytes     int64 = 256 << 20
	DefaultMaxOutputBytes  int64 = 1 << 20
	DefaultMaxFileBytes    int64 = 64 << 20
	DefaultProcesses       int64 = 128
	DefaultKillGracePeriod       = 100 * time.Millisecond
)

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUTimeMs:       DefaultCPUTimeMs,
		WallTimeMs:      DefaultWallTimeMs,
		MemoryBytes:     DefaultMemoryBytes,
		MaxOutputBytes:  DefaultMaxOutputBytes,
		MaxFileBytes:    DefaultMaxFileBytes,
		Processes:       DefaultProcesses,
		KillGracePeriod: DefaultKillGracePeriod,
	}
}

// WithDefaults fills zero fields from DefaultLimits. The CPU limit never
// exceeds the wall limit.
func (l ResourceLimits) WithDefaults() ResourceLimits {
	def := DefaultLimits()
	if l.CPUTimeMs <= 0 {
		l.CPUTimeMs = def.CPUTimeMs
	}
	if l.WallTimeMs <= 0 {
		l.WallTimeMs = def.WallTimeMs
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = def.MemoryBytes
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = def.MaxOutputBytes
	}
	if l.CPUTimeMs > l.WallTimeMs {
		l.CPUTimeMs = l.WallTimeMs
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = def.MaxFileBytes
	}
	if l.Processes <= 0 {
		l.Processes = def.Processes
	}
	if l.KillGracePeriod <= 0 {
		l.KillGracePeriod = def.KillGracePeriod
	}
	return l
}

// Step is one process invocation of a plan.
// WorkingDir is relative to the scoped directory; "" and "." mean its root.
type Step struct {
	Kind       StepKind
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	Stdin      string
}

// Argv returns the command followed by its arguments.
func (s Step) Argv() []string {
	argv := make([]string, 0, len(s.Args)+1)
	argv = append(argv, s.Command)
	return append(argv, s.Args...)
}

// SourceFile is a file the dispatcher writes into the scoped directory before the first step.
type SourceFile struct {
	Name    string
	Content string
	Mode    uint32
}

// ExecutionPlan is the ordered list of steps for one request.
type ExecutionPlan struct {
	Language string
	Files    []SourceFile
	Steps    []Step
}

// HasCompileStep reports whether the plan starts with a compile step.
func (p ExecutionPlan) HasCompileStep() bool {
	return len(p.Steps) > 0 && p.Steps[0].Kind == StepCompile
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"readOnly"`
}
