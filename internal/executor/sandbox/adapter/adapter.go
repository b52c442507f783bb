// Package adapter turns source code into execution plans, one adapter per language.
package adapter

import (
	"math"
	"path/filepath"
	"strings"

	"runbox/internal/executor/sandbox/profile"
	"runbox/internal/executor/sandbox/spec"
	appErr "runbox/pkg/errors"
)

const (
	DefaultMaxSourceBytes = 64 * 1024
	DefaultMaxStdinBytes  = 1 << 20
)

// Adapter builds execution plans for one language.
type Adapter interface {
	Language() profile.LanguageSpec
	BuildPlan(sourceCode, stdinData string) (spec.ExecutionPlan, error)
	Limits(base spec.ResourceLimits) spec.ResourceLimits
}

// InputLimits bounds what an adapter accepts.
type InputLimits struct {
	MaxSourceBytes int `yaml:"maxSourceBytes"`
	MaxStdinBytes  int `yaml:"maxStdinBytes"`
}

func (l InputLimits) withDefaults() InputLimits {
	if l.MaxSourceBytes <= 0 {
		l.MaxSourceBytes = DefaultMaxSourceBytes
	}
	if l.MaxStdinBytes <= 0 {
		l.MaxStdinBytes = DefaultMaxStdinBytes
	}
	return l
}

// New validates a language spec and returns a compiled or interpreted adapter.
func New(lang profile.LanguageSpec, limits InputLimits) (Adapter, error) {
	if err := validateLanguage(lang); err != nil {
		return nil, err
	}
	runCmd, err := buildCommand(lang.RunCmdTpl, lang)
	if err != nil {
		return nil, err
	}
	base := baseAdapter{lang: lang, limits: limits.withDefaults(), runCmd: runCmd}
	if !lang.CompileEnabled() {
		return &InterpretedAdapter{baseAdapter: base}, nil
	}
	compileCmd, err := buildCommand(lang.CompileCmdTpl, lang)
	if err != nil {
		return nil, err
	}
	return &CompiledAdapter{baseAdapter: base, compileCmd: compileCmd}, nil
}

type baseAdapter struct {
	lang   profile.LanguageSpec
	limits InputLimits
	runCmd []string
}

func (a baseAdapter) Language() profile.LanguageSpec {
	return a.lang
}

// Limits scales the base limits by the language multipliers.
func (a baseAdapter) Limits(base spec.ResourceLimits) spec.ResourceLimits {
	base.CPUTimeMs = scaleLimit(base.CPUTimeMs, a.lang.TimeMultiplier)
	base.WallTimeMs = scaleLimit(base.WallTimeMs, a.lang.TimeMultiplier)
	base.MemoryBytes = scaleLimit(base.MemoryBytes, a.lang.MemoryMultiplier)
	return base
}

func (a baseAdapter) validateInput(sourceCode, stdinData string) error {
	if strings.TrimSpace(sourceCode) == "" {
		return appErr.ValidationError("code", "required").WithMessage("code is required")
	}
	if len(sourceCode) > a.limits.MaxSourceBytes {
		return appErr.Newf(appErr.CodeTooLarge, "code exceeds %d bytes", a.limits.MaxSourceBytes).
			WithDetail("size", len(sourceCode))
	}
	if len(stdinData) > a.limits.MaxStdinBytes {
		return appErr.Newf(appErr.CustomInputTooLarge, "stdin exceeds %d bytes", a.limits.MaxStdinBytes).
			WithDetail("size", len(stdinData))
	}
	return nil
}

func (a baseAdapter) sourceFile(sourceCode string) spec.SourceFile {
	return spec.SourceFile{Name: a.lang.SourceFile, Content: sourceCode, Mode: 0644}
}

func (a baseAdapter) executeStep(stdinData string) spec.Step {
	return spec.Step{
		Kind:    spec.StepExecute,
		Command: a.runCmd[0],
		Args:    cloneArgs(a.runCmd[1:]),
		Env:     cloneArgs(a.lang.Env),
		Stdin:   stdinData,
	}
}

// CompiledAdapter emits a compile step followed by an execute step.
type CompiledAdapter struct {
	baseAdapter
	compileCmd []string
}

func (a *CompiledAdapter) BuildPlan(sourceCode, stdinData string) (spec.ExecutionPlan, error) {
	if err := a.validateInput(sourceCode, stdinData); err != nil {
		return spec.ExecutionPlan{}, err
	}
	compile := spec.Step{
		Kind:    spec.StepCompile,
		Command: a.compileCmd[0],
		Args:    cloneArgs(a.compileCmd[1:]),
		Env:     cloneArgs(a.lang.Env),
	}
	return spec.ExecutionPlan{
		Language: a.lang.ID,
		Files:    []spec.SourceFile{a.sourceFile(sourceCode)},
		Steps:    []spec.Step{compile, a.executeStep(stdinData)},
	}, nil
}

// InterpretedAdapter emits a single execute step.
type InterpretedAdapter struct {
	baseAdapter
}

func (a *InterpretedAdapter) BuildPlan(sourceCode, stdinData string) (spec.ExecutionPlan, error) {
	if err := a.validateInput(sourceCode, stdinData); err != nil {
		return spec.ExecutionPlan{}, err
	}
	return spec.ExecutionPlan{
		Language: a.lang.ID,
		Files:    []spec.SourceFile{a.sourceFile(sourceCode)},
		Steps:    []spec.Step{a.executeStep(stdinData)},
	}, nil
}

func validateLanguage(lang profile.LanguageSpec) error {
	if lang.ID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if lang.SourceFile == "" {
		return appErr.ValidationError("source_file", "required")
	}
	if !isPlainFileName(lang.SourceFile) {
		return appErr.ValidationError("source_file", "must be a plain file name")
	}
	if lang.CompileEnabled() && lang.BinaryFile == "" {
		return appErr.ValidationError("binary_file", "required")
	}
	if lang.BinaryFile != "" && !isPlainFileName(lang.BinaryFile) {
		return appErr.ValidationError("binary_file", "must be a plain file name")
	}
	if lang.RunCmdTpl == "" {
		return appErr.ValidationError("run_cmd", "required")
	}
	return nil
}

func isPlainFileName(name string) bool {
	return name == filepath.Base(name) && name != "." && name != ".."
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}
