package adapter

import (
	"reflect"
	"strings"
	"testing"

	"runbox/internal/executor/sandbox/profile"
	"runbox/internal/executor/sandbox/spec"
	appErr "runbox/pkg/errors"
)

func newDefaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(profile.Defaults(), InputLimits{})
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	return r
}

func TestCompiledPlan(t *testing.T) {
	r := newDefaultRegistry(t)
	a, err := r.Resolve("cpp")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, ok := a.(*CompiledAdapter); !ok {
		t.Fatalf("expected compiled adapter, got %T", a)
	}
	plan, err := a.BuildPlan("int main(){}", "1 2\n")
	if err != nil {
		t.Fatalf("build plan failed: %v", err)
	}
	if !plan.HasCompileStep() || len(plan.Steps) != 2 {
		t.Fatalf("unexpected steps: %+v", plan.Steps)
	}
	wantCompile := []string{"g++", "-O2", "-pipe", "main.cpp", "-o", "main"}
	if got := plan.Steps[0].Argv(); !reflect.DeepEqual(got, wantCompile) {
		t.Fatalf("compile argv = %v, want %v", got, wantCompile)
	}
	if plan.Steps[0].Stdin != "" {
		t.Fatalf("compile step must not receive stdin")
	}
	run := plan.Steps[1]
	if run.Kind != spec.StepExecute || run.Command != "./main" || run.Stdin != "1 2\n" {
		t.Fatalf("unexpected run step: %+v", run)
	}
	if len(plan.Files) != 1 || plan.Files[0].Name != "main.cpp" || plan.Files[0].Content != "int main(){}" {
		t.Fatalf("unexpected files: %+v", plan.Files)
	}
}

func TestInterpretedPlan(t *testing.T) {
	r := newDefaultRegistry(t)
	a, err := r.Resolve("Python")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	plan, err := a.BuildPlan("print(1)", "")
	if err != nil {
		t.Fatalf("build plan failed: %v", err)
	}
	if plan.HasCompileStep() || len(plan.Steps) != 1 {
		t.Fatalf("unexpected steps: %+v", plan.Steps)
	}
	if got := plan.Steps[0].Argv(); !reflect.DeepEqual(got, []string{"python3", "script.py"}) {
		t.Fatalf("run argv = %v", got)
	}
	if len(plan.Steps[0].Env) == 0 {
		t.Fatalf("expected python env to be carried")
	}
}

func TestBuildPlanIsIndependent(t *testing.T) {
	r := newDefaultRegistry(t)
	a, _ := r.Resolve("java")
	first, err := a.BuildPlan("class Main{}", "")
	if err != nil {
		t.Fatalf("build plan failed: %v", err)
	}
	first.Steps[0].Args[0] = "mutated"
	second, _ := a.BuildPlan("class Main{}", "")
	if second.Steps[0].Args[0] == "mutated" {
		t.Fatalf("plans must not share argument slices")
	}
}

func TestBuildPlanValidation(t *testing.T) {
	a, err := New(profile.Defaults()[0], InputLimits{MaxSourceBytes: 16, MaxStdinBytes: 4})
	if err != nil {
		t.Fatalf("new adapter failed: %v", err)
	}
	tests := []struct {
		name   string
		source string
		stdin  string
		code   appErr.ErrorCode
	}{
		{name: "empty", source: "", code: appErr.ValidationFailed},
		{name: "blank", source: "  \n\t", code: appErr.ValidationFailed},
		{name: "too large", source: strings.Repeat("x", 17), code: appErr.CodeTooLarge},
		{name: "stdin too large", source: "int main(){}", stdin: "12345", code: appErr.CustomInputTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.BuildPlan(tt.source, tt.stdin)
			if got := appErr.GetCode(err); got != tt.code {
				t.Fatalf("code = %v, want %v (err=%v)", got, tt.code, err)
			}
			if !appErr.GetCode(err).IsInvalidInput() {
				t.Fatalf("expected invalid input error")
			}
		})
	}
}

func TestResolveAliasesAndUnknown(t *testing.T) {
	r := newDefaultRegistry(t)
	for _, name := range []string{"c++", " JS ", "py", "node", "c"} {
		if _, err := r.Resolve(name); err != nil {
			t.Fatalf("resolve %q failed: %v", name, err)
		}
	}
	_, err := r.Resolve("cobol")
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if err.Error() != "Unsupported language" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestLanguagesKeepOrder(t *testing.T) {
	r := newDefaultRegistry(t)
	langs := r.Languages()
	defaults := profile.Defaults()
	if len(langs) != len(defaults) {
		t.Fatalf("languages = %d, want %d", len(langs), len(defaults))
	}
	for i := range defaults {
		if langs[i].ID != defaults[i].ID {
			t.Fatalf("languages[%d] = %s, want %s", i, langs[i].ID, defaults[i].ID)
		}
	}
}

func TestNewRejectsBadLanguage(t *testing.T) {
	tests := []profile.LanguageSpec{
		{ID: "", SourceFile: "a", RunCmdTpl: "x"},
		{ID: "x", SourceFile: "../a", RunCmdTpl: "x"},
		{ID: "x", SourceFile: "a.c", CompileCmdTpl: "cc {src}", RunCmdTpl: "./{bin}"},
		{ID: "x", SourceFile: "a.py", RunCmdTpl: ""},
		{ID: "x", SourceFile: "a.py", RunCmdTpl: "python3 '{src}"},
	}
	for _, lang := range tests {
		if _, err := New(lang, InputLimits{}); err == nil {
			t.Fatalf("expected error for %+v", lang)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	langs := append(profile.Defaults(), profile.Defaults()[0])
	if _, err := NewRegistry(langs, InputLimits{}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestLimitsScaled(t *testing.T) {
	lang := profile.LanguageSpec{
		ID:               "slow",
		SourceFile:       "a.rb",
		RunCmdTpl:        "ruby {src}",
		TimeMultiplier:   1.5,
		MemoryMultiplier: 2,
	}
	a, err := New(lang, InputLimits{})
	if err != nil {
		t.Fatalf("new adapter failed: %v", err)
	}
	base := spec.DefaultLimits()
	got := a.Limits(base)
	if got.CPUTimeMs != 7500 || got.WallTimeMs != 15000 {
		t.Fatalf("unexpected time limits: %+v", got)
	}
	if got.MemoryBytes != base.MemoryBytes*2 {
		t.Fatalf("unexpected memory limit: %d", got.MemoryBytes)
	}
	if got.Processes != base.Processes || got.MaxOutputBytes != base.MaxOutputBytes {
		t.Fatalf("unscaled limits changed: %+v", got)
	}
}
