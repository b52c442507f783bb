// Package enginetest builds sandbox helpers for tests that drive the real engine.
package enginetest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// BuildStubHelper compiles a helper that speaks the config/status pipe protocol
// and applies the file size and data limits, but sets up no namespaces or seccomp.
func BuildStubHelper(t testing.TB) string {
	t.Helper()
	helperDir := filepath.Join(t.TempDir(), "helper")
	if err := os.MkdirAll(helperDir, 0755); err != nil {
		t.Fatalf("create helper dir: %v", err)
	}

	goMod := []byte("module sandboxhelper\n\ngo 1.21\n")
	if err := os.WriteFile(filepath.Join(helperDir, "go.mod"), goMod, 0644); err != nil {
		t.Fatalf("write helper go.mod: %v", err)
	}
	if err := os.WriteFile(filepath.Join(helperDir, "main.go"), []byte(stubSource), 0644); err != nil {
		t.Fatalf("write helper main.go: %v", err)
	}

	helperPath := filepath.Join(helperDir, "sandbox-init")
	cmd := exec.Command("go", "build", "-o", helperPath, ".")
	cmd.Dir = helperDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build helper failed: %v: %s", err, string(output))
	}
	return helperPath
}

// BuildSandboxInit compiles the real sandbox-init command. It needs cgo and
// libseccomp; the test is skipped when either is missing.
func BuildSandboxInit(t testing.TB) string {
	t.Helper()
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		t.Skipf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Skip("not inside the module")
	}

	helperPath := filepath.Join(t.TempDir(), "sandbox-init")
	cmd := exec.Command("go", "build", "-o", helperPath, "./cmd/sandbox-init")
	cmd.Dir = filepath.Dir(gomod)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("sandbox-init not buildable here: %v: %s", err, string(output))
	}
	return helperPath
}

// SkipWithoutUserNamespaces skips the test when unprivileged user, mount, pid and
// network namespaces cannot be created.
func SkipWithoutUserNamespaces(t testing.TB) {
	t.Helper()
	cmd := exec.Command("/bin/true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
			syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET,
		UidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
		GidMappingsEnableSetgroups: false,
	}
	if err := cmd.Run(); err != nil {
		t.Skipf("user namespaces unavailable: %v", err)
	}
}

const stubSource = `package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

type initRequest struct {
	Cwd       string   ` + "`json:\"Cwd\"`" + `
	Cmd       []string ` + "`json:\"Cmd\"`" + `
	Env       []string ` + "`json:\"Env\"`" + `
	FileBytes int64    ` + "`json:\"FileBytes\"`" + `
	DataBytes int64    ` + "`json:\"DataBytes\"`" + `
}

func main() {
	status := os.NewFile(4, "status")
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(status, err.Error())
		os.Exit(127)
	}
}

func run() error {
	syscall.CloseOnExec(4)
	config := os.NewFile(3, "config")
	var req initRequest
	if err := json.NewDecoder(config).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	_ = config.Close()
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if err := os.Chdir(req.Cwd); err != nil {
		return fmt.Errorf("chdir: %w", err)
	}
	if req.FileBytes > 0 {
		lim := syscall.Rlimit{Cur: uint64(req.FileBytes), Max: uint64(req.FileBytes)}
		if err := syscall.Setrlimit(syscall.RLIMIT_FSIZE, &lim); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	if req.DataBytes > 0 {
		lim := syscall.Rlimit{Cur: uint64(req.DataBytes), Max: uint64(req.DataBytes)}
		if err := syscall.Setrlimit(syscall.RLIMIT_DATA, &lim); err != nil {
			return fmt.Errorf("set rlimit data: %w", err)
		}
	}
	path, err := exec.LookPath(req.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return syscall.Exec(path, req.Cmd, req.Env)
}
`
