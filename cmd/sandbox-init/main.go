//go:build linux

// Command sandbox-init prepares an isolated environment and execs one step.
// It reads its request as JSON from fd 3 and reports setup failures on fd 4,
// which is closed on a successful exec.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const (
	configFD = 3
	statusFD = 4
)

func main() {
	status := os.NewFile(statusFD, "status")
	if err := run(); err != nil {
		if status != nil {
			_, _ = fmt.Fprintln(status, err.Error())
		}
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(127)
	}
}

func run() error {
	unix.CloseOnExec(statusFD)
	config := os.NewFile(configFD, "config")
	if config == nil {
		return fmt.Errorf("config pipe missing")
	}
	req, err := decodeRequest(config)
	_ = config.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	// The profile lives on the host, so it is read before any chroot.
	var filter *seccomp.ScmpFilter
	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		filter, err = loadSeccomp(req.Isolation.SeccompProfile)
		if err != nil {
			return err
		}
		defer filter.Release()
	}

	if req.EnableNs {
		if err := setupFilesystem(req); err != nil {
			return err
		}
	}

	if err := os.Chdir(req.Cwd); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := applyRlimits(rlimitsFor(req)); err != nil {
		return err
	}

	if err := os.Setenv("PATH", lookupEnv(req.Env, "PATH")); err != nil {
		return fmt.Errorf("set env: %w", err)
	}
	cmdPath, err := exec.LookPath(req.Cmd[0])
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return fmt.Errorf("resolve command: %w", err)
	}

	if filter != nil {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set no new privs: %w", err)
		}
		if err := filter.Load(); err != nil {
			return fmt.Errorf("load seccomp filter: %w", err)
		}
	}

	return unix.Exec(cmdPath, req.Cmd, req.Env)
}

func decodeRequest(r io.Reader) (initRequest, error) {
	dec := json.NewDecoder(r)
	var req initRequest
	if err := dec.Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" || req.SandboxDir == "" || req.Cwd == "" {
		return fmt.Errorf("work dir is required")
	}
	if !req.EnableNs && (req.Isolation.RootFS != "" || len(req.BindMounts) > 0) {
		return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
	}
	return nil
}

// setupFilesystem leaves the step a view where only the scoped directory is writable.
func setupFilesystem(req initRequest) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount private: %w", err)
	}
	root := "/"
	if req.Isolation.RootFS != "" {
		root = req.Isolation.RootFS
		if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind rootfs: %w", err)
		}
	}
	if err := applyBindMounts(root, req.BindMounts); err != nil {
		return err
	}
	workTarget := filepath.Join(root, req.SandboxDir)
	if err := ensureMountTarget(req.WorkDir, workTarget); err != nil {
		return err
	}
	if err := unix.Mount(req.WorkDir, workTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind work dir: %w", err)
	}
	if req.Isolation.ReadOnlyRoot {
		if err := setReadOnly(root, true); err != nil {
			return err
		}
		if err := setReadOnly(workTarget, false); err != nil {
			return err
		}
	}
	mountProc(filepath.Join(root, "proc"))
	if req.Isolation.RootFS != "" {
		if err := unix.Chroot(root); err != nil {
			return fmt.Errorf("chroot: %w", err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("chdir root: %w", err)
		}
	}
	return nil
}

func applyBindMounts(root string, mounts []mountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := filepath.Join(root, m.Target)
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount: %w", err)
		}
		if m.ReadOnly {
			if err := setReadOnly(target, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// setReadOnly toggles the read-only attribute on a mount tree. Kernels without
// mount_setattr fall back to a bind remount of the top mount.
func setReadOnly(target string, readOnly bool) error {
	attr := &unix.MountAttr{}
	if readOnly {
		attr.Attr_set = unix.MOUNT_ATTR_RDONLY
	} else {
		attr.Attr_clr = unix.MOUNT_ATTR_RDONLY
	}
	err := unix.MountSetattr(unix.AT_FDCWD, target, unix.AT_RECURSIVE, attr)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("mount_setattr %s: %w", target, err)
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT)
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		return fmt.Errorf("remount %s: %w", target, err)
	}
	return nil
}

// mountProc gives the step a proc that only shows its own pid namespace.
func mountProc(target string) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return
	}
	_ = unix.Mount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

type rlimit struct {
	name     string
	resource int
	value    unix.Rlimit
}

// rlimitsFor lists the limits set on the step before exec.
func rlimitsFor(req initRequest) []rlimit {
	limits := []rlimit{{name: "core", resource: unix.RLIMIT_CORE}}
	if req.CPUTimeMs > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		seconds := uint64((req.CPUTimeMs + 999) / 1000)
		limits = append(limits, rlimit{name: "cpu", resource: unix.RLIMIT_CPU, value: unix.Rlimit{Cur: seconds, Max: seconds + 1}})
	}
	if req.FileBytes > 0 {
		// SIGXFSZ on any write past the limit.
		n := uint64(req.FileBytes)
		limits = append(limits, rlimit{name: "fsize", resource: unix.RLIMIT_FSIZE, value: unix.Rlimit{Cur: n, Max: n}})
	}
	if req.DataBytes > 0 {
		n := uint64(req.DataBytes)
		limits = append(limits, rlimit{name: "data", resource: unix.RLIMIT_DATA, value: unix.Rlimit{Cur: n, Max: n}})
	}
	return limits
}

func applyRlimits(limits []rlimit) error {
	for _, l := range limits {
		value := l.value
		if err := unix.Setrlimit(l.resource, &value); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}
	return nil
}

func lookupEnv(env []string, key string) string {
	for _, kv := range env {
		if value, ok := strings.CutPrefix(kv, key+"="); ok {
			return value
		}
	}
	return "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
}

func loadSeccomp(profilePath string) (*seccomp.ScmpFilter, error) {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return nil, err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return nil, fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			filter.Release()
			return nil, err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown on this architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				filter.Release()
				return nil, fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	return filter, nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

type initRequest struct {
	WorkDir       string           `json:"WorkDir"`
	SandboxDir    string           `json:"SandboxDir"`
	Cwd           string           `json:"Cwd"`
	Cmd           []string         `json:"Cmd"`
	Env           []string         `json:"Env"`
	BindMounts    []mountSpec      `json:"BindMounts"`
	CPUTimeMs     int64            `json:"CPUTimeMs"`
	FileBytes     int64            `json:"FileBytes"`
	DataBytes     int64            `json:"DataBytes"`
	Isolation     isolationProfile `json:"Isolation"`
	EnableSeccomp bool             `json:"EnableSeccomp"`
	EnableNs      bool             `json:"EnableNs"`
}

type mountSpec struct {
	Source   string `json:"Source"`
	Target   string `json:"Target"`
	ReadOnly bool   `json:"ReadOnly"`
}

type isolationProfile struct {
	RootFS         string `json:"RootFS"`
	SeccompProfile string `json:"SeccompProfile"`
	DisableNetwork bool   `json:"DisableNetwork"`
	ReadOnlyRoot   bool   `json:"ReadOnlyRoot"`
}
