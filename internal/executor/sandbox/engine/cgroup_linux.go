//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"runbox/internal/executor/sandbox/spec"
	appErr "runbox/pkg/errors"

	"golang.org/x/sys/unix"
)

// requiredControllers must be delegated to the parent group; a step's limits
// are not enforced without them.
var requiredControllers = []string{"memory", "pids", "cpu"}

// statfsType reports the filesystem magic of path.
var statfsType = func(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Type), nil
}

// prepareCgroupRoot creates the parent group and enables the controllers children
// need. The root must live on a cgroup v2 mount.
func prepareCgroupRoot(root string) error {
	if root == "" {
		return appErr.ValidationError("cgroup_root", "required")
	}
	mount := root
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		mount = filepath.Dir(root)
	}
	fsType, err := statfsType(mount)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "stat cgroup root failed")
	}
	if fsType != unix.CGROUP2_SUPER_MAGIC {
		return appErr.New(appErr.SandboxError).WithMessagef("cgroup root %s is not on a cgroup v2 mount", root).
			WithDetail("fs_type", fmt.Sprintf("%#x", fsType))
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "create cgroup root failed")
	}
	if err := checkControllers(root, "cgroup.controllers"); err != nil {
		return err
	}
	// Fails harmlessly when the controllers are already delegated.
	_ = writeCgroupValue(root, "cgroup.subtree_control", "+memory +pids +cpu")
	return checkControllers(root, "cgroup.subtree_control")
}

// checkControllers verifies that file lists every required controller.
func checkControllers(root, file string) error {
	data, err := os.ReadFile(filepath.Join(root, file))
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "read %s failed", file)
	}
	enabled := make(map[string]bool)
	for _, field := range strings.Fields(string(data)) {
		enabled[strings.TrimPrefix(field, "+")] = true
	}
	var missing []string
	for _, name := range requiredControllers {
		if !enabled[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return appErr.New(appErr.SandboxError).WithMessagef("cgroup controllers missing from %s: %s", file, strings.Join(missing, ", ")).
			WithDetail("cgroup_root", root)
	}
	return nil
}

func createRunCgroup(root, name string) (string, func(), error) {
	if root == "" {
		return "", func() {}, appErr.ValidationError("cgroup_root", "required")
	}
	cgroupPath := filepath.Join(root, fmt.Sprintf("%s-%d", name, time.Now().UnixNano()))
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, appErr.Wrapf(err, appErr.SandboxError, "create cgroup path failed")
	}
	cleanup := func() {
		removeCgroup(cgroupPath)
	}
	return cgroupPath, cleanup, nil
}

// removeCgroup kills anything left in the group and removes it, retrying while the
// kernel still reports the group busy.
func removeCgroup(cgroupPath string) {
	_ = killCgroup(cgroupPath)
	for i := 0; i < 20; i++ {
		err := os.RemoveAll(cgroupPath)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimits) error {
	pidsValue := "max"
	if limits.Processes > 0 {
		pidsValue = strconv.FormatInt(limits.Processes, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "write pids.max failed")
	}
	if limits.MemoryBytes > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return appErr.Wrapf(err, appErr.SandboxError, "write memory.max failed")
		}
		// Absent when swap accounting is off.
		_ = writeCgroupValue(cgroupPath, "memory.swap.max", "0")
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", "max 100000"); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "write cpu.max failed")
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return appErr.ValidationError("pid", "invalid")
	}
	if err := writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "write cgroup.procs failed")
	}
	return nil
}

func killCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

// wasOomKilled reports whether the kernel OOM-killed anything in the group.
func wasOomKilled(cgroupPath string) (bool, error) {
	if cgroupPath == "" {
		return false, appErr.ValidationError("cgroup_path", "required")
	}
	val, err := readCgroupStat(cgroupPath, "memory.events", "oom_kill")
	if err != nil {
		return false, err
	}
	return val > 0, nil
}

func cgroupCPUTimeMs(cgroupPath string) (int64, error) {
	if cgroupPath == "" {
		return 0, appErr.ValidationError("cgroup_path", "required")
	}
	usec, err := readCgroupStat(cgroupPath, "cpu.stat", "usage_usec")
	if err != nil {
		return 0, err
	}
	return usec / 1000, nil
}

func readCgroupStat(cgroupPath, file, key string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, file))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SandboxError, "read %s failed", file)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != key {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, appErr.Wrapf(err, appErr.SandboxError, "parse %s %s failed", file, key)
		}
		return val, nil
	}
	return 0, appErr.Newf(appErr.SandboxError, "%s not found in %s", key, file)
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SandboxError, "read cgroup value failed")
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SandboxError, "parse cgroup value failed")
	}
	return parsed, nil
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return appErr.Wrapf(err, appErr.SandboxError, "write cgroup value failed")
	}
	return nil
}
