package engine

import (
	"runbox/internal/executor/sandbox/security"
	"runbox/internal/executor/sandbox/spec"
)

// initRequest is the JSON document the helper reads from its config pipe.
type initRequest struct {
	WorkDir       string                    `json:"WorkDir"`
	SandboxDir    string                    `json:"SandboxDir"`
	Cwd           string                    `json:"Cwd"`
	Cmd           []string                  `json:"Cmd"`
	Env           []string                  `json:"Env"`
	BindMounts    []spec.MountSpec          `json:"BindMounts"`
	CPUTimeMs     int64                     `json:"CPUTimeMs"`
	FileBytes     int64                     `json:"FileBytes"`
	// DataBytes is set only when no cgroup enforces the memory limit.
	DataBytes     int64                     `json:"DataBytes"`
	Isolation     security.IsolationProfile `json:"Isolation"`
	EnableSeccomp bool                      `json:"EnableSeccomp"`
	EnableNs      bool                      `json:"EnableNs"`
}

const (
	// Descriptor numbers seen by the helper: ExtraFiles start at 3.
	configFD = 3
	statusFD = 4

	sandboxWorkDir = "/work"
)
