package engine

import (
	"time"

	"runbox/internal/executor/sandbox/security"
	"runbox/internal/executor/sandbox/spec"
)

const (
	DefaultHelperPath      = "sandbox-init"
	DefaultCgroupRoot      = "/sys/fs/cgroup/runbox"
	DefaultCPUPollInterval = 50 * time.Millisecond
)

// Config controls sandbox engine behavior.
type Config struct {
	CgroupRoot       string                    `yaml:"cgroupRoot"`
	HelperPath       string                    `yaml:"helperPath"`
	EnableSeccomp    bool                      `yaml:"enableSeccomp"`
	EnableCgroup     bool                      `yaml:"enableCgroup"`
	EnableNamespaces bool                      `yaml:"enableNamespaces"`
	Isolation        security.IsolationProfile `yaml:"isolation"`
	BindMounts       []spec.MountSpec          `yaml:"bindMounts"`
	CPUPollInterval  time.Duration             `yaml:"cpuPollInterval"`
	// Insecure allows running with namespaces, cgroups or seccomp disabled.
	Insecure         bool                      `yaml:"insecure"`
}

func (c Config) withDefaults() Config {
	if c.HelperPath == "" {
		c.HelperPath = DefaultHelperPath
	}
	if c.CgroupRoot == "" {
		c.CgroupRoot = DefaultCgroupRoot
	}
	if c.CPUPollInterval <= 0 {
		c.CPUPollInterval = DefaultCPUPollInterval
	}
	return c
}

// disabledIsolation names the isolation layers turned off in c.
func (c Config) disabledIsolation() []string {
	var disabled []string
	if !c.EnableNamespaces {
		disabled = append(disabled, "namespaces")
	}
	if !c.EnableCgroup {
		disabled = append(disabled, "cgroup")
	}
	if !c.EnableSeccomp {
		disabled = append(disabled, "seccomp")
	}
	return disabled
}
