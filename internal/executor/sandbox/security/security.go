// Package security defines sandbox isolation and security profiles.
package security

// IsolationProfile describes namespace, filesystem and seccomp settings.
type IsolationProfile struct {
	RootFS         string `yaml:"rootFS"`
	SeccompProfile string `yaml:"seccompProfile"`
	DisableNetwork bool   `yaml:"disableNetwork"`
	ReadOnlyRoot   bool   `yaml:"readOnlyRoot"`
}

// Default returns the profile applied to untrusted code.
func Default() IsolationProfile {
	return IsolationProfile{
		DisableNetwork: true,
		ReadOnlyRoot:   true,
	}
}
