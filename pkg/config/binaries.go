package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Binaries holds the external executables the supervisor drives. Every path
// is resolved to an absolute, executable file before any host mutation;
// bare names are searched in a fixed candidate list, never via $PATH.
type Binaries struct {
	Tor     string `yaml:"tor"`
	HAProxy string `yaml:"haproxy"`
	Privoxy string `yaml:"privoxy"` // only required when the filter is enabled
	IPTables string `yaml:"iptables"`
	Pfctl   string `yaml:"pfctl"`
}

// candidateDirs are the only directories consulted for bare binary names.
var candidateDirs = []string{
	"/usr/sbin",
	"/usr/bin",
	"/sbin",
	"/usr/local/sbin",
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// MissingBinaryError reports an absent or non-executable required binary.
type MissingBinaryError struct {
	Name string
	Path string
}

func (e *MissingBinaryError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("required binary %q not found", e.Name)
	}
	return fmt.Sprintf("required binary %q not executable at %s", e.Name, e.Path)
}

// Resolve fills in and verifies every required binary path. The packet
// filter binary is platform dependent: iptables on Linux, pfctl on macOS.
// withFilter controls whether the HTTP filter binary is required.
func (b *Binaries) Resolve(withFilter bool) error {
	if err := resolveOne("tor", &b.Tor); err != nil {
		return err
	}
	if err := resolveOne("haproxy", &b.HAProxy); err != nil {
		return err
	}
	if withFilter {
		if err := resolveOne("privoxy", &b.Privoxy); err != nil {
			return err
		}
	}
	switch runtime.GOOS {
	case "darwin":
		return resolveOne("pfctl", &b.Pfctl)
	default:
		return resolveOne("iptables", &b.IPTables)
	}
}

func resolveOne(name string, path *string) error {
	if *path == "" {
		*path = name
	}
	if filepath.IsAbs(*path) {
		if !executable(*path) {
			return &MissingBinaryError{Name: name, Path: *path}
		}
		return nil
	}
	for _, dir := range candidateDirs {
		cand := filepath.Join(dir, *path)
		if executable(cand) {
			*path = cand
			return nil
		}
	}
	return &MissingBinaryError{Name: name}
}

func executable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
