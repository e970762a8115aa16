package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the supervisor. All of them are overridable via the YAML
// file or the CLI flags.
const (
	DefaultInstances        = 2
	DefaultSocksBasePort    = 9000
	DefaultControlBasePort  = 9900
	DefaultLBFrontPort      = 16379
	DefaultFilterListenPort = 8119

	DefaultBootstrapTimeout = 90 * time.Second
	DefaultHealthInterval   = 10 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultStopGrace        = 10 * time.Second
	DefaultStartDeadline    = 180 * time.Second
	DefaultStopDeadline     = 60 * time.Second
)

// Options is the single configuration input of the supervisor.
type Options struct {
	Instances        int    `yaml:"instances"`
	SocksBasePort    int    `yaml:"socksBasePort"`
	ControlBasePort  int    `yaml:"controlBasePort"`
	LBFrontPort      int    `yaml:"lbFrontPort"`
	FilterListenPort int    `yaml:"filterListenPort"` // 0 disables the HTTP filter
	User             string `yaml:"user"`             // effective user for onion-router children, empty = invoker

	BootstrapTimeout time.Duration `yaml:"bootstrapTimeout"`
	HealthInterval   time.Duration `yaml:"healthInterval"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	Grace            time.Duration `yaml:"grace"`
	StartDeadline    time.Duration `yaml:"startDeadline"`
	StopDeadline     time.Duration `yaml:"stopDeadline"`

	// ProbeTarget enables end-to-end SOCKS round-trip health probes
	// through each instance to this host:port. Empty keeps probes local
	// (connect + control authentication only).
	ProbeTarget string `yaml:"probeTarget"`

	TemplatesDir string `yaml:"templatesDir"`
	RunDir       string `yaml:"runDir"`

	Binaries Binaries `yaml:"binaries"`

	// MetricsAddr exposes Prometheus metrics when non-empty, e.g. ":9641".
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns Options populated with the stock defaults. TemplatesDir
// and RunDir stay empty and must be supplied by the caller.
func Default() Options {
	return Options{
		Instances:        DefaultInstances,
		SocksBasePort:    DefaultSocksBasePort,
		ControlBasePort:  DefaultControlBasePort,
		LBFrontPort:      DefaultLBFrontPort,
		FilterListenPort: DefaultFilterListenPort,
		BootstrapTimeout: DefaultBootstrapTimeout,
		HealthInterval:   DefaultHealthInterval,
		ProbeTimeout:     DefaultProbeTimeout,
		Grace:            DefaultStopGrace,
		StartDeadline:    DefaultStartDeadline,
		StopDeadline:     DefaultStopDeadline,
	}
}

// Load reads a YAML options file over the defaults.
func Load(path string) (Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse config file: %w", err)
	}
	return opts, nil
}

// Validate checks option coherence. All violations are reported as
// *InvalidConfigError so callers can map them to the precondition exit code.
func (o *Options) Validate() error {
	if o.Instances < 1 {
		return invalidf("instances must be >= 1, got %d", o.Instances)
	}
	if o.TemplatesDir == "" {
		return invalidf("templatesDir is required")
	}
	if o.RunDir == "" {
		return invalidf("runDir is required")
	}
	if info, err := os.Stat(o.TemplatesDir); err != nil || !info.IsDir() {
		return invalidf("templatesDir %q is not a directory", o.TemplatesDir)
	}
	for _, p := range []struct {
		name string
		val  int
	}{
		{"socksBasePort", o.SocksBasePort},
		{"controlBasePort", o.ControlBasePort},
		{"lbFrontPort", o.LBFrontPort},
	} {
		if p.val < 1 || p.val > 65535 {
			return invalidf("%s %d out of range", p.name, p.val)
		}
	}
	if o.FilterListenPort < 0 || o.FilterListenPort > 65535 {
		return invalidf("filterListenPort %d out of range", o.FilterListenPort)
	}
	if o.BootstrapTimeout <= 0 || o.HealthInterval <= 0 || o.Grace <= 0 {
		return invalidf("timeouts must be positive")
	}
	return nil
}

// FilterEnabled reports whether the HTTP filter stage is requested.
func (o *Options) FilterEnabled() bool {
	return o.FilterListenPort != 0
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidConfigError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidConfigError reports an incoherent Options value. No host state has
// been touched when it surfaces.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// AbsDirs normalizes TemplatesDir and RunDir to absolute paths.
func (o *Options) AbsDirs() error {
	var err error
	if o.TemplatesDir, err = filepath.Abs(o.TemplatesDir); err != nil {
		return err
	}
	if o.RunDir, err = filepath.Abs(o.RunDir); err != nil {
		return err
	}
	return nil
}
