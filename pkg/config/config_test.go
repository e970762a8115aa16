package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions(t *testing.T) Options {
	t.Helper()
	opts := Default()
	opts.TemplatesDir = t.TempDir()
	opts.RunDir = t.TempDir()
	return opts
}

func TestDefaults(t *testing.T) {
	opts := Default()

	assert.Equal(t, 2, opts.Instances)
	assert.Equal(t, 9000, opts.SocksBasePort)
	assert.Equal(t, 9900, opts.ControlBasePort)
	assert.Equal(t, 16379, opts.LBFrontPort)
	assert.Equal(t, 8119, opts.FilterListenPort)
	assert.Equal(t, 90*time.Second, opts.BootstrapTimeout)
	assert.Equal(t, 10*time.Second, opts.HealthInterval)
	assert.Equal(t, 10*time.Second, opts.Grace)
	assert.True(t, opts.FilterEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		ok     bool
	}{
		{"valid", func(*Options) {}, true},
		{"zero instances", func(o *Options) { o.Instances = 0 }, false},
		{"missing templates dir", func(o *Options) { o.TemplatesDir = "" }, false},
		{"missing run dir", func(o *Options) { o.RunDir = "" }, false},
		{"templates dir not a directory", func(o *Options) { o.TemplatesDir = "/nonexistent/nowhere" }, false},
		{"socks port out of range", func(o *Options) { o.SocksBasePort = 70000 }, false},
		{"negative filter port", func(o *Options) { o.FilterListenPort = -1 }, false},
		{"zero grace", func(o *Options) { o.Grace = 0 }, false},
		{"filter disabled is fine", func(o *Options) { o.FilterListenPort = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOptions(t)
			tt.mutate(&opts)

			err := opts.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				var inv *InvalidConfigError
				assert.ErrorAs(t, err, &inv)
			}
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"instances: 5\nlbFrontPort: 17000\nfilterListenPort: 0\ngrace: 20s\n",
	), 0644))

	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, opts.Instances)
	assert.Equal(t, 17000, opts.LBFrontPort)
	assert.False(t, opts.FilterEnabled())
	assert.Equal(t, 20*time.Second, opts.Grace)
	// Untouched fields keep their defaults.
	assert.Equal(t, 9000, opts.SocksBasePort)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instances: [not an int\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolveBinariesAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	tor := filepath.Join(dir, "tor")
	require.NoError(t, os.WriteFile(tor, []byte("#!/bin/sh\n"), 0755))

	b := Binaries{
		Tor:      tor,
		HAProxy:  tor, // any executable file will do here
		IPTables: tor,
		Pfctl:    tor,
	}
	require.NoError(t, b.Resolve(false))
	assert.Equal(t, tor, b.Tor)
}

func TestResolveBinariesMissing(t *testing.T) {
	b := Binaries{
		Tor:      "/nonexistent/tor",
		HAProxy:  "/nonexistent/haproxy",
		IPTables: "/nonexistent/iptables",
		Pfctl:    "/nonexistent/pfctl",
	}
	err := b.Resolve(false)

	var missing *MissingBinaryError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "tor", missing.Name)
}

func TestResolveRequiresFilterBinaryOnlyWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "exe")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))

	b := Binaries{Tor: exe, HAProxy: exe, IPTables: exe, Pfctl: exe}
	require.NoError(t, b.Resolve(false))

	b = Binaries{Tor: exe, HAProxy: exe, IPTables: exe, Pfctl: exe, Privoxy: "/nonexistent/privoxy"}
	err := b.Resolve(true)
	var missing *MissingBinaryError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "privoxy", missing.Name)
}
