package instance

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morningstarxcdcode/anonsuite/pkg/events"
	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

func testSupervisor(t *testing.T, torPath string) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	spec := types.InstanceSpec{
		Index:       0,
		SocksPort:   39050,
		ControlPort: 39051,
		DataDir:     filepath.Join(dir, "data"),
		TorrcPath:   filepath.Join(dir, "torrc-0"),
		LogPath:     filepath.Join(dir, "instance-0.log"),
		Role:        types.RoleSocks,
	}
	require.NoError(t, os.WriteFile(spec.TorrcPath, []byte("# test torrc\n"), 0600))

	return New(spec, Config{
		TorPath:          torPath,
		BootstrapTimeout: 3 * time.Second,
		HealthInterval:   time.Second,
		ProbeTimeout:     500 * time.Millisecond,
		Grace:            time.Second,
	}, func() string { return "pw" }, broker)
}

func shPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"/bin/sh", "/usr/bin/sh"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Skip("no shell available")
	return ""
}

func TestEnsureDataDirCreates0700(t *testing.T) {
	s := testSupervisor(t, "/nonexistent")
	require.NoError(t, s.ensureDataDir())

	info, err := os.Stat(s.spec.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestEnsureDataDirTightensMode(t *testing.T) {
	s := testSupervisor(t, "/nonexistent")
	require.NoError(t, os.MkdirAll(s.spec.DataDir, 0755))

	require.NoError(t, s.ensureDataDir())
	info, err := os.Stat(s.spec.DataDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestLogMarkerSeen(t *testing.T) {
	s := testSupervisor(t, "/nonexistent")
	require.NoError(t, os.WriteFile(s.spec.LogPath,
		[]byte("Jan 01 [notice] Bootstrapped 50% (loading_descriptors)\n"), 0600))
	assert.False(t, s.logMarkerSeen())

	require.NoError(t, os.WriteFile(s.spec.LogPath,
		[]byte("Jan 01 [notice] Bootstrapped 100% (done): Done\n"), 0600))
	assert.True(t, s.logMarkerSeen())
}

func TestSpawnFailedForMissingBinary(t *testing.T) {
	s := testSupervisor(t, "/nonexistent/tor")
	require.NoError(t, s.ensureDataDir())

	err := s.spawn()
	var spawn *SpawnError
	require.ErrorAs(t, err, &spawn)
	assert.Equal(t, 0, spawn.Index)
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	sh := shPath(t)
	s := testSupervisor(t, sh)
	require.NoError(t, s.ensureDataDir())

	// A sleeping shell stands in for the child; Stop has to take it down
	// within the grace window. The stand-in does not lead its own process
	// group, so the signal reaches it through Stop's per-pid fallback.
	cmd := exec.Command(sh, "-c", "sleep 60")
	logFile, err := os.OpenFile(s.spec.LogPath, os.O_CREATE|os.O_WRONLY, 0600)
	require.NoError(t, err)
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	s.mu.Lock()
	s.cmd = cmd
	s.waitCh = waitCh
	s.state = types.InstanceReady
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, types.InstanceStopped, s.Status().State)
}

func TestStopIdempotentWhenNotRunning(t *testing.T) {
	s := testSupervisor(t, "/nonexistent")
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, types.InstanceStopped, s.Status().State)
}

func TestCrashErrorExitCode(t *testing.T) {
	sh := shPath(t)
	s := testSupervisor(t, sh)

	cmd := exec.Command(sh, "-c", "exit 3")
	err := cmd.Run()
	require.Error(t, err)

	crash := s.crashError(err)
	var ce *CrashedError
	require.ErrorAs(t, crash, &ce)
	assert.Equal(t, 3, ce.ExitCode)
	assert.Empty(t, ce.Signal)
}

func TestStatusPIDOnlyWhileRunning(t *testing.T) {
	s := testSupervisor(t, "/nonexistent")
	st := s.Status()
	assert.Equal(t, types.InstancePending, st.State)
	assert.Zero(t, st.PID)
}
