package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

func writeTemplates(t *testing.T, torrc, haproxy, privoxy string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TorrcTemplate), []byte(torrc), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, HAProxyTemplate), []byte(haproxy), 0644))
	if privoxy != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FilterTemplate), []byte(privoxy), 0644))
	}
	return dir
}

func specs(pm types.PortMap, dataRoot string) []types.InstanceSpec {
	out := make([]types.InstanceSpec, len(pm.Socks))
	for i := range pm.Socks {
		out[i] = types.InstanceSpec{
			Index:       i,
			SocksPort:   pm.Socks[i],
			ControlPort: pm.Control[i],
			DataDir:     filepath.Join(dataRoot, "data"),
			Role:        types.RoleSocks,
		}
	}
	return out
}

func TestRender(t *testing.T) {
	tplDir := writeTemplates(t,
		"SocksPort {SOCKS_PORT}\nControlPort {CONTROL_PORT}\nHashedControlPassword {CONTROL_PASSWORD_HASH}\nDataDirectory {DATA_DIR}\n",
		"frontend lb\n    bind 127.0.0.1:{LB_FRONT_PORT}\nbackend pool\n{BACKENDS}\n",
		"listen-address 127.0.0.1:{FILTER_LISTEN_PORT}\nforward-socks5 / 127.0.0.1:{LB_FRONT_PORT} .\n",
	)

	pm := types.PortMap{
		Socks:      []int{9000, 9001},
		Control:    []int{9900, 9901},
		LBFront:    16379,
		FilterPort: 8119,
	}

	outDir := filepath.Join(t.TempDir(), "run")
	r := &Renderer{TemplatesDir: tplDir}
	res, err := r.Render(outDir, specs(pm, outDir), pm, "16:ABCD")
	require.NoError(t, err)

	require.Len(t, res.TorrcPaths, 2)
	data, err := os.ReadFile(res.TorrcPaths[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "SocksPort 9000")
	assert.Contains(t, string(data), "ControlPort 9900")
	assert.Contains(t, string(data), "HashedControlPassword 16:ABCD")

	lb, err := os.ReadFile(res.HAProxyPath)
	require.NoError(t, err)
	assert.Contains(t, string(lb), "bind 127.0.0.1:16379")
	assert.Contains(t, string(lb), "server s0 127.0.0.1:9000 check")
	assert.Contains(t, string(lb), "server s1 127.0.0.1:9001 check")

	filter, err := os.ReadFile(res.FilterPath)
	require.NoError(t, err)
	assert.Contains(t, string(filter), "listen-address 127.0.0.1:8119")
}

func TestRenderFileModes(t *testing.T) {
	tplDir := writeTemplates(t, "SocksPort {SOCKS_PORT}\n", "bind :{LB_FRONT_PORT}\n{BACKENDS}\n", "")

	pm := types.PortMap{Socks: []int{9000}, Control: []int{9900}, LBFront: 16379}
	outDir := filepath.Join(t.TempDir(), "run")

	r := &Renderer{TemplatesDir: tplDir}
	res, err := r.Render(outDir, specs(pm, outDir), pm, "16:AB")
	require.NoError(t, err)

	info, err := os.Stat(res.TorrcPaths[0])
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(outDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func TestRenderUnknownPlaceholderFailsClosed(t *testing.T) {
	tplDir := writeTemplates(t, "SocksPort {SOCKS_PORT}\nMystery {NOT_A_THING}\n", "{BACKENDS}\n", "")

	pm := types.PortMap{Socks: []int{9000}, Control: []int{9900}, LBFront: 16379}
	outDir := filepath.Join(t.TempDir(), "run")

	r := &Renderer{TemplatesDir: tplDir}
	_, err := r.Render(outDir, specs(pm, outDir), pm, "16:AB")

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.True(t, strings.Contains(rerr.Reason, "{NOT_A_THING}"))
}

func TestRenderMissingTemplate(t *testing.T) {
	dir := t.TempDir() // no templates at all

	pm := types.PortMap{Socks: []int{9000}, Control: []int{9900}, LBFront: 16379}
	r := &Renderer{TemplatesDir: dir}
	_, err := r.Render(filepath.Join(t.TempDir(), "run"), specs(pm, dir), pm, "16:AB")

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestBackends(t *testing.T) {
	got := Backends([]int{9000, 9001, 9002})
	want := "    server s0 127.0.0.1:9000 check\n" +
		"    server s1 127.0.0.1:9001 check\n" +
		"    server s2 127.0.0.1:9002 check"
	assert.Equal(t, want, got)
}
