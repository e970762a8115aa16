package render

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/morningstarxcdcode/anonsuite/pkg/types"
)

// Template filenames expected under the templates directory.
const (
	TorrcTemplate   = "torrc.tpl"
	HAProxyTemplate = "haproxy.cfg.tpl"
	FilterTemplate  = "privoxy.cfg.tpl"
)

const (
	fileMode = 0600
	dirMode  = 0700
)

// placeholderRe matches any {UPPER_SNAKE} token so unknown placeholders can
// be rejected instead of leaking into a config a proxy would then parse.
var placeholderRe = regexp.MustCompile(`\{[A-Z][A-Z0-9_]*\}`)

// Error reports a failed or incomplete template expansion.
type Error struct {
	File   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("template render failed for %s: %s", e.File, e.Reason)
}

// NotFoundError reports a missing template file. Surfaced before any host
// mutation.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.Path)
}

// Result describes the rendered artifacts of one run.
type Result struct {
	Dir         string
	TorrcPaths  []string
	HAProxyPath string
	FilterPath  string // empty when the filter is disabled
}

// Renderer expands the fixed placeholder set over the on-disk templates.
type Renderer struct {
	TemplatesDir string
}

// Render materializes torrc-<i> per instance, haproxy.cfg, and (optionally)
// privoxy.cfg under dir. Every file is written 0600 inside 0700 directories.
func (r *Renderer) Render(dir string, specs []types.InstanceSpec, pm types.PortMap, hashedPassword string) (*Result, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create render dir: %w", err)
	}

	res := &Result{Dir: dir}

	torrcTpl, err := r.load(TorrcTemplate)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		vals := map[string]string{
			"SOCKS_PORT":            strconv.Itoa(spec.SocksPort),
			"CONTROL_PORT":          strconv.Itoa(spec.ControlPort),
			"CONTROL_PASSWORD_HASH": hashedPassword,
			"DATA_DIR":              spec.DataDir,
			"LB_FRONT_PORT":         strconv.Itoa(pm.LBFront),
			"FILTER_LISTEN_PORT":    strconv.Itoa(pm.FilterPort),
			"DNS_PORT":              dnsPortValue(spec.DNSPort),
		}
		out := filepath.Join(dir, fmt.Sprintf("torrc-%d", spec.Index))
		if err := expandTo(out, TorrcTemplate, torrcTpl, vals); err != nil {
			return nil, err
		}
		res.TorrcPaths = append(res.TorrcPaths, out)
	}

	lbVals := map[string]string{
		"LB_FRONT_PORT":      strconv.Itoa(pm.LBFront),
		"FILTER_LISTEN_PORT": strconv.Itoa(pm.FilterPort),
		"BACKENDS":           Backends(pm.Socks),
	}
	lbTpl, err := r.load(HAProxyTemplate)
	if err != nil {
		return nil, err
	}
	res.HAProxyPath = filepath.Join(dir, "haproxy.cfg")
	if err := expandTo(res.HAProxyPath, HAProxyTemplate, lbTpl, lbVals); err != nil {
		return nil, err
	}

	if pm.FilterPort != 0 {
		fTpl, err := r.load(FilterTemplate)
		if err != nil {
			return nil, err
		}
		res.FilterPath = filepath.Join(dir, "privoxy.cfg")
		if err := expandTo(res.FilterPath, FilterTemplate, fTpl, lbVals); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// dnsPortValue renders the DNSPort torrc directive value: a loopback
// address for the DNS-role instance, tor's "0" (disabled) for the rest.
func dnsPortValue(port int) string {
	if port == 0 {
		return "0"
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// Backends expands the SOCKS backend pool into haproxy server lines.
func Backends(socksPorts []int) string {
	var b strings.Builder
	for i, port := range socksPorts {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "    server s%d 127.0.0.1:%d check", i, port)
	}
	return b.String()
}

func (r *Renderer) load(name string) (string, error) {
	path := filepath.Join(r.TemplatesDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Path: path}
		}
		return "", fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return string(data), nil
}

// expandTo substitutes vals into tpl and writes the result. Substitution is
// fail-closed: any placeholder left after expansion aborts the render.
func expandTo(out, name, tpl string, vals map[string]string) error {
	expanded := tpl
	for key, val := range vals {
		expanded = strings.ReplaceAll(expanded, "{"+key+"}", val)
	}

	if leftover := placeholderRe.FindString(expanded); leftover != "" {
		return &Error{File: name, Reason: fmt.Sprintf("unknown placeholder %s", leftover)}
	}

	if err := os.WriteFile(out, []byte(expanded), fileMode); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	return nil
}
