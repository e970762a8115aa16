package creds

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/morningstarxcdcode/anonsuite/pkg/runner"
)

// passwordLength is the generated plaintext length.
const passwordLength = 24

// alphabet holds the printable characters a password may contain. The
// single quote is excluded so the value survives shell single-quoting in
// rendered configs unchanged.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"abcdefghijklmnopqrstuvwxyz" +
	"0123456789" +
	"!#$%&()*+,-./:;<=>?@[]^_{|}~"

// Credentials is the control-port secret pair for one run. The plaintext
// lives only in process memory and the per-run 0600 config files; Zero
// wipes the in-memory copy on shutdown.
type Credentials struct {
	plaintext []byte
	Hashed    string
}

// DerivationError reports a failed password-hash subcommand.
type DerivationError struct {
	Err error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("control password derivation failed: %v", e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }

// Generate produces fresh credentials. The hashed form comes from the
// onion-router binary's own --hash-password subcommand; this package never
// hashes anything itself.
func Generate(ctx context.Context, run runner.Runner, torPath string) (*Credentials, error) {
	plain, err := randomPassword()
	if err != nil {
		return nil, &DerivationError{Err: err}
	}

	// The password goes over stdin, never argv: /proc/*/cmdline is world
	// readable.
	out, err := run.RunInput(ctx, append(plain, '\n'), torPath, "--quiet", "--hash-password", "-")
	if err != nil {
		return nil, &DerivationError{Err: err}
	}

	hashed := parseHash(out)
	if hashed == "" {
		return nil, &DerivationError{Err: fmt.Errorf("no hash in tor output")}
	}

	return &Credentials{plaintext: plain, Hashed: hashed}, nil
}

// Plaintext returns the live password. Callers must not retain the value
// past the run.
func (c *Credentials) Plaintext() string {
	return string(c.plaintext)
}

// Zero wipes the in-memory plaintext.
func (c *Credentials) Zero() {
	for i := range c.plaintext {
		c.plaintext[i] = 0
	}
	c.plaintext = c.plaintext[:0]
}

func randomPassword() ([]byte, error) {
	raw := make([]byte, passwordLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to read random source: %w", err)
	}
	for i, b := range raw {
		raw[i] = alphabet[int(b)%len(alphabet)]
	}
	return raw, nil
}

// parseHash picks the hash line out of tor's stdout. The hash is the last
// non-empty line starting with "16:"; tor may print warnings above it.
func parseHash(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "16:") {
			return line
		}
	}
	return ""
}
