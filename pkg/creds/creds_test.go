package creds

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	out   []byte
	err   error
	input []byte
	args  []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.args = append([]string{name}, args...)
	return f.out, f.err
}

func (f *fakeRunner) RunInput(_ context.Context, input []byte, name string, args ...string) ([]byte, error) {
	f.input = append([]byte(nil), input...)
	f.args = append([]string{name}, args...)
	return f.out, f.err
}

func TestGenerate(t *testing.T) {
	fake := &fakeRunner{out: []byte("16:DEADBEEFCAFE\n")}

	c, err := Generate(context.Background(), fake, "/usr/bin/tor")
	require.NoError(t, err)

	assert.Equal(t, "16:DEADBEEFCAFE", c.Hashed)
	assert.GreaterOrEqual(t, len(c.Plaintext()), 16)

	// The password reaches tor on stdin, never argv.
	assert.Contains(t, string(fake.input), c.Plaintext())
	for _, arg := range fake.args {
		assert.NotContains(t, arg, c.Plaintext())
	}
}

func TestGeneratePasswordAlphabet(t *testing.T) {
	for i := 0; i < 32; i++ {
		plain, err := randomPassword()
		require.NoError(t, err)
		require.Len(t, plain, passwordLength)

		s := string(plain)
		assert.NotContains(t, s, "'", "password must survive shell single quoting")
		for _, r := range s {
			assert.True(t, r >= '!' && r <= '~', "non-printable rune %q", r)
		}
	}
}

func TestGenerateHashParseSkipsWarnings(t *testing.T) {
	fake := &fakeRunner{out: []byte(
		"Jan 01 00:00:00.000 [warn] Some startup warning\n16:ABCDEF0123456789\n",
	)}

	c, err := Generate(context.Background(), fake, "/usr/bin/tor")
	require.NoError(t, err)
	assert.Equal(t, "16:ABCDEF0123456789", c.Hashed)
}

func TestGenerateBinaryFailure(t *testing.T) {
	fake := &fakeRunner{err: errors.New("exec: not found")}

	_, err := Generate(context.Background(), fake, "/nonexistent/tor")
	var derr *DerivationError
	require.ErrorAs(t, err, &derr)
}

func TestGenerateNoHashInOutput(t *testing.T) {
	fake := &fakeRunner{out: []byte("garbage\n")}

	_, err := Generate(context.Background(), fake, "/usr/bin/tor")
	var derr *DerivationError
	require.ErrorAs(t, err, &derr)
	assert.True(t, strings.Contains(err.Error(), "derivation failed"))
}

func TestZero(t *testing.T) {
	c := &Credentials{plaintext: []byte("sekritsekritsekrit"), Hashed: "16:00"}
	c.Zero()
	assert.Empty(t, c.Plaintext())
}
