package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/crypto"
)

func TestSealSecret(t *testing.T) {
	out := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, sealSecret(strings.NewReader("  api-secret \nignored\n"), "pw", out))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := crypto.LoadSecret(crypto.SecretConfig{EncryptedPath: out, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "api-secret", got)
}

func TestSealSecretRejectsBadInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "secret.json")
	assert.ErrorContains(t, sealSecret(strings.NewReader("x\n"), "", out), secretPasswordEnv)
	assert.ErrorContains(t, sealSecret(strings.NewReader("\n"), "pw", out), "empty secret")
	assert.NoFileExists(t, out)
}
