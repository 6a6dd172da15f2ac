package crypto

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("s3cr3t-value", "pw")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "s3cr3t-value")

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.ErrorContains(t, err, "decryption failed")

	_, err = EncryptSecret("x", "")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "raw", EncryptedPath: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = LoadSecret(SecretConfig{})
	assert.ErrorContains(t, err, "no secret source")
}

func TestHMACSign(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "topsecret"}
	at := time.UnixMilli(1709285400123)

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/orders?test=1", nil)
	require.NoError(t, err)
	body := []byte(`{"symbol":"X"}`)
	auth.Sign(req, body, at)

	assert.Equal(t, "key-1", req.Header.Get(HeaderKey))
	assert.Equal(t, "1709285400123", req.Header.Get(HeaderTimestamp))
	assert.Empty(t, req.Header.Get(HeaderPassphrase))
	sig := req.Header.Get(HeaderSignature)
	assert.True(t, auth.Verify(http.MethodPost, "/v1/orders?test=1", string(body), "1709285400123", sig))
	assert.False(t, auth.Verify(http.MethodPost, "/v1/orders", string(body), "1709285400123", sig))

	again := auth.Headers(http.MethodPost, "/v1/orders?test=1", string(body), at)
	assert.Equal(t, sig, again[HeaderSignature], "signing is deterministic")

	assert.Equal(t, "HMACAuth{key=key-****, secret=tops****}", auth.String())
}

func TestSealedSecretHeaderIsAuthenticated(t *testing.T) {
	blob, err := EncryptSecret("v", "pw")
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(blob, &env))
	assert.Equal(t, envelopeVersion, env.Version)
	assert.Equal(t, defaultIter, env.Iterations)

	env.Iterations = minIter
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = DecryptSecret(tampered, "pw")
	assert.ErrorContains(t, err, "decryption failed")

	env.Iterations = 10
	weak, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = DecryptSecret(weak, "pw")
	assert.ErrorContains(t, err, "below")
}
