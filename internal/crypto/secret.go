// Package crypto seals the exchange API secret at rest and signs REST
// requests with it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopeVersion = 2
	kdfName         = "pbkdf2-sha256"
	defaultIter     = 600_000
	minIter         = 100_000
	saltLen         = 16
	keyLen          = 32
)

// envelope is the sealed-secret file. []byte fields are base64 in JSON.
// The header fields are bound to the ciphertext as GCM additional data, so
// editing the iteration count or KDF name breaks decryption.
type envelope struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func (e *envelope) header() []byte {
	return fmt.Appendf(nil, "tradecore/v%d/%s/%d", e.Version, e.KDF, e.Iterations)
}

func (e *envelope) aead(password string) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), e.Salt, e.Iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SecretConfig names where LoadSecret finds the API secret.
type SecretConfig struct {
	Raw           string // used as is when set
	EncryptedPath string // file written by EncryptSecret
	Password      string
}

// EncryptSecret seals secret under password and returns the file contents.
func EncryptSecret(secret, password string) ([]byte, error) {
	switch {
	case password == "":
		return nil, errors.New("crypto: empty password")
	case secret == "":
		return nil, errors.New("crypto: empty secret")
	}
	env := envelope{Version: envelopeVersion, KDF: kdfName, Iterations: defaultIter, Salt: make([]byte, saltLen)}
	if _, err := rand.Read(env.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := env.aead(password)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	env.Ciphertext = gcm.Seal(nil, env.Nonce, []byte(secret), env.header())
	return json.MarshalIndent(env, "", "  ")
}

// DecryptSecret opens a file written by EncryptSecret.
func DecryptSecret(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: empty password")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("crypto: parse sealed secret: %w", err)
	}
	switch {
	case env.Version != envelopeVersion:
		return "", fmt.Errorf("crypto: unsupported sealed secret version %d", env.Version)
	case env.KDF != kdfName:
		return "", fmt.Errorf("crypto: unsupported kdf %q", env.KDF)
	case env.Iterations < minIter:
		return "", fmt.Errorf("crypto: kdf iterations %d below %d", env.Iterations, minIter)
	}
	gcm, err := env.aead(password)
	if err != nil {
		return "", err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return "", errors.New("crypto: malformed nonce")
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Ciphertext, env.header())
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plain), nil
}

// LoadSecret returns cfg.Raw when set, otherwise the decrypted contents of
// cfg.EncryptedPath.
func LoadSecret(cfg SecretConfig) (string, error) {
	if cfg.Raw != "" {
		return cfg.Raw, nil
	}
	if cfg.EncryptedPath == "" {
		return "", errors.New("crypto: no secret source configured")
	}
	data, err := os.ReadFile(cfg.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: read sealed secret: %w", err)
	}
	return DecryptSecret(data, cfg.Password)
}
