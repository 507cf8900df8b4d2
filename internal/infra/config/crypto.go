package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

// encPrefix marks an encrypted value in the persisted model config.
const encPrefix = "enc:"

// passphraseEnv names the env var holding the encryption passphrase.
const passphraseEnv = "NIOLAB_CONFIG_KEY"

const saltSize = 16

// deriveKey stretches a passphrase into a 32-byte AES key with Argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// EncryptValue encrypts plaintext with AES-256-GCM under a key derived from
// the NIOLAB_CONFIG_KEY passphrase. When no passphrase is set the value is
// returned unchanged, so encryption at rest is opt-in.
func EncryptValue(plaintext string) (string, error) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" || plaintext == "" {
		return plaintext, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := append(append(salt, nonce...), sealed...)
	return encPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptValue reverses EncryptValue. Values without the enc: prefix pass
// through unchanged, which keeps plaintext configs written before a
// passphrase was set readable.
func DecryptValue(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return "", fmt.Errorf("encrypted value present but %s is not set", passphraseEnv)
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode encrypted value: %w", err)
	}
	if len(blob) < saltSize {
		return "", fmt.Errorf("encrypted value too short")
	}
	salt, rest := blob[:saltSize], blob[saltSize:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("encrypted value too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt value: %w", err)
	}
	return string(plain), nil
}
