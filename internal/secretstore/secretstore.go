// Package secretstore provides envelope encryption for secrets at rest —
// OAuth tokens, persisted upstream credentials — and a file-backed
// persister that oauthstore uses to survive restarts.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// envelopePattern matches the at-rest encoding produced by Seal.
var envelopePattern = regexp.MustCompile(`^ENC\[v1:aesgcm:([A-Za-z0-9+/=]+)\]$`)

const (
	pbkdf2Iterations = 100_000
	keyLen           = 32 // AES-256
	saltLen          = 16
	nonceLen         = 12
)

// Cipher seals and opens secrets using a passphrase-derived AES-256-GCM
// key. Unlike a raw master-key byte string, the salt travels with each
// ciphertext, so a single passphrase can encrypt many independent
// secrets without a shared salt file.
type Cipher struct {
	passphrase string
}

// NewCipher builds a Cipher from an operator-supplied passphrase. The
// passphrase itself is never stored; each Seal call derives a fresh key
// from a fresh random salt.
func NewCipher(passphrase string) (*Cipher, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("secretstore: passphrase is empty")
	}
	return &Cipher{passphrase: passphrase}, nil
}

// Seal encrypts plain and returns the `ENC[v1:aesgcm:...]` envelope
// string, the same at-rest encoding persisted config files can contain
// directly.
func (c *Cipher) Seal(plain string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(c.passphrase), salt, pbkdf2Iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, []byte(plain), nil)

	buf := make([]byte, 0, len(salt)+len(nonce)+len(ct))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return "ENC[v1:aesgcm:" + base64.StdEncoding.EncodeToString(buf) + "]", nil
}

// Open decrypts an `ENC[v1:aesgcm:...]` envelope. A value that is not in
// envelope form is returned unchanged, so plaintext config values remain
// valid — encryption is opt-in per value.
func (c *Cipher) Open(raw string) (string, error) {
	m := envelopePattern.FindStringSubmatch(raw)
	if m == nil {
		return raw, nil
	}
	data, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return "", fmt.Errorf("secretstore: invalid base64 ciphertext: %w", err)
	}
	if len(data) < saltLen+nonceLen {
		return "", errors.New("secretstore: ciphertext too short")
	}
	salt := data[:saltLen]
	nonce := data[saltLen : saltLen+nonceLen]
	ct := data[saltLen+nonceLen:]

	key := pbkdf2.Key([]byte(c.passphrase), salt, pbkdf2Iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secretstore: decrypt failed: %w", err)
	}
	return string(pt), nil
}

// IsSealed reports whether raw is in envelope form.
func IsSealed(raw string) bool {
	return envelopePattern.MatchString(raw)
}
