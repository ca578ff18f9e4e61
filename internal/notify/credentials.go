package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Credential envelopes are versioned strings of the form
// version:salt:iv:authTag:ciphertext with base64 segments. Keys derive from
// the master secret and the per-envelope salt via PBKDF2-SHA256.
const (
	envelopeVersion = "v1"
	pbkdf2Iters     = 100_000
	keyLen          = 32
)

var ErrBadEnvelope = errors.New("malformed credential envelope")

// DecryptCredentials opens an encrypted provider-credential envelope.
func DecryptCredentials(masterSecret, envelope string) (Credentials, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 5 {
		return Credentials{}, fmt.Errorf("%w: expected 5 segments, got %d", ErrBadEnvelope, len(parts))
	}
	if parts[0] != envelopeVersion {
		return Credentials{}, fmt.Errorf("%w: unsupported version %q", ErrBadEnvelope, parts[0])
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: salt: %v", ErrBadEnvelope, err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: iv: %v", ErrBadEnvelope, err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: auth tag: %v", ErrBadEnvelope, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: ciphertext: %v", ErrBadEnvelope, err)
	}

	gcm, err := newGCM(masterSecret, salt)
	if err != nil {
		return Credentials{}, err
	}
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// EncryptCredentials produces an envelope DecryptCredentials can open. Used
// when operators configure a provider, and by tests.
func EncryptCredentials(masterSecret string, creds Credentials) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(masterSecret, salt)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - 16
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		envelopeVersion,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

func newGCM(masterSecret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(masterSecret), salt, pbkdf2Iters, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
