// Package secrets seals credentials stored in the record store (database
// engine passwords) with AES-256-GCM under the panel's app key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/juju/errors"
)

const (
	prefixV1    = "enc:v1:"
	prefixPlain = "b64:"
)

// KeyBytes parses NEBULA_APP_KEY into a 32-byte key.
//
// Supported formats:
// - hex
// - base64 (standard or raw URL)
// - raw string of 32 bytes
func KeyBytes(appKey string) ([]byte, error) {
	k := strings.TrimSpace(appKey)
	if k == "" {
		return nil, errors.NotValidf("empty app key")
	}
	if b, err := hex.DecodeString(k); err == nil {
		return want32(b, "hex")
	}
	if b, err := base64.StdEncoding.DecodeString(k); err == nil {
		return want32(b, "base64")
	}
	if b, err := base64.RawURLEncoding.DecodeString(k); err == nil {
		return want32(b, "base64url")
	}
	if len(k) == 32 {
		return []byte(k), nil
	}
	return nil, errors.NotValidf("app key format; provide 32-byte hex or base64")
}

func want32(b []byte, format string) ([]byte, error) {
	if len(b) != 32 {
		return nil, errors.NotValidf("%s app key of %d bytes (need 32)", format, len(b))
	}
	return b, nil
}

// Sealer encrypts and decrypts values. Without a key it only encodes them,
// which keeps development installs working; production must set a key.
type Sealer struct {
	gcm cipher.AEAD
}

func NewSealer(appKey string) (*Sealer, error) {
	if strings.TrimSpace(appKey) == "" {
		return &Sealer{}, nil
	}
	key, err := KeyBytes(appKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Encrypting reports whether values are really encrypted.
func (s *Sealer) Encrypting() bool { return s.gcm != nil }

func (s *Sealer) Seal(plaintext string) (string, error) {
	if s.gcm == nil {
		return prefixPlain + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Trace(err)
	}
	buf := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefixV1 + base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Sealer) Open(encoded string) (string, error) {
	raw := strings.TrimSpace(encoded)
	switch {
	case strings.HasPrefix(raw, prefixPlain):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, prefixPlain))
		if err != nil {
			return "", errors.NotValidf("encoded secret")
		}
		return string(b), nil
	case strings.HasPrefix(raw, prefixV1):
		if s.gcm == nil {
			return "", errors.NotValidf("encrypted secret without an app key")
		}
		buf, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(raw, prefixV1))
		if err != nil {
			return "", errors.NotValidf("encrypted secret encoding")
		}
		if len(buf) < s.gcm.NonceSize() {
			return "", errors.NotValidf("encrypted secret too short")
		}
		pt, err := s.gcm.Open(nil, buf[:s.gcm.NonceSize()], buf[s.gcm.NonceSize():], nil)
		if err != nil {
			return "", errors.Annotate(err, "decrypting secret")
		}
		return string(pt), nil
	}
	return "", errors.NotValidf("secret without a known prefix")
}

// Random returns n random bytes encoded as URL-safe base64.
func Random(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
