package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/juju/errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Nebula-Signature"

// MaxRequestAge bounds how old (or how far in the future) a signed request
// timestamp may be.
const MaxRequestAge = 5 * time.Minute

func SignHMAC(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func VerifyHMAC(payload []byte, providedHex, secret string) bool {
	if secret == "" || providedHex == "" {
		return false
	}
	expected := SignHMAC(payload, secret)
	return hmac.Equal([]byte(expected), []byte(providedHex))
}

// CheckFreshness rejects zero, stale and future-dated timestamps.
func CheckFreshness(ts, now time.Time) error {
	if ts.IsZero() {
		return errors.NotValidf("missing request timestamp")
	}
	skew := now.Sub(ts)
	if skew > MaxRequestAge || skew < -MaxRequestAge {
		return errors.Unauthorizedf("stale request (skew %s)", skew.Round(time.Second))
	}
	return nil
}
