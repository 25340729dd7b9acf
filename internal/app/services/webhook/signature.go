package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// secretBytes is the length of a generated subscription secret.
const secretBytes = 32

// newSecret returns a fresh random secret, hex encoded.
func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// sign computes the lowercase-hex HMAC-SHA256 of payload under secret. The
// payload must be the canonical event bytes produced at enqueue; the same
// bytes are transmitted as the request body.
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature recomputes the HMAC over payload and compares it against
// candidate in constant time.
func verifySignature(secret string, payload []byte, candidate string) bool {
	expected := sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(candidate))
}
