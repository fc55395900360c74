// Package secrets holds the signing and secret-handling primitives for
// webhook traffic: HMAC-SHA256 payload signatures, webhook secret
// generation, and an authenticated-encryption facade for secrets at rest.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the scheme tag carried in signature headers.
const SignaturePrefix = "sha256="

// secretPrefix marks generated webhook secrets.
const secretPrefix = "whsec_"

// Sign computes the HMAC-SHA256 of payload under secret and returns the
// full header value "sha256=<lowercase hex>", ready for X-Signature.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against payload and secret.
// The header is trimmed and lowercased, must carry the "sha256=" prefix,
// and is compared with a constant-time equality check. Malformed input
// (bad hex, wrong length) returns false, never an error.
func Verify(payload []byte, header, secret string) bool {
	header = strings.ToLower(strings.TrimSpace(header))
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// GenerateSecret returns a fresh webhook secret of the form
// "whsec_<32+ URL-safe base64 chars>" from a CSPRNG.
func GenerateSecret() (string, error) {
	// 24 random bytes encode to 32 URL-safe base64 characters.
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
