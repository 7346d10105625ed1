// Package signing produces the canonical event payloads and HMAC signatures
// used by outbound webhooks. Signatures are computed over the exact bytes
// sent, so a payload canonicalized once keeps the same signature across
// every delivery attempt.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Payload is the wire body of one webhook event.
// Data is a flat string map; encoding/json emits its keys sorted, which is
// what makes the encoding canonical.
type Payload struct {
	Event     string            `json:"event"`
	Timestamp string            `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// NewPayload builds a Payload stamped with t in RFC3339
func NewPayload(event string, t time.Time, data map[string]string) Payload {
	if data == nil {
		data = map[string]string{}
	}
	return Payload{Event: event, Timestamp: t.UTC().Format(time.RFC3339), Data: data}
}

// Canonical returns the canonical JSON encoding of p
func (p Payload) Canonical() ([]byte, error) {
	return json.Marshal(p)
}

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header formats a signature for the X-Webhook-Signature-256 header
func Header(sig string) string { return "sha256=" + sig }

// Verify reports whether sig is the signature of body under secret,
// in constant time
func Verify(body, secret []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// NewSecret generates a 256-bit webhook secret, base64url without padding.
// Secrets are only ever minted server-side.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
