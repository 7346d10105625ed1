// Package token issues and checks the short-lived access tokens that gate
// direct artifact downloads. Possession of a valid token is the whole
// authorization; there is no session behind it.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tokenizer signs (jobID, userID, expiry) tuples with a server-side key
type Tokenizer struct {
	key []byte
	ttl time.Duration
}

// New returns a Tokenizer with the given signing key and token lifetime
func New(key []byte, ttl time.Duration) *Tokenizer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tokenizer{key: key, ttl: ttl}
}

// Claims are the job fields a token binds to. They always come from the
// persisted job row, never from the request.
type Claims struct {
	JobID  string
	UserID string
}

// Issue returns a token of the form "<expiryUnix>.<hex sig>" valid until
// now+ttl
func (t *Tokenizer) Issue(c Claims, now time.Time) string {
	exp := now.UTC().Add(t.ttl).Unix()
	return fmt.Sprintf("%d.%s", exp, t.sign(c, exp))
}

// Validate checks tok against the claims of a candidate job. The expected
// signature is recomputed from the job's fields and compared in constant
// time; an expired token never validates.
func (t *Tokenizer) Validate(tok string, c Claims, now time.Time) bool {
	expStr, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return false
	}
	if now.UTC().Unix() > exp {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(t.sign(c, exp))
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// ValidateStrict additionally requires the requesting user to own the job
func (t *Tokenizer) ValidateStrict(tok string, c Claims, requesterID string, now time.Time) bool {
	return requesterID == c.UserID && t.Validate(tok, c, now)
}

// sign computes the hex HMAC over the canonical claim fields
func (t *Tokenizer) sign(c Claims, exp int64) string {
	mac := hmac.New(sha256.New, t.key)
	fmt.Fprintf(mac, "%s\n%s\n%d", c.JobID, c.UserID, exp)
	return hex.EncodeToString(mac.Sum(nil))
}
