// Package ids generates the identifiers the substrate hands out
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// lowercase base32 without padding keeps ids url- and log-safe
var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// random returns n bytes of lowercase base32 randomness
func random(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the host is broken; fall back to uuid entropy
		return strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))[:enc.EncodedLen(n)]
	}
	return strings.ToLower(enc.EncodeToString(buf))
}

// NewJobID returns a time-prefixed collision-resistant job id, e.g.
// "j_018f3c2a9d0_k7qv3m9t2c". The millisecond prefix keeps ids roughly
// sortable by creation time; the suffix carries 50 bits of randomness.
func NewJobID(now time.Time) string {
	return fmt.Sprintf("j_%x_%s", now.UnixMilli(), random(10))
}

// NewDeliveryID returns a webhook delivery id, e.g. "whd_...".
// Consumers deduplicate on this value so it must never repeat.
func NewDeliveryID(now time.Time) string {
	return fmt.Sprintf("whd_%x_%s", now.UnixMilli(), random(10))
}

// NewWorkerID returns a stable-per-process worker identity
func NewWorkerID(prefix string) string {
	if prefix == "" {
		prefix = "worker"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// NewConfigID returns an id for webhook configs
func NewConfigID() string { return "whc_" + uuid.NewString() }
