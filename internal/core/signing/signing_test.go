package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func TestCanonicalEncoding(t *testing.T) {
	t.Parallel()

	ts, err := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	p := NewPayload("SCREENSHOT_COMPLETED", ts, map[string]string{"jobId": "j1"})

	body, err := p.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"event":"SCREENSHOT_COMPLETED","timestamp":"2025-01-01T00:00:00Z","data":{"jobId":"j1"}}`
	if string(body) != want {
		t.Fatalf("canonical body = %s, want %s", body, want)
	}

	// same payload must encode to identical bytes every time
	again, err := p.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if !bytes.Equal(body, again) {
		t.Fatal("canonical encoding is not stable")
	}
}

func TestCanonicalSortsDataKeys(t *testing.T) {
	t.Parallel()

	ts, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	p := NewPayload("WEBHOOK_TEST", ts, map[string]string{
		"zeta":  "1",
		"alpha": "2",
		"mid":   "3",
	})
	body, err := p.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	want := `{"event":"WEBHOOK_TEST","timestamp":"2025-01-01T00:00:00Z","data":{"alpha":"2","mid":"3","zeta":"1"}}`
	if string(body) != want {
		t.Fatalf("canonical body = %s, want %s", body, want)
	}
}

func TestSignMatchesReference(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"SCREENSHOT_COMPLETED","timestamp":"2025-01-01T00:00:00Z","data":{"jobId":"j1"}}`)
	secret := []byte("abc")

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	got := Sign(body, secret)
	if got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}
	if Header(got) != "sha256="+want {
		t.Fatalf("Header = %s", Header(got))
	}

	// retries sign the same bytes, so the signature is identical
	if Sign(body, secret) != got {
		t.Fatal("signature changed between calls over identical bytes")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"WEBHOOK_TEST","timestamp":"2025-01-01T00:00:00Z","data":{}}`)
	secret := []byte("top-secret")
	sig := Sign(body, secret)

	if !Verify(body, secret, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(body, []byte("other"), sig) {
		t.Fatal("signature accepted under wrong secret")
	}
	if Verify([]byte("tampered"), secret, sig) {
		t.Fatal("signature accepted over tampered body")
	}
	if Verify(body, secret, "not-hex") {
		t.Fatal("non-hex signature accepted")
	}
}

func TestNewSecret(t *testing.T) {
	t.Parallel()

	a, err := NewSecret()
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	b, err := NewSecret()
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	if a == b {
		t.Fatal("secrets should not repeat")
	}
	if len(a) != 43 { // 32 bytes base64url, no padding
		t.Fatalf("secret length = %d, want 43", len(a))
	}
}
