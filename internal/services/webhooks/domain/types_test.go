package domain

import (
	"strings"
	"testing"
	"time"
)

func TestScheduleDelayFor(t *testing.T) {
	t.Parallel()

	s := ProductionSchedule()
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, 30 * time.Minute},
		{5, time.Hour},
		{9, time.Hour}, // sticks to the last entry
		{0, time.Minute},
	}
	for _, tc := range tests {
		if got := s.DelayFor(tc.attempts); got != tc.want {
			t.Fatalf("DelayFor(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestScheduleFor(t *testing.T) {
	t.Parallel()

	if s := ScheduleFor(EventWebhookTest); s.MaxAttempts != 1 || s.DelayFor(1) != 30*time.Second {
		t.Fatalf("test schedule = %+v", s)
	}
	if s := ScheduleFor(EventScreenshotCompleted); s.MaxAttempts != 3 {
		t.Fatalf("production schedule = %+v", s)
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"https", "https://hooks.example.com/x", true},
		{"http loopback", "http://localhost:8080/x", true},
		{"http 127", "http://127.0.0.1/x", true},
		{"http public", "http://hooks.example.com/x", false},
		{"ftp", "ftp://hooks.example.com/x", false},
		{"empty", "", false},
		{"garbage", "://nope", false},
		{"too long", "https://hooks.example.com/" + strings.Repeat("a", 2048), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateURL(tc.url)
			if tc.ok && err != nil {
				t.Fatalf("ValidateURL(%q) = %v, want nil", tc.url, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("ValidateURL(%q) accepted", tc.url)
			}
		})
	}
}

func TestConfigSubscribed(t *testing.T) {
	t.Parallel()

	c := &Config{Events: []string{EventScreenshotCompleted, EventScreenshotFailed}}
	if !c.Subscribed(EventScreenshotCompleted) {
		t.Fatal("subscribed event reported false")
	}
	if c.Subscribed(EventWebhookTest) {
		t.Fatal("unsubscribed event reported true")
	}
}

func TestKnownEvent(t *testing.T) {
	t.Parallel()

	for _, e := range KnownEvents {
		if !KnownEvent(e) {
			t.Fatalf("KnownEvent(%q) = false", e)
		}
	}
	if KnownEvent("SOMETHING_ELSE") {
		t.Fatal("unknown event accepted")
	}
}
