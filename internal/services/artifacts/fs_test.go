package artifacts

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestPutOpenDelete(t *testing.T) {
	t.Parallel()

	s, err := NewFSStore(t.TempDir(), "https://cdn.example.com/shots/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	url, err := s.Put(ctx, "j_1.png", "image/png", strings.NewReader("pixels"), 6)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "https://cdn.example.com/shots/j_1.png" {
		t.Fatalf("url = %q", url)
	}

	rc, err := s.Open("j_1.png")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "pixels" {
		t.Fatalf("body = %q", body)
	}

	if err := s.Delete(ctx, "j_1.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Open("j_1.png"); err == nil {
		t.Fatal("deleted artifact still opens")
	}

	// deleting twice is not an error
	if err := s.Delete(ctx, "j_1.png"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestBadKeys(t *testing.T) {
	t.Parallel()

	s, err := NewFSStore(t.TempDir(), "https://cdn.example.com")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, key := range []string{"", "../etc/passwd", "a/b.png", `a\b.png`} {
		if _, err := s.Put(context.Background(), key, "", strings.NewReader("x"), 1); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}
