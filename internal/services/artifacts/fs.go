// Package artifacts stores rendered output on the local filesystem and
// serves stable URLs for it. Cloud backends hang off the same port; this
// one keeps single-node deployments self-contained.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	perr "shutter/internal/platform/errors"
)

// FSStore writes artifacts under a directory and addresses them as
// baseURL/<key>
type FSStore struct {
	dir     string
	baseURL string
}

// NewFSStore ensures dir exists and returns the store
func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "create artifact dir %s", dir)
	}
	return &FSStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put streams the artifact to disk and returns its URL. Keys are flat
// names; anything resembling a path is rejected.
func (s *FSStore) Put(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}

	// write to a temp name first so a crashed upload never leaves a
	// half-written artifact at the final key
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeUnknown, "stage artifact")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "write artifact %s", key)
	}
	if err := tmp.Close(); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "flush artifact %s", key)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "publish artifact %s", key)
	}

	return fmt.Sprintf("%s/%s", s.baseURL, key), nil
}

// Delete removes the artifact; deleting something already gone is fine
func (s *FSStore) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, key)); err != nil && !os.IsNotExist(err) {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "delete artifact %s", key)
	}
	return nil
}

// Open reads an artifact back for serving
func (s *FSStore) Open(key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perr.NotFoundf("artifact %s", key)
		}
		return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "open artifact %s", key)
	}
	return f, nil
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return perr.InvalidArgf("bad artifact key %q", key)
	}
	return nil
}
