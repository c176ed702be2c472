package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const fileExt = ".json.zst"

// FileStore keeps one zstd-compressed JSON document per key under
// {dir}/{runKey}/. It lets tasks run as separate process invocations.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// on first Push.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(runKey, key string) (string, error) {
	for _, part := range []string{runKey, key} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("handoff: invalid key component %q", part)
		}
	}
	return filepath.Join(s.dir, runKey, key+fileExt), nil
}

// Push writes v atomically: the document is encoded to a temporary file in
// the same directory and renamed over the previous value.
func (s *FileStore) Push(ctx context.Context, runKey, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(runKey, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("handoff: create run dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), key+".*.tmp")
	if err != nil {
		return fmt.Errorf("handoff: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("handoff: init zstd: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("handoff: encode %s: %w", key, err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("handoff: flush %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("handoff: close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("handoff: store %s: %w", key, err)
	}
	return nil
}

// Pull decodes the document stored under key into v.
func (s *FileStore) Pull(ctx context.Context, runKey, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(runKey, key)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, runKey, key)
		}
		return fmt.Errorf("handoff: open %s: %w", key, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("handoff: init zstd: %w", err)
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(v); err != nil {
		return fmt.Errorf("handoff: decode %s: %w", key, err)
	}
	return nil
}
