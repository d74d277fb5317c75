package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// FileStore keeps artifacts as plain files under Root.
type FileStore struct {
	Root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FileStore{Root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty artifact key")
	}
	return securejoin.SecureJoin(s.Root, key)
}

func contentTypeForKey(key string) string {
	if strings.HasSuffix(key, ".logs") {
		return "text/plain; charset=utf-8"
	}
	return DefaultContentType
}

func (s *FileStore) Stat(_ context.Context, key string) (*Info, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("fs.stat %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fs.stat %s: %w", key, err)
	}
	return &Info{ContentType: contentTypeForKey(key), ContentLength: fi.Size()}, nil
}

func (s *FileStore) Read(ctx context.Context, key string) (*Object, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("fs.read %s: %w", key, err)
	}
	return &Object{ReadCloser: f, Info: *info}, nil
}

// Write replaces key atomically through a temporary file in the same directory.
func (s *FileStore) Write(_ context.Context, key string, body Body) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("fs.write %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".artifact-*")
	if err != nil {
		return fmt.Errorf("fs.write %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body.Reader()); err != nil {
		tmp.Close()
		return fmt.Errorf("fs.write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fs.write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("fs.write %s: %w", key, err)
	}
	return nil
}
