package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlobStore abstracts where image bytes live. Record deletion always pairs
// with a blob deletion, so Delete must treat a missing object as success:
// cascade deletes and expiring-link reapers can race.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// PublicURL returns the externally reachable URL for a stored object, or
	// "" when the backend does not expose one.
	PublicURL(key string) string
}

// NewObjectKey builds a date-partitioned storage key such as
// "images/2026/08/31/5f4d....png". The uuid segment keeps keys unique across
// uploads that share a filename.
func NewObjectKey(category, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	now := time.Now().UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s%s", category, now.Year(), now.Month(), now.Day(), uuid.NewString(), ext)
}

type noopBlobStore struct{}

func (noopBlobStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	return nil
}

func (noopBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
}

func (noopBlobStore) Delete(ctx context.Context, key string) error { return nil }

func (noopBlobStore) PublicURL(key string) string { return "" }

// LocalBlobStore persists objects under a root directory on the local
// filesystem. PublicURL joins the configured base URL with the object key when
// one is set.
type LocalBlobStore struct {
	root    string
	baseURL string
}

// NewLocalBlobStore creates the root directory if needed.
func NewLocalBlobStore(root, baseURL string) (*LocalBlobStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalBlobStore{root: root, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

func (s *LocalBlobStore) path(key string) (string, error) {
	cleaned := filepath.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("blob key is required")
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

func (s *LocalBlobStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace blob %s: %w", key, err)
	}
	success = true
	return nil
}

func (s *LocalBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalBlobStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (s *LocalBlobStore) PublicURL(key string) string {
	if s.baseURL == "" {
		return ""
	}
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}
