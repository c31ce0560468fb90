// Package blob stores one file per cache key in a flat directory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// Info is the result of Stat.
type Info struct {
	Exists bool
	Size   int64
}

type Store struct {
	dir        string
	client     *http.Client
	bufferSize int
}

// New returns a Store rooted at dir. client is used for http(s) sources;
// nil means http.DefaultClient.
func New(dir string, client *http.Client, bufferSizeKB int) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	if bufferSizeKB <= 0 {
		bufferSizeKB = 64
	}
	return &Store{
		dir:        dir,
		client:     client,
		bufferSize: bufferSizeKB * 1024,
	}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key)
}

// Mkdir creates the store directory and any missing parents.
func (s *Store) Mkdir() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return nil
}

// Copy writes the resource at src to Path(key) and returns the size of the
// written file. src is a file:// URI, an http(s) URL, or a plain path.
// The destination is replaced atomically; on failure no file is left at
// Path(key) by this call.
func (s *Store) Copy(ctx context.Context, src, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	reader, err := s.open(ctx, src)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	tempFile, err := os.CreateTemp(s.dir, tempPrefix+key+"-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	buffer := make([]byte, s.bufferSize)
	if _, err := io.CopyBuffer(tempFile, reader, buffer); err != nil {
		tempFile.Close()
		return 0, fmt.Errorf("failed to write cache data: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	dataPath := s.Path(key)
	if err := os.Rename(tempPath, dataPath); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat cached file: %w", err)
	}
	return info.Size(), nil
}

func (s *Store) open(ctx context.Context, src string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", src, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to fetch %s: unexpected status %d", src, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		path := strings.TrimPrefix(src, "file://")
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open source: %w", err)
		}
		return file, nil
	}
}

func (s *Store) Stat(key string) (Info, error) {
	info, err := os.Stat(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, nil
		}
		return Info{}, err
	}
	return Info{Exists: true, Size: info.Size()}, nil
}

// Delete removes Path(key). A missing file is not an error.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Reset removes the store directory with everything in it and recreates it.
func (s *Store) Reset() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove cache directory: %w", err)
	}
	return s.Mkdir()
}

// List returns the names of all regular files in the store directory,
// including leftover temp files.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// IsTemp reports whether name is an in-progress or abandoned Copy temp file.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || IsTemp(key) {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}
