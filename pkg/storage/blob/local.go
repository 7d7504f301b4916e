// Package blob persists artifact bytes under a configured root and
// optionally mirrors them to an S3-compatible object store. The local
// filesystem area is partitioned by job so stages of different jobs never
// contend for the same path.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store is the local content store. Writes are atomic: bytes stream into a
// temp file and a rename publishes them, with the SHA-256 computed in the
// same pass.
type Store struct {
	root string
}

// NewStore creates the store root if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// Abs resolves a store-relative path.
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.root, rel)
}

// JobPath composes the store-relative path for a job artifact:
// analyses/<job>/<kind>/<filename>.
func (s *Store) JobPath(jobID, kind, filename string) string {
	return filepath.Join("analyses", jobID, kind, filename)
}

// UploadDir composes the store-relative chunk directory for an upload
// session.
func (s *Store) UploadDir(uploadID string) string {
	return filepath.Join("uploads", uploadID)
}

// Put streams r into the store at rel, atomically. Returns the absolute
// path, the hex SHA-256 and the byte count.
func (s *Store) Put(rel string, r io.Reader) (string, string, int64, error) {
	abs := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", "", 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".put-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		return "", "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", "", 0, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, fmt.Errorf("failed to close blob: %w", err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		return "", "", 0, fmt.Errorf("failed to publish blob: %w", err)
	}

	return abs, hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// Open yields the bytes at the given absolute or store-relative path.
func (s *Store) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(s.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", path)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Size returns the byte size of the blob at path.
func (s *Store) Size(path string) (int64, error) {
	info, err := os.Stat(s.resolve(path))
	if err != nil {
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), nil
}

// Exists reports whether a blob exists at path.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(s.resolve(path))
	return err == nil
}

func (s *Store) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return s.Abs(path)
}

// ChecksumFile streams the file at path through SHA-256 and returns the
// hex digest and byte count.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to checksum file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}
