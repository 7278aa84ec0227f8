// Package blobstore implements the content-addressed byte store described
// in SPEC_FULL.md §4.1. Blobs are identified by their BLAKE3 hash and
// written atomically (temp file + rename) so a reader never observes a
// partial blob.
package blobstore

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/soundtime-net/soundtime-node/internal/sterr"
	"lukechampine.com/blake3"
)

// Hash is the hex-encoded BLAKE3 digest of a blob's contents.
type Hash string

// Tag is returned by Put. Until released, the blob it names is not
// eligible for garbage collection. This store never implements GC — every
// tag returned by Put is meant to be held or leaked permanently, per
// SPEC_FULL.md §9 ("Ownership of blob tags").
type Tag struct {
	Hash Hash
}

// Store is a directory-backed, content-addressed blob store.
type Store struct {
	dir string

	mu    sync.RWMutex
	sizes map[Hash]int64 // cached sizes to make has()/stats cheap
}

// Open creates (if necessary) and opens a blob store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: creating dir: %w", err)
	}
	s := &Store{dir: dir, sizes: make(map[Hash]int64)}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("blobstore: scanning dir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) < 2 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.sizes[Hash(e.Name())] = info.Size()
	}
	return nil
}

func (s *Store) pathFor(h Hash) string {
	return filepath.Join(s.dir, string(h))
}

// Put writes bytes atomically and returns the BLAKE3 hash along with a Tag
// that pins the blob. Re-putting identical bytes returns the same hash
// without re-writing the file (idempotent).
func (s *Store) Put(data []byte) (Hash, Tag, error) {
	sum := blake3.Sum256(data)
	h := Hash(hex.EncodeToString(sum[:]))

	s.mu.RLock()
	_, exists := s.sizes[h]
	s.mu.RUnlock()
	if exists {
		return h, Tag{Hash: h}, nil
	}

	tmp, err := os.CreateTemp(s.dir, "put-*.tmp")
	if err != nil {
		return "", Tag{}, fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once rename succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", Tag{}, fmt.Errorf("blobstore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", Tag{}, fmt.Errorf("blobstore: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", Tag{}, fmt.Errorf("blobstore: closing temp file: %w", err)
	}

	finalPath := s.pathFor(h)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", Tag{}, fmt.Errorf("blobstore: renaming into place: %w", err)
	}

	s.mu.Lock()
	s.sizes[h] = int64(len(data))
	s.mu.Unlock()

	slog.Info("blobstore: put", "hash", h, "size", len(data))
	return h, Tag{Hash: h}, nil
}

// Get reads the full contents of the blob named by h.
func (s *Store) Get(h Hash) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sterr.NotFound
		}
		return nil, fmt.Errorf("blobstore: reading %s: %w", h, err)
	}
	return data, nil
}

// ReadRange reads length bytes starting at offset, for HTTP range serving.
func (s *Store) ReadRange(h Hash, offset int64, length int64) ([]byte, error) {
	f, err := os.Open(s.pathFor(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sterr.NotFound
		}
		return nil, fmt.Errorf("blobstore: opening %s: %w", h, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blobstore: seeking %s: %w", h, err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("blobstore: reading range of %s: %w", h, err)
	}
	return buf[:n], nil
}

// Has reports whether h is present, without reading the blob's bytes.
func (s *Store) Has(h Hash) bool {
	s.mu.RLock()
	_, ok := s.sizes[h]
	s.mu.RUnlock()
	if ok {
		return true
	}
	// Fall back to a stat in case the in-memory index missed a concurrent
	// writer from another process sharing the directory.
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// Size returns the byte size of h, or -1 if not present.
func (s *Store) Size(h Hash) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sz, ok := s.sizes[h]; ok {
		return sz
	}
	return -1
}

// Count returns the number of distinct blobs currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sizes)
}

// Shutdown flushes and closes the store. The directory-backed
// implementation has nothing to flush beyond what Put already fsyncs, but
// the method exists to satisfy the lifecycle contract in SPEC_FULL.md §4.1.
func (s *Store) Shutdown() error {
	return nil
}
