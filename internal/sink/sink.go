// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package sink owns destination files for concurrent positional writes.
// One File is shared by every chunk worker of a destination; the planner
// guarantees their byte ranges are disjoint.
package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// File is an open destination file supporting positional writes. Close
// makes all accepted writes durable first, unless the owning operation was
// cancelled and CloseDiscard is used instead.
type File struct {
	f    *os.File
	path string
	size int64 // declared size; 0 means unknown

	mu     sync.Mutex
	closed bool
}

// Open creates or opens path for writing, creating parent directories as
// needed. When declaredSize > 0 the file is pre-allocated (contiguously
// where the platform permits) and truncated to exactly that length.
func Open(path string, declaredSize int64) (*File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create parent dirs for %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if declaredSize > 0 {
		if err := preallocate(f, declaredSize); err != nil {
			slog.Debug("preallocation unsupported, falling back to truncate",
				"path", path, "error", err)
		}
		if err := f.Truncate(declaredSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s to %d: %w", path, declaredSize, err)
		}
	}
	return &File{f: f, path: path, size: declaredSize}, nil
}

// Path returns the file's path.
func (s *File) Path() string { return s.path }

// Size returns the declared size given at Open (0 when unknown).
func (s *File) Size() int64 { return s.size }

// WriteAt places p at off. Callers write only to their own disjoint byte
// ranges, so no locking is needed on the write path.
func (s *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("write %d bytes at %d in %s: %w", len(p), off, s.path, err)
	}
	return n, nil
}

// Sync blocks until every accepted write is on stable storage.
func (s *File) Sync() error {
	return s.f.Sync()
}

// Close syncs and releases the handle. Closing twice is a no-op.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return s.f.Close()
}

// CloseDiscard releases the handle without the durability barrier; used
// when the owning task was cancelled with no bytes worth keeping.
func (s *File) CloseDiscard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
