// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/thealgebraist/hfdown/internal/sink"
)

// Default chunking geometry: files above the threshold are split into
// fixed-size ranges fetched in parallel, the last possibly short.
const (
	DefaultChunkThreshold = 250 << 20
	DefaultChunkSize      = 100 << 20
)

// Task is one unit of transfer work. Either a whole file (no range,
// optionally resumed and hash-verified) or one chunk of a large file
// (ranged, never resumed, never hash-verified on its own).
type Task struct {
	URL     string
	RelPath string
	Dest    string

	// FileSize is the whole file's declared size (0 when unknown).
	FileSize int64

	// Offset is where the first received byte lands in the local file.
	Offset int64

	// HasRange marks a chunk task; the closed interval is then
	// [RangeStart, RangeEnd] and Offset == RangeStart.
	HasRange   bool
	RangeStart int64
	RangeEnd   int64

	// ExpectedHash is set only for whole-file tasks starting at byte 0.
	ExpectedHash string

	// ResumeOffset counts bytes already present at Offset.
	ResumeOffset int64
}

// Bytes is the byte count this task will transfer.
func (t Task) Bytes() int64 {
	if t.HasRange {
		return t.RangeEnd - t.RangeStart + 1
	}
	return t.FileSize - t.ResumeOffset
}

// Plan is the scheduled work for one run.
type Plan struct {
	Tasks []Task

	// TotalBytes is the byte count of every listed file.
	TotalBytes int64
	// AlreadyDone counts bytes satisfied by files on disk.
	AlreadyDone int64
	// SkippedFiles counts fully satisfied files.
	SkippedFiles int

	// TasksPerDest maps destination paths to their task count, so the
	// pool knows when the last chunk of a file has landed.
	TasksPerDest map[string]int
}

type planConfig struct {
	chunkThreshold int64
	chunkSize      int64
}

func planConfigOf(cfg Settings) (planConfig, error) {
	threshold, err := parseSizeString(cfg.ChunkThreshold, DefaultChunkThreshold)
	if err != nil {
		return planConfig{}, fmt.Errorf("invalid chunk-threshold: %w", err)
	}
	size, err := parseSizeString(cfg.ChunkSize, DefaultChunkSize)
	if err != nil {
		return planConfig{}, fmt.Errorf("invalid chunk-size: %w", err)
	}
	if size <= 0 || threshold <= 0 {
		return planConfig{}, fmt.Errorf("chunk sizes must be positive")
	}
	return planConfig{chunkThreshold: threshold, chunkSize: size}, nil
}

// BuildPlan turns a listing into a task queue for destDir. Files already
// complete on disk (matching size, no in-progress marker) are skipped.
// Files above the chunking threshold are split into ranges, preallocated
// to full size, and marked with a control sidecar before any task is
// released. The destination filesystem's free space is checked against
// the bytes still to download.
func BuildPlan(listing *Listing, destDir string, resolve func(rel string) string, cfg Settings) (*Plan, error) {
	pc, err := planConfigOf(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	p := &Plan{TasksPerDest: make(map[string]int)}
	seen := make(map[string]struct{})

	for _, e := range listing.Entries {
		if !safeRelPath(e.Path) {
			continue
		}
		if _, dup := seen[e.Path]; dup {
			continue
		}
		seen[e.Path] = struct{}{}
		p.TotalBytes += e.Size

		dest := filepath.Join(destDir, filepath.FromSlash(e.Path))

		var existing int64 = -1
		if fi, err := os.Stat(dest); err == nil {
			existing = fi.Size()
		}
		if existing == e.Size && !hasControl(dest) {
			p.AlreadyDone += e.Size
			p.SkippedFiles++
			continue
		}

		srcURL := resolve(e.Path)

		if e.Size > pc.chunkThreshold {
			n := int((e.Size + pc.chunkSize - 1) / pc.chunkSize)
			for i := 0; i < n; i++ {
				start := int64(i) * pc.chunkSize
				end := start + pc.chunkSize - 1
				if end >= e.Size {
					end = e.Size - 1
				}
				p.Tasks = append(p.Tasks, Task{
					URL:        srcURL,
					RelPath:    e.Path,
					Dest:       dest,
					FileSize:   e.Size,
					Offset:     start,
					HasRange:   true,
					RangeStart: start,
					RangeEnd:   end,
				})
			}
			p.TasksPerDest[dest] = n
			continue
		}

		var resume int64
		switch {
		case existing > 0 && existing < e.Size && !hasControl(dest):
			resume = existing
			p.AlreadyDone += resume
		case existing > e.Size:
			// Stale oversized remnant: start over.
			if err := os.Truncate(dest, 0); err != nil {
				return nil, fmt.Errorf("reset %s: %w", dest, err)
			}
		}
		hash := e.Hash
		if resume > 0 {
			// A resumed transfer cannot be verified against the
			// whole-file digest in one pass.
			hash = ""
		}
		p.Tasks = append(p.Tasks, Task{
			URL:          srcURL,
			RelPath:      e.Path,
			Dest:         dest,
			FileSize:     e.Size,
			ExpectedHash: hash,
			ResumeOffset: resume,
		})
		p.TasksPerDest[dest] = 1
	}

	if err := checkFreeSpace(destDir, p); err != nil {
		return nil, err
	}

	// Largest first keeps worker utilisation high near the tail of the
	// run; chunk tasks of one file stay in range order among equals.
	sort.SliceStable(p.Tasks, func(i, j int) bool {
		return p.Tasks[i].Bytes() > p.Tasks[j].Bytes()
	})

	// Pre-allocate chunked destinations and drop the in-progress marker
	// before any worker sees a task.
	preallocated := make(map[string]struct{})
	for _, t := range p.Tasks {
		if !t.HasRange {
			continue
		}
		if _, done := preallocated[t.Dest]; done {
			continue
		}
		preallocated[t.Dest] = struct{}{}
		f, err := sink.Open(t.Dest, t.FileSize)
		if err != nil {
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		if err := writeControl(t.Dest, controlFile{
			Repo:   listing.Repo,
			Path:   t.RelPath,
			Size:   t.FileSize,
			Chunks: p.TasksPerDest[t.Dest],
		}); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func checkFreeSpace(destDir string, p *Plan) error {
	var needed int64
	for _, t := range p.Tasks {
		needed += t.Bytes()
	}
	free, err := sink.FreeSpace(destDir)
	if err != nil || free < 0 {
		return nil // unknown: do not fail the run
	}
	if free < needed {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, needed, free)
	}
	return nil
}
