// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import "time"

// Job identifies what to download from the registry.
type Job struct {
	// Repo is the repository ID in "owner/name" format. Required.
	Repo string

	// Revision is the branch, tag, or commit to download. Defaults to "main".
	Revision string
}

// Settings configures transfer behaviour. The zero value works; only
// OutputDir is commonly set.
type Settings struct {
	// OutputDir is the base directory for downloads. Files are saved as
	// <OutputDir>/<owner>/<repo>/<path>. Defaults to "Storage".
	OutputDir string

	// Threads is the worker count competing for the task queue. Each
	// worker owns an independent protocol-selecting client. Defaults to 4
	// and is bounded by the task count.
	Threads int

	// BufferKiB is the per-connection read buffer in KiB. Defaults to 512.
	BufferKiB int

	// Protocol pins every request to one protocol: "h3", "h2" or
	// "http/1.1". Empty enables Alt-Svc discovery.
	Protocol string

	// Mirror replaces the default registry base URL.
	Mirror string

	// Token is the registry access token for private or gated repos.
	Token string

	// ChunkThreshold is the file size above which files are split for
	// range-parallel chunking; a file of exactly this size is fetched
	// whole. Human-readable ("250MiB"). Defaults to 250MiB.
	ChunkThreshold string

	// ChunkSize is the per-chunk byte count ("100MiB"). Defaults to 100MiB.
	ChunkSize string

	// ProgressInterval throttles progress callbacks. Defaults to 250ms.
	ProgressInterval time.Duration

	// Cache, when set, deduplicates verified files by content hash:
	// cache hits are materialised locally instead of fetched.
	Cache BlobCache

	// Metrics, when set, receives transfer observations.
	Metrics Metrics
}

// DefaultSettings returns Settings with the defaults filled in.
func DefaultSettings() Settings {
	return Settings{
		OutputDir:        "Storage",
		Threads:          4,
		BufferKiB:        512,
		ChunkThreshold:   "250MiB",
		ChunkSize:        "100MiB",
		ProgressInterval: 250 * time.Millisecond,
	}
}

// Progress is a coalesced snapshot of a running download. Byte counters
// are monotonic non-decreasing across snapshots.
type Progress struct {
	// DownloadedBytes counts completed bytes including those already on
	// disk when the run started.
	DownloadedBytes int64
	// TransferredBytes counts bytes that actually crossed the network
	// during this run.
	TransferredBytes int64
	TotalBytes       int64
	// Speed is the instantaneous rate in MiB/s over the last interval.
	Speed float64
	// ActiveFiles lists the relative paths currently in flight.
	ActiveFiles []string
}

// ProgressFunc receives throttled progress snapshots. Invocations are
// serialised; late snapshots are dropped, not queued.
type ProgressFunc func(Progress)

// BlobCache is a content-addressed store keyed by hex SHA-256.
type BlobCache interface {
	Has(hash string) bool
	Materialize(hash, dst string) error
	Store(hash, src string, size int64) error
}

// Metrics receives transfer observations. Implementations must be safe
// for concurrent use.
type Metrics interface {
	AddBytes(n int64)
	ObserveTask(protocol string, success bool)
	SetInFlight(n int)
}
