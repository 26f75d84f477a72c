// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeRegistry serves a tree listing plus range-capable file content the
// way the real registry does.
type fakeRegistry struct {
	srv   *httptest.Server
	files map[string][]byte

	mu       sync.Mutex
	resolved map[string]int

	// hooks
	failPath  string // resolve path answered with 500
	slowdown  time.Duration
	corrupted string // resolve path served with flipped first byte
}

func newFakeRegistry(t *testing.T, files map[string][]byte) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{files: files, resolved: make(map[string]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	const (
		treePrefix    = "/api/models/owner/name/tree/main"
		resolvePrefix = "/owner/name/resolve/main/"
	)
	switch {
	case strings.HasPrefix(r.URL.Path, treePrefix):
		var nodes []map[string]any
		paths := make([]string, 0, len(f.files))
		for p := range f.files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			content := f.files[p]
			sum := sha256.Sum256(content)
			nodes = append(nodes, map[string]any{
				"type": "file",
				"path": p,
				"size": len(content),
				"lfs": map[string]any{
					"oid":  hex.EncodeToString(sum[:]),
					"size": len(content),
				},
			})
		}
		_ = json.NewEncoder(w).Encode(nodes)

	case strings.HasPrefix(r.URL.Path, resolvePrefix):
		rel := strings.TrimPrefix(r.URL.Path, resolvePrefix)
		content, ok := f.files[rel]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.resolved[rel]++
		f.mu.Unlock()

		if rel == f.failPath {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if f.slowdown > 0 {
			time.Sleep(f.slowdown)
		}
		if rel == f.corrupted && len(content) > 0 {
			content = append([]byte{content[0] ^ 0xff}, content[1:]...)
		}
		http.ServeContent(w, r, rel, time.Time{}, bytes.NewReader(content))

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRegistry) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.resolved {
		n += c
	}
	return n
}

func (f *fakeRegistry) settings(t *testing.T) Settings {
	cfg := DefaultSettings()
	cfg.Mirror = f.srv.URL
	cfg.OutputDir = t.TempDir()
	cfg.Threads = 4
	cfg.ChunkThreshold = "4096"
	cfg.ChunkSize = "1024"
	cfg.ProgressInterval = 10 * time.Millisecond
	return cfg
}

var testJob = Job{Repo: "owner/name"}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDownloadEndToEnd(t *testing.T) {
	files := map[string][]byte{
		"config.json":       randomBytes(t, 519),
		"weights/model.bin": randomBytes(t, 10<<10), // above threshold: chunked
		"tiny.txt":          []byte("hello world"),
		"empty.bin":         {},
	}
	reg := newFakeRegistry(t, files)
	cfg := reg.settings(t)

	var mu sync.Mutex
	var snaps []Progress
	err := Download(context.Background(), testJob, cfg, func(p Progress) {
		mu.Lock()
		snaps = append(snaps, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	destDir := filepath.Join(cfg.OutputDir, "owner/name")
	var total int64
	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("%s: %v", rel, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s: bytes differ", rel)
		}
		total += int64(len(want))
	}
	if hasControl(filepath.Join(destDir, "weights", "model.bin")) {
		t.Fatal("control sidecar must be removed on completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatal("no progress emitted")
	}
	last := snaps[len(snaps)-1]
	if last.DownloadedBytes != total || last.TransferredBytes != total {
		t.Fatalf("final progress %+v, want %d bytes", last, total)
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].DownloadedBytes < snaps[i-1].DownloadedBytes {
			t.Fatal("DownloadedBytes must be monotonic non-decreasing")
		}
	}
}

func TestDownloadSecondRunIsNoop(t *testing.T) {
	files := map[string][]byte{
		"a.bin": randomBytes(t, 2048),
		"b.bin": randomBytes(t, 6000), // chunked
	}
	reg := newFakeRegistry(t, files)
	cfg := reg.settings(t)

	if err := Download(context.Background(), testJob, cfg, nil); err != nil {
		t.Fatal(err)
	}
	before := reg.resolveCount()

	var last Progress
	if err := Download(context.Background(), testJob, cfg, func(p Progress) { last = p }); err != nil {
		t.Fatal(err)
	}
	if got := reg.resolveCount(); got != before {
		t.Fatalf("second run fetched content (%d -> %d requests)", before, got)
	}
	if last.TransferredBytes != 0 {
		t.Fatalf("second run transferred %d bytes, want 0", last.TransferredBytes)
	}
	if last.DownloadedBytes != int64(2048+6000) {
		t.Fatalf("DownloadedBytes = %d", last.DownloadedBytes)
	}
}

func TestDownloadResumesPartialFile(t *testing.T) {
	content := randomBytes(t, 5000)
	reg := newFakeRegistry(t, map[string][]byte{"model.bin": content})
	cfg := reg.settings(t)
	cfg.ChunkThreshold = "8192" // keep it a whole-file task

	dest := filepath.Join(cfg.OutputDir, "owner/name", "model.bin")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, content[:1200], 0o644); err != nil {
		t.Fatal(err)
	}

	var last Progress
	if err := Download(context.Background(), testJob, cfg, func(p Progress) { last = p }); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed file differs from remote")
	}
	if last.TransferredBytes != int64(len(content)-1200) {
		t.Fatalf("transferred %d bytes, want %d", last.TransferredBytes, len(content)-1200)
	}
}

func TestChecksumMismatchPreservesBytes(t *testing.T) {
	reg := newFakeRegistry(t, map[string][]byte{"model.bin": []byte("hello world")})
	reg.corrupted = "model.bin"
	cfg := reg.settings(t)

	err := Download(context.Background(), testJob, cfg, nil)
	var ce *ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("want ChecksumError, got %v", err)
	}

	// the wrong bytes stay on disk for the caller to inspect
	got, rerr := os.ReadFile(filepath.Join(cfg.OutputDir, "owner/name", "model.bin"))
	if rerr != nil {
		t.Fatal(rerr)
	}
	if len(got) != len("hello world") {
		t.Fatalf("preserved %d bytes", len(got))
	}
	if bytes.Equal(got, []byte("hello world")) {
		t.Fatal("test served uncorrupted bytes")
	}
}

func TestFirstFailureCancellation(t *testing.T) {
	files := make(map[string][]byte, 20)
	for i := 0; i < 20; i++ {
		files[fileName(i)] = randomBytes(t, 64)
	}
	reg := newFakeRegistry(t, files)
	reg.failPath = fileName(4) // task #5 in queue order
	reg.slowdown = 20 * time.Millisecond

	cfg := reg.settings(t)
	cfg.Threads = 2

	err := Download(context.Background(), testJob, cfg, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	var de *DownloadError
	if !errors.As(err, &de) {
		t.Fatalf("want DownloadError, got %T: %v", err, err)
	}
	if !strings.Contains(de.URL, fileName(4)) {
		t.Fatalf("first error names %q, want %q", de.URL, fileName(4))
	}

	if begun := reg.resolveCount(); begun > 5+cfg.Threads-1 {
		t.Fatalf("%d tasks began execution, bound is %d", begun, 5+cfg.Threads-1)
	}
}

func fileName(i int) string {
	return "f" + string(rune('a'+i/10)) + string(rune('0'+i%10)) + ".bin"
}

func TestDownloadFileSingle(t *testing.T) {
	content := randomBytes(t, 3000)
	reg := newFakeRegistry(t, map[string][]byte{
		"model.bin": content,
		"other.bin": randomBytes(t, 100),
	})
	cfg := reg.settings(t)

	if err := DownloadFile(context.Background(), testJob, "model.bin", cfg, nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(cfg.OutputDir, "owner/name", "model.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("bytes differ")
	}
	if reg.resolved["other.bin"] != 0 {
		t.Fatal("unrelated file was fetched")
	}

	// second call verifies locally and stays off the network
	before := reg.resolveCount()
	if err := DownloadFile(context.Background(), testJob, "model.bin", cfg, nil); err != nil {
		t.Fatal(err)
	}
	if reg.resolveCount() != before {
		t.Fatal("second single-file download hit the network")
	}
}

func TestDownloadFileRefetchesCorruptLocal(t *testing.T) {
	content := randomBytes(t, 2000)
	reg := newFakeRegistry(t, map[string][]byte{"model.bin": content})
	cfg := reg.settings(t)

	// same size, wrong bytes: size comparison alone would skip it
	corrupt := make([]byte, len(content))
	copy(corrupt, content)
	corrupt[0] ^= 0xff
	dest := filepath.Join(cfg.OutputDir, "owner/name", "model.bin")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := DownloadFile(context.Background(), testJob, "model.bin", cfg, nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("corrupt local copy was not refetched")
	}
	if reg.resolveCount() == 0 {
		t.Fatal("expected a network fetch")
	}
}

func TestDownloadFileNotFound(t *testing.T) {
	reg := newFakeRegistry(t, map[string][]byte{"a.bin": {1}})
	cfg := reg.settings(t)
	err := DownloadFile(context.Background(), testJob, "missing.bin", cfg, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDownloadValidatesJob(t *testing.T) {
	if err := Download(context.Background(), Job{}, DefaultSettings(), nil); !errors.Is(err, ErrMissingRepo) {
		t.Fatalf("want ErrMissingRepo, got %v", err)
	}
	if err := Download(context.Background(), Job{Repo: "nope"}, DefaultSettings(), nil); !errors.Is(err, ErrInvalidRepo) {
		t.Fatalf("want ErrInvalidRepo, got %v", err)
	}
}

func TestDownloadSingleWorkerMatchesParallel(t *testing.T) {
	files := map[string][]byte{
		"big.bin":   randomBytes(t, 9000), // chunked
		"small.bin": randomBytes(t, 500),
	}
	for _, threads := range []int{1, 4} {
		reg := newFakeRegistry(t, files)
		cfg := reg.settings(t)
		cfg.Threads = threads
		if err := Download(context.Background(), testJob, cfg, nil); err != nil {
			t.Fatalf("threads=%d: %v", threads, err)
		}
		for rel, want := range files {
			got, err := os.ReadFile(filepath.Join(cfg.OutputDir, "owner/name", rel))
			if err != nil {
				t.Fatalf("threads=%d %s: %v", threads, rel, err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("threads=%d: %s differs", threads, rel)
			}
		}
	}
}

func TestDownloadWithBlobCache(t *testing.T) {
	content := randomBytes(t, 1500)
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	reg := newFakeRegistry(t, map[string][]byte{"model.bin": content})
	cfg := reg.settings(t)
	bc := &memCache{blobs: map[string][]byte{}}
	cfg.Cache = bc

	// first run populates the cache
	if err := Download(context.Background(), testJob, cfg, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := bc.blobs[hash]; !ok {
		t.Fatal("verified download was not stored in the cache")
	}

	// a fresh destination is satisfied from the cache, not the network
	cfg.OutputDir = t.TempDir()
	before := reg.resolveCount()
	if err := Download(context.Background(), testJob, cfg, nil); err != nil {
		t.Fatal(err)
	}
	if reg.resolveCount() != before {
		t.Fatal("cache hit still fetched from the network")
	}
	got, err := os.ReadFile(filepath.Join(cfg.OutputDir, "owner/name", "model.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("materialised bytes differ")
	}
}

// memCache is a test double for the content-addressed store.
type memCache struct {
	mu    sync.Mutex
	blobs map[string][]byte
	hits  atomic.Int64
}

func (m *memCache) Has(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[hash]
	return ok
}

func (m *memCache) Materialize(hash, dst string) error {
	m.mu.Lock()
	b, ok := m.blobs[hash]
	m.mu.Unlock()
	if !ok {
		return errors.New("miss")
	}
	m.hits.Add(1)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}

func (m *memCache) Store(hash, src string, size int64) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[hash] = b
	m.mu.Unlock()
	return nil
}
