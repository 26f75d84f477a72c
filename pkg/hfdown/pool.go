// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thealgebraist/hfdown/internal/sink"
	"github.com/thealgebraist/hfdown/internal/transport"
)

// Download mirrors a repository into cfg.OutputDir/<repo>. Already
// complete files are skipped by size; partial whole-file downloads resume
// with a Range request; files above the chunking threshold are fetched as
// parallel disjoint ranges into a preallocated destination. The first task
// failure drains the queue and becomes the returned error; in-flight
// transfers finish or time out on their own deadlines.
func Download(ctx context.Context, job Job, cfg Settings, progress ProgressFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateJob(job); err != nil {
		return err
	}
	applyDefaults(&job, &cfg)

	client := NewClient(cfg)
	defer client.Close()

	listing, err := client.ModelInfo(ctx, job)
	if err != nil {
		return err
	}
	if len(listing.Entries) == 0 {
		return fmt.Errorf("%w: %s@%s lists no files", ErrNotFound, job.Repo, job.Revision)
	}
	return downloadListing(ctx, client, job, cfg, listing, progress)
}

// DownloadFile fetches a single file from the repository, using the
// listing to learn its size and expected hash.
func DownloadFile(ctx context.Context, job Job, path string, cfg Settings, progress ProgressFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateJob(job); err != nil {
		return err
	}
	applyDefaults(&job, &cfg)

	client := NewClient(cfg)
	defer client.Close()

	listing, err := client.ModelInfo(ctx, job)
	if err != nil {
		return err
	}
	entry, ok := listing.Find(path)
	if !ok {
		return fmt.Errorf("%w: %s in %s@%s", ErrNotFound, path, job.Repo, job.Revision)
	}

	// A byte-identical local copy needs no network at all. A copy that
	// matches in size but fails verification is refetched from scratch:
	// the size-only planner would otherwise keep skipping it.
	dest := filepath.Join(cfg.OutputDir, filepath.FromSlash(job.Repo), filepath.FromSlash(entry.Path))
	if fi, err := os.Stat(dest); err == nil && fi.Size() == entry.Size && !hasControl(dest) {
		if entry.Hash == "" || VerifySHA256(dest, entry.Hash) == nil {
			if progress != nil {
				progress(Progress{DownloadedBytes: entry.Size, TotalBytes: entry.Size})
			}
			return nil
		}
		if err := os.Truncate(dest, 0); err != nil {
			return fmt.Errorf("reset %s: %w", dest, err)
		}
	}

	single := &Listing{Repo: listing.Repo, Entries: []Entry{entry}}
	return downloadListing(ctx, client, job, cfg, single, progress)
}

func applyDefaults(job *Job, cfg *Settings) {
	if job.Revision == "" {
		job.Revision = "main"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "Storage"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.BufferKiB <= 0 {
		cfg.BufferKiB = 512
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
}

func downloadListing(ctx context.Context, client *Client, job Job, cfg Settings, listing *Listing, progress ProgressFunc) error {
	destDir := filepath.Join(cfg.OutputDir, filepath.FromSlash(job.Repo))

	materializeFromCache(cfg, listing, destDir)

	plan, err := BuildPlan(listing, destDir, func(rel string) string {
		return client.ResolveURL(job, rel)
	}, cfg)
	if err != nil {
		return err
	}

	agg := newAggregator(plan, cfg, progress)
	if len(plan.Tasks) == 0 {
		agg.emitFinal()
		return nil
	}

	queue := make(chan Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		queue <- t
	}
	close(queue)

	workers := cfg.Threads
	if workers > len(plan.Tasks) {
		workers = len(plan.Tasks)
	}

	reg := newFileRegistry(plan)
	altCache := transport.NewAltSvcCache()

	var (
		failed   atomic.Bool
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			failed.Store(true)
		})
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Workers do not share outbound connections; only the
			// protocol cache is common state.
			cli := newTransportClient(cfg, altCache)
			defer cli.Close()
			fetch := &fetcher{client: cli, token: cfg.Token}

			for t := range queue {
				if failed.Load() || ctx.Err() != nil {
					reg.finish(t, true)
					continue
				}
				agg.taskStart(t.RelPath)
				err := runTask(ctx, fetch, reg, agg, cfg, t)
				agg.taskEnd(t.RelPath)
				if err != nil {
					fail(err)
				}
			}
		}()
	}
	wg.Wait()
	reg.closeAll()
	agg.emitFinal()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func runTask(ctx context.Context, fetch *fetcher, reg *fileRegistry, agg *aggregator, cfg Settings, t Task) error {
	file, err := reg.acquire(t)
	if err != nil {
		reg.finish(t, true)
		return &DownloadError{Path: t.RelPath, URL: t.URL, Err: err}
	}

	proto, ferr := fetch.run(ctx, t, file, agg.add)
	if cfg.Metrics != nil {
		cfg.Metrics.ObserveTask(string(proto), ferr == nil)
	}

	done, cerr := reg.finish(t, ferr != nil)
	if ferr != nil {
		return &DownloadError{Path: t.RelPath, URL: t.URL, Err: ferr}
	}
	if cerr != nil {
		return &DownloadError{Path: t.RelPath, URL: t.URL, Err: cerr}
	}
	if done && !t.HasRange && t.ExpectedHash != "" && cfg.Cache != nil {
		if err := cfg.Cache.Store(t.ExpectedHash, t.Dest, t.FileSize); err != nil {
			slog.Debug("cache store failed", "path", t.Dest, "error", err)
		}
	}
	return nil
}

// materializeFromCache satisfies hash-known entries from the dedup cache
// before planning, so the planner sees them as already complete.
func materializeFromCache(cfg Settings, listing *Listing, destDir string) {
	if cfg.Cache == nil {
		return
	}
	for _, e := range listing.Entries {
		if e.Hash == "" || !safeRelPath(e.Path) {
			continue
		}
		dest := filepath.Join(destDir, filepath.FromSlash(e.Path))
		if fi, err := os.Stat(dest); err == nil && fi.Size() == e.Size {
			continue
		}
		if !cfg.Cache.Has(e.Hash) {
			continue
		}
		if err := cfg.Cache.Materialize(e.Hash, dest); err != nil {
			slog.Debug("cache materialize failed", "path", dest, "error", err)
		}
	}
}

// fileRegistry hands out the single shared sink per destination and closes
// it once the last task for that destination has finished. Failed chunked
// files keep their control sidecar so the next run reschedules them.
type fileRegistry struct {
	mu        sync.Mutex
	remaining map[string]int
	anyFailed map[string]bool
	open      map[string]*sink.File
}

func newFileRegistry(plan *Plan) *fileRegistry {
	remaining := make(map[string]int, len(plan.TasksPerDest))
	for dest, n := range plan.TasksPerDest {
		remaining[dest] = n
	}
	return &fileRegistry{
		remaining: remaining,
		anyFailed: make(map[string]bool),
		open:      make(map[string]*sink.File),
	}
}

func (r *fileRegistry) acquire(t Task) (*sink.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.open[t.Dest]; ok {
		return f, nil
	}
	var declared int64
	if t.HasRange {
		declared = t.FileSize // already preallocated by the planner
	}
	f, err := sink.Open(t.Dest, declared)
	if err != nil {
		return nil, err
	}
	r.open[t.Dest] = f
	return f, nil
}

// finish records a task outcome. When the destination's last task is
// accounted for, the shared sink is synced and closed; on full success the
// in-progress marker is removed.
func (r *fileRegistry) finish(t Task, taskFailed bool) (done bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if taskFailed {
		r.anyFailed[t.Dest] = true
	}
	r.remaining[t.Dest]--
	if r.remaining[t.Dest] > 0 {
		return false, nil
	}
	if f, ok := r.open[t.Dest]; ok {
		delete(r.open, t.Dest)
		err = f.Close()
	}
	if !r.anyFailed[t.Dest] && err == nil {
		removeControl(t.Dest)
		return true, nil
	}
	return false, err
}

// closeAll syncs and closes anything still open (abort path); partial
// bytes are preserved for the next run.
func (r *fileRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dest, f := range r.open {
		if err := f.Close(); err != nil {
			slog.Debug("close failed", "path", dest, "error", err)
		}
		delete(r.open, dest)
	}
}

// aggregator coalesces per-callback deltas into throttled global
// snapshots. The throttle is a compare-and-swap on a millisecond clock:
// the winner emits, late updates are dropped.
type aggregator struct {
	total       int64
	alreadyDone int64
	interval    time.Duration
	fn          ProgressFunc
	metrics     Metrics

	transferred atomic.Int64
	lastEmitMs  atomic.Int64
	lastBytes   atomic.Int64

	emitMu sync.Mutex

	activeMu sync.Mutex
	active   map[string]int
}

func newAggregator(plan *Plan, cfg Settings, fn ProgressFunc) *aggregator {
	a := &aggregator{
		total:       plan.TotalBytes,
		alreadyDone: plan.AlreadyDone,
		interval:    cfg.ProgressInterval,
		fn:          fn,
		metrics:     cfg.Metrics,
		active:      make(map[string]int),
	}
	a.lastEmitMs.Store(time.Now().UnixMilli())
	return a
}

func (a *aggregator) add(n int64) {
	a.transferred.Add(n)
	if a.metrics != nil {
		a.metrics.AddBytes(n)
	}
	a.maybeEmit()
}

func (a *aggregator) maybeEmit() {
	if a.fn == nil {
		return
	}
	now := time.Now().UnixMilli()
	last := a.lastEmitMs.Load()
	if now-last < a.interval.Milliseconds() {
		return
	}
	if !a.lastEmitMs.CompareAndSwap(last, now) {
		return
	}
	cur := a.transferred.Load()
	prev := a.lastBytes.Swap(cur)
	var speed float64
	if elapsed := now - last; elapsed > 0 {
		speed = float64(cur-prev) / (1024 * 1024) / (float64(elapsed) / 1000)
	}
	a.emit(cur, speed)
}

func (a *aggregator) emitFinal() {
	if a.fn == nil {
		return
	}
	a.emit(a.transferred.Load(), 0)
}

func (a *aggregator) emit(transferred int64, speed float64) {
	snap := Progress{
		DownloadedBytes:  a.alreadyDone + transferred,
		TransferredBytes: transferred,
		TotalBytes:       a.total,
		Speed:            speed,
		ActiveFiles:      a.activeFiles(),
	}
	a.emitMu.Lock()
	a.fn(snap)
	a.emitMu.Unlock()
}

func (a *aggregator) taskStart(rel string) {
	a.activeMu.Lock()
	a.active[rel]++
	n := len(a.active)
	a.activeMu.Unlock()
	if a.metrics != nil {
		a.metrics.SetInFlight(n)
	}
}

func (a *aggregator) taskEnd(rel string) {
	a.activeMu.Lock()
	a.active[rel]--
	if a.active[rel] <= 0 {
		delete(a.active, rel)
	}
	n := len(a.active)
	a.activeMu.Unlock()
	if a.metrics != nil {
		a.metrics.SetInFlight(n)
	}
}

func (a *aggregator) activeFiles() []string {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	out := make([]string, 0, len(a.active))
	for rel := range a.active {
		out = append(out, rel)
	}
	return out
}
