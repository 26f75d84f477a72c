// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"os"
	"path/filepath"
	"testing"
)

// planSettings shrinks the chunk geometry so tests do not preallocate
// hundreds of MiB; the ratios mirror the production 250MiB/100MiB split.
func planSettings() Settings {
	cfg := DefaultSettings()
	cfg.ChunkThreshold = "2500"
	cfg.ChunkSize = "1000"
	return cfg
}

func resolveStub(rel string) string { return "https://cdn.example.com/repo/" + rel }

func TestPlanOrderingAndChunking(t *testing.T) {
	// Shrunk rendition of the canonical scenario: a tiny file, one file
	// above the threshold, and a mid-size file. Expected order: the large
	// file's chunks first, then mid, then tiny.
	listing := &Listing{Repo: "o/n", Entries: []Entry{
		{Path: "tiny.txt", Size: 10},
		{Path: "big.bin", Size: 4000, Hash: "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447"},
		{Path: "mid.bin", Size: 2000},
	}}

	plan, err := BuildPlan(listing, t.TempDir(), resolveStub, planSettings())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 6 {
		t.Fatalf("expected 4 chunks + 2 whole files, got %d tasks", len(plan.Tasks))
	}

	// four chunks of big.bin first
	for i := 0; i < 4; i++ {
		ch := plan.Tasks[i]
		if !ch.HasRange || ch.RelPath != "big.bin" {
			t.Fatalf("task %d: expected big.bin chunk, got %+v", i, ch)
		}
		if ch.Offset != ch.RangeStart {
			t.Fatalf("chunk %d: destination offset %d != range start %d", i, ch.Offset, ch.RangeStart)
		}
		if ch.ResumeOffset != 0 {
			t.Fatalf("chunk %d: chunks are rescheduled, never resumed", i)
		}
		if ch.ExpectedHash != "" {
			t.Fatalf("chunk %d: chunk tasks never carry a whole-file hash", i)
		}
	}
	if got := plan.Tasks[3].RangeEnd; got != 3999 {
		t.Fatalf("last chunk end = %d, want 3999", got)
	}
	if plan.Tasks[4].RelPath != "mid.bin" || plan.Tasks[5].RelPath != "tiny.txt" {
		t.Fatalf("tail order wrong: %s, %s", plan.Tasks[4].RelPath, plan.Tasks[5].RelPath)
	}
	if plan.TasksPerDest[plan.Tasks[0].Dest] != 4 {
		t.Fatalf("big.bin task count = %d", plan.TasksPerDest[plan.Tasks[0].Dest])
	}
}

func TestPlanThresholdBoundary(t *testing.T) {
	cfg := planSettings() // threshold 2500

	for _, tt := range []struct {
		size   int64
		chunks int
	}{
		{2500, 0}, // exactly at threshold: one whole-file task
		{2501, 3}, // one past: ceil(2501/1000) chunks
	} {
		listing := &Listing{Repo: "o/n", Entries: []Entry{{Path: "f.bin", Size: tt.size}}}
		plan, err := BuildPlan(listing, t.TempDir(), resolveStub, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if tt.chunks == 0 {
			if len(plan.Tasks) != 1 || plan.Tasks[0].HasRange {
				t.Fatalf("size %d: want one whole-file task, got %+v", tt.size, plan.Tasks)
			}
			continue
		}
		if len(plan.Tasks) != tt.chunks {
			t.Fatalf("size %d: want %d chunks, got %d", tt.size, tt.chunks, len(plan.Tasks))
		}
		if last := plan.Tasks[len(plan.Tasks)-1]; last.RangeEnd != tt.size-1 {
			t.Fatalf("size %d: last chunk ends at %d", tt.size, last.RangeEnd)
		}
	}
}

func TestPlanSkipsCompleteFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "done.bin"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}

	listing := &Listing{Repo: "o/n", Entries: []Entry{
		{Path: "done.bin", Size: 100},
		{Path: "todo.bin", Size: 100},
	}}
	plan, err := BuildPlan(listing, dir, resolveStub, planSettings())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].RelPath != "todo.bin" {
		t.Fatalf("want one task for todo.bin, got %+v", plan.Tasks)
	}
	if plan.AlreadyDone != 100 || plan.SkippedFiles != 1 {
		t.Fatalf("AlreadyDone=%d SkippedFiles=%d", plan.AlreadyDone, plan.SkippedFiles)
	}
}

func TestPlanResumesPartialFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "part.bin"), make([]byte, 40), 0o644); err != nil {
		t.Fatal(err)
	}

	hash := "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447"
	listing := &Listing{Repo: "o/n", Entries: []Entry{{Path: "part.bin", Size: 100, Hash: hash}}}
	plan, err := BuildPlan(listing, dir, resolveStub, planSettings())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("got %d tasks", len(plan.Tasks))
	}
	task := plan.Tasks[0]
	if task.ResumeOffset != 40 {
		t.Fatalf("ResumeOffset = %d, want 40", task.ResumeOffset)
	}
	if task.ExpectedHash != "" {
		t.Fatal("a resumed transfer cannot be hash-verified in one pass")
	}
	if task.Bytes() != 60 {
		t.Fatalf("Bytes() = %d, want 60", task.Bytes())
	}
}

func TestPlanPreallocatesChunkedWithSidecar(t *testing.T) {
	dir := t.TempDir()
	listing := &Listing{Repo: "o/n", Entries: []Entry{{Path: "big.bin", Size: 4000}}}

	plan, err := BuildPlan(listing, dir, resolveStub, planSettings())
	if err != nil {
		t.Fatal(err)
	}
	dest := plan.Tasks[0].Dest
	fi, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 4000 {
		t.Fatalf("preallocated size = %d", fi.Size())
	}
	if !hasControl(dest) {
		t.Fatal("chunked destination must carry the in-progress marker")
	}

	// A second plan over the half-finished state reschedules every chunk:
	// the preallocated size must not be mistaken for completion.
	plan2, err := BuildPlan(listing, dir, resolveStub, planSettings())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan2.Tasks) != 4 {
		t.Fatalf("re-plan produced %d tasks, want 4", len(plan2.Tasks))
	}
}

func TestPlanRejectsUnsafePaths(t *testing.T) {
	listing := &Listing{Repo: "o/n", Entries: []Entry{
		{Path: "../escape.bin", Size: 10},
		{Path: "/abs.bin", Size: 10},
		{Path: "ok.bin", Size: 10},
		{Path: "ok.bin", Size: 10}, // duplicate path
	}}
	plan, err := BuildPlan(listing, t.TempDir(), resolveStub, planSettings())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].RelPath != "ok.bin" {
		t.Fatalf("unexpected tasks: %+v", plan.Tasks)
	}
}

func TestPlanZeroByteFile(t *testing.T) {
	listing := &Listing{Repo: "o/n", Entries: []Entry{{Path: "empty.bin", Size: 0}}}
	plan, err := BuildPlan(listing, t.TempDir(), resolveStub, planSettings())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("got %d tasks", len(plan.Tasks))
	}
	task := plan.Tasks[0]
	if task.HasRange || task.ResumeOffset != 0 || task.Bytes() != 0 {
		t.Fatalf("unexpected zero-byte task: %+v", task)
	}
}

func TestParseSizeString(t *testing.T) {
	tests := []struct {
		in   string
		def  int64
		want int64
		ok   bool
	}{
		{"", 42, 42, true},
		{"100MiB", 0, 100 << 20, true},
		{"250MiB", 0, 250 << 20, true},
		{"1GiB", 0, 1 << 30, true},
		{"32KB", 0, 32000, true},
		{"4096", 0, 4096, true},
		{"weird", 0, 0, false},
	}
	for _, tt := range tests {
		got, err := parseSizeString(tt.in, tt.def)
		if tt.ok != (err == nil) {
			t.Errorf("parseSizeString(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("parseSizeString(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIsValidRepoID(t *testing.T) {
	valid := []string{"owner/name", "TheBloke/Mistral-7B-GGUF"}
	invalid := []string{"", "nameonly", "/name", "owner/", "a/b/c"}
	for _, s := range valid {
		if !IsValidRepoID(s) {
			t.Errorf("IsValidRepoID(%q) = false", s)
		}
	}
	for _, s := range invalid {
		if IsValidRepoID(s) {
			t.Errorf("IsValidRepoID(%q) = true", s)
		}
	}
}
