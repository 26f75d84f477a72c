// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders live download progress on a terminal, degrading to
// plain line output when stdout is not interactive.
package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/thealgebraist/hfdown/pkg/hfdown"
)

// Renderer consumes coalesced progress snapshots and redraws one status
// line in place. Safe for concurrent use; the download pool already
// serialises callbacks, but Close can race the last snapshot.
type Renderer struct {
	mu          sync.Mutex
	out         io.Writer
	start       time.Time
	interactive bool
	width       int
	lastLen     int
	closed      bool

	percentC *color.Color
	speedC   *color.Color
}

// NewRenderer builds a renderer for stdout.
func NewRenderer() *Renderer {
	fd := int(os.Stdout.Fd())
	interactive := term.IsTerminal(fd)
	width := 100
	if interactive {
		if w, _, err := term.GetSize(fd); err == nil && w > 20 {
			width = w
		}
	}
	return &Renderer{
		out:         os.Stdout,
		start:       time.Now(),
		interactive: interactive,
		width:       width,
		percentC:    color.New(color.FgGreen, color.Bold),
		speedC:      color.New(color.FgCyan),
	}
}

// Handler returns a ProgressFunc feeding this renderer.
func (r *Renderer) Handler() hfdown.ProgressFunc {
	return r.Handle
}

// Handle renders one snapshot.
func (r *Renderer) Handle(p hfdown.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	var pct float64
	if p.TotalBytes > 0 {
		pct = float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100
	}

	line := fmt.Sprintf("[%s] %s %s / %s",
		r.percentC.Sprintf("%5.1f%%", pct),
		r.speedC.Sprintf("%7.1f MiB/s", p.Speed),
		FormatBytes(p.DownloadedBytes),
		FormatBytes(p.TotalBytes),
	)
	if len(p.ActiveFiles) > 0 {
		line += " | " + strings.Join(p.ActiveFiles, ", ")
	}

	if !r.interactive {
		fmt.Fprintln(r.out, line)
		return
	}
	if plain := len(stripANSI(line)); plain > r.width-1 {
		line = truncateANSI(line, r.width-2) + "…"
	}
	pad := r.lastLen - len(stripANSI(line))
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(r.out, "\r%s%s", line, strings.Repeat(" ", pad))
	r.lastLen = len(stripANSI(line))
}

// Close terminates the in-place line and prints the elapsed time.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.interactive {
		fmt.Fprintln(r.out)
	}
	fmt.Fprintf(r.out, "elapsed: %s\n", time.Since(r.start).Round(time.Second))
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// stripANSI removes SGR escape sequences for width accounting.
func stripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inEsc:
			if c == 'm' {
				inEsc = false
			}
		case c == 0x1b:
			inEsc = true
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// truncateANSI cuts the visible portion of s to n characters while
// keeping escape sequences intact.
func truncateANSI(s string, n int) string {
	var b strings.Builder
	visible := 0
	inEsc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inEsc:
			b.WriteByte(c)
			if c == 'm' {
				inEsc = false
			}
		case c == 0x1b:
			b.WriteByte(c)
			inEsc = true
		default:
			if visible >= n {
				continue
			}
			b.WriteByte(c)
			visible++
		}
	}
	return b.String()
}
