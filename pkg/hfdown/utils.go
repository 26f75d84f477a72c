// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"fmt"
	"strings"
)

// IsValidRepoID checks that the repository ID is in "owner/name" format.
func IsValidRepoID(repo string) bool {
	if repo == "" || !strings.Contains(repo, "/") {
		return false
	}
	parts := strings.Split(repo, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

func validateJob(job Job) error {
	if job.Repo == "" {
		return ErrMissingRepo
	}
	if !IsValidRepoID(job.Repo) {
		return fmt.Errorf("%w: %q", ErrInvalidRepo, job.Repo)
	}
	return nil
}

// parseSizeString parses a human-readable size ("100MiB", "32MB", "4096")
// into bytes, returning def for the empty string.
func parseSizeString(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	var n float64
	var unit string
	_, err := fmt.Sscanf(strings.ToUpper(strings.TrimSpace(s)), "%f%s", &n, &unit)
	if err != nil {
		var nn int64
		if _, e2 := fmt.Sscanf(s, "%d", &nn); e2 == nil {
			return nn, nil
		}
		return 0, fmt.Errorf("invalid size %q", s)
	}
	switch unit {
	case "B", "":
		return int64(n), nil
	case "KB":
		return int64(n * 1000), nil
	case "MB":
		return int64(n * 1000 * 1000), nil
	case "GB":
		return int64(n * 1000 * 1000 * 1000), nil
	case "KIB":
		return int64(n * 1024), nil
	case "MIB":
		return int64(n * 1024 * 1024), nil
	case "GIB":
		return int64(n * 1024 * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
}

// safeRelPath rejects listing paths that would escape the destination.
func safeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
