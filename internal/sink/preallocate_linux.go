// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes of backing store. Filesystems without
// fallocate support report ENOTSUP and the caller falls back to truncate.
func preallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
