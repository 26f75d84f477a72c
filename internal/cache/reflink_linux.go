// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflink clones src into dst without copying data. Filesystems without
// clone support (ext4 et al.) report an error and the caller copies.
func reflink(dst, src *os.File) error {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
}
