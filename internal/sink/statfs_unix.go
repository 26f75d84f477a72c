// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package sink

import "golang.org/x/sys/unix"

// FreeSpace reports the bytes available to an unprivileged writer on the
// filesystem holding dir. A negative result means "unknown".
func FreeSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return -1, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
