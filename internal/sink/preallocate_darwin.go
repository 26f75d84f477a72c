// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate asks for a contiguous allocation first and settles for any
// allocation when the volume is too fragmented; the caller truncates to
// the declared length afterwards.
func preallocate(f *os.File, size int64) error {
	store := &unix.Fstore_t{
		Flags:   unix.F_ALLOCATECONTIG | unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Offset:  0,
		Length:  size,
	}
	err := unix.FcntlFstore(f.Fd(), unix.F_PREALLOCATE, store)
	if err != nil {
		store.Flags = unix.F_ALLOCATEALL
		err = unix.FcntlFstore(f.Fd(), unix.F_PREALLOCATE, store)
	}
	return err
}
