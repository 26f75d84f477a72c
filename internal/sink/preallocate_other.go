// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package sink

import "os"

func preallocate(f *os.File, size int64) error {
	// Truncate in Open extends the file; nothing more to reserve here.
	return nil
}
