// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package cache

import (
	"errors"
	"os"
)

var errNoReflink = errors.New("reflink not supported")

func reflink(dst, src *os.File) error {
	return errNoReflink
}
