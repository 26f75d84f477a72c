// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"encoding/json"
	"os"
)

// controlSuffix marks a chunked download in progress. A preallocated
// destination already has its final size on disk, so size comparison alone
// cannot tell "complete" from "started"; the sidecar can. It is removed
// when the last chunk lands.
const controlSuffix = ".hfdownctl"

type controlFile struct {
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Chunks int    `json:"chunks"`
}

func controlPath(dest string) string { return dest + controlSuffix }

func writeControl(dest string, c controlFile) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(controlPath(dest), b, 0o644)
}

func hasControl(dest string) bool {
	_, err := os.Stat(controlPath(dest))
	return err == nil
}

func removeControl(dest string) {
	_ = os.Remove(controlPath(dest))
}
