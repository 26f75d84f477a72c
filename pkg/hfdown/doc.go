// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hfdown mirrors model and dataset repositories from a
// HuggingFace-style registry: it lists the remote tree, plans per-file and
// per-chunk work, fetches the bytes over a protocol-selecting transport
// (HTTP/3 where the origin advertises it, HTTP/2 or HTTP/1.1 otherwise),
// writes them with positional I/O, and verifies completed files against
// the server-published SHA-256.
//
// Basic usage:
//
//	job := hfdown.Job{Repo: "TheBloke/Mistral-7B-GGUF"}
//	cfg := hfdown.DefaultSettings()
//	cfg.OutputDir = "./Models"
//	cfg.Token = os.Getenv("HF_TOKEN")
//
//	err := hfdown.Download(ctx, job, cfg, func(p hfdown.Progress) {
//		fmt.Printf("\r%d/%d bytes (%.1f MiB/s)", p.DownloadedBytes, p.TotalBytes, p.Speed)
//	})
//
// Downloads are resumable: re-running skips files whose size already
// matches and issues Range requests for partially transferred ones.
package hfdown
