// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/thealgebraist/hfdown/internal/sink"
	"github.com/thealgebraist/hfdown/internal/transport"
)

// fetcher executes one Task against an open destination file. Each worker
// owns one fetcher and one transport client.
type fetcher struct {
	client *transport.Client
	token  string
}

// fetchState bundles everything a transfer attempt mutates: the sink, the
// rolling hasher, and the progress high-water mark. A retried attempt gets
// a fresh hasher but keeps the high-water mark so progress deltas count
// each byte offset once.
type fetchState struct {
	task    Task
	file    *sink.File
	hasher  hash.Hash
	high    int64 // highest body offset written so far
	onDelta func(int64)
}

func (st *fetchState) body(p []byte, off int64) error {
	if _, err := st.file.WriteAt(p, st.task.Offset+st.task.ResumeOffset+off); err != nil {
		return err
	}
	if st.hasher != nil {
		st.hasher.Write(p)
	}
	if end := off + int64(len(p)); end > st.high {
		if st.onDelta != nil {
			st.onDelta(end - st.high)
		}
		st.high = end
	}
	return nil
}

// run streams the task's bytes into file. On transport failure the partial
// bytes stay on disk; when the failed attempt ran over H3, one clean retry
// goes out over the fallback protocol (the selector has already demoted
// the host). The negotiated protocol of the final attempt is returned for
// observability.
func (f *fetcher) run(ctx context.Context, t Task, file *sink.File, onDelta func(int64)) (transport.Protocol, error) {
	verify := t.ExpectedHash != "" && !t.HasRange && t.ResumeOffset == 0

	st := &fetchState{task: t, file: file, onDelta: onDelta}
	attempt := func() (*transport.Envelope, error) {
		if verify {
			st.hasher = sha256.New()
		}
		opts := transport.DownloadOptions{ResumeOffset: t.ResumeOffset}
		if t.HasRange {
			opts = transport.DownloadOptions{
				HasRange:   true,
				RangeStart: t.RangeStart,
				RangeEnd:   t.RangeEnd,
			}
		}
		return f.client.Download(ctx, t.URL, baseHeaders(f.token), opts, st.body)
	}

	env, err := attempt()
	if err != nil && env != nil && env.Protocol == transport.ProtocolH3 {
		switch transport.KindOf(err) {
		case transport.KindConnectionFailed, transport.KindProtocolError, transport.KindTimeout:
			env, err = attempt()
		}
	}
	proto := transport.Protocol("")
	if env != nil {
		proto = env.Protocol
	}
	if err != nil {
		return proto, err
	}

	if verify {
		sum := hex.EncodeToString(st.hasher.Sum(nil))
		if sum != t.ExpectedHash {
			return proto, &ChecksumError{Path: t.Dest, Expected: t.ExpectedHash, Actual: sum}
		}
	}
	return proto, nil
}
