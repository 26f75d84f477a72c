// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	h3HandshakeTimeout = 30 * time.Second
	h3IdleTimeout      = 30 * time.Second
)

// h3Transport performs GETs over HTTP/3. quic-go owns connection setup
// (QUIC handshake with ALPN h3, control and QPACK streams) and header
// encoding; this wrapper adapts its round-tripper to the envelope and
// streaming-callback surface the selector expects, so no quic-go types
// leak into higher layers.
type h3Transport struct {
	rt      *http3.Transport
	bufSize int
	logger  *slog.Logger
}

func newH3Transport(tlsConf *tls.Config, bufSize int, handshakeTimeout time.Duration, logger *slog.Logger) *h3Transport {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = h3HandshakeTimeout
	}
	return &h3Transport{
		rt: &http3.Transport{
			TLSClientConfig: tlsConf,
			QUICConfig: &quic.Config{
				HandshakeIdleTimeout: handshakeTimeout,
				MaxIdleTimeout:       h3IdleTimeout,
				KeepAlivePeriod:      15 * time.Second,
			},
		},
		bufSize: bufSize,
		logger:  logger,
	}
}

func (t *h3Transport) do(ctx context.Context, url string, hdr *HeaderSet) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError(KindInvalidURL, url, err)
	}
	hdr.Range(func(name, value string) {
		req.Header.Set(name, value)
	})
	resp, err := t.rt.RoundTrip(req)
	if err != nil {
		return nil, classifyH3(url, err)
	}
	return resp, nil
}

// GetFull performs a GET over H3 and buffers the body.
func (t *h3Transport) GetFull(ctx context.Context, url string, hdr *HeaderSet) (*Envelope, error) {
	resp, err := t.do(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	env := envelopeFrom(resp)
	env.Protocol = ProtocolH3
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFullBody+1))
	if err != nil {
		return env, classifyH3(url, err)
	}
	if len(body) > maxFullBody {
		return env, newError(KindProtocolError, url, fmt.Errorf("response body exceeds %d bytes", maxFullBody))
	}
	env.Body = body
	env.BytesConsumed = int64(len(body))
	return env, nil
}

// Download streams the body through fn, mirroring h2Transport.Download.
func (t *h3Transport) Download(ctx context.Context, url string, hdr *HeaderSet, opts DownloadOptions, fn BodyFunc) (*Envelope, error) {
	hdr = hdr.Clone()
	switch {
	case opts.HasRange:
		hdr.Set("Range", rangeValue(opts.RangeStart, opts.RangeEnd))
	case opts.ResumeOffset > 0:
		hdr.Set("Range", resumeValue(opts.ResumeOffset))
	}

	resp, err := t.do(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	env := envelopeFrom(resp)
	env.Protocol = ProtocolH3
	if opts.partial() && resp.StatusCode != http.StatusPartialContent {
		t.logger.Debug("range request not honoured", "url", url, "status", resp.StatusCode)
		return env, newError(KindProtocolError, url,
			fmt.Errorf("range request answered with %s", resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return env, statusError(url, resp.StatusCode)
	}

	buf := make([]byte, t.bufSize)
	var off int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if fn != nil {
				if werr := fn(buf[:n], off); werr != nil {
					return env, newError(KindFileWrite, url, werr)
				}
			}
			off += int64(n)
			env.BytesConsumed = off
		}
		if rerr == io.EOF {
			return env, nil
		}
		if rerr != nil {
			return env, classifyH3(url, rerr)
		}
	}
}

func (t *h3Transport) Close() {
	_ = t.rt.Close()
}
