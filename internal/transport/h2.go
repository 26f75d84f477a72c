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
)

const (
	// maxFullBody bounds GetFull responses; tree listings for even very
	// large repositories stay well under this.
	maxFullBody = 64 << 20

	maxRedirects = 5

	defaultBufferSize = 512 << 10
)

// DownloadOptions selects partial-transfer behaviour for a streamed GET.
type DownloadOptions struct {
	// ResumeOffset, when > 0, requests bytes=<offset>- and requires 206.
	ResumeOffset int64
	// HasRange requests bytes=<start>-<end> and requires 206.
	HasRange   bool
	RangeStart int64
	RangeEnd   int64
}

func (o DownloadOptions) partial() bool { return o.HasRange || o.ResumeOffset > 0 }

// h2Transport performs GETs over HTTP/2 (TLS) or HTTP/1.1 (TLS or
// cleartext) with streaming body delivery.
type h2Transport struct {
	client  *http.Client
	bufSize int
	logger  *slog.Logger
}

func newH2Transport(tlsConf *tls.Config, bufSize int, h1Only bool, logger *slog.Logger) *h2Transport {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     !h1Only,
		TLSClientConfig:       tlsConf,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if h1Only {
		// An empty TLSNextProto map disables the bundled HTTP/2 support.
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &h2Transport{
		client: &http.Client{
			Transport: tr,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		bufSize: bufSize,
		logger:  logger,
	}
}

func (t *h2Transport) newRequest(ctx context.Context, url string, hdr *HeaderSet) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError(KindInvalidURL, url, err)
	}
	hdr.Range(func(name, value string) {
		req.Header.Set(name, value)
	})
	return req, nil
}

// GetFull performs a GET and buffers the whole body into the envelope.
// HTTP error statuses are reported through the envelope, not as errors.
func (t *h2Transport) GetFull(ctx context.Context, url string, hdr *HeaderSet) (*Envelope, error) {
	req, err := t.newRequest(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyH2(url, err)
	}
	defer resp.Body.Close()

	env := envelopeFrom(resp)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFullBody+1))
	if err != nil {
		return nil, newError(KindProtocolError, url, err)
	}
	if len(body) > maxFullBody {
		return nil, newError(KindProtocolError, url, fmt.Errorf("response body exceeds %d bytes", maxFullBody))
	}
	env.Body = body
	env.BytesConsumed = int64(len(body))
	return env, nil
}

// Download streams the body through fn. Partial requests (resume or range)
// must be answered with 206; anything else is a protocol error. Other
// error statuses surface as KindHTTPStatus.
func (t *h2Transport) Download(ctx context.Context, url string, hdr *HeaderSet, opts DownloadOptions, fn BodyFunc) (*Envelope, error) {
	hdr = hdr.Clone()
	switch {
	case opts.HasRange:
		hdr.Set("Range", rangeValue(opts.RangeStart, opts.RangeEnd))
	case opts.ResumeOffset > 0:
		hdr.Set("Range", resumeValue(opts.ResumeOffset))
	}

	req, err := t.newRequest(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyH2(url, err)
	}
	defer resp.Body.Close()

	env := envelopeFrom(resp)
	if opts.partial() && resp.StatusCode != http.StatusPartialContent {
		t.logger.Debug("range request not honoured", "url", url, "status", resp.StatusCode)
		return env, newError(KindProtocolError, url,
			fmt.Errorf("range request answered with %s", resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return env, statusError(url, resp.StatusCode)
	}

	if err := t.stream(resp.Body, env, fn); err != nil {
		return env, newError(KindProtocolError, url, err)
	}
	return env, nil
}

func (t *h2Transport) stream(r io.Reader, env *Envelope, fn BodyFunc) error {
	buf := make([]byte, t.bufSize)
	var off int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if fn != nil {
				if werr := fn(buf[:n], off); werr != nil {
					return werr
				}
			}
			off += int64(n)
			env.BytesConsumed = off
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *h2Transport) Close() {
	t.client.CloseIdleConnections()
}
