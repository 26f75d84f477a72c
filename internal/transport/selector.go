// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AltSvcCache remembers, per host, which protocol to lead with. Entries are
// written when a successful response advertises h3 via Alt-Svc and cleared
// when a preferred-protocol attempt dies with a connection-level error.
// One cache is shared by all clients of a run; writes are rare (one per
// newly discovered host), so a plain mutex-guarded map is enough.
type AltSvcCache struct {
	mu    sync.RWMutex
	hosts map[string]Protocol
}

// NewAltSvcCache returns an empty cache.
func NewAltSvcCache() *AltSvcCache {
	return &AltSvcCache{hosts: make(map[string]Protocol)}
}

// Lookup returns the remembered protocol for host, or "".
func (c *AltSvcCache) Lookup(host string) Protocol {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hosts[host]
}

// Learn records h3 capability for host when altSvc carries an h3= token.
// Re-learning an identical entry is a no-op.
func (c *AltSvcCache) Learn(host, altSvc string) {
	if !AdvertisesH3(altSvc) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[host] = ProtocolH3
}

// Evict drops the entry for host.
func (c *AltSvcCache) Evict(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hosts, host)
}

// AdvertisesH3 reports whether an Alt-Svc header value contains an h3=
// token. Draft versions (h3-29 and friends) are not accepted.
func AdvertisesH3(altSvc string) bool {
	for _, field := range strings.Split(altSvc, ",") {
		name, _, ok := strings.Cut(strings.TrimSpace(field), "=")
		if ok && strings.EqualFold(strings.TrimSpace(name), "h3") {
			return true
		}
	}
	return false
}

// Options configures a Client.
type Options struct {
	// Override pins every request to one protocol, skipping the cache.
	Override Protocol
	// Cache is the shared per-host protocol cache; nil creates a private one.
	Cache *AltSvcCache
	// TLSConfig is used by both the TCP and QUIC transports (tests inject
	// a config trusting their own certificate authority here).
	TLSConfig *tls.Config
	// BufferSize is the read-buffer size for streamed bodies.
	BufferSize int
	// H3HandshakeTimeout bounds the QUIC handshake; zero means the
	// transport default (30 s).
	H3HandshakeTimeout time.Duration
	Logger             *slog.Logger
}

// Client is a protocol-selecting HTTP client: H3 when the cache says the
// host supports it, H2 (or negotiated-down HTTP/1.1) otherwise, learning
// H3 capability from Alt-Svc along the way. Each download worker owns its
// own Client; only the cache is shared.
type Client struct {
	opts  Options
	cache *AltSvcCache
	h2    *h2Transport
	h1    *h2Transport
	h3    *h3Transport
}

// roundTripper is the capability set shared by the per-protocol transports.
type roundTripper interface {
	GetFull(ctx context.Context, url string, hdr *HeaderSet) (*Envelope, error)
	Download(ctx context.Context, url string, hdr *HeaderSet, opts DownloadOptions, fn BodyFunc) (*Envelope, error)
}

// NewClient builds a client. Transports are created lazily enough for the
// common case: the forced-HTTP/1.1 transport only exists under override.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewAltSvcCache()
	}
	c := &Client{
		opts:  opts,
		cache: cache,
		h2:    newH2Transport(opts.TLSConfig, opts.BufferSize, false, opts.Logger),
		h3:    newH3Transport(opts.TLSConfig, opts.BufferSize, opts.H3HandshakeTimeout, opts.Logger),
	}
	if opts.Override == ProtocolHTTP1 {
		c.h1 = newH2Transport(opts.TLSConfig, opts.BufferSize, true, opts.Logger)
	}
	return c
}

// Cache exposes the client's protocol cache.
func (c *Client) Cache() *AltSvcCache { return c.cache }

// GetFull performs a protocol-selected GET and buffers the body. HTTP
// error statuses are reported in the envelope, not as errors.
func (c *Client) GetFull(ctx context.Context, url string, hdr *HeaderSet) (*Envelope, error) {
	return c.exec(ctx, url, func(rt roundTripper, delivered *int64) (*Envelope, error) {
		return rt.GetFull(ctx, url, hdr)
	})
}

// GetRange performs a GET with Range: bytes=<start>-<end> and buffers the
// returned slice. The Range header lives only for this request.
func (c *Client) GetRange(ctx context.Context, url string, hdr *HeaderSet, start, end int64) (*Envelope, error) {
	var buf bytes.Buffer
	opts := DownloadOptions{HasRange: true, RangeStart: start, RangeEnd: end}
	env, err := c.Download(ctx, url, hdr, opts, func(p []byte, off int64) error {
		buf.Write(p)
		return nil
	})
	if env != nil {
		env.Body = buf.Bytes()
	}
	return env, err
}

// Download streams a GET through fn, applying the same protocol selection.
// If the H3 attempt fails before any body byte was delivered, the request
// transparently falls back to H2; once bytes have flowed, the error is
// surfaced so the caller can reschedule the task (partial bytes stay put).
func (c *Client) Download(ctx context.Context, url string, hdr *HeaderSet, opts DownloadOptions, fn BodyFunc) (*Envelope, error) {
	return c.exec(ctx, url, func(rt roundTripper, delivered *int64) (*Envelope, error) {
		wrapped := fn
		if fn != nil {
			wrapped = func(p []byte, off int64) error {
				atomic.AddInt64(delivered, int64(len(p)))
				return fn(p, off)
			}
		}
		return rt.Download(ctx, url, hdr, opts, wrapped)
	})
}

func (c *Client) exec(ctx context.Context, rawURL string, run func(rt roundTripper, delivered *int64) (*Envelope, error)) (*Envelope, error) {
	parts, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	var delivered int64

	// QUIC requires TLS: cleartext URLs go straight to the TCP transport.
	if parts.Scheme == "http" {
		return run(c.h2, &delivered)
	}

	switch c.opts.Override {
	case ProtocolH3:
		return run(c.h3, &delivered)
	case ProtocolH2:
		return run(c.h2, &delivered)
	case ProtocolHTTP1:
		return run(c.h1, &delivered)
	}

	if c.cache.Lookup(parts.Host) == ProtocolH3 {
		env, err := run(c.h3, &delivered)
		if err == nil {
			return env, nil
		}
		switch KindOf(err) {
		case KindConnectionFailed, KindProtocolError, KindTimeout:
			c.cache.Evict(parts.Host)
			c.opts.Logger.Debug("h3 attempt failed, demoting host",
				"host", parts.Host, "error", err)
			if atomic.LoadInt64(&delivered) == 0 {
				break // clean retry over H2
			}
			return env, err
		default:
			return env, err
		}
		env2, err2 := run(c.h2, &delivered)
		c.learnFrom(parts.Host, env2, err2)
		return env2, err2
	}

	// Cache silent: discover via H2 rather than paying a speculative H3
	// handshake; the Alt-Svc answer upgrades the next request.
	env, err2 := run(c.h2, &delivered)
	c.learnFrom(parts.Host, env, err2)
	return env, err2
}

func (c *Client) learnFrom(host string, env *Envelope, err error) {
	if err != nil || env == nil || env.AltSvc == "" {
		return
	}
	c.cache.Learn(host, env.AltSvc)
}

// Close releases idle connections and QUIC state.
func (c *Client) Close() {
	c.h2.Close()
	c.h3.Close()
	if c.h1 != nil {
		c.h1.Close()
	}
}
