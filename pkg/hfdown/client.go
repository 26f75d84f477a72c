// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/thealgebraist/hfdown/internal/transport"
)

// DefaultEndpoint is the default registry base URL. Override via
// Settings.Mirror for mirrors or enterprise deployments.
const DefaultEndpoint = "https://huggingface.co"

const userAgent = "hfdown/1"

// Client talks to the registry's metadata API through a protocol-selecting
// transport. Download workers create their own transport clients; this one
// serves the small-response endpoints.
type Client struct {
	base  string
	token string
	http  *transport.Client
}

// NewClient builds a metadata client from cfg.
func NewClient(cfg Settings) *Client {
	return &Client{
		base:  endpointOf(cfg),
		token: cfg.Token,
		http:  newTransportClient(cfg, nil),
	}
}

// Close releases the underlying transports.
func (c *Client) Close() { c.http.Close() }

func endpointOf(cfg Settings) string {
	if cfg.Mirror == "" {
		return DefaultEndpoint
	}
	return strings.TrimSuffix(cfg.Mirror, "/")
}

func newTransportClient(cfg Settings, cache *transport.AltSvcCache) *transport.Client {
	return transport.NewClient(transport.Options{
		Override:   transport.Protocol(cfg.Protocol),
		Cache:      cache,
		BufferSize: cfg.BufferKiB << 10,
	})
}

func baseHeaders(token string) *transport.HeaderSet {
	hdr := transport.NewHeaderSet(
		"Accept", "*/*",
		"User-Agent", userAgent,
	)
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	return hdr
}

// treeURL builds the recursive tree-listing endpoint for a job.
func treeURL(base string, job Job) string {
	return fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true",
		base, job.Repo, url.PathEscape(job.Revision))
}

// resolveURL builds the file content endpoint; the registry may redirect
// it to a CDN.
func resolveURL(base string, job Job, path string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s",
		base, job.Repo, url.PathEscape(job.Revision), pathEscapeAll(path))
}

// pathEscapeAll escapes each path segment separately; the separating
// slashes must stay literal.
func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}

// ModelInfo fetches and parses the repository tree. Registry error
// statuses are remapped: 404 to ErrNotFound, 401/403 to ErrAuthRequired.
func (c *Client) ModelInfo(ctx context.Context, job Job) (*Listing, error) {
	reqURL := treeURL(c.base, job)
	env, err := c.http.GetFull(ctx, reqURL, baseHeaders(c.token))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", job.Repo, err)
	}
	if env.StatusCode >= 400 {
		return nil, &APIError{StatusCode: env.StatusCode, URL: reqURL}
	}
	return ParseListing(job.Repo, bytes.NewReader(env.Body)), nil
}

// ResolveURL exposes the content URL for one file of a job.
func (c *Client) ResolveURL(job Job, path string) string {
	return resolveURL(c.base, job, path)
}

// Probe performs one protocol-selected GET and reports the negotiated
// protocol and Alt-Svc advertisement; a second call to the same host
// exercises the learned preference.
func (c *Client) Probe(ctx context.Context, rawURL string) (protocol, altSvc string, status int, err error) {
	env, err := c.http.GetFull(ctx, rawURL, baseHeaders(c.token))
	if err != nil {
		return "", "", 0, err
	}
	return string(env.Protocol), env.AltSvc, env.StatusCode, nil
}
