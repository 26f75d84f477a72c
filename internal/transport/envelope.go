// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transport

import "net/http"

// Protocol identifies the wire protocol a response was served over.
type Protocol string

const (
	ProtocolH3    Protocol = "h3"
	ProtocolH2    Protocol = "h2"
	ProtocolHTTP1 Protocol = "http/1.1"
)

// Envelope is the response surface shared by all transports. Body is
// populated only for full (small-response) fetches; streamed downloads
// deliver their bytes through the caller's BodyFunc instead.
type Envelope struct {
	StatusCode int
	Headers    http.Header
	Protocol   Protocol
	AltSvc     string
	Body       []byte

	// BytesConsumed counts body bytes delivered, buffered or streamed.
	BytesConsumed int64
}

// BodyFunc receives response body bytes as they arrive. off is the byte
// offset of p within the response body, starting at zero. Returning an
// error aborts the transfer.
type BodyFunc func(p []byte, off int64) error

func protocolOf(resp *http.Response) Protocol {
	switch resp.Proto {
	case "HTTP/3.0":
		return ProtocolH3
	case "HTTP/2.0":
		return ProtocolH2
	default:
		return ProtocolHTTP1
	}
}

func envelopeFrom(resp *http.Response) *Envelope {
	return &Envelope{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Protocol:   protocolOf(resp),
		AltSvc:     resp.Header.Get("Alt-Svc"),
	}
}
