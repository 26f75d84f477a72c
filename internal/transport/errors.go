// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// ErrorKind classifies transport failures. The protocol selector keys its
// fall-through decisions on the kind, not on the concrete error value.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidURL
	KindDNSFailure
	KindConnectionFailed
	KindProtocolError
	KindHTTPStatus
	KindTimeout
	KindFileWrite
	KindChecksumMismatch
	KindNotFound
	KindAuthRequired
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid url"
	case KindDNSFailure:
		return "dns failure"
	case KindConnectionFailed:
		return "connection failed"
	case KindProtocolError:
		return "protocol error"
	case KindHTTPStatus:
		return "http status error"
	case KindTimeout:
		return "timeout"
	case KindFileWrite:
		return "file write error"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindNotFound:
		return "not found"
	case KindAuthRequired:
		return "auth required"
	case KindParse:
		return "parse error"
	default:
		return "unknown"
	}
}

// Error carries a kind plus the failing URL and, for KindHTTPStatus,
// the response status code.
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("%s: HTTP %d (%s)", e.Kind, e.Status, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.URL)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}

func newError(kind ErrorKind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}

func statusError(url string, status int) *Error {
	return &Error{Kind: KindHTTPStatus, URL: url, Status: status}
}

// classifyH3 maps quic-go failures onto error kinds: handshake/dial
// failures become KindConnectionFailed, stream-level failures
// KindProtocolError, and idle or deadline expiry KindTimeout. The selector
// demotes the host on any of these three.
func classifyH3(url string, err error) *Error {
	if err == nil {
		return nil
	}
	var (
		handshakeErr *quic.HandshakeTimeoutError
		idleErr      *quic.IdleTimeoutError
		transportErr *quic.TransportError
		appErr       *quic.ApplicationError
		streamErr    *quic.StreamError
		vnErr        *quic.VersionNegotiationError
		resetErr     *quic.StatelessResetError
		h3Err        *http3.Error
		dnsErr       *net.DNSError
		netErr       net.Error
	)
	switch {
	case errors.As(err, &dnsErr):
		return newError(KindDNSFailure, url, err)
	case errors.As(err, &handshakeErr), errors.As(err, &vnErr):
		return newError(KindConnectionFailed, url, err)
	case errors.As(err, &idleErr):
		return newError(KindTimeout, url, err)
	case errors.As(err, &streamErr), errors.As(err, &appErr), errors.As(err, &h3Err):
		return newError(KindProtocolError, url, err)
	case errors.As(err, &transportErr):
		// CONNECTION_CLOSE during the handshake and transport-level
		// protocol violations both end the connection.
		return newError(KindConnectionFailed, url, err)
	case errors.As(err, &resetErr):
		return newError(KindConnectionFailed, url, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, url, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindTimeout, url, err)
	case errors.As(err, &netErr), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
		return newError(KindConnectionFailed, url, err)
	default:
		return newError(KindConnectionFailed, url, err)
	}
}

// classifyH2 maps net/http client failures.
func classifyH2(url string, err error) *Error {
	if err == nil {
		return nil
	}
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	switch {
	case errors.As(err, &dnsErr):
		return newError(KindDNSFailure, url, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, url, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindTimeout, url, err)
	case errors.As(err, &netErr):
		return newError(KindConnectionFailed, url, err)
	default:
		return newError(KindConnectionFailed, url, err)
	}
}
