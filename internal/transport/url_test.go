// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want URLParts
		ok   bool
	}{
		{"https default port", "https://huggingface.co/api", URLParts{"https", "huggingface.co", 443, "/api"}, true},
		{"http default port", "http://example.com", URLParts{"http", "example.com", 80, "/"}, true},
		{"explicit port", "https://cdn.example.com:8443/repo/x", URLParts{"https", "cdn.example.com", 8443, "/repo/x"}, true},
		{"query preserved", "https://h.co/api/models/x/tree/main?recursive=true", URLParts{"https", "h.co", 443, "/api/models/x/tree/main?recursive=true"}, true},
		{"ipv6 literal", "https://[2001:db8::1]:8080/f", URLParts{"https", "2001:db8::1", 8080, "/f"}, true},
		{"port zero rejected", "https://example.com:0/", URLParts{}, false},
		{"port too large", "https://example.com:70000/", URLParts{}, false},
		{"bad scheme", "ftp://example.com/", URLParts{}, false},
		{"missing host", "https:///path", URLParts{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.in)
			if !tt.ok {
				require.Error(t, err)
				assert.Equal(t, KindInvalidURL, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostPortBracketsIPv6(t *testing.T) {
	p := URLParts{Scheme: "https", Host: "2001:db8::1", Port: 443}
	assert.Equal(t, "[2001:db8::1]:443", p.HostPort())
	p = URLParts{Scheme: "https", Host: "example.com", Port: 8443}
	assert.Equal(t, "example.com:8443", p.HostPort())
}

func TestHeaderSetLastWriteWins(t *testing.T) {
	h := NewHeaderSet("Accept", "*/*")
	h.Set("authorization", "Bearer a")
	h.Set("Authorization", "Bearer b")

	assert.Equal(t, "Bearer b", h.Get("AUTHORIZATION"))
	assert.Equal(t, 2, h.Len())

	var names []string
	h.Range(func(name, _ string) { names = append(names, name) })
	// replacement keeps position but adopts the latest spelling
	assert.Equal(t, []string{"Accept", "Authorization"}, names)
}

func TestHeaderSetDelAndClone(t *testing.T) {
	h := NewHeaderSet("Range", "bytes=0-99", "Accept", "*/*")
	c := h.Clone()

	require.True(t, h.Del("range"))
	require.False(t, h.Del("range"))
	assert.Equal(t, "", h.Get("Range"))

	// the clone is unaffected
	assert.Equal(t, "bytes=0-99", c.Get("Range"))

	var nilSet *HeaderSet
	assert.Equal(t, 0, nilSet.Clone().Len())
}

func TestRangeValues(t *testing.T) {
	assert.Equal(t, "bytes=0-99", rangeValue(0, 99))
	assert.Equal(t, "bytes=1048576-", resumeValue(1 << 20))
}

func TestAdvertisesH3(t *testing.T) {
	tests := []struct {
		altSvc string
		want   bool
	}{
		{`h3=":443"; ma=2592000`, true},
		{`h3=":443"; ma=2592000,h3-29=":443"; ma=2592000`, true},
		{`h3-29=":443"`, false},
		{`h2=":443"`, false},
		{``, false},
		{`H3=":443"`, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AdvertisesH3(tt.altSvc), tt.altSvc)
	}
}
