// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hfdown

import (
	"encoding/json"
	"io"
	"strings"
)

// Entry is one file in the remote tree.
type Entry struct {
	// Path is the POSIX-style relative path within the repository.
	Path string
	// Size is the file's byte count (zero is valid).
	Size int64
	// Hash is the hex SHA-256 from the remote's LFS metadata: 64 lowercase
	// hex characters, or empty when the remote did not publish one.
	Hash string
}

// Listing is the parsed tree of one repository. Read-only after parsing.
type Listing struct {
	Repo    string
	Entries []Entry
}

// TotalBytes sums the entry sizes.
func (l *Listing) TotalBytes() int64 {
	var n int64
	for _, e := range l.Entries {
		n += e.Size
	}
	return n
}

// Find returns the entry at path, if present.
func (l *Listing) Find(path string) (Entry, bool) {
	for _, e := range l.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// ParseListing consumes a registry tree response as a token stream and
// yields one Entry per node with type "file" and a non-empty path,
// without materialising the tree. It is not a validator: a malformed body
// terminates the walk and yields the entries parsed so far.
func ParseListing(repo string, r io.Reader) *Listing {
	l := &Listing{Repo: repo}
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return l
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return l
	}
	for dec.More() {
		e, ok := parseTreeNode(dec)
		if !ok {
			return l
		}
		if e != nil {
			l.Entries = append(l.Entries, *e)
		}
	}
	_, _ = dec.Token() // closing bracket
	return l
}

// treeNode accumulates per-object state between the braces.
type treeNode struct {
	typ     string
	path    string
	oid     string
	size    int64
	lfsOID  string
	lfsSize int64
}

func parseTreeNode(dec *json.Decoder) (*Entry, bool) {
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, false
	}

	var n treeNode
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, _ := keyTok.(string)
		switch key {
		case "type":
			s, ok := readString(dec)
			if !ok {
				return nil, false
			}
			n.typ = s
		case "path":
			s, ok := readString(dec)
			if !ok {
				return nil, false
			}
			n.path = s
		case "size":
			v, ok := readNumber(dec)
			if !ok {
				return nil, false
			}
			n.size = v
		case "oid":
			s, ok := readString(dec)
			if !ok {
				return nil, false
			}
			n.oid = s
		case "lfs":
			if !parseLFS(dec, &n) {
				return nil, false
			}
		default:
			if !skipValue(dec) {
				return nil, false
			}
		}
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return nil, false
	}

	if n.typ != "file" || n.path == "" {
		return nil, true
	}
	size := n.size
	if n.lfsSize > 0 {
		size = n.lfsSize
	}
	// The oid captured inside lfs overrides any outer-level oid (which is
	// the git blob hash, not a content hash).
	oid := n.lfsOID
	if oid == "" {
		oid = n.oid
	}
	return &Entry{Path: n.path, Size: size, Hash: normalizeHash(oid)}, true
}

// parseLFS walks the nested lfs object with the same scanner discipline.
func parseLFS(dec *json.Decoder, n *treeNode) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return true // lfs: null and friends
	}
	if d != '{' {
		return drainFrom(dec, d)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return false
		}
		key, _ := keyTok.(string)
		switch key {
		case "oid":
			s, ok := readString(dec)
			if !ok {
				return false
			}
			n.lfsOID = s
		case "size":
			v, ok := readNumber(dec)
			if !ok {
				return false
			}
			n.lfsSize = v
		default:
			if !skipValue(dec) {
				return false
			}
		}
	}
	_, err = dec.Token() // closing brace
	return err == nil
}

func readString(dec *json.Decoder) (string, bool) {
	tok, err := dec.Token()
	if err != nil {
		return "", false
	}
	if d, ok := tok.(json.Delim); ok {
		return "", drainFrom(dec, d)
	}
	s, _ := tok.(string)
	return s, true
}

func readNumber(dec *json.Decoder) (int64, bool) {
	tok, err := dec.Token()
	if err != nil {
		return 0, false
	}
	if d, ok := tok.(json.Delim); ok {
		return 0, drainFrom(dec, d)
	}
	if num, ok := tok.(json.Number); ok {
		v, err := num.Int64()
		if err == nil {
			return v, true
		}
	}
	return 0, true
}

func skipValue(dec *json.Decoder) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	if d, ok := tok.(json.Delim); ok {
		return drainFrom(dec, d)
	}
	return true
}

// drainFrom consumes a nested value whose opening delimiter has already
// been read.
func drainFrom(dec *json.Decoder, open json.Delim) bool {
	if open == '}' || open == ']' {
		return false // unbalanced
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return true
}

// normalizeHash accepts exactly 64 hex characters and returns them
// lowercased; anything else is treated as "no hash published".
func normalizeHash(s string) string {
	if len(s) != 64 {
		return ""
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return ""
		}
	}
	return strings.ToLower(s)
}

// canonicalNode is the serialised shape of the fields the parser observes.
type canonicalNode struct {
	Type string        `json:"type"`
	Path string        `json:"path"`
	Size int64         `json:"size"`
	LFS  *canonicalLFS `json:"lfs,omitempty"`
}

type canonicalLFS struct {
	Oid  string `json:"oid"`
	Size int64  `json:"size"`
}

// CanonicalJSON serialises the listing such that parsing it again yields
// the same entry sequence.
func (l *Listing) CanonicalJSON() ([]byte, error) {
	nodes := make([]canonicalNode, 0, len(l.Entries))
	for _, e := range l.Entries {
		n := canonicalNode{Type: "file", Path: e.Path, Size: e.Size}
		if e.Hash != "" {
			n.LFS = &canonicalLFS{Oid: e.Hash, Size: e.Size}
		}
		nodes = append(nodes, n)
	}
	return json.MarshalIndent(nodes, "", "  ")
}
