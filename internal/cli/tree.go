// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/thealgebraist/hfdown/internal/tui"
	"github.com/thealgebraist/hfdown/pkg/hfdown"
)

type treeNode struct {
	name     string
	isFile   bool
	entry    *hfdown.Entry
	children map[string]*treeNode
}

func newTreeNode(name string, isFile bool) *treeNode {
	return &treeNode{name: name, isFile: isFile, children: make(map[string]*treeNode)}
}

func buildTree(entries []hfdown.Entry) *treeNode {
	root := newTreeNode("", false)
	for i := range entries {
		e := &entries[i]
		parts := strings.Split(e.Path, "/")
		cur := root
		for j, part := range parts {
			isFile := j == len(parts)-1
			next, exists := cur.children[part]
			if !exists {
				next = newTreeNode(part, isFile)
				if isFile {
					next.entry = e
				}
				cur.children[part] = next
			}
			cur = next
		}
	}
	return root
}

// printFileTree renders the listing as an indented tree with sizes and a
// verification marker for entries carrying a content hash.
func printFileTree(w io.Writer, entries []hfdown.Entry) {
	printNode(w, buildTree(entries), "", true)
}

func printNode(w io.Writer, n *treeNode, prefix string, isLast bool) {
	if n.name != "" {
		marker := "├── "
		if isLast {
			marker = "└── "
		}
		detail := ""
		if n.isFile && n.entry != nil {
			detail = tui.FormatBytes(n.entry.Size)
			if n.entry.Hash != "" {
				detail += " (sha256)"
			}
		}
		fmt.Fprintf(w, "%s%s%s %s\n", prefix, marker, n.name, detail)
	}

	children := make([]*treeNode, 0, len(n.children))
	for _, child := range n.children {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].isFile != children[j].isFile {
			return !children[i].isFile
		}
		return children[i].name < children[j].name
	})

	for i, child := range children {
		next := prefix
		if n.name != "" {
			if isLast {
				next += "    "
			} else {
				next += "│   "
			}
		}
		printNode(w, child, next, i == len(children)-1)
	}
}
