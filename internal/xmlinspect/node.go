// Package xmlinspect classifies a raw XML blob as an NFe, a CTe, or a
// cancellation-class event for either, and extracts the fields the
// archiver needs to place it: key, emission timestamp, and direction
// relative to the target company (spec component C2).
package xmlinspect

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// node is a generic XML element tree. encoding/xml.Name.Local already
// strips namespace prefixes, so walking a node tree by Name gives the
// local-name() matching the original extraction logic relied on.
type node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*node
}

// parseTree decodes blob into a generic node tree rooted at the document
// element. Returns types.ErrUnreadableXML-wrapped error on malformed XML
// (checked by the caller, not here, to keep this file free of the types
// import).
func parseTree(blob []byte) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(string(blob)))
	dec.Strict = false

	var root *node
	stack := []*node{}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml decode: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{Name: t.Name.Local, Attrs: map[string]string{}}
			for _, a := range t.Attr {
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				cur := stack[len(stack)-1]
				cur.Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("xml decode: no root element")
	}
	return root, nil
}

// findAnywhere performs a depth-first search for the first descendant
// (not including n itself) named local. Mirrors `.//*[local-name()=...]`.
func findAnywhere(n *node, local string) *node {
	for _, c := range n.Children {
		if c.Name == local {
			return c
		}
		if found := findAnywhere(c, local); found != nil {
			return found
		}
	}
	return nil
}

// findChild returns the direct child of n named local, or nil.
func findChild(n *node, local string) *node {
	for _, c := range n.Children {
		if c.Name == local {
			return c
		}
	}
	return nil
}

// text returns the first descendant of n named local's trimmed text, or
// "" if absent. Mirrors `.//*[local-name()="local"]/text()`.
func text(n *node, local string) string {
	found := findAnywhere(n, local)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Text)
}
