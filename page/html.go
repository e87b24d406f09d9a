package page

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"annc/common"
	"annc/utils/debug"
)

type htmlDocument struct {
	root *html.Node
	// nil when page is written as UTF-8
	enc encoding.Encoding
	bom bool
}

func parseHTML(data []byte, decoded bool) (*htmlDocument, error) {
	d := &htmlDocument{}

	var r io.Reader = bytes.NewReader(data)
	if !decoded {
		enc, name, certain := charset.DetermineEncoding(data, "")
		// undeclared pure ASCII is guessed as windows-1252, keep it UTF-8
		if name != "utf-8" && (certain || !utf8.Valid(data)) {
			d.enc = enc
		}
		d.bom = hasBOM(data)
		r = transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder()))
	}

	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("unable to parse HTML page: %w", err)
	}
	d.root = root
	return d, nil
}

func hasBOM(data []byte) bool {
	for _, bom := range [][]byte{{0xef, 0xbb, 0xbf}, {0xfe, 0xff}, {0xff, 0xfe}} {
		if bytes.HasPrefix(data, bom) {
			return true
		}
	}
	return false
}

func (d *htmlDocument) Mode() common.DocumentMode {
	return common.DocumentModeHTML
}

func (d *htmlDocument) InsertAfter(anchorID, container, markup string) error {
	anchor := findByID(d.root, anchorID)
	if anchor == nil {
		return fmt.Errorf("%w: #%s", ErrNoAnchor, anchorID)
	}

	container = strings.ToLower(container)
	box := &html.Node{
		Type:     html.ElementNode,
		Data:     container,
		DataAtom: atom.Lookup([]byte(container)),
	}
	// parse markup in the context of container, same as setting innerHTML
	nodes, err := html.ParseFragment(strings.NewReader(markup), box)
	if err != nil {
		return fmt.Errorf("unable to parse fragment: %w", err)
	}
	for _, n := range nodes {
		box.AppendChild(n)
	}
	anchor.Parent.InsertBefore(box, anchor.NextSibling)
	return nil
}

func (d *htmlDocument) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	ew := encodingWriter(cw, d.enc)
	if d.bom {
		if _, err := io.WriteString(ew, "\ufeff"); err != nil {
			return cw.n, err
		}
	}
	if err := html.Render(ew, d.root); err != nil {
		return cw.n, err
	}
	err := ew.Close()
	return cw.n, err
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Namespace == "" && a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func (d *htmlDocument) String() string {
	tw := debug.NewTreeWriter()
	tw.Line(0, "HTML document")
	dumpHTML(tw, d.root, 1)
	return tw.String()
}

func dumpHTML(tw *debug.TreeWriter, n *html.Node, depth int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			attrs := make([]string, 0, 2*len(c.Attr))
			for _, a := range c.Attr {
				attrs = append(attrs, a.Key, a.Val)
			}
			tw.Element(depth, c.Data, attrs...)
			dumpHTML(tw, c, depth+1)
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				tw.TextBlock(depth, "text", c.Data)
			}
		case html.CommentNode:
			tw.TextBlock(depth, "comment", c.Data)
		case html.DoctypeNode:
			tw.Line(depth, "<!DOCTYPE %s>", c.Data)
		}
	}
}
