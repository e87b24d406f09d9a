package page

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"

	"annc/common"
	"annc/utils/debug"
)

type xhtmlDocument struct {
	doc *etree.Document
	// nil when page is written as UTF-8
	enc encoding.Encoding
}

// XHTML pages written by hand often use HTML named character references
// without declaring them, so reading is permissive and knows all of them.
func readSettings() etree.ReadSettings {
	return etree.ReadSettings{
		CharsetReader: charset.NewReaderLabel,
		Entity:        xml.HTMLEntity,
		ValidateInput: false,
		Permissive:    true,
	}
}

func parseXHTML(data []byte, decoded bool) (*xhtmlDocument, error) {
	d := &xhtmlDocument{doc: etree.NewDocument()}

	// reader is only called for declarations other than UTF-8
	var label string
	d.doc.ReadSettings = readSettings()
	d.doc.ReadSettings.CharsetReader = func(name string, input io.Reader) (io.Reader, error) {
		if decoded {
			return input, nil
		}
		label = name
		return charset.NewReaderLabel(name, input)
	}
	d.doc.WriteSettings = etree.WriteSettings{
		CanonicalText:    true,
		CanonicalAttrVal: true,
	}
	if _, err := d.doc.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("unable to parse XHTML page: %w", err)
	}
	if d.doc.Root() == nil {
		return nil, fmt.Errorf("unable to parse XHTML page: no root element")
	}
	if enc, name := charset.Lookup(label); enc != nil && name != "utf-8" {
		d.enc = enc
	}
	return d, nil
}

func (d *xhtmlDocument) Mode() common.DocumentMode {
	return common.DocumentModeXHTML
}

// wrapperTag never leaves this package, it only gives fragment a single root
// so it could be read as XML.
const wrapperTag = "annc-fragment"

func (d *xhtmlDocument) InsertAfter(anchorID, container, markup string) error {
	anchor := findElementByID(d.doc.Root(), anchorID)
	if anchor == nil {
		return fmt.Errorf("%w: #%s", ErrNoAnchor, anchorID)
	}
	if anchor == d.doc.Root() {
		// XML document cannot have second root
		return fmt.Errorf("%w: #%s is the root element", ErrNoAnchor, anchorID)
	}

	frag := etree.NewDocument()
	frag.ReadSettings = readSettings()
	if err := frag.ReadFromString("<" + wrapperTag + ">" + markup + "</" + wrapperTag + ">"); err != nil {
		return fmt.Errorf("unable to parse fragment: %w", err)
	}

	box := etree.NewElement(container)
	if wrapper := frag.Root(); wrapper != nil {
		for _, tok := range append([]etree.Token(nil), wrapper.Child...) {
			box.AddChild(tok)
		}
	}
	anchor.Parent().InsertChildAt(anchor.Index()+1, box)
	return nil
}

// WriteTo keeps XML declaration as is, so content is encoded back into
// declared encoding.
func (d *xhtmlDocument) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	ew := encodingWriter(cw, d.enc)
	if _, err := d.doc.WriteTo(ew); err != nil {
		return cw.n, err
	}
	err := ew.Close()
	return cw.n, err
}

func findElementByID(e *etree.Element, id string) *etree.Element {
	if e == nil {
		return nil
	}
	for _, a := range e.Attr {
		if a.Space == "" && a.Key == "id" && a.Value == id {
			return e
		}
	}
	for _, c := range e.ChildElements() {
		if found := findElementByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func (d *xhtmlDocument) String() string {
	tw := debug.NewTreeWriter()
	tw.Line(0, "XHTML document")
	dumpXHTML(tw, d.doc.Root(), 1)
	return tw.String()
}

func dumpXHTML(tw *debug.TreeWriter, e *etree.Element, depth int) {
	if e == nil {
		return
	}
	attrs := make([]string, 0, 2*len(e.Attr))
	for _, a := range e.Attr {
		attrs = append(attrs, a.FullKey(), a.Value)
	}
	tw.Element(depth, e.FullTag(), attrs...)
	for _, tok := range e.Child {
		switch t := tok.(type) {
		case *etree.Element:
			dumpXHTML(tw, t, depth+1)
		case *etree.CharData:
			if strings.TrimSpace(t.Data) != "" {
				tw.TextBlock(depth+1, "text", t.Data)
			}
		case *etree.Comment:
			tw.TextBlock(depth+1, "comment", t.Data)
		}
	}
}
