// Package page keeps parsed page trees and performs fragment insertion.
package page

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"annc/common"
)

// ErrNoAnchor is returned when there is no element with requested id in the
// document at insertion time.
var ErrNoAnchor = errors.New("anchor element not found")

// Document is a parsed page. After InsertAfter succeeded the document owns
// inserted nodes.
type Document interface {
	// InsertAfter creates new element named container, sets its content to
	// markup as is and inserts it immediately after element with id equal to
	// anchorID. If there is no such element document is left unchanged and
	// ErrNoAnchor is returned. Calling it again inserts another container.
	InsertAfter(anchorID, container, markup string) error
	// WriteTo serializes the document.
	WriteTo(w io.Writer) (int64, error)
	// Mode returns flavor of the document.
	Mode() common.DocumentMode
	// String returns tree dump for debugging.
	String() string
}

var reXHTML = regexp.MustCompile(`(?is)^\s*(<\?xml[\s?]|(<!--.*?-->\s*|<!DOCTYPE[^>]*>\s*)*<html[^>]*xmlns\s*=\s*["']http://www\.w3\.org/1999/xhtml["'])`)

// DetectMode decides how to parse page: XML declaration or XHTML namespace on
// the root element select XHTML, anything else is HTML.
func DetectMode(data []byte) common.DocumentMode {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	if reXHTML.Match(head) {
		return common.DocumentModeXHTML
	}
	return common.DocumentModeHTML
}

// Parse reads the whole page and builds document tree. For DocumentModeAuto
// flavor is selected by DetectMode. Page encoding is detected from BOM,
// meta tags or XML declaration and the document is written back in the same
// encoding.
func Parse(r io.Reader, mode common.DocumentMode) (Document, error) {
	return parse(r, mode, false)
}

// ParseDecoded is Parse for pages caller already converted to UTF-8.
// Encoding declarations inside the page are ignored on reading and kept
// as is, document is written as UTF-8.
func ParseDecoded(r io.Reader, mode common.DocumentMode) (Document, error) {
	return parse(r, mode, true)
}

func parse(r io.Reader, mode common.DocumentMode, decoded bool) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read page: %w", err)
	}
	if mode == common.DocumentModeAuto {
		mode = DetectMode(data)
	}
	switch mode {
	case common.DocumentModeHTML:
		return parseHTML(data, decoded)
	case common.DocumentModeXHTML:
		return parseXHTML(data, decoded)
	default:
		return nil, fmt.Errorf("unsupported document mode %s", mode)
	}
}

// encodingWriter returns writer converting UTF-8 into enc. Characters enc
// cannot represent are written as numeric character references. Returned
// writer must be closed to flush.
func encodingWriter(w io.Writer, enc encoding.Encoding) io.WriteCloser {
	if enc == nil {
		return nopCloser{w}
	}
	return transform.NewWriter(w, encoding.HTMLEscapeUnsupported(enc.NewEncoder()))
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
