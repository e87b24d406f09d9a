package inject

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
	"golang.org/x/text/transform"

	"annc/archive"
)

type srcEncoding int

const (
	encUnknown srcEncoding = iota
	encUTF8
	encUTF16BigEndian
	encUTF16LittleEndian
	encUTF32BigEndian
	encUTF32LittleEndian
)

func (e srcEncoding) String() string {
	switch e {
	case encUTF8:
		return "utf8"
	case encUTF16BigEndian:
		return "utf16be"
	case encUTF16LittleEndian:
		return "utf16le"
	case encUTF32BigEndian:
		return "utf32be"
	case encUTF32LittleEndian:
		return "utf32le"
	default:
		return "unknown"
	}
}

// enough to see doctype, xml declaration or html element after leading comments
const sniffLen = 1024

var typePage = filetype.NewType("html", "text/html")

func init() {
	filetype.AddMatcher(typePage, pageMatcher)
}

// pageMatcher expects UTF-8 text without BOM.
func pageMatcher(buf []byte) bool {
	head := bytes.ToLower(bytes.TrimLeft(buf, " \t\r\n"))
	switch {
	case bytes.HasPrefix(head, []byte("<!doctype html")), bytes.HasPrefix(head, []byte("<html")):
		return true
	case bytes.HasPrefix(head, []byte("<?xml")), bytes.HasPrefix(head, []byte("<!--")):
		// declaration or comments before the root element
		return bytes.Contains(head, []byte("<html"))
	}
	return false
}

func isPageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	return false
}

func isUTF8BOM3(buf []byte) bool {
	return buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF
}

func isUTF16BigEndianBOM2(buf []byte) bool {
	return buf[0] == 0xFE && buf[1] == 0xFF
}

func isUTF16LittleEndianBOM2(buf []byte) bool {
	return buf[0] == 0xFF && buf[1] == 0xFE
}

func isUTF32BigEndianBOM4(buf []byte) bool {
	return buf[0] == 0x00 && buf[1] == 0x00 && buf[2] == 0xFE && buf[3] == 0xFF
}

func isUTF32LittleEndianBOM4(buf []byte) bool {
	return buf[0] == 0xFF && buf[1] == 0xFE && buf[2] == 0x00 && buf[3] == 0x00
}

func detectUTF(buf []byte) srcEncoding {
	// UTF-32 first, its little endian BOM starts with UTF-16 one
	if len(buf) >= 4 {
		if isUTF32BigEndianBOM4(buf) {
			return encUTF32BigEndian
		}
		if isUTF32LittleEndianBOM4(buf) {
			return encUTF32LittleEndian
		}
	}
	if len(buf) >= 3 && isUTF8BOM3(buf) {
		return encUTF8
	}
	if len(buf) >= 2 {
		if isUTF16BigEndianBOM2(buf) {
			return encUTF16BigEndian
		}
		if isUTF16LittleEndianBOM2(buf) {
			return encUTF16LittleEndian
		}
	}
	return encUnknown
}

// selectReader returns reader producing UTF-8 without BOM for Unicode
// encodings. Pages without BOM are left to the parser to figure out.
func selectReader(r io.Reader, enc srcEncoding) io.Reader {
	switch enc {
	case encUnknown:
		return r
	case encUTF8:
		return transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
	case encUTF16BigEndian:
		return transform.NewReader(r, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder())
	case encUTF16LittleEndian:
		return transform.NewReader(r, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	case encUTF32BigEndian:
		return transform.NewReader(r, utf32.UTF32(utf32.BigEndian, utf32.ExpectBOM).NewDecoder())
	case encUTF32LittleEndian:
		return transform.NewReader(r, utf32.UTF32(utf32.LittleEndian, utf32.ExpectBOM).NewDecoder())
	}
	panic(fmt.Sprintf("unexpected source encoding %d", enc))
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// selectWriter is the reverse of selectReader: it encodes UTF-8 back into
// source encoding and puts BOM in front. Close must be called to flush.
func selectWriter(w io.Writer, enc srcEncoding) io.WriteCloser {
	switch enc {
	case encUnknown:
		return nopWriteCloser{w}
	case encUTF8:
		return transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	case encUTF16BigEndian:
		return transform.NewWriter(w, unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder())
	case encUTF16LittleEndian:
		return transform.NewWriter(w, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder())
	case encUTF32BigEndian:
		return transform.NewWriter(w, utf32.UTF32(utf32.BigEndian, utf32.UseBOM).NewEncoder())
	case encUTF32LittleEndian:
		return transform.NewWriter(w, utf32.UTF32(utf32.LittleEndian, utf32.UseBOM).NewEncoder())
	}
	panic(fmt.Sprintf("unexpected source encoding %d", enc))
}

// sniffPage looks at the beginning of the content to see if it is a page.
func sniffPage(head []byte) (bool, srcEncoding) {
	enc := detectUTF(head)
	if enc != encUnknown {
		// partial code points at the end of the head are not an error
		decoded, _ := io.ReadAll(selectReader(bytes.NewReader(head), enc))
		head = decoded
	}
	return filetype.IsType(head, typePage), enc
}

func readHead(r io.Reader) ([]byte, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return head[:n], nil
}

func isArchiveFile(fname string) (bool, error) {
	return archive.IsArchive(fname)
}

func isPageFile(fname string) (bool, srcEncoding, error) {
	if !isPageName(fname) {
		return false, encUnknown, nil
	}

	f, err := os.Open(fname)
	if err != nil {
		return false, encUnknown, err
	}
	defer f.Close()

	head, err := readHead(f)
	if err != nil {
		return false, encUnknown, err
	}
	ok, enc := sniffPage(head)
	return ok, enc, nil
}

func isPageInArchive(f *zip.File) (bool, srcEncoding, error) {
	if !isPageName(f.FileHeader.Name) {
		return false, encUnknown, nil
	}

	r, err := f.Open()
	if err != nil {
		return false, encUnknown, err
	}
	defer r.Close()

	head, err := readHead(r)
	if err != nil {
		return false, encUnknown, err
	}
	ok, enc := sniffPage(head)
	return ok, enc, nil
}
