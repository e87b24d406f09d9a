// Package common holds small types shared between configuration and
// processing packages.
package common

import (
	"fmt"
	"strings"
)

// Specification of how pages are parsed.
type DocumentMode int

const (
	// DocumentModeAuto selects parser by looking at page content.
	DocumentModeAuto DocumentMode = iota
	// DocumentModeHTML is forgiving HTML5 parsing.
	DocumentModeHTML
	// DocumentModeXHTML is XML parsing of XHTML pages.
	DocumentModeXHTML
)

var documentModeNames = []string{"auto", "html", "xhtml"}

func (m DocumentMode) String() string {
	if m < 0 || int(m) >= len(documentModeNames) {
		return fmt.Sprintf("DocumentMode(%d)", int(m))
	}
	return documentModeNames[m]
}

// IsValid reports whether m is one of the defined modes.
func (m DocumentMode) IsValid() bool {
	return m >= 0 && int(m) < len(documentModeNames)
}

// DocumentModeNames returns list of possible mode names.
func DocumentModeNames() []string {
	return append([]string(nil), documentModeNames...)
}

// ParseDocumentMode converts name to DocumentMode, case insensitive.
func ParseDocumentMode(name string) (DocumentMode, error) {
	for i, n := range documentModeNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return DocumentMode(i), nil
		}
	}
	return DocumentModeAuto, fmt.Errorf("%q is not a valid document mode, try [%s]", name, strings.Join(documentModeNames, ", "))
}

func (m DocumentMode) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("unable to marshal invalid document mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *DocumentMode) UnmarshalText(text []byte) error {
	v, err := ParseDocumentMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
