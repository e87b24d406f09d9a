// Package fragment reads the static announcement resource. Every failure is
// reported as ErrFetch: network errors, missing resources and non-success
// statuses are not distinguished by callers.
package fragment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html/charset"

	"annc/archive"
)

// ErrFetch is the single kind of error returned by sources.
var ErrFetch = errors.New("unable to fetch fragment")

// Fragment is the raw markup read from the static resource. It is not
// validated or parsed in any way.
type Fragment struct {
	Name     string
	Location string
	Markup   string
}

// Source performs one outbound read of a static resource by name.
type Source interface {
	Fetch(ctx context.Context, name string) (*Fragment, error)
	// Base returns location names are resolved against.
	Base() string
}

// NewSource selects source implementation from base location: http(s) URL,
// zip archive (optionally followed by path inside it) or directory.
func NewSource(base string) (Source, error) {
	if u, err := url.Parse(base); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if len(u.Host) == 0 {
			return nil, fmt.Errorf("url %q has no host", base)
		}
		return NewHTTPSource(u, nil), nil
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve fragment base %q: %w", base, err)
	}
	if arc, inner, ok := archive.Split(abs); ok {
		return &ArchiveSource{archive: arc, dir: inner}, nil
	}
	return &DirSource{dir: abs}, nil
}

func fetchErr(name, location string, err error) error {
	return fmt.Errorf("%w %q from %s: %w", ErrFetch, name, location, err)
}

// decode converts markup to UTF-8 using declared content type, BOM or meta
// tags in that order.
func decode(data []byte, contentType string) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DirSource reads resources from local directory.
type DirSource struct {
	dir string
}

func (s *DirSource) Base() string { return s.dir }

func (s *DirSource) Fetch(ctx context.Context, name string) (*Fragment, error) {
	location := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := ctx.Err(); err != nil {
		return nil, fetchErr(name, location, err)
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return nil, fetchErr(name, s.dir, errors.New("resource name escapes base directory"))
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fetchErr(name, location, err)
	}
	markup, err := decode(data, "")
	if err != nil {
		return nil, fetchErr(name, location, err)
	}
	return &Fragment{Name: name, Location: location, Markup: markup}, nil
}

// ArchiveSource reads resources from directory inside zip archive.
type ArchiveSource struct {
	archive string
	dir     string
}

func (s *ArchiveSource) Base() string {
	if len(s.dir) == 0 {
		return s.archive
	}
	return s.archive + "/" + s.dir
}

func (s *ArchiveSource) Fetch(ctx context.Context, name string) (*Fragment, error) {
	inner := strings.TrimPrefix(s.dir+"/"+filepath.ToSlash(name), "/")
	location := s.archive + "/" + inner
	if err := ctx.Err(); err != nil {
		return nil, fetchErr(name, location, err)
	}

	data, err := archive.ReadFile(s.archive, inner)
	if err != nil {
		return nil, fetchErr(name, location, err)
	}
	markup, err := decode(data, "")
	if err != nil {
		return nil, fetchErr(name, location, err)
	}
	return &Fragment{Name: name, Location: location, Markup: markup}, nil
}
