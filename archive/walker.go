// Package archive builds Walk abstraction on top of "archive/zip".
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
)

// WalkFunc is the type of the function called for each file in archive
// visited by Walk. The archive argument contains path to archive passed to Walk
// The file argument is the zip.File structure for file in archive which satisfies
// match condition. If an error is returned, processing stops.
type WalkFunc func(archive string, file *zip.File) error

// Walk walks the all files in the archive which satisfy match condition,
// calling walkFn for each item. Archives with entries containing path
// traversal components ("..") or absolute paths are rejected.
func Walk(archive, pattern string, walkFn WalkFunc) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := f.FileHeader.Name
		if !isSafePath(name) {
			return fmt.Errorf("zip entry %q: unsafe path (absolute or contains path traversal)", name)
		}
		if !f.FileInfo().IsDir() && strings.HasPrefix(name, pattern) {
			if err := walkFn(archive, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadFile returns content of a single file from archive. When there is no
// such file returned error wraps fs.ErrNotExist.
func ReadFile(archive, name string) ([]byte, error) {
	if !isSafePath(name) {
		return nil, fmt.Errorf("zip entry %q: unsafe path (absolute or contains path traversal)", name)
	}

	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileHeader.Name != name || f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s in %s: %w", name, archive, fs.ErrNotExist)
}

// IsArchive checks if file is a zip archive looking at its content.
func IsArchive(fname string) (bool, error) {
	if !strings.EqualFold(filepath.Ext(fname), ".zip") {
		return false, nil
	}

	f, err := os.Open(fname)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 262)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return filetype.IsType(head[:n], matchers.TypeZip), nil
}

// Split separates path into archive location and path inside archive, for
// example "/site/pages.zip/news/index.html" becomes "/site/pages.zip" and
// "news/index.html". It returns false when there is no archive in the path.
func Split(p string) (string, string, bool) {
	for head := filepath.Clean(p); len(head) != 0; {
		if fi, err := os.Stat(head); err == nil {
			// first existing part of the path decides
			if !fi.Mode().IsRegular() {
				return "", "", false
			}
			if ok, _ := IsArchive(head); ok {
				inner := strings.TrimPrefix(strings.TrimPrefix(filepath.Clean(p), head), string(filepath.Separator))
				return head, filepath.ToSlash(inner), true
			}
			return "", "", false
		}
		next := filepath.Dir(head)
		if next == head {
			break
		}
		head = next
	}
	return "", "", false
}

// isSafePath returns false for paths that could escape the extraction
// directory: absolute paths and those containing ".." components.
func isSafePath(name string) bool {
	if path.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return false
	}
	for part := range strings.SplitSeq(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
