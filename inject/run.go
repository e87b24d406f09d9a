// Package inject applies announcement loader to pages read from files,
// directories and zip archives and writes resulting pages out.
package inject

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/maruel/natural"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/ianaindex"

	"annc/archive"
	"annc/common"
	"annc/fragment"
	"annc/loader"
	"annc/page"
	"annc/state"
)

func Run(ctx context.Context, cmd *cli.Command) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	env := state.EnvFromContext(ctx)
	log := env.Log.Named("inject")

	src := cmd.Args().Get(0)
	if len(src) == 0 {
		return errors.New("no input source has been specified")
	}
	src, err = filepath.Abs(src)
	if err != nil {
		return err
	}

	dst := cmd.Args().Get(1)
	if len(dst) == 0 {
		if dst, err = os.Getwd(); err != nil {
			return fmt.Errorf("unable to get working directory: %w", err)
		}
	}
	if dst, err = filepath.Abs(dst); err != nil {
		return err
	}
	if cmd.Args().Len() > 2 {
		log.Warn("Mailformed command line, too many destinations", zap.Strings("ignoring", cmd.Args().Slice()[2:]))
	}

	// command line overrides configuration
	ann := &env.Cfg.Announcement
	if cmd.IsSet("fragment") {
		ann.Base = cmd.String("fragment")
	}
	if cmd.IsSet("anchor") {
		ann.AnchorID = cmd.String("anchor")
	}
	if cmd.IsSet("container") {
		ann.Container = cmd.String("container")
	}
	if len(ann.AnchorID) == 0 {
		return errors.New("anchor id cannot be empty")
	}
	if !isElementName(ann.Container) {
		return fmt.Errorf("container %q is not a valid element name", ann.Container)
	}
	if cmd.IsSet("mode") {
		mode, err := common.ParseDocumentMode(cmd.String("mode"))
		if err != nil {
			log.Warn("Unknown document mode requested, switching to auto", zap.Error(err))
			mode = common.DocumentModeAuto
		}
		env.Cfg.Document.Mode = mode
	}

	env.NoDirs, env.Overwrite = cmd.Bool("nodirs"), cmd.Bool("overwrite")

	// Since zip "standard" does not define file name encoding we may need to
	// force archaic code page for old archives
	cp := cmd.String("force-zip-cp")
	if len(cp) > 0 {
		env.CodePage, err = ianaindex.IANA.Encoding(cp)
		if err != nil || env.CodePage == nil {
			log.Warn("Unknown character set specification. Ignoring...", zap.String("charset", cp), zap.Error(err))
			env.CodePage = nil
		} else {
			n, _ := ianaindex.IANA.Name(env.CodePage)
			log.Debug("Forcefully converting all non UTF-8 file names in archives", zap.String("charset", n))
		}
	}

	source, err := fragment.NewSource(ann.Base)
	if err != nil {
		return fmt.Errorf("unable to prepare fragment source: %w", err)
	}
	ld := loader.New(source, ann, env.Log)

	log.Info("Processing starting",
		zap.String("source", src), zap.String("destination", dst),
		zap.String("fragment", ann.Fragment), zap.String("from", source.Base()), zap.String("anchor", ann.AnchorID))
	defer func(start time.Time) {
		log.Info("Processing completed", zap.Duration("elapsed", time.Since(start)))
	}(time.Now())

	return process(ctx, src, dst, ld, log)
}

func isElementName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// job is a single page waiting to be processed.
type job struct {
	// part of the source path relative to the original path, always
	// including file name
	src string
	// full location for logging
	from string
	enc  srcEncoding
	open func() (io.ReadCloser, error)
}

// process handles the core logic independently of CLI framework. It
// determines the input type (directory, archive, or single file), collects
// pages and processes them.
func process(ctx context.Context, src, dst string, ld *loader.Loader, log *zap.Logger) error {
	var (
		head, tail string
		jobs       []job
	)
	for head = src; len(head) != 0; head, tail = filepath.Split(head) {
		if err := ctx.Err(); err != nil {
			return err
		}

		head = strings.TrimSuffix(head, string(filepath.Separator))

		fi, err := os.Stat(head)
		if err != nil {
			// does not exists - probably path in archive
			continue
		}

		if fi.Mode().IsDir() {
			if len(tail) != 0 {
				// directory cannot have tail - it would be simple file
				return fmt.Errorf("input source was not found (%s) => (%s)", head, strings.TrimPrefix(src, head))
			}
			if jobs, err = collectDir(ctx, head, log); err != nil {
				return fmt.Errorf("unable to process directory: %w", err)
			}
			break
		}

		if !fi.Mode().IsRegular() {
			return fmt.Errorf("unexpected path mode for (%s) => (%s)", head, strings.TrimPrefix(src, head))
		}

		isArc, err := isArchiveFile(head)
		if err != nil {
			// checking format - but cannot open target file
			return fmt.Errorf("unable to check archive type: %w", err)
		}
		if isArc {
			// we need to look inside to see if path makes sense
			tail = strings.TrimPrefix(strings.TrimPrefix(src, head), string(filepath.Separator))
			if jobs, err = collectArchive(ctx, head, filepath.ToSlash(tail), "", log); err != nil {
				return fmt.Errorf("unable to process archive: %w", err)
			}
			break
		}

		isPage, enc, err := isPageFile(head)
		if err != nil {
			// checking format - but cannot open target file
			return fmt.Errorf("unable to check file type: %w", err)
		}
		if isPage && len(tail) == 0 {
			// we have page, it cannot have tail
			jobs = append(jobs, fileJob(head, filepath.Base(head), enc))
			break
		}
		return fmt.Errorf("input was not recognized as html page (%s)", head)
	}
	if len(head) == 0 {
		return fmt.Errorf("input source was not found (%s)", src)
	}
	return runJobs(ctx, jobs, dst, ld, log)
}

func fileJob(path, src string, enc srcEncoding) job {
	return job{
		src:  src,
		from: path,
		enc:  enc,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// collectDir walks directory tree finding pages and archives with pages.
// Pages are returned in natural order of their paths.
func collectDir(ctx context.Context, dir string, log *zap.Logger) ([]job, error) {
	var (
		files    = make(map[string]job)
		archives []string
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err != nil {
			log.Warn("Skipping path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		isArc, err := isArchiveFile(path)
		if err != nil {
			// checking format - but cannot open target file
			log.Warn("Skipping file", zap.String("file", path), zap.Error(err))
			return nil
		}
		if isArc {
			archives = append(archives, path)
			return nil
		}

		isPage, enc, err := isPageFile(path)
		if err != nil {
			log.Warn("Skipping file", zap.String("file", path), zap.Error(err))
			return nil
		}
		if !isPage {
			log.Debug("Skipping file, not recognized as page or archive", zap.String("file", path))
			return nil
		}

		src := strings.TrimPrefix(strings.TrimPrefix(path, dir), string(filepath.Separator))
		files[path] = fileJob(path, src, enc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]job, 0, len(files))
	for _, path := range sortedKeys(files) {
		jobs = append(jobs, files[path])
	}

	sort.Sort(natural.StringSlice(archives))
	for _, path := range archives {
		pathOut := filepath.Dir(strings.TrimPrefix(strings.TrimPrefix(path, dir), string(filepath.Separator)))
		more, err := collectArchive(ctx, path, "", pathOut, log)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.Error("Unable to process archive", zap.String("file", path), zap.Error(err))
			continue
		}
		jobs = append(jobs, more...)
	}

	if len(jobs) == 0 {
		log.Debug("Nothing to process", zap.String("dir", dir))
	}
	return jobs, nil
}

func sortedKeys(m map[string]job) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Sort(natural.StringSlice(keys))
	return keys
}

// collectArchive walks all files inside archive and finds pages under
// "pathIn". Page content is read into memory as archive is closed before
// pages are processed.
func collectArchive(ctx context.Context, path, pathIn, pathOut string, log *zap.Logger) ([]job, error) {
	cp := state.EnvFromContext(ctx).CodePage

	var jobs []job
	err := archive.Walk(path, pathIn, func(arc string, f *zip.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		isPage, enc, err := isPageInArchive(f)
		if err != nil {
			log.Warn("Skipping file in archive",
				zap.String("archive", arc), zap.String("path", f.FileHeader.Name), zap.Error(err))
			return nil
		}
		if !isPage {
			log.Debug("Skipping file, not recognized as page", zap.String("archive", arc), zap.String("file", f.FileHeader.Name))
			return nil
		}

		data, err := readArchiveFile(f)
		if err != nil {
			log.Error("Unable to process file in archive",
				zap.String("archive", arc), zap.String("file", f.FileHeader.Name), zap.Error(err))
			return nil
		}

		pathInArchive := f.FileHeader.Name
		if cp != nil && f.FileHeader.NonUTF8 {
			// forcing zip file name encoding
			if n, err := cp.NewDecoder().String(pathInArchive); err == nil {
				pathInArchive = n
			} else {
				n, _ = ianaindex.IANA.Name(cp)
				log.Warn("Unable to convert archive name from specified encoding",
					zap.String("charset", n), zap.String("path", pathInArchive), zap.Error(err))
			}
		}

		jobs = append(jobs, job{
			src:  filepath.Join(pathOut, filepath.FromSlash(pathInArchive)),
			from: arc + "/" + f.FileHeader.Name,
			enc:  enc,
			open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		log.Debug("Nothing to process", zap.String("archive", path))
	}
	return jobs, nil
}

func readArchiveFile(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func workers(jobs int) int {
	if jobs <= 0 {
		return runtime.NumCPU()
	}
	return jobs
}

// runJobs processes collected pages concurrently. Failure of a single page is
// logged and does not stop processing, only cancellation does.
func runJobs(ctx context.Context, jobs []job, dst string, ld *loader.Loader, log *zap.Logger) error {
	env := state.EnvFromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(env.Cfg.Document.Jobs))

	// With --nodirs different pages may end up with the same output name.
	// Outputs are written in natural order of sources, so the first one wins
	// (or the last one with --overwrite) regardless of scheduling. Jobs are
	// started in the same order, so the chain always moves.
	written := make([]chan struct{}, len(jobs)+1)
	for i := range written {
		written[i] = make(chan struct{})
	}
	close(written[0])

	for i, j := range jobs {
		g.Go(func() error {
			defer close(written[i+1])

			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := j.open()
			if err != nil {
				log.Error("Unable to process page", zap.String("page", j.from), zap.Error(err))
				return nil
			}
			defer r.Close()

			if err := processPage(gctx, r, j.enc, written[i], j.src, dst, ld, log); err != nil {
				log.Error("Unable to process page", zap.String("page", j.from), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// processPage is a single "page load". "src" is part of the source path
// (always including file name) relative to the original path. When actual
// file was specified it will be just base file name without a path. When
// looking inside archive or directory it will be relative path inside archive
// or directory (including base file name). "dst" is the destination
// directory where the resulting page should be written. Page is decoded
// according to "enc" and written back in the same encoding. Output is only
// touched after "turn" is closed.
func processPage(ctx context.Context, r io.Reader, enc srcEncoding, turn <-chan struct{}, src, dst string, ld *loader.Loader, log *zap.Logger) (rerr error) {
	env := state.EnvFromContext(ctx)

	var (
		outputName string
		res        result
	)

	log.Info("Injection starting", zap.String("from", src))
	defer func(start time.Time) {
		if r := recover(); r != nil {
			log.Error("Injection ended with panic",
				zap.Any("panic", r), zap.Duration("elapsed", time.Since(start)), zap.String("to", outputName), zap.ByteString("stack", debug.Stack()))
			rerr = fmt.Errorf("injection panic: %v", r)
		} else if rerr == nil {
			log.Info("Injection completed", zap.Duration("elapsed", time.Since(start)),
				zap.String("to", outputName), zap.Bool("inserted", res.inserted), zap.String("load_id", res.loadID))
		}
	}(time.Now())

	data, err := io.ReadAll(selectReader(r, enc))
	if err != nil {
		return fmt.Errorf("unable to read page (%s): %w", src, err)
	}

	parse := page.Parse
	if enc != encUnknown {
		// declarations inside page no longer match its bytes
		parse = page.ParseDecoded
	}
	doc, err := parse(bytes.NewReader(data), env.Cfg.Document.Mode)
	if err != nil {
		return fmt.Errorf("unable to parse page (%s): %w", src, err)
	}

	// page is ready, failures are logged by loader and page is kept as is
	out := ld.Ready(ctx, doc)
	res = result{mode: doc.Mode(), inserted: out.Inserted, loadID: out.ID.String()}

	outputName = buildOutputPath(&res, src, dst, env)

	select {
	case <-turn:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Check if output file already exists
	if _, err := os.Stat(outputName); err == nil {
		if !env.Overwrite {
			return fmt.Errorf("output file already exists: %s", outputName)
		}
		log.Warn("Overwriting existing file", zap.String("file", outputName))
		if err = os.Remove(outputName); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	} else if err := os.MkdirAll(filepath.Dir(outputName), 0755); err != nil {
		return fmt.Errorf("unable to create output directory: %w", err)
	}

	if err := writePage(doc, enc, outputName); err != nil {
		return fmt.Errorf("unable to write page: %w", err)
	}

	// Store everything related to this page load for debugging
	if env.Rpt != nil {
		prefix := "pages/" + res.loadID + "/"
		env.Rpt.StoreData(prefix+"source"+filepath.Ext(src), data)
		if out.Fragment != nil {
			env.Rpt.StoreData(prefix+"fragment.html", []byte(out.Fragment.Markup))
		}
		env.Rpt.StoreData(prefix+"tree.txt", []byte(doc.String()))
		env.Rpt.Store(prefix+"result"+filepath.Ext(outputName), outputName)
	}
	return nil
}

func writePage(doc page.Document, enc srcEncoding, name string) (err error) {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := selectWriter(f, enc)
	if _, err = doc.WriteTo(w); err != nil {
		return err
	}
	return w.Close()
}
