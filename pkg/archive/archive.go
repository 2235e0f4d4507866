// Package archive copies the durable outputs of a grading workspace
// (screenshots, result record, logs) to a local directory or an S3 bucket
// before the workspace is deleted.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultInclude selects the files worth keeping from a workspace.
var DefaultInclude = []string{
	"shots/**",
	"services.json",
	"*.log",
	"*.sh",
	"package.json",
	"vite.config.*",
}

// DefaultExclude is always applied after includes.
var DefaultExclude = []string{
	"node_modules/**",
	"npm_cache/**",
	"chrome_data/**",
}

// Sink archives a local directory under key and returns a URI for it.
type Sink interface {
	Archive(ctx context.Context, key, localDir string) (string, error)
}

// Store is an object store the Archiver writes to.
type Store interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// URI renders key as a location a reader can resolve.
	URI(key string) string
}

// Options configures an Archiver.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string

	// Include lists doublestar patterns relative to the archived directory.
	// Empty uses DefaultInclude.
	Include []string

	// Exclude lists patterns removed from the include set. DefaultExclude is
	// always appended.
	Exclude []string

	Logger *zap.Logger
}

// Archiver is a Sink that uploads matching files one by one.
type Archiver struct {
	store   Store
	prefix  string
	include []string
	exclude []string
	logger  *zap.Logger
}

// New returns an Archiver writing to store. Patterns are validated up front.
func New(store Store, opts Options) (*Archiver, error) {
	include := opts.Include
	if len(include) == 0 {
		include = DefaultInclude
	}
	exclude := append(append([]string{}, opts.Exclude...), DefaultExclude...)
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid archive pattern %q", p)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:   store,
		prefix:  strings.Trim(opts.Prefix, "/"),
		include: include,
		exclude: exclude,
		logger:  logger,
	}, nil
}

// Match reports whether the slash-separated relative path rel is archived.
func (a *Archiver) Match(rel string) bool {
	for _, p := range a.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	for _, p := range a.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Archive uploads every matching file under localDir to <prefix>/<key>/<rel>
// and returns the URI of the archived directory.
func (a *Archiver) Archive(ctx context.Context, key, localDir string) (string, error) {
	base := path.Join(a.prefix, strings.Trim(key, "/"))
	uploaded := 0

	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && a.excluded(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !a.Match(rel) {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if err := a.store.PutObject(ctx, path.Join(base, rel), f, info.Size()); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", localDir, err)
	}

	uri := a.store.URI(base)
	a.logger.Debug("Archived workspace outputs",
		zap.String("dir", localDir),
		zap.String("uri", uri),
		zap.Int("files", uploaded))
	return uri, nil
}

// excluded reports whether an exclude pattern covers everything below dir.
func (a *Archiver) excluded(dir string) bool {
	for _, p := range a.exclude {
		if !strings.HasSuffix(p, "/**") {
			continue
		}
		if ok, _ := doublestar.Match(strings.TrimSuffix(p, "/**"), dir); ok {
			return true
		}
	}
	return false
}

var _ Sink = (*Archiver)(nil)
