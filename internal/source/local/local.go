// Package local serves input files from a filesystem through afero, so tests
// can swap the OS filesystem for an in-memory one.
package local

import (
	"context"
	"io"
	"iter"
	"os"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"sparkify/internal/source"
)

func init() {
	source.Register("file", func(context.Context) (source.Source, error) {
		return New(afero.NewOsFs()), nil
	})
}

type Source struct {
	fs afero.Fs
}

func New(fs afero.Fs) *Source { return &Source{fs: fs} }

func stripScheme(p string) string {
	return strings.TrimPrefix(p, "file://")
}

// Walk lists the tree once per range; the listing itself is eager because
// afero.Walk has no pull form, but nothing is opened.
func (s *Source) Walk(ctx context.Context, root string) iter.Seq2[source.File, error] {
	return func(yield func(source.File, error) bool) {
		var files []source.File
		err := afero.Walk(s.fs, stripScheme(root), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if info.IsDir() || !source.IsJSON(path) {
				return nil
			}
			files = append(files, source.File{Path: path, Size: info.Size()})
			return nil
		})
		if err != nil {
			yield(source.File{}, err)
			return
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
		for _, f := range files {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (s *Source) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return s.fs.Open(stripScheme(path))
}

var _ source.Source = (*Source)(nil)
