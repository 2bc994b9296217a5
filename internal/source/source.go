// Package source discovers and opens input files in object storage.
//
// Locations are URLs. The scheme picks the backend ("s3://bucket/prefix",
// "gs://bucket/prefix"); plain paths and "file://" go to the local
// filesystem. Backends register themselves from init(), the same way
// warehouse backends do; import sparkify/internal/source/all to get them all.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"
)

// File is one discovered input file.
type File struct {
	Path string // full location, usable with Open
	Size int64
}

// Source lists and opens JSON files.
//
// Walk yields every ".json" file under root in lexical path order. The
// sequence is lazy and can be ranged over again to re-list. Iteration stops
// at the first error, which is yielded with a zero File.
type Source interface {
	Walk(ctx context.Context, root string) iter.Seq2[File, error]
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Factory builds a backend. It is called at most once per Router.
type Factory func(ctx context.Context) (Source, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register installs a backend for a URL scheme. It panics on an empty scheme,
// a nil factory or a duplicate registration.
func Register(scheme string, f Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		panic("source: Register with empty scheme")
	}
	if f == nil {
		panic("source: Register with nil factory for " + scheme)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[scheme]; dup {
		panic("source: Register called twice for " + scheme)
	}
	registry[scheme] = f
}

// Schemes returns the registered schemes, sorted.
func Schemes() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Scheme returns loc's URL scheme, or "file" for plain paths.
func Scheme(loc string) string {
	if i := strings.Index(loc, "://"); i > 0 {
		return strings.ToLower(loc[:i])
	}
	return "file"
}

// SplitBucket splits "scheme://bucket/prefix" into bucket and prefix.
func SplitBucket(loc string) (bucket, prefix string, err error) {
	i := strings.Index(loc, "://")
	if i <= 0 {
		return "", "", fmt.Errorf("source: %q is not a bucket URL", loc)
	}
	rest := loc[i+3:]
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("source: %q has no bucket", loc)
	}
	return bucket, prefix, nil
}

// IsJSON reports whether name has a ".json" extension.
func IsJSON(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

// ErrUnsupportedScheme is returned for locations no backend handles.
var ErrUnsupportedScheme = errors.New("source: unsupported scheme")

// Router is a Source that dispatches each call by the location's scheme.
// Backends are built on first use and shared afterwards.
type Router struct {
	mu       sync.Mutex
	backends map[string]Source
	factory  func(scheme string) (Factory, bool)
}

// NewRouter returns a Router over the registered backends.
func NewRouter() *Router {
	return &Router{
		backends: map[string]Source{},
		factory: func(scheme string) (Factory, bool) {
			regMu.RLock()
			defer regMu.RUnlock()
			f, ok := registry[scheme]
			return f, ok
		},
	}
}

// With pins a backend for scheme, bypassing the registry. Tests use it to
// route "file" to an in-memory filesystem.
func (r *Router) With(scheme string, s Source) *Router {
	r.mu.Lock()
	r.backends[strings.ToLower(scheme)] = s
	r.mu.Unlock()
	return r
}

func (r *Router) backend(ctx context.Context, loc string) (Source, error) {
	scheme := Scheme(loc)

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[scheme]; ok {
		return b, nil
	}
	f, ok := r.factory(scheme)
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnsupportedScheme, scheme, strings.Join(Schemes(), ", "))
	}
	b, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", scheme, err)
	}
	r.backends[scheme] = b
	return b, nil
}

func (r *Router) Walk(ctx context.Context, root string) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		b, err := r.backend(ctx, root)
		if err != nil {
			yield(File{}, err)
			return
		}
		for f, err := range b.Walk(ctx, root) {
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

func (r *Router) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	b, err := r.backend(ctx, path)
	if err != nil {
		return nil, err
	}
	return b.Open(ctx, path)
}

// Close closes every backend that holds resources.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, b := range r.backends {
		if c, ok := b.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	r.backends = map[string]Source{}
	return errors.Join(errs...)
}

var _ Source = (*Router)(nil)
