package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
	"github.com/bayleafwalker/bindery-core/internal/metacache"
	"github.com/bayleafwalker/bindery-core/internal/metrics"
)

// EnvLibraryPath names the search path read by Init when no explicit path
// is configured.
const EnvLibraryPath = "BINDERY_LIBRARY_PATH"

var (
	// ErrNoLibraries is returned by Init when neither an explicit path nor
	// the environment names a library location.
	ErrNoLibraries = errors.New("no library path configured")
	// ErrNotFound is returned when a URL names no usable artifact.
	ErrNotFound = errors.New("no usable artifact found")
)

// Options configures a Manager.
type Options struct {
	// Path lists library locations. When empty, Init reads EnvLibraryPath.
	Path []string
	// Cache holds parsed metadata. A private in-memory cache is created
	// when nil.
	Cache *metacache.Cache
	// Sources carries driver settings.
	Sources source.Options
}

// Manager owns the library locations and publishes immutable catalog
// snapshots. Readers never block writers: each update builds a new Catalog
// and swaps it in.
type Manager struct {
	opts  Options
	cache *metacache.Cache

	mu      sync.Mutex // serializes catalog writers
	catalog atomic.Pointer[Catalog]
	sources []source.Source
	group   singleflight.Group
}

// NewManager creates a manager with an empty catalog.
func NewManager(opts Options) (*Manager, error) {
	cache := opts.Cache
	if cache == nil {
		var err error
		if cache, err = metacache.New(metacache.DefaultSize, nil); err != nil {
			return nil, err
		}
	}
	m := &Manager{opts: opts, cache: cache}
	m.catalog.Store(NewCatalog())
	return m, nil
}

// Catalog returns the current snapshot.
func (m *Manager) Catalog() *Catalog {
	return m.catalog.Load()
}

// Init opens every configured location and scans it. The search path is
// read once here.
func (m *Manager) Init(ctx context.Context) error {
	path := m.opts.Path
	if len(path) == 0 {
		path = source.SplitPath(os.Getenv(EnvLibraryPath))
	}
	if len(path) == 0 {
		return fmt.Errorf("%w: set %s", ErrNoLibraries, EnvLibraryPath)
	}

	var errs []error
	sources := make([]source.Source, 0, len(path))
	for _, loc := range path {
		src, err := source.Open(ctx, loc, m.opts.Sources)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return utilerrors.NewAggregate(errs)
	}

	m.mu.Lock()
	m.sources = sources
	m.mu.Unlock()

	if err := m.Rescan(ctx); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

// Rescan rebuilds the catalog from the opened sources. Artifacts whose
// (path, mtime, length) did not change are served from the cache.
// Individually loaded artifacts are carried over.
func (m *Manager) Rescan(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("component", "library")
	start := time.Now()
	defer func() { metrics.LibraryScanDuration.Observe(time.Since(start).Seconds()) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.catalog.Load()
	b := newBuilder(NewCatalog())
	var errs []error
	for _, src := range m.sources {
		lib := b.library(src.Location(), src.Driver())
		objs, err := src.Scan(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, obj := range objs {
			md, err := m.load(ctx, src, obj)
			if errors.Is(err, artifact.ErrNoMetadata) {
				logger.V(1).Info("skipping file without artifact metadata", "url", obj.URL)
				continue
			}
			if err != nil {
				metrics.LibraryArtifactErrorsTotal.WithLabelValues(src.Driver()).Inc()
				logger.Error(err, "skipping artifact", "url", obj.URL)
				continue
			}
			b.addArtifact(lib, obj, md)
		}
		logger.V(1).Info("scanned library", "location", src.Location(), "artifacts", len(b.c.libraries[lib].Artifacts))
	}

	for _, lib := range prev.libraries {
		if lib.Name != SimpleLibrary {
			continue
		}
		simple := b.library(SimpleLibrary, lib.Driver)
		for _, aid := range lib.Artifacts {
			url := prev.artifacts[aid].URL
			src, obj, err := source.OpenObject(ctx, url, m.opts.Sources)
			if err == nil {
				var md *artifact.Metadata
				if md, err = m.load(ctx, src, obj); err == nil {
					b.addArtifact(simple, obj, md)
					continue
				}
			}
			errs = append(errs, fmt.Errorf("reload %s: %w", url, err))
		}
	}

	next := b.done()
	m.catalog.Store(next)
	metrics.LibraryArtifacts.Set(float64(next.Len()))
	logger.Info("library catalog updated", "libraries", len(next.libraries), "artifacts", next.Len())
	return utilerrors.NewAggregate(errs)
}

func (m *Manager) load(ctx context.Context, src source.Source, obj source.Object) (*artifact.Metadata, error) {
	key := metacache.NewKey(obj.URL, obj.ModTime, obj.Length)
	return m.cache.Load(ctx, key, func(ctx context.Context) ([]byte, error) {
		return src.ReadMetadata(ctx, obj)
	})
}

// GetArtifact returns the artifact at url, loading it into the simple
// pseudo-library when no library lists it yet. Repeated calls return the
// same artifact unless reload is set, in which case the blob is read again
// and replaces the listed one. Concurrent calls for one url share a load.
func (m *Manager) GetArtifact(ctx context.Context, url string, reload bool) (*Artifact, error) {
	if !reload {
		if a, ok := m.Catalog().ArtifactByURL(url); ok {
			return a, nil
		}
	}
	v, err, _ := m.group.Do(flightKey(url, reload), func() (any, error) {
		return m.loadArtifact(ctx, url, reload)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// flightKey keeps reloads from joining a plain load of the same url.
func flightKey(url string, reload bool) string {
	if reload {
		return url + "#reload"
	}
	return url
}

func (m *Manager) loadArtifact(ctx context.Context, url string, reload bool) (*Artifact, error) {
	logger := log.FromContext(ctx).WithValues("component", "library", "url", url)
	if !reload {
		if a, ok := m.Catalog().ArtifactByURL(url); ok {
			return a, nil
		}
	}

	src, obj, err := source.OpenObject(ctx, url, m.opts.Sources)
	if errors.Is(err, source.ErrNotFound) {
		return nil, fmt.Errorf("%w at %s", ErrNotFound, url)
	}
	if err != nil {
		return nil, err
	}
	if reload {
		m.cache.Forget(obj.URL)
	}
	md, err := m.load(ctx, src, obj)
	if errors.Is(err, artifact.ErrNoMetadata) {
		return nil, fmt.Errorf("%w at %s: file has no artifact metadata", ErrNotFound, url)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.catalog.Load()
	b := newBuilder(prev)
	var lib LibraryID
	if old, ok := prev.byURL[obj.URL]; ok {
		// A reload keeps the artifact where its library listed it.
		lib = prev.artifacts[old].Library
	} else {
		lib = b.library(SimpleLibrary, src.Driver())
	}
	aid := b.addArtifact(lib, obj, md)
	next := b.done()
	if obj.URL != url {
		next.byURL[url] = aid
	}
	m.catalog.Store(next)
	metrics.LibraryArtifacts.Set(float64(next.Len()))
	logger.V(1).Info("loaded artifact", "uuid", md.UUID, "implementations", len(next.artifacts[aid].Implementations))
	return next.Artifact(aid), nil
}

// Teardown drops every library and releases the sources and the cache.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, src := range m.sources {
		if c, ok := src.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	m.sources = nil
	if m.opts.Cache == nil {
		errs = append(errs, m.cache.Close())
	}
	m.catalog.Store(NewCatalog())
	metrics.LibraryArtifacts.Set(0)
	return utilerrors.NewAggregate(errs)
}
