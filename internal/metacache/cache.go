// Package metacache caches artifact metadata keyed by the identity of the
// blob it was read from, so that unchanged artifacts are never re-read or
// re-parsed.
package metacache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/metrics"
)

// DefaultSize is the number of parsed documents kept in memory.
const DefaultSize = 1024

// Key identifies one revision of an artifact blob.
type Key struct {
	Path   string
	MTime  int64
	Length int64
}

// NewKey builds a key from a modification time and length.
func NewKey(path string, mtime time.Time, length int64) Key {
	return Key{Path: path, MTime: mtime.UnixNano(), Length: length}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d/%d", k.Path, k.MTime, k.Length)
}

// Store is a persistent tier holding raw metadata documents.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, doc []byte) error
	Close() error
}

// Cache is an in-memory LRU of parsed metadata in front of an optional
// persistent Store. It is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[Key, *artifact.Metadata]
	store   Store
	group   singleflight.Group
}

// New creates a cache holding up to size parsed documents. store may be nil.
func New(size int, store Store) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[Key, *artifact.Metadata](size)
	if err != nil {
		return nil, fmt.Errorf("metacache: %w", err)
	}
	return &Cache{entries: entries, store: store}, nil
}

// ReadFunc reads the raw metadata document of the blob identified by a key.
type ReadFunc func(ctx context.Context) ([]byte, error)

// Load returns the parsed metadata for key, reading and parsing through read
// only when neither tier has it. Blobs without metadata are remembered as
// such and reported with artifact.ErrNoMetadata. Concurrent loads of the
// same key share one read.
func (c *Cache) Load(ctx context.Context, key Key, read ReadFunc) (*artifact.Metadata, error) {
	if md, ok := c.entries.Get(key); ok {
		metrics.MetadataCacheLookups.WithLabelValues("memory").Inc()
		if md == nil {
			return nil, artifact.ErrNoMetadata
		}
		return md, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.fill(ctx, key, read)
	})
	if err != nil {
		return nil, err
	}
	md := v.(*artifact.Metadata)
	if md == nil {
		return nil, artifact.ErrNoMetadata
	}
	return md, nil
}

func (c *Cache) fill(ctx context.Context, key Key, read ReadFunc) (*artifact.Metadata, error) {
	// A flight that finished between the caller's lookup and this one
	// already filled the entry.
	if md, ok := c.entries.Get(key); ok {
		return md, nil
	}
	logger := log.FromContext(ctx).WithValues("artifact", key.Path)

	if c.store != nil {
		doc, ok, err := c.store.Get(ctx, key)
		if err != nil {
			logger.Error(err, "metadata store lookup failed, reading artifact")
		} else if ok {
			md, err := artifact.Parse(doc)
			if err == nil {
				metrics.MetadataCacheLookups.WithLabelValues("store").Inc()
				c.entries.Add(key, md)
				return md, nil
			}
			logger.V(1).Info("discarding unparsable stored metadata", "error", err.Error())
		}
	}

	metrics.MetadataCacheLookups.WithLabelValues("miss").Inc()
	doc, err := read(ctx)
	if errors.Is(err, artifact.ErrNoMetadata) {
		c.entries.Add(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	md, err := artifact.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key.Path, err)
	}
	if c.store != nil {
		if err := c.store.Put(ctx, key, doc); err != nil {
			logger.Error(err, "unable to persist artifact metadata")
		}
	}
	c.entries.Add(key, md)
	return md, nil
}

// Forget drops every in-memory entry for path.
func (c *Cache) Forget(path string) {
	for _, k := range c.entries.Keys() {
		if k.Path == path {
			c.entries.Remove(k)
		}
	}
}

// Len reports the number of in-memory entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Close releases the persistent tier.
func (c *Cache) Close() error {
	c.entries.Purge()
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
