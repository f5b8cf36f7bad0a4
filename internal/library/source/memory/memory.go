// Package memory is an in-process artifact source for embedded blobs,
// addressed as mem://<bucket>/<key>.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
)

const (
	Driver = "memory"
	Scheme = "mem"
)

var (
	bucketsMu sync.Mutex
	buckets   = map[string]*Store{}
)

func init() {
	source.Register(Scheme, func(_ context.Context, u *url.URL, _ source.Options) (source.Source, error) {
		bucketsMu.Lock()
		st, ok := buckets[u.Host]
		bucketsMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("memory source: no bucket %q published", u.Host)
		}
		return st.view(strings.Trim(u.Path, "/")), nil
	})
}

type object struct {
	data    []byte
	modTime time.Time
}

// Store holds blobs in memory.
type Store struct {
	name string
	mu   sync.RWMutex
	objs map[string]object
}

// New returns an empty store.
func New(name string) *Store {
	return &Store{name: name, objs: map[string]object{}}
}

// Publish makes st reachable as mem://<name>.
func Publish(st *Store) {
	bucketsMu.Lock()
	defer bucketsMu.Unlock()
	buckets[st.name] = st
}

// Unpublish removes the bucket registered under name.
func Unpublish(name string) {
	bucketsMu.Lock()
	defer bucketsMu.Unlock()
	delete(buckets, name)
}

// Put stores a copy of data under key, replacing any previous blob.
func (st *Store) Put(key string, data []byte, modTime time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.objs[key] = object{data: append([]byte(nil), data...), modTime: modTime}
}

// Delete removes key.
func (st *Store) Delete(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.objs, key)
}

// Source returns the whole store as an artifact source.
func (st *Store) Source() source.Source {
	return st.view("")
}

func (st *Store) view(prefix string) *view {
	return &view{st: st, prefix: prefix}
}

type view struct {
	st     *Store
	prefix string
}

func (v *view) Driver() string { return Driver }

func (v *view) Location() string {
	if v.prefix == "" {
		return Scheme + "://" + v.st.name
	}
	return Scheme + "://" + v.st.name + "/" + v.prefix
}

func (v *view) fullKey(key string) string {
	if v.prefix == "" {
		return key
	}
	return v.prefix + "/" + key
}

func (v *view) Scan(_ context.Context) ([]source.Object, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	var out []source.Object
	for k, o := range v.st.objs {
		rel := k
		if v.prefix != "" {
			if !strings.HasPrefix(k, v.prefix+"/") {
				continue
			}
			rel = strings.TrimPrefix(k, v.prefix+"/")
		}
		out = append(out, v.object(rel, o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (v *view) Stat(_ context.Context, key string) (source.Object, error) {
	v.st.mu.RLock()
	defer v.st.mu.RUnlock()
	o, ok := v.st.objs[v.fullKey(key)]
	if !ok {
		return source.Object{}, fmt.Errorf("%s/%s: %w", v.Location(), key, source.ErrNotFound)
	}
	return v.object(key, o), nil
}

func (v *view) ReadMetadata(_ context.Context, obj source.Object) ([]byte, error) {
	v.st.mu.RLock()
	o, ok := v.st.objs[v.fullKey(obj.Key)]
	v.st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", obj.URL, source.ErrNotFound)
	}
	if int64(len(o.data)) != obj.Length || !o.modTime.Equal(obj.ModTime) {
		return nil, fmt.Errorf("%s: %w", obj.URL, source.ErrStale)
	}
	return artifact.ExtractMetadata(bytes.NewReader(o.data), obj.Length)
}

func (v *view) object(key string, o object) source.Object {
	return source.Object{
		Key:     key,
		URL:     v.Location() + "/" + key,
		ModTime: o.modTime,
		Length:  int64(len(o.data)),
	}
}
