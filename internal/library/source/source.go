// Package source defines where artifacts come from. A Source enumerates the
// artifact blobs of one storage location; drivers register an Opener per URL
// scheme.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Object is one blob found by a scan.
type Object struct {
	// Key is the object name relative to the source root, slash separated.
	Key string
	// URL is the absolute location, usable with OpenObject.
	URL     string
	ModTime time.Time
	Length  int64
}

// Source is an artifact storage location.
type Source interface {
	// Driver names the registered driver that opened the source.
	Driver() string
	// Location is the URL or path the source was opened with.
	Location() string
	// Scan lists candidate blobs in a stable order.
	Scan(ctx context.Context) ([]Object, error)
	// Stat describes a single object by key.
	Stat(ctx context.Context, key string) (Object, error)
	// ReadMetadata returns the metadata document appended to obj, or
	// ErrStale when the blob changed after obj was listed.
	ReadMetadata(ctx context.Context, obj Object) ([]byte, error)
}

// Options carries driver settings that do not fit in a location URL.
type Options struct {
	S3 S3Options
}

type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// Opener opens a source for a parsed location.
type Opener func(ctx context.Context, location *url.URL, opts Options) (Source, error)

var (
	// ErrNotFound is returned by Stat for missing objects.
	ErrNotFound = errors.New("object not found")
	// ErrStale is returned by ReadMetadata when the object no longer has
	// the modification time and length it was listed with.
	ErrStale = errors.New("object changed since it was listed")
)

var (
	mu      sync.RWMutex
	openers = map[string]Opener{}
)

// Register makes a driver available for a URL scheme. The empty scheme is
// used for plain paths. Registering a scheme twice panics.
func Register(scheme string, open Opener) {
	mu.Lock()
	defer mu.Unlock()
	scheme = strings.ToLower(scheme)
	if _, dup := openers[scheme]; dup {
		panic(fmt.Sprintf("source: Register called twice for scheme %q", scheme))
	}
	openers[scheme] = open
}

// Schemes lists the registered schemes.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(openers))
	for s := range openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open opens the source for a location. Plain paths and file:// URLs use the
// driver registered for the empty scheme.
func Open(ctx context.Context, location string, opts Options) (Source, error) {
	u, err := parseLocation(location)
	if err != nil {
		return nil, err
	}
	scheme := u.Scheme
	if scheme == "file" {
		scheme = ""
	}
	mu.RLock()
	open, ok := openers[scheme]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: no driver registered for %q (scheme %q)", location, u.Scheme)
	}
	return open(ctx, u, opts)
}

// OpenObject opens the source holding a single object URL and returns the
// object's description.
func OpenObject(ctx context.Context, objectURL string, opts Options) (Source, Object, error) {
	dir, key := Split(objectURL)
	if key == "" {
		return nil, Object{}, fmt.Errorf("source: %q does not name an object", objectURL)
	}
	src, err := Open(ctx, dir, opts)
	if err != nil {
		return nil, Object{}, err
	}
	obj, err := src.Stat(ctx, key)
	if err != nil {
		return nil, Object{}, err
	}
	return src, obj, nil
}

// Split separates an object location into its parent location and the
// final path element.
func Split(location string) (string, string) {
	trimmed := strings.TrimRight(location, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return ".", trimmed
	}
	dir := trimmed[:i]
	if strings.HasSuffix(dir, ":/") {
		// scheme://name with no path below it
		return trimmed, ""
	}
	if dir == "" {
		dir = "/"
	}
	return dir, trimmed[i+1:]
}

func parseLocation(location string) (*url.URL, error) {
	if location == "" {
		return nil, errors.New("source: empty location")
	}
	if !strings.Contains(location, "://") {
		return &url.URL{Path: location}, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("source: parse location %q: %w", location, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// SplitPath splits a search path into locations. Entries are separated by
// ':' or ','; a ':' that starts "://" belongs to a URL.
func SplitPath(path string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c == ',':
			flush()
		case c == ':' && !strings.HasPrefix(path[i:], "://"):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
