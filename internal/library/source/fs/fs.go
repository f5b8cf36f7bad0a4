// Package fs is the directory artifact source. It is registered for plain
// paths and file:// URLs.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
)

const Driver = "fs"

func init() {
	source.Register("", func(_ context.Context, u *url.URL, _ source.Options) (source.Source, error) {
		return New(u.Path)
	})
}

// Source scans a directory tree. Hidden files and directories are skipped.
type Source struct {
	root string
}

// New opens root, which must be an existing directory.
func New(root string) (*Source, error) {
	if root == "" {
		return nil, errors.New("fs source: root required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("fs source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fs source: %s is not a directory", root)
	}
	return &Source{root: filepath.Clean(root)}, nil
}

func (s *Source) Driver() string { return Driver }

func (s *Source) Location() string { return s.root }

// Scan walks the tree in lexical order and lists regular files.
func (s *Source) Scan(ctx context.Context) ([]source.Object, error) {
	var out []source.Object
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path != s.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		out = append(out, s.object(filepath.ToSlash(rel), path, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}
	return out, nil
}

// Stat implements source.Source.
func (s *Source) Stat(_ context.Context, key string) (source.Object, error) {
	path, err := s.resolve(key)
	if err != nil {
		return source.Object{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return source.Object{}, fmt.Errorf("%s: %w", path, source.ErrNotFound)
	}
	if err != nil {
		return source.Object{}, err
	}
	if !info.Mode().IsRegular() {
		return source.Object{}, fmt.Errorf("%s is not a regular file", path)
	}
	return s.object(key, path, info), nil
}

// ReadMetadata implements source.Source.
func (s *Source) ReadMetadata(_ context.Context, obj source.Object) ([]byte, error) {
	path, err := s.resolve(obj.Key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() != obj.Length || !info.ModTime().Equal(obj.ModTime) {
		return nil, fmt.Errorf("%s: %w", path, source.ErrStale)
	}
	return artifact.ExtractMetadata(f, obj.Length)
}

func (s *Source) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Source) object(key, path string, info fs.FileInfo) source.Object {
	return source.Object{Key: key, URL: path, ModTime: info.ModTime(), Length: info.Size()}
}
