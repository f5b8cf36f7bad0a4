package fs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
)

const meta = `<artifact uuid="1f0e9d8c-7b6a-4543-9210-fedcba987654"><worker name="filt"/></artifact>`

func writeArtifact(t *testing.T, path string) {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("payload")
	if err := artifact.AppendMetadata(&b, []byte(meta)); err != nil {
		t.Fatalf("AppendMetadata: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestScanSkipsHiddenAndSorts(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, filepath.Join(root, "rcc", "b.so"))
	writeArtifact(t, filepath.Join(root, "a.so"))
	writeArtifact(t, filepath.Join(root, ".cache", "c.so"))
	writeArtifact(t, filepath.Join(root, ".hidden.so"))

	src, err := source.Open(context.Background(), root, source.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.Driver() != Driver {
		t.Fatalf("expected fs driver, got %q", src.Driver())
	}
	objs, err := src.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "a.so" || objs[1].Key != "rcc/b.so" {
		t.Fatalf("unexpected objects %+v", objs)
	}
	doc, err := src.ReadMetadata(context.Background(), objs[1])
	if err != nil || string(doc) != meta {
		t.Fatalf("ReadMetadata: %v %q", err, doc)
	}
}

func TestReadMetadataRejectsChangedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "filt.so")
	writeArtifact(t, path)
	src, obj, err := source.OpenObject(context.Background(), "file://"+path, source.Options{})
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}

	if err := os.WriteFile(path, []byte("rebuilt"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := src.ReadMetadata(context.Background(), obj); !errors.Is(err, source.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestOpenObjectAndStat(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "filt.so")
	writeArtifact(t, path)

	src, obj, err := source.OpenObject(context.Background(), "file://"+path, source.Options{})
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}
	if obj.Key != "filt.so" || obj.URL != path || obj.Length == 0 {
		t.Fatalf("unexpected object %+v", obj)
	}
	if _, err := src.Stat(context.Background(), "missing.so"); !errors.Is(err, source.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := src.Stat(context.Background(), "../escape"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

func TestNewRejectsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(path); err == nil {
		t.Fatalf("expected error for a non-directory root")
	}
	if _, err := New(filepath.Join(path, "missing")); err == nil {
		t.Fatalf("expected error for a missing root")
	}
}
