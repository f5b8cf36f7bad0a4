package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/capability"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
	"github.com/bayleafwalker/bindery-core/internal/library/source/memory"
)

var uuidSeq atomic.Int32

// doc renders artifact metadata with the given attributes and body.
func doc(attrs, body string) string {
	n := uuidSeq.Add(1)
	return fmt.Sprintf(`<artifact uuid="00000000-0000-4000-8000-%012d" %s>%s</artifact>`, n, attrs, body)
}

func blob(t *testing.T, meta string) []byte {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("binary")
	if err := artifact.AppendMetadata(&b, []byte(meta)); err != nil {
		t.Fatalf("AppendMetadata: %v", err)
	}
	return b.Bytes()
}

func publish(t *testing.T, name string, files map[string]string) *memory.Store {
	t.Helper()
	st := memory.New(name)
	for k, v := range files {
		if v == "" {
			st.Put(k, []byte("not an artifact"), time.Unix(1, 0))
			continue
		}
		st.Put(k, blob(t, v), time.Unix(1, 0))
	}
	memory.Publish(st)
	t.Cleanup(func() { memory.Unpublish(name) })
	return st
}

func newManager(t *testing.T, path ...string) *Manager {
	t.Helper()
	m, err := NewManager(Options{Path: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = m.Teardown() })
	return m
}

func TestFindImplementationsCapabilityWildcards(t *testing.T) {
	publish(t, "caps", map[string]string{
		"filt.so": doc(`os="linux" platform="x86_64"`, `<worker name="filt.rcc" specName="ocpi.filt"/>`),
	})
	cat := newManager(t, "mem://caps").Catalog()

	if got := cat.FindImplementations("ocpi.filt", capability.Profile{OS: "linux"}, nil); len(got) != 1 {
		t.Fatalf("expected a match with platform unset, got %d", len(got))
	}
	if got := cat.FindImplementations("ocpi.filt", capability.Profile{OS: "linux", Platform: "arm"}, nil); len(got) != 0 {
		t.Fatalf("expected no match for platform arm, got %d", len(got))
	}
	if got := cat.FindImplementations("ocpi.FILT", capability.Profile{}, nil); len(got) != 0 {
		t.Fatalf("expected spec names to be case-sensitive")
	}
}

func TestFindImplementationsDiscoveryOrder(t *testing.T) {
	publish(t, "first", map[string]string{
		"b.so": doc(`os="linux"`, `<worker name="filt_b" specName="ocpi.filt"/>`),
		"a.so": doc(`os="linux"`, `<worker name="filt_a" specName="ocpi.filt"/><worker name="other" specName="ocpi.other"/>`),
		"doc":  "",
	})
	publish(t, "second", map[string]string{
		"c.so": doc(`os="linux"`, `<worker name="filt_c" specName="ocpi.filt"/>`),
	})
	m := newManager(t, "mem://second", "mem://first")
	cat := m.Catalog()

	var names []string
	for _, match := range cat.FindImplementations("ocpi.filt", capability.Profile{}, nil) {
		names = append(names, cat.Implementation(match.ID).WorkerName)
	}
	if fmt.Sprint(names) != "[filt_c filt_a filt_b]" {
		t.Fatalf("unexpected discovery order %v", names)
	}
	if cat.Len() != 3 || len(cat.Libraries()) != 2 {
		t.Fatalf("expected 3 artifacts in 2 libraries, got %d in %d", cat.Len(), len(cat.Libraries()))
	}
}

func TestFindWorkersAndSelection(t *testing.T) {
	publish(t, "workers", map[string]string{
		"lo.so": doc(`model="rcc"`, `<worker name="filt.rcc" specName="ocpi.filt"><property name="precision" parameter="true" value="low"/></worker>`),
		"hi.so": doc(`model="rcc"`, `<worker name="filt.rcc" specName="ocpi.filt"><property name="precision" parameter="true" value="high"/></worker>`),
		"hd.so": doc(`model="hdl"`, `<worker name="filt.hdl" specName="ocpi.filt"/>`),
	})
	cat := newManager(t, "mem://workers").Catalog()

	sel, err := CompileSelection("precision=high", nil)
	if err != nil {
		t.Fatalf("CompileSelection: %v", err)
	}
	matches := cat.FindWorkers("filt", capability.Profile{Model: "rcc"}, sel)
	if len(matches) != 2 {
		t.Fatalf("expected two rcc workers, got %d", len(matches))
	}
	for _, match := range matches {
		p, _ := cat.Implementation(match.ID).Property("precision")
		if match.Selected != (p.Value == "high") {
			t.Fatalf("expected only the high precision worker to be selected: %+v", matches)
		}
	}
	if got := cat.FindWorkers("filt.hdl", capability.Profile{}, nil); len(got) != 1 {
		t.Fatalf("expected the qualified worker name to match once, got %d", len(got))
	}
	if _, err := CompileSelection("precision in (", nil); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestSelectionUsesDeclaredProperties(t *testing.T) {
	sel, err := CompileSelection("mode=fast,worker=filt.rcc", map[string]string{"mode": "fast"})
	if err != nil {
		t.Fatalf("CompileSelection: %v", err)
	}
	if !sel.Matches(&Implementation{WorkerName: "filt.rcc"}) {
		t.Fatalf("expected declared property and worker pseudo-property to match")
	}
	overridden := &Implementation{WorkerName: "filt.rcc", Properties: []artifact.Property{{Name: "mode", Value: "slow", HasValue: true}}}
	if sel.Matches(overridden) {
		t.Fatalf("expected implementation values to take precedence")
	}
	var none *Selection
	if none.Matches(overridden) || none.String() != "" {
		t.Fatalf("nil selection must not match")
	}
}

func TestInitReadsEnvironment(t *testing.T) {
	publish(t, "envlib", map[string]string{"x.so": doc("", `<worker name="x"/>`)})
	t.Setenv(EnvLibraryPath, "mem://envlib")
	m := newManager(t)
	if m.Catalog().Len() != 1 {
		t.Fatalf("expected one artifact from %s", EnvLibraryPath)
	}

	t.Setenv(EnvLibraryPath, "")
	empty, _ := NewManager(Options{})
	if err := empty.Init(context.Background()); !errors.Is(err, ErrNoLibraries) {
		t.Fatalf("expected ErrNoLibraries, got %v", err)
	}
}

func TestInitReportsBadLocations(t *testing.T) {
	publish(t, "good", map[string]string{"x.so": doc("", `<worker name="x"/>`)})
	m, _ := NewManager(Options{Path: []string{"mem://good", "mem://missing"}})
	err := m.Init(context.Background())
	if err == nil {
		t.Fatalf("expected the missing location to be reported")
	}
	if m.Catalog().Len() != 1 {
		t.Fatalf("expected the good location to be scanned anyway")
	}
}

// countingSource wraps a source and counts metadata reads.
type countingSource struct {
	source.Source
	reads atomic.Int32
}

func (c *countingSource) ReadMetadata(ctx context.Context, obj source.Object) ([]byte, error) {
	c.reads.Add(1)
	return c.Source.ReadMetadata(ctx, obj)
}

func TestRescanReusesUnchangedArtifacts(t *testing.T) {
	st := publish(t, "rescan", map[string]string{
		"a.so": doc("", `<worker name="a"/>`),
		"b.so": doc("", `<worker name="b"/>`),
	})
	m, _ := NewManager(Options{})
	counting := &countingSource{Source: st.Source()}
	m.sources = []source.Source{counting}

	ctx := context.Background()
	if err := m.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	before := m.Catalog()
	if err := m.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := counting.reads.Load(); got != 2 {
		t.Fatalf("expected unchanged artifacts to be read once, got %d reads", got)
	}

	st.Put("b.so", blob(t, doc("", `<worker name="b2"/>`)), time.Unix(2, 0))
	if err := m.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := counting.reads.Load(); got != 3 {
		t.Fatalf("expected only the modified artifact to be re-read, got %d reads", got)
	}
	if len(m.Catalog().FindWorkers("b2", capability.Profile{}, nil)) != 1 {
		t.Fatalf("expected the new worker after rescan")
	}
	if len(before.FindWorkers("b", capability.Profile{}, nil)) != 1 {
		t.Fatalf("expected the older snapshot to stay intact")
	}
}

func TestGetArtifact(t *testing.T) {
	st := publish(t, "single", map[string]string{
		"one.so": doc(`os="linux"`, `<worker name="one" specName="ocpi.one"/>`),
		"bare":   "",
	})
	m, _ := NewManager(Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]ArtifactID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := m.GetArtifact(ctx, "mem://single/one.so", false)
			if err != nil {
				t.Errorf("GetArtifact: %v", err)
				return
			}
			ids[i] = a.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected every caller to get the same artifact, got %v", ids)
		}
	}
	cat := m.Catalog()
	if cat.Len() != 1 || cat.Libraries()[0].Name != SimpleLibrary {
		t.Fatalf("expected a single artifact in the simple library")
	}

	st.Put("one.so", blob(t, doc(`os="linux"`, `<worker name="one_v2" specName="ocpi.one"/>`)), time.Unix(5, 0))
	again, err := m.GetArtifact(ctx, "mem://single/one.so", false)
	if err != nil || again.ID != ids[0] {
		t.Fatalf("expected the cached artifact without reload: %v", err)
	}
	reloaded, err := m.GetArtifact(ctx, "mem://single/one.so", true)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ID == ids[0] || m.Catalog().Len() != 1 {
		t.Fatalf("expected reload to replace the listed artifact")
	}
	impl := m.Catalog().Implementation(reloaded.Implementations[0])
	if impl.WorkerName != "one_v2" {
		t.Fatalf("expected reloaded metadata, got %q", impl.WorkerName)
	}

	if _, err := m.GetArtifact(ctx, "mem://single/missing.so", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetArtifact(ctx, "mem://single/bare", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a blob without metadata, got %v", err)
	}
}

func TestGetArtifactReloadKeepsLibraryOrder(t *testing.T) {
	st := publish(t, "inplace", map[string]string{
		"a.so": doc("", `<worker name="filt_a" specName="ocpi.filt"/>`),
		"b.so": doc("", `<worker name="filt_b" specName="ocpi.filt"/>`),
		"c.so": doc("", `<worker name="filt_c" specName="ocpi.filt"/>`),
	})
	m := newManager(t, "mem://inplace")
	ctx := context.Background()
	order := func() string {
		cat := m.Catalog()
		var names []string
		for _, match := range cat.FindImplementations("ocpi.filt", capability.Profile{}, nil) {
			names = append(names, cat.Implementation(match.ID).WorkerName)
		}
		return fmt.Sprint(names)
	}

	st.Put("b.so", blob(t, doc("", `<worker name="filt_b2" specName="ocpi.filt"/>`)), time.Unix(5, 0))
	a, err := m.GetArtifact(ctx, "mem://inplace/b.so", true)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := m.Catalog().Library(a.Library).Name; got == SimpleLibrary {
		t.Fatalf("expected the reloaded artifact to stay in its library")
	}
	if got := order(); got != "[filt_a filt_b2 filt_c]" {
		t.Fatalf("unexpected order after reload %s", got)
	}
	if err := m.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := order(); got != "[filt_a filt_b2 filt_c]" {
		t.Fatalf("unexpected order after rescan %s", got)
	}
	if n := len(m.Catalog().Libraries()); n != 1 {
		t.Fatalf("expected no simple library, got %d libraries", n)
	}
}

func TestGetArtifactReloadRunsItsOwnLoad(t *testing.T) {
	const url = "mem://flight/one.so"
	st := publish(t, "flight", map[string]string{
		"one.so": doc("", `<worker name="one" specName="ocpi.one"/>`),
	})
	m, _ := NewManager(Options{})
	ctx := context.Background()
	stale, err := m.GetArtifact(ctx, url, false)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	st.Put("one.so", blob(t, doc("", `<worker name="one_v2" specName="ocpi.one"/>`)), time.Unix(5, 0))

	// Hold a plain load of the same url open while reloading.
	started, release := make(chan struct{}), make(chan struct{})
	go m.group.Do(flightKey(url, false), func() (any, error) {
		close(started)
		<-release
		return stale, nil
	})
	<-started
	defer close(release)

	done := make(chan *Artifact, 1)
	go func() {
		a, err := m.GetArtifact(ctx, url, true)
		if err != nil {
			t.Errorf("reload: %v", err)
		}
		done <- a
	}()
	select {
	case a := <-done:
		if a == nil {
			return
		}
		if got := m.Catalog().Implementation(a.Implementations[0]).WorkerName; got != "one_v2" {
			t.Fatalf("expected reloaded metadata, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload waited on a plain load of the same url")
	}
}

func TestTeardown(t *testing.T) {
	publish(t, "down", map[string]string{"x.so": doc("", `<worker name="x"/>`)})
	m, _ := NewManager(Options{Path: []string{"mem://down"}})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	snapshot := m.Catalog()
	if err := m.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if m.Catalog().Len() != 0 {
		t.Fatalf("expected an empty catalog after teardown")
	}
	if snapshot.Len() != 1 {
		t.Fatalf("expected earlier snapshots to remain readable")
	}
}
