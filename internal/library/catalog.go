// Package library keeps the catalog of artifacts discovered in the
// configured library locations and answers implementation queries.
package library

import (
	"slices"
	"strings"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/capability"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
)

type (
	LibraryID        int
	ArtifactID       int
	ImplementationID int
)

// SimpleLibrary is the pseudo-library holding individually loaded artifacts.
const SimpleLibrary = "simple"

// Library is one scanned location.
type Library struct {
	ID        LibraryID
	Name      string
	Driver    string
	Artifacts []ArtifactID
}

// Artifact is one deployable blob and the implementations it carries.
type Artifact struct {
	ID              ArtifactID
	Library         LibraryID
	URL             string
	UUID            string
	Profile         capability.Profile
	ModTime         int64
	Length          int64
	Implementations []ImplementationID
}

// Implementation is a selectable realization of a spec. Values are owned by
// the Catalog they came from and stay valid for its lifetime.
type Implementation struct {
	ID             ImplementationID
	Artifact       ArtifactID
	Ordinal        int
	SpecName       string
	WorkerName     string
	Model          string
	StaticInstance string
	SlaveWorkers   []string
	ExternalPorts  uint64
	InternalPorts  uint64
	Ports          []artifact.Port
	Properties     []artifact.Property
	Links          []artifact.Link
}

// PortIndex returns the ordinal of the named port (case-insensitive) or -1.
func (i *Implementation) PortIndex(name string) int {
	for n, p := range i.Ports {
		if strings.EqualFold(p.Name, name) {
			return n
		}
	}
	return -1
}

// Property looks up a property descriptor by name (case-insensitive).
func (i *Implementation) Property(name string) (artifact.Property, bool) {
	for _, p := range i.Properties {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return artifact.Property{}, false
}

// Link returns the internal wiring of port n, if any.
func (i *Implementation) Link(n int) (artifact.Link, bool) {
	for _, l := range i.Links {
		if l.Port == n {
			return l, true
		}
	}
	return artifact.Link{}, false
}

// IsExternal reports whether port n may be connected from outside.
func (i *Implementation) IsExternal(n int) bool {
	return n >= 0 && n < artifact.MaxPorts && i.ExternalPorts&(uint64(1)<<uint(n)) != 0
}

// IsInternal reports whether port n is wired inside the artifact.
func (i *Implementation) IsInternal(n int) bool {
	return n >= 0 && n < artifact.MaxPorts && i.InternalPorts&(uint64(1)<<uint(n)) != 0
}

// Match is one query result.
type Match struct {
	ID ImplementationID
	// Selected reports that the query's selection expression holds.
	Selected bool
}

// Catalog is an immutable snapshot of every known library. All
// cross-references are indexes into its arenas.
type Catalog struct {
	libraries []Library
	artifacts []Artifact
	impls     []Implementation
	byURL     map[string]ArtifactID
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{byURL: map[string]ArtifactID{}}
}

func (c *Catalog) Libraries() []Library { return c.libraries }

func (c *Catalog) Library(id LibraryID) *Library { return &c.libraries[id] }

func (c *Catalog) Artifact(id ArtifactID) *Artifact { return &c.artifacts[id] }

func (c *Catalog) Implementation(id ImplementationID) *Implementation { return &c.impls[id] }

// ArtifactByURL returns the artifact currently listed for url.
func (c *Catalog) ArtifactByURL(url string) (*Artifact, bool) {
	id, ok := c.byURL[url]
	if !ok {
		return nil, false
	}
	return &c.artifacts[id], true
}

// Len reports the number of artifacts reachable through libraries.
func (c *Catalog) Len() int {
	n := 0
	for _, l := range c.libraries {
		n += len(l.Artifacts)
	}
	return n
}

// FindImplementations lists implementations of spec (exact, case-sensitive)
// whose artifact is compatible with profile, in discovery order. sel may be
// nil. No match is a normal outcome and yields an empty slice.
func (c *Catalog) FindImplementations(spec string, profile capability.Profile, sel *Selection) []Match {
	return c.find(profile, sel, func(impl *Implementation) bool {
		return impl.SpecName == spec
	})
}

// FindWorkers is FindImplementations keyed by worker name. A name without a
// model suffix ("filt") also matches "filt.rcc".
func (c *Catalog) FindWorkers(worker string, profile capability.Profile, sel *Selection) []Match {
	return c.find(profile, sel, func(impl *Implementation) bool {
		return WorkerMatches(worker, impl.WorkerName)
	})
}

// WorkerMatches compares an assembly worker reference against a worker
// name from artifact metadata.
func WorkerMatches(want, have string) bool {
	if strings.EqualFold(want, have) {
		return true
	}
	if strings.Contains(want, ".") {
		return false
	}
	base, _, ok := strings.Cut(have, ".")
	return ok && strings.EqualFold(want, base)
}

func (c *Catalog) find(profile capability.Profile, sel *Selection, structural func(*Implementation) bool) []Match {
	var out []Match
	for _, lib := range c.libraries {
		for _, aid := range lib.Artifacts {
			a := &c.artifacts[aid]
			if !capability.Compatible(profile, a.Profile) {
				continue
			}
			for _, iid := range a.Implementations {
				impl := &c.impls[iid]
				if !structural(impl) {
					continue
				}
				if impl.Model != "" && profile.Model != "" && impl.Model != profile.Model {
					continue
				}
				out = append(out, Match{ID: iid, Selected: sel.Matches(impl)})
			}
		}
	}
	return out
}

// builder produces a new snapshot from an old one without touching it.
type builder struct {
	c *Catalog
}

func newBuilder(prev *Catalog) *builder {
	next := &Catalog{
		libraries: make([]Library, len(prev.libraries)),
		artifacts: append([]Artifact(nil), prev.artifacts...),
		impls:     append([]Implementation(nil), prev.impls...),
		byURL:     make(map[string]ArtifactID, len(prev.byURL)),
	}
	for i, l := range prev.libraries {
		l.Artifacts = append([]ArtifactID(nil), l.Artifacts...)
		next.libraries[i] = l
	}
	for k, v := range prev.byURL {
		next.byURL[k] = v
	}
	return &builder{c: next}
}

func (b *builder) library(name, driver string) LibraryID {
	for i := range b.c.libraries {
		if b.c.libraries[i].Name == name {
			return LibraryID(i)
		}
	}
	id := LibraryID(len(b.c.libraries))
	b.c.libraries = append(b.c.libraries, Library{ID: id, Name: name, Driver: driver})
	return id
}

// addArtifact appends an artifact to lib. An artifact already listed for the
// same URL is replaced in its slot when it belongs to lib and unlisted
// otherwise; its arena entries stay valid for older readers.
func (b *builder) addArtifact(lib LibraryID, obj source.Object, md *artifact.Metadata) ArtifactID {
	slot := -1
	if old, ok := b.c.byURL[obj.URL]; ok {
		for i := range b.c.libraries {
			l := &b.c.libraries[i]
			kept := l.Artifacts[:0]
			for _, id := range l.Artifacts {
				if id != old {
					kept = append(kept, id)
				} else if LibraryID(i) == lib {
					slot = len(kept)
				}
			}
			l.Artifacts = kept
		}
	}

	aid := ArtifactID(len(b.c.artifacts))
	a := Artifact{
		ID:      aid,
		Library: lib,
		URL:     obj.URL,
		UUID:    md.UUID,
		Profile: md.Profile,
		ModTime: obj.ModTime.UnixNano(),
		Length:  obj.Length,
	}
	for n, ai := range md.Implementations() {
		iid := ImplementationID(len(b.c.impls))
		w := ai.Worker
		model := w.Model
		if model == "" {
			model = md.Profile.Model
		}
		b.c.impls = append(b.c.impls, Implementation{
			ID:             iid,
			Artifact:       aid,
			Ordinal:        n,
			SpecName:       w.SpecName,
			WorkerName:     w.Name,
			Model:          model,
			StaticInstance: ai.StaticInstance,
			SlaveWorkers:   w.Slaves,
			ExternalPorts:  ai.ExternalPorts,
			InternalPorts:  ai.InternalPorts,
			Ports:          w.Ports,
			Properties:     w.Properties,
			Links:          ai.Links,
		})
		a.Implementations = append(a.Implementations, iid)
	}
	b.c.artifacts = append(b.c.artifacts, a)
	if slot >= 0 {
		b.c.libraries[lib].Artifacts = slices.Insert(b.c.libraries[lib].Artifacts, slot, aid)
	} else {
		b.c.libraries[lib].Artifacts = append(b.c.libraries[lib].Artifacts, aid)
	}
	b.c.byURL[obj.URL] = aid
	return aid
}

func (b *builder) done() *Catalog { return b.c }
