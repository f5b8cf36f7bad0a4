// Package artifact decodes the metadata document carried by a built artifact
// and derives the implementations it offers.
package artifact

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/bayleafwalker/bindery-core/internal/capability"
)

// MaxPorts is the number of ports a worker may declare; port sets are
// tracked as 64-bit masks.
const MaxPorts = 64

// Metadata is the decoded <artifact> document.
type Metadata struct {
	UUID        string
	Profile     capability.Profile
	Workers     []Worker
	Instances   []StaticInstance
	Connections []Connection
}

// Worker is one buildable realization of a spec.
type Worker struct {
	Name       string
	SpecName   string
	Model      string
	Slaves     []string
	Ports      []Port
	Properties []Property
}

type Port struct {
	Name          string
	Provider      bool
	Bidirectional bool
	Protocol      string
}

type Property struct {
	Name      string
	Parameter bool
	Writable  bool
	Value     string
	HasValue  bool
}

// StaticInstance is a fixed placement of a worker inside the artifact.
type StaticInstance struct {
	Name   string
	Worker string
	IO     bool
}

// Connection is a link between two static instances that the artifact
// already wires internally. From/Out name the user side, To/In the provider.
type Connection struct {
	From string
	To   string
	Out  string
	In   string
}

type xmlArtifact struct {
	XMLName        xml.Name
	UUID           string          `xml:"uuid,attr"`
	Model          string          `xml:"model,attr"`
	OS             string          `xml:"os,attr"`
	OSVersion      string          `xml:"osVersion,attr"`
	Platform       string          `xml:"platform,attr"`
	Arch           string          `xml:"arch,attr"`
	Runtime        string          `xml:"runtime,attr"`
	RuntimeVersion string          `xml:"runtimeVersion,attr"`
	Dynamic        string          `xml:"dynamic,attr"`
	Workers        []xmlWorker     `xml:"worker"`
	Instances      []xmlInstance   `xml:"instance"`
	IOs            []xmlInstance   `xml:"io"`
	Connections    []xmlConnection `xml:"connection"`
}

type xmlWorker struct {
	Name       string        `xml:"name,attr"`
	SpecName   string        `xml:"specName,attr"`
	Model      string        `xml:"model,attr"`
	Slave      string        `xml:"slave,attr"`
	Ports      []xmlPort     `xml:"port"`
	Properties []xmlProperty `xml:"property"`
}

type xmlPort struct {
	Name          string `xml:"name,attr"`
	Provider      string `xml:"provider,attr"`
	Bidirectional string `xml:"bidirectional,attr"`
	Protocol      string `xml:"protocol,attr"`
}

type xmlProperty struct {
	Name      string  `xml:"name,attr"`
	Parameter string  `xml:"parameter,attr"`
	Writable  string  `xml:"writable,attr"`
	Value     *string `xml:"value,attr"`
}

type xmlInstance struct {
	Name   string `xml:"name,attr"`
	Worker string `xml:"worker,attr"`
}

type xmlConnection struct {
	From string `xml:"from,attr"`
	To   string `xml:"to,attr"`
	Out  string `xml:"out,attr"`
	In   string `xml:"in,attr"`
}

// ErrInvalid is wrapped by every metadata validation failure.
var ErrInvalid = errors.New("invalid artifact metadata")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Parse decodes and validates an <artifact> metadata document.
func Parse(data []byte) (*Metadata, error) {
	var doc xmlArtifact
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !strings.EqualFold(doc.XMLName.Local, "artifact") {
		return nil, invalid("root element is <%s>, want <artifact>", doc.XMLName.Local)
	}
	if doc.UUID == "" {
		return nil, invalid("no uuid")
	}
	if _, err := uuid.Parse(doc.UUID); err != nil {
		return nil, invalid("uuid %q: %v", doc.UUID, err)
	}

	md := &Metadata{
		UUID: doc.UUID,
		Profile: capability.Profile{
			Model:          doc.Model,
			OS:             doc.OS,
			OSVersion:      doc.OSVersion,
			Platform:       doc.Platform,
			Architecture:   doc.Arch,
			Runtime:        doc.Runtime,
			RuntimeVersion: doc.RuntimeVersion,
		},
	}
	if doc.Dynamic != "" {
		d, err := strconv.ParseBool(doc.Dynamic)
		if err != nil {
			return nil, invalid("dynamic attribute %q is not a boolean", doc.Dynamic)
		}
		md.Profile.Dynamic = capability.Bool(d)
	}

	for i, xw := range doc.Workers {
		w, err := parseWorker(xw)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		md.Workers = append(md.Workers, w)
	}

	seen := map[string]bool{}
	addInstance := func(xi xmlInstance, io bool) error {
		if xi.Name == "" || xi.Worker == "" {
			return invalid("static instance needs both name and worker")
		}
		if seen[strings.ToLower(xi.Name)] {
			return invalid("duplicate static instance %q", xi.Name)
		}
		if md.Worker(xi.Worker) == nil {
			return invalid("static instance %q names unknown worker %q", xi.Name, xi.Worker)
		}
		seen[strings.ToLower(xi.Name)] = true
		md.Instances = append(md.Instances, StaticInstance{Name: xi.Name, Worker: xi.Worker, IO: io})
		return nil
	}
	for _, xi := range doc.Instances {
		if err := addInstance(xi, false); err != nil {
			return nil, err
		}
	}
	for _, xi := range doc.IOs {
		if err := addInstance(xi, true); err != nil {
			return nil, err
		}
	}

	for _, xc := range doc.Connections {
		if xc.From == "" || xc.To == "" || xc.Out == "" || xc.In == "" {
			return nil, invalid("connection has bad attributes")
		}
		c := Connection{From: xc.From, To: xc.To, Out: xc.Out, In: xc.In}
		if err := md.checkEndpoint(c.From, c.Out, false); err != nil {
			return nil, err
		}
		if err := md.checkEndpoint(c.To, c.In, true); err != nil {
			return nil, err
		}
		md.Connections = append(md.Connections, c)
	}
	return md, nil
}

func parseWorker(xw xmlWorker) (Worker, error) {
	if xw.Name == "" {
		return Worker{}, invalid("worker has no name")
	}
	w := Worker{Name: xw.Name, SpecName: xw.SpecName, Model: xw.Model}
	for _, s := range strings.Split(xw.Slave, ",") {
		if s = strings.TrimSpace(s); s != "" {
			w.Slaves = append(w.Slaves, s)
		}
	}
	if w.SpecName == "" {
		w.SpecName = xw.Name
	}
	if len(xw.Ports) > MaxPorts {
		return Worker{}, invalid("worker %q has %d ports, at most %d are supported", xw.Name, len(xw.Ports), MaxPorts)
	}
	for _, xp := range xw.Ports {
		if xp.Name == "" {
			return Worker{}, invalid("worker %q has a port with no name", xw.Name)
		}
		p := Port{Name: xp.Name, Protocol: xp.Protocol}
		var err error
		if p.Provider, err = optionalBool(xp.Provider); err != nil {
			return Worker{}, invalid("port %q provider: %v", xp.Name, err)
		}
		if p.Bidirectional, err = optionalBool(xp.Bidirectional); err != nil {
			return Worker{}, invalid("port %q bidirectional: %v", xp.Name, err)
		}
		w.Ports = append(w.Ports, p)
	}
	for _, xp := range xw.Properties {
		if xp.Name == "" {
			return Worker{}, invalid("worker %q has a property with no name", xw.Name)
		}
		p := Property{Name: xp.Name}
		var err error
		if p.Parameter, err = optionalBool(xp.Parameter); err != nil {
			return Worker{}, invalid("property %q parameter: %v", xp.Name, err)
		}
		if p.Writable, err = optionalBool(xp.Writable); err != nil {
			return Worker{}, invalid("property %q writable: %v", xp.Name, err)
		}
		if xp.Value != nil {
			p.Value, p.HasValue = *xp.Value, true
		}
		w.Properties = append(w.Properties, p)
	}
	return w, nil
}

func optionalBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func (m *Metadata) checkEndpoint(instance, port string, provider bool) error {
	si := m.Instance(instance)
	if si == nil {
		return invalid("connection refers to unknown instance %q", instance)
	}
	w := m.Worker(si.Worker)
	idx := w.PortIndex(port)
	if idx < 0 {
		return invalid("connection refers to unknown port %q of instance %q", port, instance)
	}
	p := w.Ports[idx]
	if !p.Bidirectional && p.Provider != provider {
		return invalid("port %q of instance %q has the wrong role for its connection", port, instance)
	}
	return nil
}

// Worker returns the worker named name, or nil.
func (m *Metadata) Worker(name string) *Worker {
	for i := range m.Workers {
		if strings.EqualFold(m.Workers[i].Name, name) {
			return &m.Workers[i]
		}
	}
	return nil
}

// Instance returns the static instance named name, or nil.
func (m *Metadata) Instance(name string) *StaticInstance {
	for i := range m.Instances {
		if strings.EqualFold(m.Instances[i].Name, name) {
			return &m.Instances[i]
		}
	}
	return nil
}

// PortIndex returns the ordinal of the named port or -1.
func (w *Worker) PortIndex(name string) int {
	for i, p := range w.Ports {
		if strings.EqualFold(p.Name, name) {
			return i
		}
	}
	return -1
}
