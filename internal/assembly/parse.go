// Package assembly parses application assemblies: component instances,
// their properties and the connections between their ports.
package assembly

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/bayleafwalker/bindery-core/internal/collocation"
)

// FileReader reads property value files.
type FileReader func(name string) ([]byte, error)

type Option func(*parser)

// WithFileReader replaces os.ReadFile for valueFile attributes.
func WithFileReader(r FileReader) Option {
	return func(p *parser) { p.readFile = r }
}

var unnamedCount atomic.Uint32

var (
	topAttrs        = names(append([]string{"name", "package", "done"}, collocation.Attrs()...)...)
	topElems        = names("instance", "connection", "policy", "property", "external")
	instAttrs       = names(append([]string{"component", "worker", "name", "selection", "connect", "to", "from", "external", "transport", "index", "externals", "slave", "model", "platform", "container"}, collocation.Attrs()...)...)
	instElems       = names("property")
	propAttrs       = names("name", "value", "valueFile", "dumpFile", "delay")
	mappedAttrs     = names("name", "value", "valueFile", "dumpFile", "instance", "property")
	policyAttrs     = names("mapping", "processors")
	topExtAttrs     = names("name", "port", "instance", "role", "index", "count", "url")
	connAttrs       = names("name", "count", "transport", "external")
	connElems       = names("port", "external", "attach")
	portAttrs       = names("instance", "name", "from", "to", "index")
	connExtAttrs    = names("name", "role", "index", "count", "url")
	attachAttrs     = names("worker", "url", "external", "port", "role", "index")
	none            = names()
	assemblyRoots   = names("assembly", "application")
	assemblyPath    = field.NewPath("assembly")
	instancePath    = assemblyPath.Child("instance")
	connectionPath  = assemblyPath.Child("connection")
	mappedPath      = assemblyPath.Child("property")
	externalPath    = assemblyPath.Child("external")
	defaultConnFrom = "output"
)

type parser struct {
	a        *Assembly
	root     *Node
	params   Params
	readFile FileReader
}

// ParseXML decodes and parses an XML assembly.
func ParseXML(r io.Reader, params Params, opts ...Option) (*Assembly, error) {
	root, err := DecodeXML(r)
	if err != nil {
		return nil, err
	}
	return Parse(root, params, opts...)
}

// ParseYAML decodes and parses a YAML assembly.
func ParseYAML(r io.Reader, params Params, opts ...Option) (*Assembly, error) {
	root, err := DecodeYAML(r)
	if err != nil {
		return nil, err
	}
	return Parse(root, params, opts...)
}

// ParseFile parses an assembly file, choosing the decoder from the
// extension (.yaml and .yml are YAML, anything else XML).
func ParseFile(name string, params Params, opts ...Option) (*Assembly, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read assembly: %w", err)
	}
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return ParseYAML(bytes.NewReader(data), params, opts...)
	}
	return ParseXML(bytes.NewReader(data), params, opts...)
}

// Parse builds an Assembly from a decoded tree. On error nothing is
// returned.
func Parse(root *Node, params Params, opts ...Option) (*Assembly, error) {
	p := &parser{
		a:        &Assembly{Done: NoInstance, Collocation: collocation.Default()},
		root:     root,
		params:   params,
		readFile: os.ReadFile,
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.a, nil
}

func (p *parser) parse() error {
	root, a := p.root, p.a
	if !assemblyRoots.Has(strings.ToLower(root.Name)) {
		return parseErrorAt(root, field.NotSupported(field.NewPath("document"), root.Name, []string{"assembly", "application"}))
	}
	if err := checkNode(root, assemblyPath, topAttrs, topElems); err != nil {
		return err
	}
	policy, _, err := collocation.ParseAttrs(collocation.Default(), root.Attr)
	if err != nil {
		return parseErrorAt(root, field.Invalid(assemblyPath, nil, err.Error()))
	}
	a.Collocation = policy
	if err := p.parsePolicy(); err != nil {
		return err
	}

	a.Name, _ = root.Attr("name")
	if a.Name == "" {
		a.Name = fmt.Sprintf("unnamed%d", unnamedCount.Add(1)-1)
	}
	a.Package, _ = root.Attr("package")
	if a.Package == "" {
		a.Package = "local"
	}

	insts := root.ChildrenNamed("instance")
	bases := make([]string, len(insts))
	for i, ix := range insts {
		component, _ := ix.Attr("component")
		worker, _ := ix.Attr("worker")
		bases[i] = baseName(component, worker)
	}
	for i, ix := range insts {
		if err := p.parseInstance(ix, i, bases); err != nil {
			return err
		}
	}

	if done, ok := root.Attr("done"); ok {
		inst, ok := a.Instance(done)
		if !ok {
			return parseErrorAt(root, field.NotFound(assemblyPath.Child("done"), done))
		}
		a.Done = inst.ID
	}

	for i, px := range root.ChildrenNamed("property") {
		if err := p.parseMappedProperty(px, mappedPath.Index(i)); err != nil {
			return err
		}
	}
	for i, cx := range root.ChildrenNamed("connection") {
		if err := p.parseConnection(cx, i); err != nil {
			return err
		}
	}
	for i, ex := range root.ChildrenNamed("external") {
		if err := p.parseTopExternal(ex, externalPath.Index(i)); err != nil {
			return err
		}
	}
	for i, ix := range insts {
		if err := p.parseInstanceConnections(ix, InstanceID(i)); err != nil {
			return err
		}
	}

	if err := a.checkInstanceParams(ParamSelection, p.params.Selections, true, false); err != nil {
		return err
	}
	if err := a.checkInstanceParams(ParamTransport, p.params.Transports, false, false); err != nil {
		return err
	}
	if err := a.checkInstanceParams(ParamWorker, p.params.Workers, true, false); err != nil {
		return err
	}
	if err := a.checkInstanceParams(ParamProperty, p.params.Properties, false, true); err != nil {
		return err
	}
	return p.applyPropertyParams()
}

func (p *parser) parsePolicy() error {
	policies := p.root.ChildrenNamed("policy")
	if len(policies) > 1 {
		return parseErrorAt(policies[1], field.Duplicate(assemblyPath.Child("policy"), policies[1].Name))
	}
	if len(policies) == 0 {
		return nil
	}
	px, path := policies[0], assemblyPath.Child("policy")
	if err := checkNode(px, path, policyAttrs, none); err != nil {
		return err
	}
	if mapping, ok := px.Attr("mapping"); ok {
		switch strings.ToLower(mapping) {
		case "maxprocessors":
			p.a.Mapping.Kind = MaxProcessors
		case "minprocessors":
			p.a.Mapping.Kind = MinProcessors
		case "roundrobin":
			p.a.Mapping.Kind = RoundRobin
		default:
			return parseErrorAt(px, field.NotSupported(path.Child("mapping"), mapping, []string{"maxprocessors", "minprocessors", "roundrobin"}))
		}
	}
	n, _, err := uintAttr(px, path, "processors")
	if err != nil {
		return err
	}
	p.a.Mapping.Processors = n
	return nil
}

func (p *parser) parseInstance(ix *Node, ordinal int, bases []string) error {
	a := p.a
	path := instancePath.Index(ordinal)
	if err := checkNode(ix, path, instAttrs, instElems); err != nil {
		return err
	}
	inst := Instance{ID: InstanceID(ordinal), Master: NoInstance}

	component, _ := ix.Attr("component")
	inst.WorkerName, _ = ix.Attr("worker")
	if component == "" && inst.WorkerName == "" {
		return parseErrorAt(ix, field.Required(path.Child("component"), "one of component or worker is required"))
	}
	if component != "" {
		inst.SpecName = component
		if !strings.Contains(component, ".") {
			inst.SpecName = a.Package + "." + component
		}
	}

	inst.Name, _ = ix.Attr("name")
	if inst.Name == "" {
		me, count := 0, 0
		for i, b := range bases {
			if b != "" && strings.EqualFold(b, bases[ordinal]) {
				if i == ordinal {
					me = count
				}
				count++
			}
		}
		inst.Name = bases[ordinal]
		if count > 1 {
			inst.Name = fmt.Sprintf("%s%d", bases[ordinal], me)
		}
	}
	for i := range a.Instances {
		if strings.EqualFold(a.Instances[i].Name, inst.Name) {
			return parseErrorAt(ix, field.Duplicate(path.Child("name"), inst.Name))
		}
	}

	if w, ok := find(p.params.Workers, inst.Name); ok {
		inst.WorkerName = w
	}
	inst.Selection, _ = ix.Attr("selection")
	if s, ok := find(p.params.Selections, inst.Name); ok {
		inst.Selection = s
	}
	inst.Model, _ = ix.Attr("model")
	inst.Platform, _ = ix.Attr("platform")
	inst.Transport, _ = ix.Attr("transport")
	if t, ok := find(p.params.Transports, inst.Name); ok {
		inst.Transport = t
	}

	var err error
	if inst.Externals, err = boolAttr(ix, path, "externals"); err != nil {
		return err
	}
	if inst.Index, _, err = uintAttr(ix, path, "index"); err != nil {
		return err
	}
	if c, ok, err := uintAttr(ix, path, "container"); err != nil {
		return err
	} else if ok {
		inst.Container = &c
	}
	policy, found, err := collocation.ParseAttrs(a.Collocation, ix.Attr)
	if err != nil {
		return parseErrorAt(ix, field.Invalid(path, nil, err.Error()))
	}
	if found {
		inst.Collocation = &policy
	}

	for i, px := range ix.ChildrenNamed("property") {
		prop, err := p.parseProperty(px, path.Child("property").Index(i))
		if err != nil {
			return err
		}
		for _, prev := range inst.Properties {
			if strings.EqualFold(prev.Name, prop.Name) && prev.HasDelay == prop.HasDelay && prev.Delay == prop.Delay {
				return parseErrorAt(px, field.Duplicate(path.Child("property").Index(i).Child("name"), prop.Name))
			}
		}
		inst.Properties = append(inst.Properties, prop)
	}
	a.Instances = append(a.Instances, inst)
	return nil
}

func (p *parser) parseProperty(px *Node, path *field.Path) (Property, error) {
	if err := checkNode(px, path, propAttrs, none); err != nil {
		return Property{}, err
	}
	var prop Property
	prop.Name, _ = px.Attr("name")
	if prop.Name == "" {
		return Property{}, parseErrorAt(px, field.Required(path.Child("name"), ""))
	}
	if err := p.readValue(px, path, &prop.Value, &prop.HasValue, &prop.ValueFile, &prop.DumpFile); err != nil {
		return Property{}, err
	}
	if raw, ok := px.Attr("delay"); ok {
		d, err := parseDelay(raw)
		if err != nil {
			return Property{}, parseErrorAt(px, field.Invalid(path.Child("delay"), raw, err.Error()))
		}
		prop.Delay, prop.HasDelay = d, true
	}
	return prop, nil
}

// readValue reads the value, valueFile and dumpFile attributes shared by
// instance and mapped properties.
func (p *parser) readValue(px *Node, path *field.Path, value *string, hasValue *bool, valueFile, dumpFile *string) error {
	v, hasV := px.Attr("value")
	vf, hasVF := px.Attr("valueFile")
	df, hasDF := px.Attr("dumpFile")
	switch {
	case hasV && hasVF:
		return parseErrorAt(px, field.Forbidden(path.Child("valueFile"), "value and valueFile are mutually exclusive"))
	case !hasV && !hasVF && !hasDF:
		return parseErrorAt(px, field.Required(path.Child("value"), "one of value, valueFile or dumpFile is required"))
	case hasV:
		*value, *hasValue = v, true
	case hasVF:
		data, err := p.readFile(vf)
		if err != nil {
			return parseErrorAt(px, field.Invalid(path.Child("valueFile"), vf, err.Error()))
		}
		*value, *hasValue, *valueFile = strings.TrimSuffix(string(data), "\n"), true, vf
	}
	if hasDF {
		*dumpFile = df
	}
	return nil
}

func (p *parser) parseMappedProperty(px *Node, path *field.Path) error {
	a := p.a
	if err := checkNode(px, path, mappedAttrs, none); err != nil {
		return err
	}
	mp := MappedProperty{Instance: NoInstance}
	mp.Name, _ = px.Attr("name")
	if mp.Name == "" {
		return parseErrorAt(px, field.Required(path.Child("name"), ""))
	}
	instName, _ := px.Attr("instance")
	if instName == "" {
		return parseErrorAt(px, field.Required(path.Child("instance"), ""))
	}
	inst, ok := a.Instance(instName)
	if !ok {
		return parseErrorAt(px, field.NotFound(path.Child("instance"), instName))
	}
	mp.Instance = inst.ID
	if a.mappedProperty(mp.Name) != nil {
		return parseErrorAt(px, field.Duplicate(path.Child("name"), mp.Name))
	}
	mp.Property, _ = px.Attr("property")
	if mp.Property == "" {
		mp.Property = mp.Name
	}
	if err := p.readValue(px, path, &mp.Value, &mp.HasValue, &mp.ValueFile, &mp.DumpFile); err != nil {
		return err
	}

	// Mapped values replace instance values; dump files are merged.
	prop, ok := inst.Property(mp.Property)
	if !ok {
		inst.Properties = append(inst.Properties, Property{Name: mp.Property})
		prop = &inst.Properties[len(inst.Properties)-1]
	}
	if mp.HasValue {
		prop.Value, prop.HasValue, prop.ValueFile = mp.Value, true, mp.ValueFile
	}
	if mp.DumpFile != "" {
		if prop.DumpFile != "" && prop.DumpFile != mp.DumpFile {
			return parseErrorAt(px, field.Duplicate(path.Child("dumpFile"), mp.DumpFile))
		}
		prop.DumpFile = mp.DumpFile
	}
	a.MappedProperties = append(a.MappedProperties, mp)
	return nil
}

// applyPropertyParams applies property parameters: wildcards first, then
// instance-specific ones, then mapped property names.
func (p *parser) applyPropertyParams() error {
	a := p.a
	for _, as := range p.params.Properties {
		if as.LHS != "" {
			continue
		}
		name, value, ok := strings.Cut(as.Value, "=")
		if !ok || name == "" {
			return paramError(ParamProperty, as.String(), "format is =<property>=<value>")
		}
		for i := range a.Instances {
			setProperty(&a.Instances[i], name, value)
		}
	}
	for _, as := range p.params.Properties {
		if as.LHS == "" {
			continue
		}
		if id, ok := a.instanceFold(as.LHS); ok {
			name, value, ok := strings.Cut(as.Value, "=")
			if !ok || name == "" {
				return paramError(ParamProperty, as.String(), "format is <instance>=<property>=<value>")
			}
			setProperty(&a.Instances[id], name, value)
		}
	}
	for _, as := range p.params.Properties {
		if as.LHS == "" {
			continue
		}
		if _, ok := a.instanceFold(as.LHS); ok {
			continue
		}
		mp := a.mappedProperty(as.LHS)
		mp.Value, mp.HasValue = as.Value, true
		setProperty(&a.Instances[mp.Instance], mp.Property, as.Value)
	}
	return nil
}

// setProperty sets an undelayed property value, keeping its dump file.
func setProperty(inst *Instance, name, value string) {
	if prop, ok := inst.Property(name); ok {
		prop.Value, prop.HasValue, prop.ValueFile = value, true, ""
		return
	}
	inst.Properties = append(inst.Properties, Property{Name: name, Value: value, HasValue: true})
}

func parseDelay(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative delay")
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("expected a duration or a number of seconds")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func uintAttr(n *Node, path *field.Path, name string) (uint, bool, error) {
	raw, ok := n.Attr(name)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
	if err != nil {
		return 0, false, parseErrorAt(n, field.Invalid(path.Child(name), raw, "must be an unsigned number"))
	}
	return uint(v), true, nil
}

func boolAttr(n *Node, path *field.Path, name string) (bool, error) {
	raw, ok := n.Attr(name)
	if !ok {
		return false, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, parseErrorAt(n, field.Invalid(path.Child(name), raw, "must be a boolean"))
	}
	return v, nil
}
