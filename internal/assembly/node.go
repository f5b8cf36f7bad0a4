package assembly

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Node is one element of a structural description: a name, ordered
// attributes and child elements. Names compare case-insensitively.
type Node struct {
	Name     string
	Attrs    []Attr
	Children []*Node
	Line     int
}

type Attr struct {
	Name  string
	Value string
}

// Attr returns the value of the named attribute.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// ChildrenNamed returns the children with the given element name in
// document order.
func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if strings.EqualFold(c.Name, name) {
			out = append(out, c)
		}
	}
	return out
}

// schema is a closed set of lower-cased names.
type schema = sets.Set[string]

func names(list ...string) schema {
	s := sets.New[string]()
	for _, n := range list {
		s.Insert(strings.ToLower(n))
	}
	return s
}

// checkNode rejects attributes and child elements outside the schema.
func checkNode(n *Node, path *field.Path, attrs, elems schema) error {
	for _, a := range n.Attrs {
		if !attrs.Has(strings.ToLower(a.Name)) {
			return parseErrorAt(n, field.NotSupported(path.Child(a.Name), a.Name, sets.List(attrs)))
		}
	}
	for _, c := range n.Children {
		if !elems.Has(strings.ToLower(c.Name)) {
			if elems.Len() == 0 {
				return parseErrorAt(c, field.Forbidden(path.Child(c.Name), fmt.Sprintf("<%s> takes no child elements", n.Name)))
			}
			return parseErrorAt(c, field.NotSupported(path.Child(c.Name), c.Name, sets.List(elems)))
		}
	}
	return nil
}

// DecodeXML reads an XML document into a node tree. Character data is
// ignored.
func DecodeXML(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	var (
		root  *Node
		stack []*Node
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line, _ := dec.InputPos()
			return nil, &ParseError{Line: line, Err: field.Invalid(field.NewPath("document"), nil, err.Error())}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			line, _ := dec.InputPos()
			n := &Node{Name: t.Name.Local, Line: line}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				n.Attrs = append(n.Attrs, Attr{Name: a.Name.Local, Value: a.Value})
			}
			switch {
			case len(stack) > 0:
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			case root == nil:
				root = n
			default:
				return nil, &ParseError{Line: line, Err: field.Forbidden(field.NewPath("document"), "more than one root element")}
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		}
	}
	if root == nil {
		return nil, &ParseError{Err: field.Required(field.NewPath("document"), "no root element")}
	}
	return root, nil
}

// DecodeYAML reads a YAML document into a node tree. The document is a
// single-key mapping naming the root element. Inside an element, scalar
// values are attributes, a mapping value is one child element and a
// sequence of mappings is a run of child elements of that name.
//
//	assembly:
//	  name: demo
//	  instance:
//	    - component: ocpi.filt
//	      connect: sink
func DecodeYAML(r io.Reader) (*Node, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &ParseError{Err: field.Invalid(field.NewPath("document"), nil, err.Error())}
	}
	top := &doc
	if top.Kind == yaml.DocumentNode && len(top.Content) == 1 {
		top = top.Content[0]
	}
	if top.Kind != yaml.MappingNode || len(top.Content) != 2 {
		return nil, &ParseError{Line: top.Line, Err: field.Invalid(field.NewPath("document"), nil, "expected a mapping with a single root element")}
	}
	return yamlElement(top.Content[0].Value, top.Content[1], field.NewPath(top.Content[0].Value))
}

func yamlElement(name string, v *yaml.Node, path *field.Path) (*Node, error) {
	n := &Node{Name: name, Line: v.Line}
	switch v.Kind {
	case yaml.MappingNode:
	case yaml.ScalarNode:
		if v.Tag == "!!null" {
			return n, nil
		}
		fallthrough
	default:
		return nil, &ParseError{Line: v.Line, Err: field.Invalid(path, nil, "element must be a mapping")}
	}
	for i := 0; i+1 < len(v.Content); i += 2 {
		key, val := v.Content[i].Value, v.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			n.Attrs = append(n.Attrs, Attr{Name: key, Value: val.Value})
		case yaml.MappingNode:
			child, err := yamlElement(key, val, path.Child(key))
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case yaml.SequenceNode:
			for j, item := range val.Content {
				child, err := yamlElement(key, item, path.Child(key).Index(j))
				if err != nil {
					return nil, err
				}
				n.Children = append(n.Children, child)
			}
		default:
			return nil, &ParseError{Line: val.Line, Err: field.Invalid(path.Child(key), nil, "unsupported YAML node")}
		}
	}
	return n, nil
}
