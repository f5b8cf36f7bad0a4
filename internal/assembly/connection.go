package assembly

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ParseRole reads an external role name. An empty name is an unknown role.
func ParseRole(r string) (Role, error) {
	switch strings.ToLower(r) {
	case "":
		return Role{}, nil
	case "provider", "input", "consumer", "slave":
		return Role{Provider: true, Known: true}, nil
	case "user", "output", "producer", "master":
		return Role{Known: true}, nil
	case "bidirectional":
		return Role{Bidirectional: true, Known: true}, nil
	}
	return Role{}, fmt.Errorf("invalid external role %q", r)
}

func (p *parser) addConnection(n *Node, path *field.Path, name string) (int, error) {
	if _, dup := p.a.Connection(name); dup {
		return 0, parseErrorAt(n, field.Duplicate(path.Child("name"), name))
	}
	p.a.Connections = append(p.a.Connections, Connection{Name: name, Count: 1})
	return len(p.a.Connections) - 1, nil
}

// addPort attaches a port of inst to connection c. A second port is linked
// to the first and their roles must be complementary.
func (p *parser) addPort(n *Node, path *field.Path, c int, inst InstanceID, name string, role Role, index uint) error {
	a := p.a
	conn := &a.Connections[c]
	if len(conn.Ports) == 2 {
		return parseErrorAt(n, field.TooMany(path.Child("port"), 3, 2))
	}
	if name != "" {
		for _, pid := range a.Instances[inst].Ports {
			if strings.EqualFold(a.Ports[pid].Name, name) {
				return parseErrorAt(n, field.Duplicate(path.Child("port"),
					fmt.Sprintf("%s.%s", a.Instances[inst].Name, name)))
			}
		}
	}
	id := PortID(len(a.Ports))
	a.Ports = append(a.Ports, Port{
		ID:         id,
		Name:       name,
		Instance:   inst,
		Role:       role,
		Connected:  NoPort,
		Index:      index,
		Connection: c,
	})
	a.Instances[inst].Ports = append(a.Instances[inst].Ports, id)
	conn.Ports = append(conn.Ports, id)
	if len(conn.Ports) == 2 {
		other := conn.Ports[0]
		if !a.Ports[other].Role.Complements(role) {
			return parseErrorAt(n, field.Invalid(path, conn.Name,
				fmt.Sprintf("ports %s and %s are both %s", p.portName(other), p.portName(id), role)))
		}
		a.Ports[other].Connected = id
		a.Ports[id].Connected = other
	}
	return nil
}

func (p *parser) portName(id PortID) string {
	port := &p.a.Ports[id]
	name := port.Name
	if name == "" {
		name = "<" + port.Role.String() + ">"
	}
	return p.a.Instances[port.Instance].Name + "." + name
}

func (p *parser) instanceRef(n *Node, path *field.Path, name string) (InstanceID, error) {
	if name == "" {
		return NoInstance, parseErrorAt(n, field.Required(path, ""))
	}
	inst, ok := p.a.Instance(name)
	if !ok {
		return NoInstance, parseErrorAt(n, field.NotFound(path, name))
	}
	return inst.ID, nil
}

func (p *parser) parseConnection(cx *Node, ordinal int) error {
	path := connectionPath.Index(ordinal)
	if err := checkNode(cx, path, connAttrs, connElems); err != nil {
		return err
	}
	name, _ := cx.Attr("name")
	if name == "" {
		name = fmt.Sprintf("conn%d", ordinal)
	}
	c, err := p.addConnection(cx, path, name)
	if err != nil {
		return err
	}
	conn := &p.a.Connections[c]
	if count, ok, err := uintAttr(cx, path, "count"); err != nil {
		return err
	} else if ok {
		conn.Count = count
	}
	conn.Transport, _ = cx.Attr("transport")
	if ext, ok := cx.Attr("external"); ok {
		role, err := ParseRole(ext)
		if err != nil {
			return parseErrorAt(cx, field.Invalid(path.Child("external"), ext, err.Error()))
		}
		conn.Externals = append(conn.Externals, External{Name: name, Role: role, Count: 1})
	}

	nExt := 0
	for i, x := range cx.Children {
		cpath := path.Child(strings.ToLower(x.Name)).Index(i)
		switch strings.ToLower(x.Name) {
		case "port":
			err = p.parseConnectionPort(x, cpath, c)
		case "external":
			var e External
			if e, err = parseExternal(x, cpath, connExtAttrs, &nExt); err == nil {
				p.a.Connections[c].Externals = append(p.a.Connections[c].Externals, e)
			}
		case "attach":
			err = p.parseAttach(x, cpath, c, &nExt)
		}
		if err != nil {
			return err
		}
	}
	conn = &p.a.Connections[c]
	if len(conn.Ports) == 0 && len(conn.Externals) == 0 {
		return parseErrorAt(cx, field.Required(path.Child("port"), "no ports or externals found under connection"))
	}
	return nil
}

func (p *parser) parseConnectionPort(x *Node, path *field.Path, c int) error {
	if err := checkNode(x, path, portAttrs, none); err != nil {
		return err
	}
	instName, _ := x.Attr("instance")
	inst, err := p.instanceRef(x, path.Child("instance"), instName)
	if err != nil {
		return err
	}
	index, _, err := uintAttr(x, path, "index")
	if err != nil {
		return err
	}
	name, hasName := x.Attr("name")
	from, hasFrom := x.Attr("from")
	to, hasTo := x.Attr("to")
	var role Role
	switch {
	case hasName && !hasFrom && !hasTo:
	case hasFrom && !hasName && !hasTo:
		name, role = from, Role{Known: true}
	case hasTo && !hasName && !hasFrom:
		name, role = to, Role{Provider: true, Known: true}
	default:
		return parseErrorAt(x, field.Invalid(path, nil, "exactly one of name, from or to is required"))
	}
	return p.addPort(x, path, c, inst, name, role, index)
}

func (p *parser) parseAttach(x *Node, path *field.Path, c int, nExt *int) error {
	if err := checkNode(x, path, attachAttrs, none); err != nil {
		return err
	}
	worker, hasWorker := x.Attr("worker")
	url, hasURL := x.Attr("url")
	ext, hasExt := x.Attr("external")
	set := 0
	for _, b := range []bool{hasWorker, hasURL, hasExt} {
		if b {
			set++
		}
	}
	if set != 1 {
		return parseErrorAt(x, field.Invalid(path, nil, "exactly one of worker, url or external is required"))
	}
	roleName, _ := x.Attr("role")
	role, err := ParseRole(roleName)
	if err != nil {
		return parseErrorAt(x, field.Invalid(path.Child("role"), roleName, err.Error()))
	}
	index, _, err := uintAttr(x, path, "index")
	if err != nil {
		return err
	}
	conn := &p.a.Connections[c]
	switch {
	case hasWorker:
		inst, err := p.instanceRef(x, path.Child("worker"), worker)
		if err != nil {
			return err
		}
		port, _ := x.Attr("port")
		return p.addPort(x, path, c, inst, port, role, index)
	case hasURL:
		conn.Externals = append(conn.Externals, External{Name: fmt.Sprintf("ext%d", *nExt), URL: url, Role: role, Index: index, Count: 1})
		*nExt++
	default:
		if ext == "" {
			return parseErrorAt(x, field.Required(path.Child("external"), ""))
		}
		conn.Externals = append(conn.Externals, External{Name: ext, Role: role, Index: index, Count: 1})
	}
	return nil
}

// parseExternal reads an external element. Unnamed externals are named
// ext<N> from the running counter n.
func parseExternal(x *Node, path *field.Path, attrs schema, n *int) (External, error) {
	if err := checkNode(x, path, attrs, none); err != nil {
		return External{}, err
	}
	e := External{Count: 1}
	e.Name, _ = x.Attr("name")
	if e.Name == "" {
		e.Name = fmt.Sprintf("ext%d", *n)
		*n++
	}
	e.URL, _ = x.Attr("url")
	roleName, _ := x.Attr("role")
	role, err := ParseRole(roleName)
	if err != nil {
		return External{}, parseErrorAt(x, field.Invalid(path.Child("role"), roleName, err.Error()))
	}
	e.Role = role
	if e.Index, _, err = uintAttr(x, path, "index"); err != nil {
		return External{}, err
	}
	if count, ok, err := uintAttr(x, path, "count"); err != nil {
		return External{}, err
	} else if ok {
		e.Count = count
	}
	return e, nil
}

// parseTopExternal desugars a top-level external into a one-port
// connection named after the external.
func (p *parser) parseTopExternal(x *Node, path *field.Path) error {
	port, _ := x.Attr("port")
	if port == "" {
		if err := checkNode(x, path, topExtAttrs, none); err != nil {
			return err
		}
		return parseErrorAt(x, field.Required(path.Child("port"), ""))
	}
	if name, _ := x.Attr("name"); name == "" {
		x = withAttr(x, "name", port)
	}
	var unused int
	e, err := parseExternal(x, path, topExtAttrs, &unused)
	if err != nil {
		return err
	}
	instName, _ := x.Attr("instance")
	inst, err := p.instanceRef(x, path.Child("instance"), instName)
	if err != nil {
		return err
	}
	c, err := p.addConnection(x, path, e.Name)
	if err != nil {
		return err
	}
	p.a.Connections[c].Externals = append(p.a.Connections[c].Externals, e)
	p.a.Connections[c].Count = e.Count
	return p.addPort(x, path, c, inst, port, Role{}, e.Index)
}

func withAttr(n *Node, name, value string) *Node {
	cp := *n
	cp.Attrs = []Attr{{Name: name, Value: value}}
	for _, a := range n.Attrs {
		if !strings.EqualFold(a.Name, name) {
			cp.Attrs = append(cp.Attrs, a)
		}
	}
	return &cp
}

// parseInstanceConnections handles the connect, external and slave
// shorthands of an instance. It runs after every instance is known.
func (p *parser) parseInstanceConnections(ix *Node, id InstanceID) error {
	a := p.a
	path := instancePath.Index(int(id))
	name := a.Instances[id].Name

	if target, ok := ix.Attr("connect"); ok {
		peer, err := p.instanceRef(ix, path.Child("connect"), target)
		if err != nil {
			return err
		}
		from, hasFrom := ix.Attr("from")
		to, _ := ix.Attr("to")
		connName := name + "." + defaultConnFrom
		if hasFrom && from != "" {
			connName = name + "." + from
		}
		c, err := p.addConnection(ix, path.Child("connect"), connName)
		if err != nil {
			return err
		}
		a.Connections[c].Transport = a.Instances[id].Transport
		if err := p.addPort(ix, path.Child("to"), c, peer, to, Role{Provider: true, Known: true}, 0); err != nil {
			return err
		}
		if err := p.addPort(ix, path.Child("from"), c, id, from, Role{Known: true}, 0); err != nil {
			return err
		}
	} else if _, ok := ix.Attr("transport"); ok {
		return parseErrorAt(ix, field.Forbidden(path.Child("transport"),
			fmt.Sprintf("instance %s has transport attribute without connect attribute", name)))
	}

	if port, ok := ix.Attr("external"); ok {
		if port == "" {
			return parseErrorAt(ix, field.Required(path.Child("external"), ""))
		}
		c, err := p.addConnection(ix, path.Child("external"), port)
		if err != nil {
			return err
		}
		a.Connections[c].Externals = append(a.Connections[c].Externals, External{Name: port, Count: 1})
		if err := p.addPort(ix, path.Child("external"), c, id, port, Role{}, a.Instances[id].Index); err != nil {
			return err
		}
	}

	if slaves, ok := ix.Attr("slave"); ok {
		for i, slaveName := range strings.Split(slaves, ",") {
			slaveName = strings.TrimSpace(slaveName)
			sp := path.Child("slave").Index(i)
			sid, err := p.instanceRef(ix, sp, slaveName)
			if err != nil {
				return err
			}
			if sid == id {
				return parseErrorAt(ix, field.Forbidden(sp, "an instance cannot be its own slave"))
			}
			slave := &a.Instances[sid]
			if slave.Master == id {
				return parseErrorAt(ix, field.Duplicate(sp, slaveName))
			}
			if slave.Master != NoInstance {
				return parseErrorAt(ix, field.Invalid(sp, slaveName,
					fmt.Sprintf("instance %s is slave to multiple masters", slave.Name)))
			}
			slave.Master = id
			a.Instances[id].Slaves = append(a.Instances[id].Slaves, sid)
		}
	}
	return nil
}
