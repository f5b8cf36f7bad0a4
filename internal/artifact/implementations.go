package artifact

import "strings"

// Implementation is one selectable unit of an artifact: a worker, optionally
// pinned to one of the artifact's static instances.
type Implementation struct {
	Worker         *Worker
	StaticInstance string
	// ExternalPorts and InternalPorts are indexed by port ordinal. A port is
	// internal when the artifact wires it to another static instance.
	ExternalPorts uint64
	InternalPorts uint64
	Links         []Link
}

// Link describes the peer of an internally wired port.
type Link struct {
	Port         int
	PeerInstance string
	PeerWorker   string
	PeerPort     string
}

// Implementations derives the implementation list in worker order. A worker
// with static instances yields one implementation per instance, otherwise a
// single free implementation.
func (m *Metadata) Implementations() []Implementation {
	var out []Implementation
	for wi := range m.Workers {
		w := &m.Workers[wi]
		all := allPorts(len(w.Ports))
		pinned := false
		for _, si := range m.Instances {
			if !strings.EqualFold(si.Worker, w.Name) {
				continue
			}
			pinned = true
			impl := Implementation{Worker: w, StaticInstance: si.Name, ExternalPorts: all}
			m.wire(&impl)
			out = append(out, impl)
		}
		if !pinned {
			out = append(out, Implementation{Worker: w, ExternalPorts: all})
		}
	}
	return out
}

func (m *Metadata) wire(impl *Implementation) {
	for _, c := range m.Connections {
		switch {
		case strings.EqualFold(c.From, impl.StaticInstance):
			m.link(impl, c.Out, c.To, c.In)
		case strings.EqualFold(c.To, impl.StaticInstance):
			m.link(impl, c.In, c.From, c.Out)
		}
	}
}

func (m *Metadata) link(impl *Implementation, port, peer, peerPort string) {
	idx := impl.Worker.PortIndex(port)
	if idx < 0 {
		return
	}
	bit := uint64(1) << uint(idx)
	impl.InternalPorts |= bit
	impl.ExternalPorts &^= bit
	l := Link{Port: idx, PeerInstance: peer, PeerPort: peerPort}
	if si := m.Instance(peer); si != nil {
		l.PeerWorker = si.Worker
	}
	impl.Links = append(impl.Links, l)
}

func allPorts(n int) uint64 {
	if n >= MaxPorts {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}
