// Package graph models the connectivity between assembly instances.
//
// The resolver uses it to order its search and to find the neighbors an
// assignment has to agree with.
package graph

import (
	"sort"

	"github.com/bayleafwalker/bindery-core/internal/assembly"
)

// Edge joins two instance ports through a connection. Master/slave edges
// carry no ports and a Connection of -1.
type Edge struct {
	Connection int
	Local      assembly.PortID
	Remote     assembly.PortID
	Peer       assembly.InstanceID
	// Slave is set on master/slave edges when Peer is the slave.
	Slave bool
}

// IsControl reports whether the edge is a master/slave relation.
func (e Edge) IsControl() bool { return e.Connection < 0 }

// DependencyGraph is the adjacency list of an assembly, indexed by
// instance.
type DependencyGraph struct {
	Edges [][]Edge
}

// Build collects one edge per direction for every two-port connection and
// every master/slave relation.
func Build(a *assembly.Assembly) *DependencyGraph {
	g := &DependencyGraph{Edges: make([][]Edge, len(a.Instances))}
	for ci, c := range a.Connections {
		if len(c.Ports) != 2 {
			continue
		}
		p, q := a.Ports[c.Ports[0]], a.Ports[c.Ports[1]]
		g.Edges[p.Instance] = append(g.Edges[p.Instance], Edge{Connection: ci, Local: p.ID, Remote: q.ID, Peer: q.Instance})
		g.Edges[q.Instance] = append(g.Edges[q.Instance], Edge{Connection: ci, Local: q.ID, Remote: p.ID, Peer: p.Instance})
	}
	for _, inst := range a.Instances {
		for _, s := range inst.Slaves {
			g.Edges[inst.ID] = append(g.Edges[inst.ID], Edge{Connection: -1, Local: assembly.NoPort, Remote: assembly.NoPort, Peer: s, Slave: true})
			g.Edges[s] = append(g.Edges[s], Edge{Connection: -1, Local: assembly.NoPort, Remote: assembly.NoPort, Peer: inst.ID})
		}
	}
	return g
}

// Degree is the number of edges at an instance.
func (g *DependencyGraph) Degree(id assembly.InstanceID) int {
	return len(g.Edges[id])
}

// SearchOrder lists instances by descending degree, ties by ordinal.
func (g *DependencyGraph) SearchOrder() []assembly.InstanceID {
	order := make([]assembly.InstanceID, len(g.Edges))
	for i := range order {
		order[i] = assembly.InstanceID(i)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return g.Degree(order[i]) > g.Degree(order[j])
	})
	return order
}
