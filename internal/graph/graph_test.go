package graph

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bayleafwalker/bindery-core/internal/assembly"
)

func TestBuildAndSearchOrder(t *testing.T) {
	a, err := assembly.ParseXML(strings.NewReader(`<assembly>
  <instance component="src" connect="mid"/>
  <instance component="mid" connect="sink" from="out" to="in"/>
  <instance component="sink" slave="dev"/>
  <instance component="dev"/>
  <instance component="lone" external="aux"/>
</assembly>`), assembly.Params{})
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	g := Build(a)

	degrees := []int{g.Degree(0), g.Degree(1), g.Degree(2), g.Degree(3), g.Degree(4)}
	if diff := cmp.Diff([]int{1, 2, 2, 1, 0}, degrees); diff != "" {
		t.Fatalf("degrees (-want +got):\n%s", diff)
	}
	want := []assembly.InstanceID{1, 2, 0, 3, 4}
	if diff := cmp.Diff(want, g.SearchOrder()); diff != "" {
		t.Fatalf("search order (-want +got):\n%s", diff)
	}

	var control []Edge
	for _, e := range g.Edges[2] {
		if e.IsControl() {
			control = append(control, e)
		}
	}
	if len(control) != 1 || control[0].Peer != 3 || !control[0].Slave {
		t.Fatalf("expected a master edge from sink to dev, got %+v", control)
	}
	if e := g.Edges[3][0]; !e.IsControl() || e.Slave || e.Peer != 2 {
		t.Fatalf("expected a slave edge from dev back to sink, got %+v", e)
	}
}
