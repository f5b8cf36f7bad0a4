package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/assembly"
	"github.com/bayleafwalker/bindery-core/internal/collocation"
	"github.com/bayleafwalker/bindery-core/internal/library"
	"github.com/bayleafwalker/bindery-core/internal/library/source/memory"
)

var seq atomic.Int32

// catalog publishes the artifacts (key -> metadata body) in a fresh memory
// library and returns the scanned catalog. Keys are scanned in sorted order.
func catalog(t *testing.T, artifacts map[string]string) *library.Catalog {
	t.Helper()
	name := fmt.Sprintf("resolver%d", seq.Add(1))
	st := memory.New(name)
	for key, body := range artifacts {
		doc := fmt.Sprintf(`<artifact uuid="00000000-0000-4000-8000-%012d">%s</artifact>`, seq.Add(1), body)
		var b bytes.Buffer
		b.WriteString("binary")
		if err := artifact.AppendMetadata(&b, []byte(doc)); err != nil {
			t.Fatalf("AppendMetadata: %v", err)
		}
		st.Put(key, b.Bytes(), time.Unix(1, 0))
	}
	memory.Publish(st)
	t.Cleanup(func() { memory.Unpublish(name) })

	m, err := library.NewManager(library.Options{Path: []string{"mem://" + name}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = m.Teardown() })
	return m.Catalog()
}

func parse(t *testing.T, doc string) *assembly.Assembly {
	t.Helper()
	a, err := assembly.ParseXML(strings.NewReader(doc), assembly.Params{})
	if err != nil {
		t.Fatalf("ParseXML: %v", err)
	}
	return a
}

func resolve(t *testing.T, in Input) Plan {
	t.Helper()
	plan, err := NewDefault().Resolve(context.Background(), in)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	return plan
}

const filterWorker = `<worker name="filt.rcc" specName="ocpi.filt">
  <port name="in" provider="true"/>
  <port name="out"/>
</worker>`

func TestDefaultResolver_ResolvesConnectedPair(t *testing.T) {
	cat := catalog(t, map[string]string{"filt.so": filterWorker})
	a := parse(t, `<assembly>
  <instance worker="filt" connect="filt1"/>
  <instance worker="filt"/>
</assembly>`)

	plan := resolve(t, Input{Assembly: a, Catalog: cat})
	if len(plan.Bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(plan.Bindings))
	}
	for _, b := range plan.Bindings {
		if b.Implementation.WorkerName != "filt.rcc" || !strings.HasSuffix(b.Artifact, "filt.so") {
			t.Fatalf("unexpected binding %+v", b)
		}
	}
	if got := plan.Bindings[0].Ports; len(got) != 1 || got[0].Name != "out" || got[0].Connected != "filt0.output" {
		t.Fatalf("expected filt0 to use out on filt0.output, got %+v", got)
	}
	if got := plan.Bindings[1].Ports; len(got) != 1 || got[0].Name != "in" {
		t.Fatalf("expected filt1 to use in, got %+v", got)
	}

	// Every two-port connection joins external ports with complementary roles.
	for _, conn := range a.Connections {
		if len(conn.Ports) != 2 {
			continue
		}
		var ends []PortBinding
		var impls []library.Implementation
		for _, pid := range conn.Ports {
			b := plan.Bindings[a.Ports[pid].Instance]
			for _, pb := range b.Ports {
				if pb.Port == pid {
					ends = append(ends, pb)
					impls = append(impls, b.Implementation)
				}
			}
		}
		for i := range ends {
			if !impls[i].IsExternal(ends[i].Ordinal) {
				t.Fatalf("port %s of %s is not external", ends[i].Name, impls[i].WorkerName)
			}
		}
		if impls[0].Ports[ends[0].Ordinal].Provider == impls[1].Ports[ends[1].Ordinal].Provider {
			t.Fatalf("connection %s joins ports with the same role", conn.Name)
		}
	}
}

func TestDefaultResolver_IsDeterministic(t *testing.T) {
	cat := catalog(t, map[string]string{
		"1.so": filterWorker,
		"2.so": filterWorker + `<worker name="filt.hdl" specName="ocpi.filt" model="hdl"><port name="in" provider="true"/><port name="out"/></worker>`,
	})
	a := parse(t, `<assembly>
  <instance component="ocpi.filt" connect="filt1"/>
  <instance component="ocpi.filt" connect="filt2"/>
  <instance component="ocpi.filt"/>
</assembly>`)

	first := resolve(t, Input{Assembly: a, Catalog: cat})
	for i := 0; i < 5; i++ {
		again := resolve(t, Input{Assembly: a, Catalog: cat})
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("resolution %d differs (-first +again):\n%s", i, diff)
		}
	}
	for _, b := range first.Bindings {
		if !strings.HasSuffix(b.Artifact, "1.so") {
			t.Fatalf("expected ties to keep the first discovered artifact, got %s for %s", b.Artifact, b.Name)
		}
	}
}

func TestDefaultResolver_SelectionBreaksTies(t *testing.T) {
	cat := catalog(t, map[string]string{
		"1-low.so":  `<worker name="filt.rcc" specName="ocpi.filt"><property name="precision" parameter="true" value="low"/></worker>`,
		"2-high.so": `<worker name="filt.rcc" specName="ocpi.filt"><property name="precision" parameter="true" value="high"/></worker>`,
	})

	plan := resolve(t, Input{Assembly: parse(t, `<assembly><instance component="ocpi.filt"/></assembly>`), Catalog: cat})
	if b := plan.Bindings[0]; !strings.HasSuffix(b.Artifact, "1-low.so") || b.Score != 1 {
		t.Fatalf("expected the first discovered candidate with the base score, got %s score %d", b.Artifact, b.Score)
	}

	plan = resolve(t, Input{Assembly: parse(t, `<assembly><instance component="ocpi.filt" selection="precision=high"/></assembly>`), Catalog: cat})
	if b := plan.Bindings[0]; !strings.HasSuffix(b.Artifact, "2-high.so") || b.Score != 2 {
		t.Fatalf("expected the selected candidate to win, got %s score %d", b.Artifact, b.Score)
	}

	_, err := NewDefault().Resolve(context.Background(), Input{
		Assembly: parse(t, `<assembly><instance component="ocpi.filt" selection="precision in ("/></assembly>`),
		Catalog:  cat,
	})
	var rf *ResolutionFailure
	if !errors.As(err, &rf) || rf.Instance != "filt" {
		t.Fatalf("expected a failure for the malformed selection, got %v", err)
	}
}

const prewiredBody = `
<worker name="filt.rcc" specName="ocpi.filt"><port name="in" provider="true"/><port name="out"/></worker>
<worker name="sink.rcc" specName="ocpi.sink"><port name="in" provider="true"/></worker>
<instance name="f" worker="filt.rcc"/>
<instance name="s" worker="sink.rcc"/>
<connection from="f" out="out" to="s" in="in"/>`

const freeBody = `
<worker name="filt.rcc" specName="ocpi.filt"><port name="in" provider="true"/><port name="out"/></worker>
<worker name="sink.rcc" specName="ocpi.sink"><port name="in" provider="true"/></worker>`

func TestDefaultResolver_PrefersPrewiredLayout(t *testing.T) {
	cat := catalog(t, map[string]string{"1-free.so": freeBody, "2-pre.so": prewiredBody})

	plan := resolve(t, Input{Assembly: parse(t, `<assembly>
  <instance component="ocpi.filt" connect="sink" from="out" to="in"/>
  <instance component="ocpi.sink"/>
</assembly>`), Catalog: cat})
	for _, b := range plan.Bindings {
		if !strings.HasSuffix(b.Artifact, "2-pre.so") || b.Score != 4 {
			t.Fatalf("expected the prewired artifact with score 4, got %s score %d", b.Artifact, b.Score)
		}
	}
	if plan.Bindings[0].Implementation.StaticInstance != "f" || plan.Bindings[1].Implementation.StaticInstance != "s" {
		t.Fatalf("expected the static instances f and s")
	}

	// Without the connection the prewired filter cannot be used.
	plan = resolve(t, Input{Assembly: parse(t, `<assembly><instance component="ocpi.filt"/></assembly>`), Catalog: cat})
	if !strings.HasSuffix(plan.Bindings[0].Artifact, "1-free.so") {
		t.Fatalf("expected the free filter, got %s", plan.Bindings[0].Artifact)
	}
	if len(plan.Diagnostics.Rejected) != 1 || !strings.Contains(plan.Diagnostics.Rejected[0].Reason, "prewired port out") {
		t.Fatalf("expected the prewired candidate to be rejected, got %+v", plan.Diagnostics.Rejected)
	}
}

func TestDefaultResolver_FailureNamesConnection(t *testing.T) {
	cat := catalog(t, map[string]string{
		"a.so": `<worker name="gen.rcc" specName="ocpi.gen"><port name="out" protocol="iq"/></worker>
<worker name="sink.rcc" specName="ocpi.sink"><port name="in" provider="true" protocol="audio"/></worker>`,
	})

	_, err := NewDefault().Resolve(context.Background(), Input{
		Assembly: parse(t, `<assembly><instance component="ocpi.gen" connect="sink"/><instance component="ocpi.sink"/></assembly>`),
		Catalog:  cat,
	})
	var rf *ResolutionFailure
	if !errors.As(err, &rf) {
		t.Fatalf("expected a ResolutionFailure, got %v", err)
	}
	if rf.Connection != "gen.output" || !strings.Contains(rf.Reason, "iq") {
		t.Fatalf("expected gen.output to be named, got %+v", rf)
	}

	plan, err := NewDefault().Resolve(context.Background(), Input{
		Assembly: parse(t, `<assembly><instance component="ocpi.gen"/><instance component="ocpi.missing"/></assembly>`),
		Catalog:  cat,
	})
	if !errors.As(err, &rf) || rf.Instance != "missing" || rf.Connection != "" {
		t.Fatalf("expected the instance without implementations to be named, got %v", err)
	}
	if len(plan.Bindings) != 0 {
		t.Fatalf("expected no partial plan")
	}
}

func TestDefaultResolver_PropertyFilters(t *testing.T) {
	cat := catalog(t, map[string]string{"amp.so": `
<worker name="amp_a" specName="ocpi.amp"><property name="gain" writable="true"/></worker>
<worker name="amp_b" specName="ocpi.amp"><property name="gain" parameter="true" value="2"/></worker>
<worker name="amp_c" specName="ocpi.amp"><property name="gain"/></worker>
<worker name="amp_d" specName="ocpi.amp"/>`})

	plan := resolve(t, Input{Assembly: parse(t, `<assembly><instance component="ocpi.amp" worker="amp_b"><property name="gain" value="2"/></instance></assembly>`), Catalog: cat})
	if plan.Bindings[0].Implementation.WorkerName != "amp_b" {
		t.Fatalf("expected amp_b, got %s", plan.Bindings[0].Implementation.WorkerName)
	}
	if p := plan.Bindings[0].Properties; len(p) != 1 || p[0].Value != "2" {
		t.Fatalf("unexpected final properties %+v", p)
	}

	plan = resolve(t, Input{Assembly: parse(t, `<assembly><instance component="ocpi.amp"><property name="gain" value="3"/></instance></assembly>`), Catalog: cat})
	if plan.Bindings[0].Implementation.WorkerName != "amp_a" {
		t.Fatalf("expected amp_a, got %s", plan.Bindings[0].Implementation.WorkerName)
	}
	reasons := map[string]string{}
	for _, r := range plan.Diagnostics.Rejected {
		reasons[r.Worker] = r.Reason
	}
	want := map[string]string{
		"amp_b": `parameter "gain" is built as "2", not "3"`,
		"amp_c": `property "gain" is not writable`,
		"amp_d": `no property "gain"`,
	}
	if diff := cmp.Diff(want, reasons); diff != "" {
		t.Fatalf("rejections (-want +got):\n%s", diff)
	}
}

func TestDefaultResolver_PortMatching(t *testing.T) {
	cat := catalog(t, map[string]string{"ports.so": `
<worker name="split.rcc" specName="ocpi.split"><port name="in" provider="true"/><port name="a"/><port name="b"/></worker>
<worker name="sink.rcc" specName="ocpi.sink"><port name="in" provider="true"/><port name="ctl" provider="true"/></worker>`})

	_, err := NewDefault().Resolve(context.Background(), Input{
		Assembly: parse(t, `<assembly><instance component="ocpi.split" connect="sink" to="in"/><instance component="ocpi.sink"/></assembly>`),
		Catalog:  cat,
	})
	var rf *ResolutionFailure
	if !errors.As(err, &rf) || rf.Instance != "split" || !strings.Contains(rf.Reason, "more than one user port") {
		t.Fatalf("expected the ambiguous output to be rejected, got %v", err)
	}

	plan := resolve(t, Input{
		Assembly: parse(t, `<assembly><instance component="ocpi.split" connect="sink" from="b" to="in" externals="true"/><instance component="ocpi.sink"/></assembly>`),
		Catalog:  cat,
	})
	if diff := cmp.Diff([]string{"in", "a"}, plan.Bindings[0].Externalized); diff != "" {
		t.Fatalf("externalized ports (-want +got):\n%s", diff)
	}
	if plan.Bindings[1].Externalized != nil {
		t.Fatalf("expected no externalized ports without externals")
	}
}

func TestDefaultResolver_MasterSlave(t *testing.T) {
	cat := catalog(t, map[string]string{
		"1.so": `<worker name="proxy2.rcc" specName="ocpi.proxy" slave="other.hdl"/>`,
		"2.so": `<worker name="proxy.rcc" specName="ocpi.proxy" slave="dev.hdl"/><worker name="dev.hdl" specName="ocpi.dev" model="hdl"/>`,
	})
	a := parse(t, `<assembly><instance component="ocpi.proxy" slave="dev"/><instance component="ocpi.dev"/></assembly>`)

	plan := resolve(t, Input{Assembly: a, Catalog: cat})
	if plan.Bindings[0].Implementation.WorkerName != "proxy.rcc" || plan.Bindings[1].Implementation.WorkerName != "dev.hdl" {
		t.Fatalf("expected proxy.rcc controlling dev.hdl, got %s and %s",
			plan.Bindings[0].Implementation.WorkerName, plan.Bindings[1].Implementation.WorkerName)
	}

	only := catalog(t, map[string]string{
		"1.so": `<worker name="proxy2.rcc" specName="ocpi.proxy" slave="other.hdl"/><worker name="dev.hdl" specName="ocpi.dev"/>`,
	})
	_, err := NewDefault().Resolve(context.Background(), Input{Assembly: a, Catalog: only})
	var rf *ResolutionFailure
	if !errors.As(err, &rf) || rf.Instance != "proxy" || !strings.Contains(rf.Reason, "controls other.hdl") {
		t.Fatalf("expected the master to be named, got %v", err)
	}
}

func TestDefaultResolver_MultipleSlaves(t *testing.T) {
	cat := catalog(t, map[string]string{
		"0.so": `<worker name="proxy1.rcc" specName="ocpi.proxy" slave="dev0.hdl"/>`,
		"1.so": `<worker name="proxy.rcc" specName="ocpi.proxy" slave="dev0.hdl, dev1.hdl"/>
  <worker name="dev0.hdl" specName="ocpi.dev0" model="hdl"/><worker name="dev1.hdl" specName="ocpi.dev1" model="hdl"/>`,
	})
	a := parse(t, `<assembly>
  <instance component="ocpi.proxy" slave="d0,d1"/>
  <instance component="ocpi.dev0" name="d0"/>
  <instance component="ocpi.dev1" name="d1"/>
</assembly>`)

	plan, err := NewDefault().Resolve(context.Background(), Input{Assembly: a, Catalog: cat})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	var got []string
	for _, b := range plan.Bindings {
		got = append(got, b.Implementation.WorkerName)
	}
	if diff := cmp.Diff([]string{"proxy.rcc", "dev0.hdl", "dev1.hdl"}, got); diff != "" {
		t.Fatalf("workers (-want +got):\n%s", diff)
	}
	found := false
	for _, r := range plan.Diagnostics.Rejected {
		if r.Instance == "proxy" && strings.Contains(r.Reason, "controls 1 slaves, not 2") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected proxy1.rcc to be rejected for controlling one slave, got %+v", plan.Diagnostics.Rejected)
	}
}

func TestDefaultResolver_SelfConnection(t *testing.T) {
	mismatched := `<worker name="loop.rcc" specName="ocpi.loop">
  <port name="in" provider="true" protocol="iq"/><port name="out" protocol="audio"/>
</worker>`
	a := parse(t, `<assembly><instance component="ocpi.loop" connect="loop" from="out" to="in"/></assembly>`)

	_, err := NewDefault().Resolve(context.Background(), Input{Assembly: a, Catalog: catalog(t, map[string]string{"1.so": mismatched})})
	var rf *ResolutionFailure
	if !errors.As(err, &rf) || rf.Connection != "loop.out" || !strings.Contains(rf.Reason, "speaks") {
		t.Fatalf("expected the loop connection to be named, got %v", err)
	}

	cat := catalog(t, map[string]string{
		"1.so": mismatched,
		"2.so": `<worker name="loop2.rcc" specName="ocpi.loop">
  <port name="in" provider="true" protocol="iq"/><port name="out" protocol="iq"/>
</worker>`,
	})
	plan := resolve(t, Input{Assembly: a, Catalog: cat})
	if got := plan.Bindings[0].Implementation.WorkerName; got != "loop2.rcc" {
		t.Fatalf("expected loop2.rcc, got %s", got)
	}
}

func TestDefaultResolver_ScaledContainers(t *testing.T) {
	cat := catalog(t, map[string]string{"filt.so": filterWorker})
	a := parse(t, `<assembly minCollocation="4"><instance component="ocpi.filt"/></assembly>`)

	plan := resolve(t, Input{Assembly: a, Catalog: cat, Scale: 10, Containers: 8})
	want := []uint{0, 0, 0, 0, 1, 1, 1, 1, 2, 2}
	if diff := cmp.Diff(want, plan.Bindings[0].Containers); diff != "" {
		t.Fatalf("containers (-want +got):\n%s", diff)
	}

	tight := parse(t, `<assembly><instance component="ocpi.filt" maxCollocation="2"/></assembly>`)
	_, err := NewDefault().Resolve(context.Background(), Input{Assembly: tight, Catalog: cat, Scale: 10, Containers: 3})
	var pv *collocation.PolicyViolation
	if !errors.As(err, &pv) || pv.Collocation != 4 {
		t.Fatalf("expected a policy violation, got %v", err)
	}
}

func TestDefaultResolver_ContainerMapping(t *testing.T) {
	cat := catalog(t, map[string]string{"filt.so": filterWorker})
	containers := func(plan Plan) []uint {
		var out []uint
		for _, b := range plan.Bindings {
			out = append(out, b.Containers...)
		}
		return out
	}
	cases := []struct {
		name string
		doc  string
		want []uint
	}{
		{"maxprocessors", `<assembly><policy mapping="maxprocessors"/>
  <instance component="ocpi.filt"/><instance component="ocpi.filt"/><instance component="ocpi.filt"/></assembly>`, []uint{0, 1, 0}},
		{"minprocessors", `<assembly><policy mapping="minprocessors"/>
  <instance component="ocpi.filt"/><instance component="ocpi.filt"/><instance component="ocpi.filt"/></assembly>`, []uint{0, 0, 0}},
		{"roundrobin follows resolution order", `<assembly>
  <instance component="ocpi.filt"/><instance component="ocpi.filt" connect="filt2"/><instance component="ocpi.filt"/></assembly>`, []uint{0, 0, 1}},
		{"processors cap", `<assembly><policy mapping="maxprocessors" processors="1"/>
  <instance component="ocpi.filt"/><instance component="ocpi.filt"/></assembly>`, []uint{0, 0}},
		{"explicit container", `<assembly><policy mapping="minprocessors"/>
  <instance component="ocpi.filt" container="1"/><instance component="ocpi.filt"/></assembly>`, []uint{1, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := resolve(t, Input{Assembly: parse(t, tc.doc), Catalog: cat, Containers: 2})
			if diff := cmp.Diff(tc.want, containers(plan)); diff != "" {
				t.Fatalf("containers (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDefaultResolver_SearchBudget(t *testing.T) {
	cat := catalog(t, map[string]string{"filt.so": filterWorker})
	a := parse(t, `<assembly><instance worker="filt" connect="filt1"/><instance worker="filt"/></assembly>`)

	r := &DefaultResolver{MaxSteps: 1}
	_, err := r.Resolve(context.Background(), Input{Assembly: a, Catalog: cat})
	var rf *ResolutionFailure
	if !errors.As(err, &rf) || !strings.Contains(rf.Reason, "budget") {
		t.Fatalf("expected the budget to be exhausted, got %v", err)
	}

	plan := resolve(t, Input{Assembly: a, Catalog: cat})
	if plan.Diagnostics.Steps != 2 || plan.Diagnostics.Truncated {
		t.Fatalf("expected two steps without truncation, got %+v", plan.Diagnostics)
	}

	if _, err := NewDefault().Resolve(context.Background(), Input{Catalog: cat}); err == nil {
		t.Fatalf("expected an error without an assembly")
	}
}
