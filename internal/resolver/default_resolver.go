package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/assembly"
	"github.com/bayleafwalker/bindery-core/internal/graph"
	"github.com/bayleafwalker/bindery-core/internal/library"
	"github.com/bayleafwalker/bindery-core/internal/metrics"
)

// DefaultMaxSteps bounds the joint search of one resolution pass.
const DefaultMaxSteps = 1_000_000

// Score weights.
const (
	scoreBase      = 1
	scoreSelected  = 1
	scoreKnownPort = 1
	scorePrewired  = 2
)

// DefaultResolver filters and scores the implementations of every instance,
// then searches for the best jointly consistent assignment.
type DefaultResolver struct {
	// MaxSteps bounds the number of assignments visited. Zero means
	// DefaultMaxSteps.
	MaxSteps int
}

func NewDefault() *DefaultResolver {
	return &DefaultResolver{MaxSteps: DefaultMaxSteps}
}

func (r *DefaultResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	start := time.Now()
	plan, err := r.resolve(ctx, in)
	metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	outcome := "resolved"
	if err != nil {
		outcome = "failed"
	}
	metrics.ResolutionTotal.WithLabelValues(outcome).Inc()
	return plan, err
}

// pass holds the state of one resolution.
type pass struct {
	in     Input
	a      *assembly.Assembly
	cat    *library.Catalog
	g      *graph.DependencyGraph
	cands  [][]Candidate
	slot   []int // port -> index in its instance's Ports
	diag   Diagnostics
	logger logr.Logger
}

func (r *DefaultResolver) resolve(ctx context.Context, in Input) (Plan, error) {
	if in.Assembly == nil || in.Catalog == nil {
		return Plan{}, errors.New("resolve: an assembly and a catalog are required")
	}
	a := in.Assembly
	p := &pass{
		in:     in,
		a:      a,
		cat:    in.Catalog,
		g:      graph.Build(a),
		cands:  make([][]Candidate, len(a.Instances)),
		slot:   make([]int, len(a.Ports)),
		logger: log.FromContext(ctx).WithValues("assembly", a.Name),
	}
	for _, inst := range a.Instances {
		for i, pid := range inst.Ports {
			p.slot[pid] = i
		}
	}

	for i := range a.Instances {
		cands, err := p.candidates(&a.Instances[i])
		if err != nil {
			return Plan{Diagnostics: p.diag}, err
		}
		p.cands[i] = cands
	}

	maxSteps := r.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	s := newSearch(p, maxSteps)
	s.run(0, 0)
	p.diag.Steps = s.steps
	metrics.SearchSteps.Observe(float64(s.steps))
	if !s.found {
		if s.exhausted {
			return Plan{Diagnostics: p.diag}, &ResolutionFailure{
				Reason: fmt.Sprintf("search budget of %d steps exhausted before a consistent assignment was found", maxSteps),
			}
		}
		return Plan{Diagnostics: p.diag}, p.explain(s)
	}
	if s.exhausted {
		p.diag.Truncated = true
		p.logger.Info("search budget exhausted, keeping the best assignment found", "steps", s.steps, "score", s.bestScore)
	}

	plan := Plan{Diagnostics: p.diag}
	for i := range a.Instances {
		plan.Bindings = append(plan.Bindings, p.bind(&a.Instances[i], p.cands[i][s.best[i]]))
	}
	if err := p.assignContainers(&plan, s.order); err != nil {
		return Plan{Diagnostics: p.diag}, err
	}
	p.logger.V(1).Info("assembly resolved", "instances", len(plan.Bindings), "score", s.bestScore, "steps", s.steps)
	return plan, nil
}

// candidates returns the acceptable implementations of inst, best score
// first, discovery order among equals.
func (p *pass) candidates(inst *assembly.Instance) ([]Candidate, error) {
	profile := p.in.Profile
	if inst.Model != "" {
		profile.Model = inst.Model
	}
	if inst.Platform != "" {
		profile.Platform = inst.Platform
	}
	declared := map[string]string{}
	for _, prop := range inst.Properties {
		if prop.HasValue && !prop.HasDelay {
			declared[prop.Name] = prop.Value
		}
	}
	sel, err := library.CompileSelection(inst.Selection, declared)
	if err != nil {
		return nil, &ResolutionFailure{Instance: inst.Name, Reason: err.Error()}
	}

	var matches []library.Match
	what := inst.SpecName
	if what != "" {
		matches = p.cat.FindImplementations(what, profile, sel)
	} else {
		what = inst.WorkerName
		matches = p.cat.FindWorkers(what, profile, sel)
	}
	if len(matches) == 0 {
		return nil, &ResolutionFailure{
			Instance: inst.Name,
			Reason:   fmt.Sprintf("no implementation of %s is available for target %s", what, profile),
		}
	}

	var (
		out   []Candidate
		first string
	)
	for _, m := range matches {
		impl := p.cat.Implementation(m.ID)
		c, reason := p.check(inst, impl)
		if reason != "" {
			p.reject(inst, impl, reason)
			if first == "" {
				first = fmt.Sprintf("%s: %s", impl.WorkerName, reason)
			}
			continue
		}
		c.Impl = m.ID
		if m.Selected {
			c.Score += scoreSelected
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, &ResolutionFailure{
			Instance: inst.Name,
			Reason:   fmt.Sprintf("all %d candidates rejected (first: %s)", len(matches), first),
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (p *pass) reject(inst *assembly.Instance, impl *library.Implementation, reason string) {
	r := Rejection{
		Instance: inst.Name,
		Worker:   impl.WorkerName,
		Artifact: p.cat.Artifact(impl.Artifact).URL,
		Reason:   reason,
	}
	p.diag.Rejected = append(p.diag.Rejected, r)
	metrics.CandidatesRejectedTotal.Inc()
	p.logger.V(1).Info("rejected candidate", "instance", r.Instance, "worker", r.Worker, "artifact", r.Artifact, "reason", r.Reason)
}

// check applies the hard filters of a single instance and computes the
// candidate's own score. A non-empty reason rejects it.
func (p *pass) check(inst *assembly.Instance, impl *library.Implementation) (Candidate, string) {
	a := p.a
	c := Candidate{Score: scoreBase, ports: make([]int, len(inst.Ports))}

	if inst.WorkerName != "" && !library.WorkerMatches(inst.WorkerName, impl.WorkerName) {
		return c, fmt.Sprintf("worker is not %s", inst.WorkerName)
	}

	for _, prop := range inst.Properties {
		desc, ok := impl.Property(prop.Name)
		if !ok {
			return c, fmt.Sprintf("no property %q", prop.Name)
		}
		if !prop.HasValue {
			continue
		}
		switch {
		case desc.Parameter && !prop.HasDelay:
			if desc.HasValue && desc.Value != prop.Value {
				return c, fmt.Sprintf("parameter %q is built as %q, not %q", prop.Name, desc.Value, prop.Value)
			}
		case !desc.Writable:
			return c, fmt.Sprintf("property %q is not writable", prop.Name)
		}
	}

	var used uint64
	prewired := false
	for i, pid := range inst.Ports {
		port := &a.Ports[pid]
		n, reason := resolvePort(impl, port)
		if reason != "" {
			return c, reason
		}
		if used&(1<<uint(n)) != 0 {
			return c, fmt.Sprintf("port %s is used by two connections", impl.Ports[n].Name)
		}
		used |= 1 << uint(n)
		c.ports[i] = n
		if port.Role.Known {
			if !roleMatches(port.Role, impl.Ports[n]) {
				return c, fmt.Sprintf("port %s is not a %s port", impl.Ports[n].Name, port.Role)
			}
			if port.Name != "" {
				c.Score += scoreKnownPort
			}
		}
		if !impl.IsInternal(n) {
			continue
		}
		link, _ := impl.Link(n)
		peer, ok := a.Peer(pid)
		if !ok {
			return c, fmt.Sprintf("port %s is wired to %s inside the artifact", impl.Ports[n].Name, link.PeerInstance)
		}
		peerInst := &a.Instances[peer.Instance]
		if peerInst.WorkerName != "" && !library.WorkerMatches(peerInst.WorkerName, link.PeerWorker) {
			return c, fmt.Sprintf("port %s is wired to worker %s, not %s", impl.Ports[n].Name, link.PeerWorker, peerInst.WorkerName)
		}
		prewired = true
	}
	for n := range impl.Ports {
		if impl.IsInternal(n) && used&(1<<uint(n)) == 0 {
			return c, fmt.Sprintf("prewired port %s is not connected in the assembly", impl.Ports[n].Name)
		}
	}
	if prewired {
		c.Score += scorePrewired
	}

	switch {
	case len(inst.Slaves) > 0 && len(impl.SlaveWorkers) == 0:
		return c, "worker has no slave"
	case len(inst.Slaves) > len(impl.SlaveWorkers):
		return c, fmt.Sprintf("worker controls %d slaves, not %d", len(impl.SlaveWorkers), len(inst.Slaves))
	}
	for _, sid := range inst.Slaves {
		slave := &a.Instances[sid]
		if slave.WorkerName == "" {
			continue
		}
		if !slices.ContainsFunc(impl.SlaveWorkers, func(w string) bool { return library.WorkerMatches(slave.WorkerName, w) }) {
			return c, fmt.Sprintf("slave workers are %s, not %s", strings.Join(impl.SlaveWorkers, ","), slave.WorkerName)
		}
	}
	return c, ""
}

// resolvePort maps an assembly port to an implementation port ordinal, by
// name or, for unnamed ports, by role.
func resolvePort(impl *library.Implementation, port *assembly.Port) (int, string) {
	if port.Name != "" {
		n := impl.PortIndex(port.Name)
		if n < 0 {
			return -1, fmt.Sprintf("no port named %q", port.Name)
		}
		return n, ""
	}
	found := -1
	for n, ip := range impl.Ports {
		if port.Role.Known && !roleMatches(port.Role, ip) {
			continue
		}
		if found >= 0 {
			return -1, fmt.Sprintf("more than one %s port", port.Role)
		}
		found = n
	}
	if found < 0 {
		return -1, fmt.Sprintf("no %s port", port.Role)
	}
	return found, ""
}

func roleMatches(r assembly.Role, ip artifact.Port) bool {
	if r.Bidirectional || ip.Bidirectional {
		return r.Bidirectional == ip.Bidirectional
	}
	return r.Provider == ip.Provider
}

// compatible checks an edge between two candidates. A non-empty reason
// rejects the pair.
func (p *pass) compatible(e graph.Edge, cl, cr Candidate) string {
	il, ir := p.cat.Implementation(cl.Impl), p.cat.Implementation(cr.Impl)
	if e.IsControl() {
		master, slave := il, ir
		if !e.Slave {
			master, slave = ir, il
		}
		if !slices.ContainsFunc(master.SlaveWorkers, func(w string) bool { return library.WorkerMatches(w, slave.WorkerName) }) {
			return fmt.Sprintf("worker %s controls %s, not %s", master.WorkerName, strings.Join(master.SlaveWorkers, ","), slave.WorkerName)
		}
		return ""
	}
	nl, nr := cl.ports[p.slot[e.Local]], cr.ports[p.slot[e.Remote]]
	pl, pr := il.Ports[nl], ir.Ports[nr]
	if pl.Bidirectional != pr.Bidirectional || (!pl.Bidirectional && pl.Provider == pr.Provider) {
		return fmt.Sprintf("%s.%s and %s.%s have incompatible roles", il.WorkerName, pl.Name, ir.WorkerName, pr.Name)
	}
	if pl.Protocol != "" && pr.Protocol != "" && pl.Protocol != pr.Protocol {
		return fmt.Sprintf("%s.%s speaks %s, %s.%s speaks %s", il.WorkerName, pl.Name, pl.Protocol, ir.WorkerName, pr.Name, pr.Protocol)
	}
	inl, inr := il.IsInternal(nl), ir.IsInternal(nr)
	if !inl && !inr {
		return ""
	}
	if inl != inr || il.Artifact != ir.Artifact {
		return fmt.Sprintf("%s.%s and %s.%s are not wired to each other", il.WorkerName, pl.Name, ir.WorkerName, pr.Name)
	}
	link, _ := il.Link(nl)
	if !strings.EqualFold(link.PeerInstance, ir.StaticInstance) || !strings.EqualFold(link.PeerPort, pr.Name) {
		return fmt.Sprintf("%s.%s is wired to %s.%s inside the artifact", il.WorkerName, pl.Name, link.PeerInstance, link.PeerPort)
	}
	return ""
}

// search is a bounded depth-first search over instances in degree order.
type search struct {
	p         *pass
	order     []assembly.InstanceID
	choice    []int
	best      []int
	bestScore uint
	found     bool
	bound     []uint // best possible score of order[depth:]
	maxSteps  int
	steps     int
	exhausted bool
	conflicts map[int]string
}

func newSearch(p *pass, maxSteps int) *search {
	s := &search{
		p:         p,
		order:     p.g.SearchOrder(),
		choice:    make([]int, len(p.cands)),
		maxSteps:  maxSteps,
		conflicts: map[int]string{},
	}
	for i := range s.choice {
		s.choice[i] = -1
	}
	s.bound = make([]uint, len(s.order)+1)
	for d := len(s.order) - 1; d >= 0; d-- {
		s.bound[d] = s.bound[d+1] + p.cands[s.order[d]][0].Score
	}
	return s
}

func (s *search) run(depth int, score uint) {
	if depth == len(s.order) {
		if !s.found || score > s.bestScore {
			s.best = slices.Clone(s.choice)
			s.bestScore, s.found = score, true
		}
		return
	}
	if s.found && score+s.bound[depth] <= s.bestScore {
		return
	}
	inst := s.order[depth]
	for ci, c := range s.p.cands[inst] {
		if s.steps >= s.maxSteps {
			s.exhausted = true
			return
		}
		s.steps++
		if !s.consistent(inst, c) {
			continue
		}
		s.choice[inst] = ci
		s.run(depth+1, score+c.Score)
		s.choice[inst] = -1
		if s.exhausted {
			return
		}
	}
}

func (s *search) consistent(inst assembly.InstanceID, c Candidate) bool {
	for _, e := range s.p.g.Edges[inst] {
		peer := c
		if e.Peer != inst {
			other := s.choice[e.Peer]
			if other < 0 {
				continue
			}
			peer = s.p.cands[e.Peer][other]
		}
		if reason := s.p.compatible(e, c, peer); reason != "" {
			if _, seen := s.conflicts[e.Connection]; !seen {
				s.conflicts[e.Connection] = reason
			}
			return false
		}
	}
	return true
}

// explain turns a failed search into a ResolutionFailure naming the first
// unsatisfiable connection in document order.
func (p *pass) explain(s *search) error {
	a := p.a
	for ci, conn := range a.Connections {
		if len(conn.Ports) != 2 {
			continue
		}
		pl := a.Ports[conn.Ports[0]]
		e := graph.Edge{Connection: ci, Local: pl.ID, Remote: pl.Connected, Peer: a.Ports[pl.Connected].Instance}
		if reason, ok := p.pairwise(pl.Instance, e); !ok {
			return &ResolutionFailure{Connection: conn.Name, Reason: reason}
		}
	}
	for _, inst := range a.Instances {
		for _, sid := range inst.Slaves {
			e := graph.Edge{Connection: -1, Local: assembly.NoPort, Remote: assembly.NoPort, Peer: sid, Slave: true}
			if reason, ok := p.pairwise(inst.ID, e); !ok {
				return &ResolutionFailure{Instance: inst.Name, Reason: reason}
			}
		}
	}
	for ci, conn := range a.Connections {
		if reason, ok := s.conflicts[ci]; ok {
			return &ResolutionFailure{Connection: conn.Name, Reason: "no joint assignment satisfies every connection (" + reason + ")"}
		}
	}
	if reason, ok := s.conflicts[-1]; ok {
		return &ResolutionFailure{Reason: reason}
	}
	return &ResolutionFailure{Reason: "no consistent assignment found"}
}

// pairwise reports whether any pair of candidates satisfies the edge, and
// the first reason seen otherwise.
func (p *pass) pairwise(local assembly.InstanceID, e graph.Edge) (string, bool) {
	first := ""
	for _, cl := range p.cands[local] {
		peers := p.cands[e.Peer]
		if e.Peer == local {
			peers = []Candidate{cl}
		}
		for _, cr := range peers {
			reason := p.compatible(e, cl, cr)
			if reason == "" {
				return "", true
			}
			if first == "" {
				first = reason
			}
		}
	}
	return first, false
}

func (p *pass) bind(inst *assembly.Instance, c Candidate) Binding {
	a := p.a
	impl := *p.cat.Implementation(c.Impl)
	impl.Ports = slices.Clone(impl.Ports)
	impl.Properties = slices.Clone(impl.Properties)
	impl.Links = slices.Clone(impl.Links)

	b := Binding{
		Instance:       inst.ID,
		Name:           inst.Name,
		Implementation: impl,
		Artifact:       p.cat.Artifact(impl.Artifact).URL,
		Score:          c.Score,
		Properties:     slices.Clone(inst.Properties),
	}
	var used uint64
	for i, pid := range inst.Ports {
		n := c.ports[i]
		used |= 1 << uint(n)
		b.Ports = append(b.Ports, PortBinding{
			Port:      pid,
			Name:      impl.Ports[n].Name,
			Ordinal:   n,
			Connected: a.Connections[a.Ports[pid].Connection].Name,
		})
	}
	if inst.Externals {
		for n, ip := range impl.Ports {
			if impl.IsExternal(n) && used&(1<<uint(n)) == 0 {
				b.Externalized = append(b.Externalized, ip.Name)
			}
		}
	}
	return b
}

// assignContainers places every member of every instance. Scaled
// instances follow their collocation policy; unscaled ones follow the
// assembly mapping. An explicit container attribute wins.
func (p *pass) assignContainers(plan *Plan, order []assembly.InstanceID) error {
	a := p.a
	n := p.in.Containers
	if n == 0 || (a.Mapping.Processors != 0 && a.Mapping.Processors < n) {
		n = a.Mapping.Processors
	}
	if n == 0 {
		n = 1
	}
	scale := max(p.in.Scale, 1)
	position := make([]uint, len(a.Instances))
	for pos, id := range order {
		position[id] = uint(pos)
	}

	for i := range plan.Bindings {
		inst := &a.Instances[i]
		b := &plan.Bindings[i]
		switch {
		case inst.Container != nil:
			b.Containers = slices.Repeat([]uint{*inst.Container}, int(scale))
		case scale > 1:
			policy := a.Collocation
			if inst.Collocation != nil {
				policy = *inst.Collocation
			}
			res, err := policy.Apply(scale, n)
			if err != nil {
				return fmt.Errorf("instance %s: %w", inst.Name, err)
			}
			for m := uint(0); m < scale; m++ {
				b.Containers = append(b.Containers, res.Container(m))
			}
		case a.Mapping.Kind == assembly.MaxProcessors:
			b.Containers = []uint{uint(i) % n}
		case a.Mapping.Kind == assembly.MinProcessors:
			b.Containers = []uint{0}
		default:
			b.Containers = []uint{position[i] % n}
		}
	}
	return nil
}
