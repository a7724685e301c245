// Package resolve turns a set of requested component names into a build plan:
// one concrete component per dependency group, conflict free, in dependency
// order.
package resolve

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"crossforge/internal/msg"
	"crossforge/internal/recipe"
)

type resolver struct {
	reg      *recipe.Registry
	selected map[string]bool
	seen     []string
	seenIdx  map[string]int
	choice   map[string]string
	deps     map[string][]string
	enh      map[string][]string
	queue    []string
}

// Resolve computes the plan for requested against reg. It either returns a
// complete plan or a *PlanError; nothing is partially committed.
func Resolve(reg *recipe.Registry, requested []string) (*Plan, error) {
	r := &resolver{
		reg:      reg,
		selected: make(map[string]bool),
		seenIdx:  make(map[string]int),
		choice:   make(map[string]string),
		deps:     make(map[string][]string),
		enh:      make(map[string][]string),
	}

	var unknown []string
	for _, name := range requested {
		if _, ok := reg.Lookup(name); !ok && !slices.Contains(unknown, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, planErrorf(ErrUnknownComponent, unknown, "requested %s not found in any recipe repository", strings.Join(unknown, ", "))
	}

	// Requested names count as selected before any group is examined.
	for _, name := range requested {
		r.add(name, name)
	}
	for len(r.queue) > 0 {
		name := r.queue[0]
		r.queue = r.queue[1:]
		if err := r.expand(name); err != nil {
			return nil, err
		}
	}

	r.linkEnhancements()
	if err := r.checkConflicts(); err != nil {
		return nil, err
	}
	order, err := r.sort()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Selected:  r.choice,
		Order:     order,
		Requested: slices.Clone(requested),
		deps:      r.deps,
		enh:       r.enh,
		index:     make(map[string]int, len(order)),
	}
	for i, name := range order {
		plan.index[name] = i
	}
	msg.Debugf("resolved plan: %s\n", strings.Join(order, " "))
	return plan, nil
}

func (r *resolver) add(key, name string) {
	r.choice[key] = name
	if r.selected[name] {
		return
	}
	r.selected[name] = true
	r.seenIdx[name] = len(r.seen)
	r.seen = append(r.seen, name)
	r.queue = append(r.queue, name)
}

func (r *resolver) expand(name string) error {
	c, _ := r.reg.Lookup(name)
	for _, g := range c.Requires() {
		chosen, err := r.choose(c, g)
		if err != nil {
			return err
		}
		if !slices.Contains(r.deps[name], chosen) {
			r.deps[name] = append(r.deps[name], chosen)
		}
		r.add(g.Key(), chosen)
	}
	return nil
}

// choose picks the member of g that satisfies it for c. A group seen before
// keeps its earlier choice; otherwise a member already selected wins, then
// the first declared member whose tentative closure conflicts with nothing.
func (r *resolver) choose(c *recipe.Component, g recipe.Requirement) (string, error) {
	if name, ok := r.choice[g.Key()]; ok {
		return name, nil
	}
	if g.Kind == recipe.Hard {
		name := g.Names[0]
		if _, ok := r.reg.Lookup(name); !ok {
			return "", planErrorf(ErrUnknownComponent, []string{name}, "%s (required by %s)", name, c.Name)
		}
		return name, nil
	}

	for _, name := range g.Names {
		if r.selected[name] {
			msg.Debugf("%s: group %q satisfied by already selected %s\n", c.Name, g, name)
			return name, nil
		}
	}

	var reasons, unknown []string
	for _, name := range g.Names {
		if _, ok := r.reg.Lookup(name); !ok {
			unknown = append(unknown, name)
			reasons = append(reasons, name+" is not a known component")
			continue
		}
		if why := r.blocker(name); why != "" {
			reasons = append(reasons, why)
			continue
		}
		msg.Debugf("%s: group %q resolved to %s\n", c.Name, g, name)
		return name, nil
	}
	if len(unknown) == len(g.Names) {
		return "", planErrorf(ErrUnknownComponent, unknown, "none of %q (required by %s) exist", g.String(), c.Name)
	}
	return "", planErrorf(ErrUnsatisfiableDependency, slices.Clone(g.Names),
		"no member of %q (required by %s) can be selected: %s", g.String(), c.Name, strings.Join(reasons, "; "))
}

// blocker returns why candidate cannot be selected, or "" if it can.
func (r *resolver) blocker(candidate string) string {
	closure := r.tentativeClosure(candidate)
	for i, name := range closure {
		if r.selected[name] {
			continue
		}
		via := ""
		if name != candidate {
			via = " (via " + candidate + ")"
		}
		if _, ok := r.reg.Lookup(name); !ok {
			return fmt.Sprintf("%s pulls in unknown component %s", candidate, name)
		}
		for _, s := range r.seen {
			if r.conflict(name, s) {
				return fmt.Sprintf("%s%s conflicts with selected %s", name, via, s)
			}
		}
		for _, other := range closure[:i] {
			if r.conflict(name, other) {
				return fmt.Sprintf("%s%s conflicts with %s", name, via, other)
			}
		}
	}
	return ""
}

// tentativeClosure lists start and everything it would pull in, breadth
// first. Alternative groups inside the closure are chosen the way expand
// would choose them: an earlier choice, then a member already selected or
// already in the closure, then the first member that conflicts with nothing
// selected or pulled in so far.
func (r *resolver) tentativeClosure(start string) []string {
	closure := []string{start}
	in := map[string]bool{start: true}
	for i := 0; i < len(closure); i++ {
		c, ok := r.reg.Lookup(closure[i])
		if !ok {
			continue
		}
		for _, g := range c.Requires() {
			name := r.pick(g, closure, in)
			if !in[name] {
				in[name] = true
				closure = append(closure, name)
			}
		}
	}
	return closure
}

func (r *resolver) pick(g recipe.Requirement, closure []string, in map[string]bool) string {
	if name, ok := r.choice[g.Key()]; ok {
		return name
	}
	for _, name := range g.Names {
		if r.selected[name] || in[name] {
			return name
		}
	}
	first := ""
	for _, name := range g.Names {
		if _, ok := r.reg.Lookup(name); !ok {
			continue
		}
		if first == "" {
			first = name
		}
		if !r.conflictsWithAny(name, r.seen) && !r.conflictsWithAny(name, closure) {
			return name
		}
	}
	if first != "" {
		return first
	}
	return g.Names[0]
}

func (r *resolver) conflictsWithAny(name string, others []string) bool {
	for _, o := range others {
		if r.conflict(name, o) {
			return true
		}
	}
	return false
}

func (r *resolver) conflict(a, b string) bool {
	ca, okA := r.reg.Lookup(a)
	cb, okB := r.reg.Lookup(b)
	return (okA && ca.ConflictsWith(b)) || (okB && cb.ConflictsWith(a))
}

// upstream returns the direct predecessors of name: its chosen dependencies
// followed by its linked enhancements.
func (r *resolver) upstream(name string) []string {
	return append(slices.Clone(r.deps[name]), r.enh[name]...)
}

// linkEnhancements orders selected optional enhancements before the
// components they enhance. A link that would close a cycle is dropped: the
// enhancement then builds without the other's artifacts.
func (r *resolver) linkEnhancements() {
	for _, name := range r.seen {
		c, _ := r.reg.Lookup(name)
		for _, e := range c.Enhancements() {
			if !r.selected[e] || slices.Contains(r.deps[name], e) {
				continue
			}
			if r.reaches(e, name) {
				msg.Debugf("%s: optional %s depends on it, not ordering it first\n", name, e)
				continue
			}
			r.enh[name] = append(r.enh[name], e)
		}
	}
}

// reaches reports whether to is upstream of from.
func (r *resolver) reaches(from, to string) bool {
	visited := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, r.upstream(n)...)
	}
	return false
}

func (r *resolver) checkConflicts() error {
	var pairs []string
	var first []string
	for i, a := range r.seen {
		for _, b := range r.seen[i+1:] {
			if r.conflict(a, b) {
				if first == nil {
					first = []string{a, b}
				}
				pairs = append(pairs, a+" <-> "+b)
			}
		}
	}
	if first == nil {
		return nil
	}
	return planErrorf(ErrConflictingComponents, first, "%s", strings.Join(pairs, ", "))
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// sort is Kahn's algorithm over the selected set. The ready queue is a
// min-heap by first-seen index, so equal inputs give equal orders.
func (r *resolver) sort() ([]string, error) {
	n := len(r.seen)
	indeg := make([]int, n)
	dependents := make([][]int, n)
	for v, name := range r.seen {
		for _, u := range r.upstream(name) {
			ui := r.seenIdx[u]
			indeg[v]++
			dependents[ui] = append(dependents[ui], v)
		}
	}

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range n {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]string, 0, n)
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		order = append(order, r.seen[u])
		for _, v := range dependents[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	if len(order) == n {
		return order, nil
	}
	return nil, cycleError(r.findCycle(indeg))
}

// findCycle walks predecessor edges among the nodes Kahn could not emit.
// Each of them still has an unemitted predecessor, so the walk must revisit
// a node; the revisited stretch is a cycle.
func (r *resolver) findCycle(indeg []int) []string {
	start := -1
	for i, d := range indeg {
		if d > 0 {
			start = i
			break
		}
	}
	pos := map[string]int{}
	var path []string
	cur := r.seen[start]
	for {
		if p, ok := pos[cur]; ok {
			return path[p:]
		}
		pos[cur] = len(path)
		path = append(path, cur)
		for _, u := range r.upstream(cur) {
			if indeg[r.seenIdx[u]] > 0 {
				cur = u
				break
			}
		}
	}
}
