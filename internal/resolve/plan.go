package resolve

import "slices"

// Plan is the resolver's output. It is never modified after Resolve returns
// and is shared read-only by every architecture worker.
type Plan struct {
	// Selected maps each dependency group key to the component chosen for it.
	Selected map[string]string
	// Order lists every selected component after all of its dependencies.
	Order     []string
	Requested []string

	deps  map[string][]string
	enh   map[string][]string
	index map[string]int
}

// Dependencies returns the concrete dependencies chosen for name.
func (p *Plan) Dependencies(name string) []string { return slices.Clone(p.deps[name]) }

// Enhancements returns the optional enhancements of name that are part of
// the plan and ordered before it.
func (p *Plan) Enhancements(name string) []string { return slices.Clone(p.enh[name]) }

func (p *Plan) Has(name string) bool {
	_, ok := p.index[name]
	return ok
}

// Index returns the position of name in Order, or -1.
func (p *Plan) Index(name string) int {
	if i, ok := p.index[name]; ok {
		return i
	}
	return -1
}

// Upstream returns every component that name transitively depends on or is
// enhanced by, in plan order.
func (p *Plan) Upstream(name string) []string {
	visited := map[string]bool{}
	stack := append(p.Dependencies(name), p.enh[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, p.deps[n]...)
		stack = append(stack, p.enh[n]...)
	}
	var out []string
	for _, n := range p.Order {
		if visited[n] {
			out = append(out, n)
		}
	}
	return out
}
