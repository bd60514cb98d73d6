// Package stratify builds the predicate dependency graph for a program and
// partitions it into strata via Kosaraju's algorithm, rejecting any program
// where a strongly connected component contains a negative edge.
package stratify

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/logic"
	"github.com/rhizomedb/rhizome-go/rherr"
)

// Option configures a Stratify call. The zero value uses a no-op logger.
type Option func(*options)

type options struct {
	log hclog.Logger
}

// WithLogger observes SCC/stratification decisions at Trace/Debug level.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.log = l }
}

type edge struct {
	to       ident.RelationId
	polarity logic.Polarity
}

// graph is an adjacency-list directed multigraph over relation ids. There
// is no idiomatic Go analog of a graph-algorithms crate for this small a
// job, and Kosaraju's algorithm is short enough to implement directly
// against two plain maps rather than pull in a dependency for it.
type graph struct {
	nodes []ident.RelationId
	seen  map[ident.RelationId]bool
	out   map[ident.RelationId][]edge
	in    map[ident.RelationId][]ident.RelationId
}

func newGraph() *graph {
	return &graph{
		seen: make(map[ident.RelationId]bool),
		out:  make(map[ident.RelationId][]edge),
		in:   make(map[ident.RelationId][]ident.RelationId),
	}
}

func (g *graph) addNode(id ident.RelationId) {
	if !g.seen[id] {
		g.seen[id] = true
		g.nodes = append(g.nodes, id)
	}
}

func (g *graph) addEdge(from, to ident.RelationId, pol logic.Polarity) {
	g.addNode(from)
	g.addNode(to)
	g.out[from] = append(g.out[from], edge{to: to, polarity: pol})
	g.in[to] = append(g.in[to], from)
}

// Stratify partitions program into strata ordered leaves-first (a relation
// with no dependencies comes before anything that depends on it), and
// fails if any strongly connected component contains a negative or
// aggregation edge.
func Stratify(program *logic.Program, opts ...Option) ([]logic.Stratum, error) {
	o := &options{log: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(o)
	}

	clausesByRelation := make(map[ident.RelationId][]logic.Clause)
	for _, c := range program.Clauses {
		clausesByRelation[c.Head()] = append(clausesByRelation[c.Head()], c)
	}

	g := newGraph()
	for _, c := range program.Clauses {
		g.addNode(c.Head())
		for _, dep := range c.DependsOn() {
			g.addEdge(dep.From, dep.To, dep.Polarity)
		}
	}
	for id := range program.Declarations {
		g.addNode(id)
	}

	sccs := kosarajuSCC(g)
	o.log.Trace("computed strongly connected components", "count", len(sccs))

	for _, scc := range sccs {
		members := set.New[ident.RelationId](len(scc))
		members.InsertSlice(scc)
		for _, n := range scc {
			for _, e := range g.out[n] {
				if e.polarity.IsNegative() && members.Contains(e.to) {
					o.log.Debug("rejecting program", "reason", "cycle through negation or aggregation", "component", scc)
					return nil, rherr.New(rherr.ProgramUnstratifiable, "cycle through negation or aggregation")
				}
			}
		}
	}

	strata := make([]logic.Stratum, 0, len(sccs))
	for _, scc := range sccs {
		var clauses []logic.Clause
		for _, n := range scc {
			clauses = append(clauses, clausesByRelation[n]...)
		}
		isRecursive := len(scc) > 1
		if !isRecursive && len(scc) == 1 {
			for _, e := range g.out[scc[0]] {
				if e.to == scc[0] {
					isRecursive = true
					break
				}
			}
		}
		strata = append(strata, logic.Stratum{
			Relations:   scc,
			Clauses:     clauses,
			IsRecursive: isRecursive,
		})
	}

	// kosarajuSCC returns components dependents-first (g's edges run from a
	// rule head to the relations its body reads); the lowering pass needs
	// leaves (no dependencies) first, so the order is reversed here.
	for i, j := 0, len(strata)-1; i < j; i, j = i+1, j-1 {
		strata[i], strata[j] = strata[j], strata[i]
	}

	for i, s := range strata {
		o.log.Debug("stratum", "index", i, "relations", s.Relations, "recursive", s.IsRecursive)
	}

	return strata, nil
}

// kosarajuSCC computes strongly connected components via two depth-first
// passes: an ordering pass over g, then a collection pass over the
// transpose in reverse finish order. Components are returned in the order
// discovered by the second pass, which is a topological order of g's
// condensation graph: a component comes before every component it has an
// edge to.
func kosarajuSCC(g *graph) [][]ident.RelationId {
	visited := make(map[ident.RelationId]bool, len(g.nodes))
	var order []ident.RelationId

	var visit func(ident.RelationId)
	visit = func(n ident.RelationId) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, e := range g.out[n] {
			visit(e.to)
		}
		order = append(order, n)
	}
	for _, n := range g.nodes {
		visit(n)
	}

	assigned := make(map[ident.RelationId]bool, len(g.nodes))
	var sccs [][]ident.RelationId

	var assign func(n ident.RelationId, comp *[]ident.RelationId)
	assign = func(n ident.RelationId, comp *[]ident.RelationId) {
		if assigned[n] {
			return
		}
		assigned[n] = true
		*comp = append(*comp, n)
		for _, from := range g.in[n] {
			assign(from, comp)
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if assigned[n] {
			continue
		}
		var comp []ident.RelationId
		assign(n, &comp)
		sccs = append(sccs, comp)
	}

	return sccs
}
