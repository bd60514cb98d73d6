// Package vm implements the register-free relational-algebra machine that
// interprets a lowered ram.Program to its fixpoint.
package vm

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/rhizomedb/rhizome-go/blockstore"
	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/ram"
	"github.com/rhizomedb/rhizome-go/rherr"
	"github.com/rhizomedb/rhizome-go/storage"
	"github.com/rhizomedb/rhizome-go/tuple"
	"github.com/rhizomedb/rhizome-go/value"
)

// Timestamp is the three-level logical clock driving the VM's PC stepping:
// Clock increments once per Run call, Epoch once per full wraparound of
// the flat statement list, and Iteration once per pass through an
// enclosing Loop's body.
type Timestamp struct {
	Clock     uint64
	Epoch     uint64
	Iteration uint64
}

func (t Timestamp) ClockStart() Timestamp { return Timestamp{Clock: t.Clock} }
func (t Timestamp) EpochStart() Timestamp { return Timestamp{Clock: t.Clock, Epoch: t.Epoch} }

func (t Timestamp) AdvanceEpoch() Timestamp {
	return Timestamp{Clock: t.Clock, Epoch: t.Epoch + 1}
}

func (t Timestamp) AdvanceIteration() Timestamp {
	return Timestamp{Clock: t.Clock, Epoch: t.Epoch, Iteration: t.Iteration + 1}
}

// pc is the program counter: Outer indexes the flat statement list; Inner,
// when non-nil, indexes the body of the Loop statement at Outer.
type pc struct {
	Outer int
	Inner *int
}

// scopeKey identifies which aliased occurrence of a relation a Search is
// currently iterating, so Attribute terms resolve against the right tuple.
type scopeKey struct {
	relation ident.RelationId
	alias    string
}

func keyFor(relation ident.RelationId, alias *ident.AliasId) scopeKey {
	if alias == nil {
		return scopeKey{relation: relation, alias: ""}
	}
	return scopeKey{relation: relation, alias: alias.String()}
}

// bindings is the runtime resolution environment threaded through a
// Search/Aggregation/Project tree: which tuple each active alias is bound
// to, and which values earlier Aggregation terms have produced.
type bindings struct {
	scope map[scopeKey]tuple.Tuple
	agg   map[ident.VarId]value.Value
}

func newBindings() *bindings {
	return &bindings{scope: make(map[scopeKey]tuple.Tuple), agg: make(map[ident.VarId]value.Value)}
}

func (b *bindings) withScope(relation ident.RelationId, alias *ident.AliasId, t tuple.Tuple) *bindings {
	next := &bindings{scope: make(map[scopeKey]tuple.Tuple, len(b.scope)+1), agg: b.agg}
	for k, v := range b.scope {
		next.scope[k] = v
	}
	next.scope[keyFor(relation, alias)] = t
	return next
}

func (b *bindings) withAgg(id ident.VarId, v value.Value) *bindings {
	next := &bindings{scope: b.scope, agg: make(map[ident.VarId]value.Value, len(b.agg)+1)}
	for k, v := range b.agg {
		next.agg[k] = v
	}
	next.agg[id] = v
	return next
}

func (b *bindings) resolve(t ram.Term) (value.Value, error) {
	switch term := t.(type) {
	case ram.Literal:
		return term.Val, nil
	case ram.Attribute:
		bound, ok := b.scope[keyFor(term.Relation, term.Alias)]
		if !ok {
			return value.Value{}, rherr.New(rherr.InternalError, fmt.Sprintf("unbound attribute %s.%s", term.Relation, term.Col))
		}
		v, ok := bound.Col(term.Col)
		if !ok {
			return value.Value{}, rherr.New(rherr.InternalError, fmt.Sprintf("column %s not found on %s", term.Col, term.Relation))
		}
		return v, nil
	case ram.Agg:
		v, ok := b.agg[term.Target]
		if !ok {
			return value.Value{}, rherr.New(rherr.InternalError, "unbound aggregation result")
		}
		return v, nil
	case ram.SourceCid:
		bound, ok := b.scope[keyFor(term.Relation, term.Alias)]
		if !ok {
			return value.Value{}, rherr.New(rherr.InternalError, fmt.Sprintf("unbound source cid for %s", term.Relation))
		}
		if bound.Source == nil {
			return value.Value{}, rherr.New(rherr.InternalError, fmt.Sprintf("tuple of %s has no source cid", term.Relation))
		}
		return value.FromCID(*bound.Source), nil
	default:
		return value.Value{}, rherr.New(rherr.InternalError, "unknown term kind")
	}
}

// VM interprets a ram.Program against a Store and Blockstore, one logical
// clock tick at a time.
type VM struct {
	log        hclog.Logger
	timestamp  Timestamp
	pc         pc
	input      []tuple.Tuple
	output     []tuple.Tuple
	program    *ram.Program
	store      *storage.Store
	blockstore blockstore.Blockstore
	// sunk records, per IDB relation, the canonical key of every tuple
	// already drained to the output queue by a prior handleSinks call, so a
	// later Run() only enqueues tuples derived since then rather than
	// replaying the whole Total partition.
	sunk map[ident.RelationId]map[string]struct{}
	// maxIterations, when non-zero, bounds the total number of loop
	// iterations (passes through a Loop body) a single Run may take across
	// every recursive stratum's Loop before it's treated as non-terminating.
	// Unbounded by default.
	maxIterations     uint64
	iterationsThisRun uint64
}

// Option configures a VM at construction time.
type Option func(*VM)

// WithLogger attaches l to the VM, replacing the default no-op logger.
// The VM logs run start and epoch/iteration advances at Trace level.
func WithLogger(l hclog.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// WithMaxIterations bounds the number of loop iterations (passes through a
// Loop body) a single Run may take before it aborts with an InternalError instead of looping forever
// on a non-well-founded program. Off by default: unbounded unless
// explicitly requested.
func WithMaxIterations(n uint64) Option {
	return func(vm *VM) { vm.maxIterations = n }
}

// New constructs a VM over program, backed by store for relation data and
// bs for CID resolution of EDB predicates.
func New(program *ram.Program, store *storage.Store, bs blockstore.Blockstore, opts ...Option) *VM {
	vm := &VM{
		log:        hclog.NewNullLogger(),
		pc:         pc{Outer: 0},
		program:    program,
		store:      store,
		blockstore: bs,
	}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// Push enqueues a tuple (an EDB fact translated for VM consumption) to be
// merged into its relation's Total partition on the next Run.
func (vm *VM) Push(t tuple.Tuple) { vm.input = append(vm.input, t) }

// Pop dequeues one tuple sunk by the program's Sinks statements, if any.
func (vm *VM) Pop() (tuple.Tuple, bool) {
	if len(vm.output) == 0 {
		return tuple.Tuple{}, false
	}
	t := vm.output[0]
	vm.output = vm.output[1:]
	return t, true
}

// Run advances the clock by one and steps the program to its fixpoint:
// pushed input is merged into its EDB relations, every stratum's rules are
// evaluated to a fixpoint, and any declared Sinks are drained into the
// output queue.
func (vm *VM) Run() error {
	vm.timestamp = Timestamp{Clock: vm.timestamp.Clock + 1}
	vm.pc = pc{Outer: 0}
	vm.iterationsThisRun = 0
	vm.log.Trace("run starting", "clock", vm.timestamp.Clock)

	if len(vm.program.Statements) == 0 {
		return nil
	}

	for {
		startEpoch := vm.timestamp.Epoch

		cont, err := vm.step()
		if err != nil {
			return err
		}
		if !cont || vm.timestamp.Epoch != startEpoch {
			break
		}
	}

	return nil
}

func (vm *VM) step() (bool, error) {
	stmt, err := vm.loadStatement()
	if err != nil {
		return false, err
	}

	var cont bool
	switch s := stmt.(type) {
	case ram.Insert:
		cont, err = vm.handleInsert(s)
	case ram.Merge:
		cont, err = vm.handleMerge(s)
	case ram.Swap:
		cont, err = vm.handleSwap(s)
	case ram.Purge:
		cont, err = vm.handlePurge(s)
	case ram.Exit:
		cont, err = vm.handleExit(s)
	case ram.Sources:
		cont, err = vm.handleSources(s)
	case ram.Sinks:
		cont, err = vm.handleSinks(s)
	case ram.Loop:
		return false, rherr.New(rherr.InternalError, "nested loop encountered")
	default:
		return false, rherr.New(rherr.InternalError, "unknown statement kind")
	}
	if err != nil {
		return false, err
	}

	if !cont {
		return false, nil
	}

	vm.pc, err = vm.stepPC()
	if err != nil {
		return false, err
	}

	if vm.pc.Outer == 0 {
		vm.timestamp = vm.timestamp.AdvanceEpoch()
		vm.log.Trace("epoch advanced", "epoch", vm.timestamp.Epoch)
	} else if vm.pc.Inner != nil && *vm.pc.Inner == 0 {
		vm.timestamp = vm.timestamp.AdvanceIteration()
		vm.iterationsThisRun++
		vm.log.Trace("iteration advanced", "epoch", vm.timestamp.Epoch, "iteration", vm.timestamp.Iteration)
		if vm.maxIterations != 0 && vm.iterationsThisRun > vm.maxIterations {
			return false, rherr.New(rherr.InternalError, "exceeded configured max iterations")
		}
	}

	return true, nil
}

func (vm *VM) stepPC() (pc, error) {
	n := len(vm.program.Statements)
	if vm.pc.Inner == nil {
		if vm.pc.Outer+1 < n {
			if _, isLoop := vm.program.Statements[vm.pc.Outer+1].(ram.Loop); isLoop {
				zero := 0
				return pc{Outer: (vm.pc.Outer + 1) % n, Inner: &zero}, nil
			}
		}
		return pc{Outer: (vm.pc.Outer + 1) % n}, nil
	}

	outerStmt := vm.program.Statements[vm.pc.Outer]
	loopStmt, ok := outerStmt.(ram.Loop)
	if !ok {
		return pc{}, rherr.New(rherr.InternalError, "current statement must be a loop")
	}
	next := (*vm.pc.Inner + 1) % len(loopStmt.Body)
	return pc{Outer: vm.pc.Outer, Inner: &next}, nil
}

func (vm *VM) loadStatement() (ram.Statement, error) {
	if vm.pc.Outer >= len(vm.program.Statements) {
		return nil, rherr.New(rherr.InternalError, "pc stepped past end of program")
	}
	outerStmt := vm.program.Statements[vm.pc.Outer]

	loopStmt, isLoop := outerStmt.(ram.Loop)
	if !isLoop {
		return outerStmt, nil
	}

	if vm.pc.Inner == nil {
		return nil, rherr.New(rherr.InternalError, "inner loop pc is nil")
	}
	if *vm.pc.Inner >= len(loopStmt.Body) {
		return nil, rherr.New(rherr.InternalError, "inner loop pc stepped past end of loop")
	}
	return loopStmt.Body[*vm.pc.Inner], nil
}

// isGround reports whether an Insert's operation is a bare Project with no
// enclosing Search/Aggregation: the shape lowerFact produces. Such
// statements insert a literal fact and must fire only once per clock.
func isGround(op ram.Operation) bool {
	_, ok := op.(ram.Project)
	return ok
}

func (vm *VM) handleInsert(insert ram.Insert) (bool, error) {
	if isGround(insert.Operation) && vm.timestamp != vm.timestamp.ClockStart() {
		return true, nil
	}
	return vm.handleOperation(insert.Operation)
}

func (vm *VM) handleOperation(op ram.Operation) (bool, error) {
	return vm.doHandleOperation(op, newBindings())
}

func (vm *VM) doHandleOperation(op ram.Operation, b *bindings) (bool, error) {
	switch o := op.(type) {
	case ram.Search:
		return vm.handleSearch(o, b)
	case ram.Project:
		return vm.handleProject(o, b)
	case ram.Aggregation:
		return vm.handleAggregation(o, b)
	default:
		return false, rherr.New(rherr.InternalError, "unknown operation kind")
	}
}

func (vm *VM) handleSearch(s ram.Search, b *bindings) (bool, error) {
	// A literal CID constraint on a predicate is checked against the
	// Blockstore before scanning Relation: a CID that backs no pushed
	// InputTuple can never match, so the Search short-circuits without
	// materializing the relation's tuples at all.
	if s.CidFilter != nil && vm.blockstore != nil {
		_, found, err := vm.blockstore.Get(*s.CidFilter)
		if err != nil {
			return false, rherr.Wrap(rherr.BlockstoreError, "blockstore lookup failed", err)
		}
		if !found {
			return true, nil
		}
	}

	tuples, err := vm.store.All(s.Relation.Id, s.Relation.Version)
	if err != nil {
		return false, err
	}

	for _, t := range tuples {
		candidate := b.withScope(s.Relation.Id, s.Alias, t)

		satisfied, err := vm.evalFormulae(s.When, candidate)
		if err != nil {
			return false, err
		}
		if !satisfied {
			continue
		}

		if _, err := vm.doHandleOperation(s.Inner, candidate); err != nil {
			return false, err
		}
	}

	return true, nil
}

func (vm *VM) evalFormulae(formulae []ram.Formula, b *bindings) (bool, error) {
	for _, f := range formulae {
		ok, err := vm.evalFormula(f, b)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (vm *VM) evalFormula(f ram.Formula, b *bindings) (bool, error) {
	switch formula := f.(type) {
	case ram.Equality:
		left, err := b.resolve(formula.Left)
		if err != nil {
			return false, err
		}
		right, err := b.resolve(formula.Right)
		if err != nil {
			return false, err
		}
		return left.Equal(right), nil
	case ram.NotIn:
		constraints := make(map[ident.ColId]interface{ CanonicalBytes() []byte })
		for _, a := range formula.Attributes {
			v, err := b.resolve(a.Term)
			if err != nil {
				return false, err
			}
			constraints[a.Col] = v
		}
		matches, err := vm.store.Search(formula.Relation.Id, formula.Relation.Version, constraints)
		if err != nil {
			return false, err
		}
		return len(matches) == 0, nil
	default:
		return false, rherr.New(rherr.InternalError, "unknown formula kind")
	}
}

func (vm *VM) handleProject(p ram.Project, b *bindings) (bool, error) {
	cols := make(map[ident.ColId]value.Value, len(p.Attributes))
	for _, a := range p.Attributes {
		v, err := b.resolve(a.Term)
		if err != nil {
			return false, err
		}
		cols[a.Col] = v
	}

	// A tuple already in Total is not new: keeping it out of New lets the
	// enclosing Loop's Exit see New empty once the fixpoint is reached.
	if p.Into.Version == ram.New {
		key := make(map[ident.ColId]interface{ CanonicalBytes() []byte }, len(cols))
		for c, v := range cols {
			key[c] = v
		}
		known, err := vm.store.Search(p.Into.Id, ram.Total, key)
		if err != nil {
			return false, err
		}
		if len(known) > 0 {
			return true, nil
		}
	}

	_, err := vm.store.Insert(p.Into.Id, p.Into.Version, tuple.NewTuple(p.Into.Id, cols))
	return true, err
}

func (vm *VM) handleAggregation(agg ram.Aggregation, b *bindings) (bool, error) {
	constraints := make(map[ident.ColId]interface{ CanonicalBytes() []byte })
	for _, g := range agg.Group {
		v, err := b.resolve(g.Term)
		if err != nil {
			return false, err
		}
		constraints[g.Col] = v
	}

	matches, err := vm.store.Search(agg.Relation.Id, agg.Relation.Version, constraints)
	if err != nil {
		return false, err
	}
	if len(matches) == 0 {
		return true, nil
	}

	var result value.Value
	start := 0
	if agg.Reducer.Init != nil {
		result = *agg.Reducer.Init
	} else {
		first := matches[0]
		fb := b.withScope(agg.Relation.Id, agg.Alias, first)
		args, err := resolveTerms(agg.Args, fb)
		if err != nil {
			return false, err
		}
		if len(args) != 1 {
			return false, rherr.New(rherr.InternalError, "reducer with no init requires exactly one arg")
		}
		result = args[0]
		start = 1
	}

	for _, t := range matches[start:] {
		tb := b.withScope(agg.Relation.Id, agg.Alias, t)
		args, err := resolveTerms(agg.Args, tb)
		if err != nil {
			return false, err
		}
		result, err = agg.Reducer.Step(result, args)
		if err != nil {
			return false, err
		}
	}

	next := b.withAgg(agg.Target, result)
	_, err = vm.doHandleOperation(agg.Inner, next)
	return true, err
}

func resolveTerms(terms []ram.Term, b *bindings) ([]value.Value, error) {
	out := make([]value.Value, 0, len(terms))
	for _, t := range terms {
		v, err := b.resolve(t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (vm *VM) handleMerge(m ram.Merge) (bool, error) {
	return true, vm.store.MergeInto(m.From.Id, m.From.Version, m.Into.Version)
}

func (vm *VM) handleSwap(s ram.Swap) (bool, error) {
	return true, vm.store.Swap(s.Left.Id, s.Left.Version, s.Right.Version)
}

func (vm *VM) handlePurge(p ram.Purge) (bool, error) {
	return true, vm.store.Purge(p.Relation.Id, p.Relation.Version)
}

func (vm *VM) handleExit(e ram.Exit) (bool, error) {
	allEmpty := true
	for _, r := range e.Relations {
		empty, err := vm.store.IsEmpty(r.Id, r.Version)
		if err != nil {
			return false, err
		}
		if !empty {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		vm.pc.Inner = nil
	}
	return true, nil
}

func (vm *VM) handleSources(s ram.Sources) (bool, error) {
	consumed := false
	remaining := vm.input[:0:0]
	for _, t := range vm.input {
		matched := false
		for _, rel := range s.Relations {
			if t.Relation == rel {
				matched = true
				break
			}
		}
		if matched {
			if _, err := vm.store.Insert(t.Relation, ram.Total, t); err != nil {
				return false, err
			}
			consumed = true
		} else {
			remaining = append(remaining, t)
		}
	}
	vm.input = remaining

	return consumed || vm.timestamp.EpochStart() == vm.timestamp.ClockStart(), nil
}

func (vm *VM) handleSinks(s ram.Sinks) (bool, error) {
	if vm.sunk == nil {
		vm.sunk = make(map[ident.RelationId]map[string]struct{})
	}
	for _, rel := range s.Relations {
		tuples, err := vm.store.All(rel, ram.Total)
		if err != nil {
			return false, err
		}
		seen := vm.sunk[rel]
		if seen == nil {
			seen = make(map[string]struct{})
			vm.sunk[rel] = seen
		}
		for _, t := range tuples {
			key, err := t.CanonicalKey()
			if err != nil {
				return false, rherr.Wrap(rherr.InternalError, "failed to compute sink key", err)
			}
			if _, already := seen[string(key)]; already {
				continue
			}
			seen[string(key)] = struct{}{}
			vm.output = append(vm.output, t)
		}
	}
	return true, nil
}
