// Command rzdemo builds a small transitive-closure-with-negation program,
// pushes a handful of edge facts, and prints the derived tuples once the
// engine reaches its fixpoint. It exercises the builder/lower/vm pipeline
// end to end.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/rhizomedb/rhizome-go/blockstore"
	"github.com/rhizomedb/rhizome-go/builder"
	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/logic"
	"github.com/rhizomedb/rhizome-go/lower"
	"github.com/rhizomedb/rhizome-go/ram"
	"github.com/rhizomedb/rhizome-go/storage"
	"github.com/rhizomedb/rhizome-go/tuple"
	"github.com/rhizomedb/rhizome-go/value"
	"github.com/rhizomedb/rhizome-go/vm"
)

func main() {
	log := hclog.New(&hclog.LoggerOptions{Name: "rzdemo", Level: hclog.Info})

	if err := run(log); err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(log hclog.Logger) error {
	pb := builder.New().WithLogger(log.Named("builder"))

	if _, err := pb.DeclareRelation("edge", []builder.ColumnDecl{
		{Id: "from", Typ: value.TI64},
		{Id: "to", Typ: value.TI64},
	}, logic.Edb); err != nil {
		return err
	}
	if _, err := pb.DeclareRelation("vertex", []builder.ColumnDecl{
		{Id: "id", Typ: value.TI64},
	}, logic.Idb); err != nil {
		return err
	}
	if _, err := pb.DeclareRelation("reaches", []builder.ColumnDecl{
		{Id: "from", Typ: value.TI64},
		{Id: "to", Typ: value.TI64},
	}, logic.Idb); err != nil {
		return err
	}
	if _, err := pb.DeclareRelation("unreached", []builder.ColumnDecl{
		{Id: "from", Typ: value.TI64},
		{Id: "to", Typ: value.TI64},
	}, logic.Idb); err != nil {
		return err
	}

	x := logic.NewVar(value.TI64)
	y := logic.NewVar(value.TI64)
	z := logic.NewVar(value.TI64)

	// vertex(id: X) :- edge(from: X, to: Y).
	if err := pb.Rule("vertex").
		Head(builder.BindVar("id", x)).
		Search("edge", builder.BindVar("from", x), builder.BindVar("to", y)).
		Build(); err != nil {
		return err
	}
	// vertex(id: Y) :- edge(from: X, to: Y).
	if err := pb.Rule("vertex").
		Head(builder.BindVar("id", y)).
		Search("edge", builder.BindVar("from", x), builder.BindVar("to", y)).
		Build(); err != nil {
		return err
	}

	// reaches(from: X, to: Y) :- edge(from: X, to: Y).
	if err := pb.Rule("reaches").
		Head(builder.BindVar("from", x), builder.BindVar("to", y)).
		Search("edge", builder.BindVar("from", x), builder.BindVar("to", y)).
		Build(); err != nil {
		return err
	}
	// reaches(from: X, to: Y) :- reaches(from: X, to: Z), edge(from: Z, to: Y).
	if err := pb.Rule("reaches").
		Head(builder.BindVar("from", x), builder.BindVar("to", y)).
		Search("reaches", builder.BindVar("from", x), builder.BindVar("to", z)).
		Search("edge", builder.BindVar("from", z), builder.BindVar("to", y)).
		Build(); err != nil {
		return err
	}

	// unreached(from: X, to: Y) :- vertex(id: X), vertex(id: Y), !reaches(from: X, to: Y).
	if err := pb.Rule("unreached").
		Head(builder.BindVar("from", x), builder.BindVar("to", y)).
		Search("vertex", builder.BindVar("id", x)).
		Search("vertex", builder.BindVar("id", y)).
		Except("reaches", builder.BindVar("from", x), builder.BindVar("to", y)).
		Build(); err != nil {
		return err
	}

	program, err := pb.Build()
	if err != nil {
		return err
	}

	ramProgram, err := lower.ToRAM(program, lower.WithLogger(log.Named("lower")))
	if err != nil {
		return err
	}

	store, err := storage.NewStore(program.Declarations)
	if err != nil {
		return err
	}

	machine := vm.New(ramProgram, store, blockstore.NewMemStore(), vm.WithLogger(log.Named("vm")))

	edges := [][2]int64{{0, 1}, {1, 2}, {2, 3}}
	for _, e := range edges {
		machine.Push(tuple.NewTuple("edge", map[ident.ColId]value.Value{
			"from": value.I64(e[0]),
			"to":   value.I64(e[1]),
		}))
	}

	if err := machine.Run(); err != nil {
		return err
	}

	for _, rel := range []ident.RelationId{"reaches", "unreached"} {
		facts, err := store.All(rel, ram.Total)
		if err != nil {
			return err
		}
		for _, f := range facts {
			from, _ := f.Col("from")
			to, _ := f.Col("to")
			fmt.Printf("%s(%s, %s)\n", rel, from, to)
		}
	}

	log.Debug("done")
	return nil
}
