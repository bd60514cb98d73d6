// Package storage implements the per-(RelationId, Version) physical
// relation partitions that the VM's Insert/Merge/Swap/Purge/Search
// operations read and write, backed by github.com/hashicorp/go-memdb.
package storage

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/rhizomedb/rhizome-go/ident"
	"github.com/rhizomedb/rhizome-go/logic"
	"github.com/rhizomedb/rhizome-go/ram"
	"github.com/rhizomedb/rhizome-go/rherr"
	"github.com/rhizomedb/rhizome-go/tuple"
)

// record is the memdb row type: a tuple plus its canonical key, computed
// once at insertion time so every index read is a cheap byte compare.
type record struct {
	key  string
	cols map[ident.ColId]tupleValue
	t    tuple.Tuple
}

type tupleValue = interface {
	CanonicalBytes() []byte
}

func tableName(id ident.RelationId, v ram.Version) string {
	return fmt.Sprintf("%s/%s", id, v)
}

// colIndexer indexes records by one column's canonical byte encoding, so
// Search can resolve a partially-bound tuple via one constrained column's
// index and filter the remainder in Go.
type colIndexer struct {
	col ident.ColId
}

func (c *colIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	r := raw.(*record)
	v, ok := r.cols[c.col]
	if !ok {
		return false, nil, nil
	}
	return true, append(v.CanonicalBytes(), 0), nil
}

func (c *colIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("colIndexer: expected 1 arg, got %d", len(args))
	}
	v, ok := args[0].(tupleValue)
	if !ok {
		return nil, fmt.Errorf("colIndexer: arg is not a canonical value")
	}
	return append(v.CanonicalBytes(), 0), nil
}

type idIndexer struct{}

func (idIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	r := raw.(*record)
	return true, append([]byte(r.key), 0), nil
}

func (idIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("idIndexer: expected 1 arg, got %d", len(args))
	}
	k, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("idIndexer: arg is not a string")
	}
	return append([]byte(k), 0), nil
}

// Store holds every relation's Total/Delta/New partitions for a program.
type Store struct {
	db *memdb.MemDB
}

// NewStore builds a memdb schema with one table per (relation, version) in
// decls, each with a unique "id" index (canonical tuple bytes, for
// duplicate suppression) and one non-unique index per declared column
// (for partial-tuple Search).
func NewStore(decls map[ident.RelationId]*logic.Declaration) (*Store, error) {
	tables := make(map[string]*memdb.TableSchema)

	for id, decl := range decls {
		for _, v := range []ram.Version{ram.Total, ram.Delta, ram.New} {
			indexes := map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: idIndexer{},
				},
			}
			for _, col := range decl.Cols {
				indexes[string(col.Id)] = &memdb.IndexSchema{
					Name:         string(col.Id),
					Unique:       false,
					AllowMissing: true,
					Indexer:      &colIndexer{col: col.Id},
				}
			}
			tables[tableName(id, v)] = &memdb.TableSchema{
				Name:    tableName(id, v),
				Indexes: indexes,
			}
		}
	}

	db, err := memdb.NewMemDB(&memdb.DBSchema{Tables: tables})
	if err != nil {
		return nil, rherr.Wrap(rherr.InternalError, "failed to build relation storage", err)
	}

	return &Store{db: db}, nil
}

// Insert adds t to (relation, version), deduplicating on the tuple's full
// canonical encoding. Returns whether a new tuple was actually inserted.
func (s *Store) Insert(relation ident.RelationId, version ram.Version, t tuple.Tuple) (bool, error) {
	key, err := t.CanonicalKey()
	if err != nil {
		return false, rherr.Wrap(rherr.InternalError, "failed to compute tuple key", err)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableName(relation, version), "id", string(key))
	if err != nil {
		return false, rherr.Wrap(rherr.InternalError, "storage lookup failed", err)
	}
	if existing != nil {
		return false, nil
	}

	cols := make(map[ident.ColId]tupleValue, len(t.Cols))
	for k, v := range t.Cols {
		cols[k] = v
	}

	if err := txn.Insert(tableName(relation, version), &record{key: string(key), cols: cols, t: t}); err != nil {
		return false, rherr.Wrap(rherr.InternalError, "storage insert failed", err)
	}
	txn.Commit()

	return true, nil
}

// MergeInto copies every tuple of (relation, from) into (relation, into),
// deduplicating the same way Insert does.
func (s *Store) MergeInto(relation ident.RelationId, from, into ram.Version) error {
	all, err := s.All(relation, from)
	if err != nil {
		return err
	}
	for _, t := range all {
		if _, err := s.Insert(relation, into, t); err != nil {
			return err
		}
	}
	return nil
}

// Swap exchanges the contents of (relation, left) and (relation, right).
func (s *Store) Swap(relation ident.RelationId, left, right ram.Version) error {
	leftTuples, err := s.All(relation, left)
	if err != nil {
		return err
	}
	rightTuples, err := s.All(relation, right)
	if err != nil {
		return err
	}
	if err := s.Purge(relation, left); err != nil {
		return err
	}
	if err := s.Purge(relation, right); err != nil {
		return err
	}
	for _, t := range rightTuples {
		if _, err := s.Insert(relation, left, t); err != nil {
			return err
		}
	}
	for _, t := range leftTuples {
		if _, err := s.Insert(relation, right, t); err != nil {
			return err
		}
	}
	return nil
}

// Purge empties (relation, version).
func (s *Store) Purge(relation ident.RelationId, version ram.Version) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableName(relation, version), "id"); err != nil {
		return rherr.Wrap(rherr.InternalError, "storage purge failed", err)
	}
	txn.Commit()
	return nil
}

// IsEmpty reports whether (relation, version) has no tuples.
func (s *Store) IsEmpty(relation ident.RelationId, version ram.Version) (bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableName(relation, version), "id")
	if err != nil {
		return false, rherr.Wrap(rherr.InternalError, "storage read failed", err)
	}
	return it.Next() == nil, nil
}

// All returns every tuple currently stored in (relation, version).
func (s *Store) All(relation ident.RelationId, version ram.Version) ([]tuple.Tuple, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableName(relation, version), "id")
	if err != nil {
		return nil, rherr.Wrap(rherr.InternalError, "storage read failed", err)
	}

	var out []tuple.Tuple
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*record).t)
	}
	return out, nil
}

// Search returns every tuple of (relation, version) matching the given
// column constraints, resolving via the index of one constrained column
// (whichever the constraint map yields first; every declared column has an
// index) and filtering any remaining constraints in Go.
func (s *Store) Search(relation ident.RelationId, version ram.Version, constraints map[ident.ColId]tupleValue) ([]tuple.Tuple, error) {
	if len(constraints) == 0 {
		return s.All(relation, version)
	}

	var probeCol ident.ColId
	var probeVal tupleValue
	for c, v := range constraints {
		probeCol, probeVal = c, v
		break
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableName(relation, version), string(probeCol), probeVal)
	if err != nil {
		return nil, rherr.Wrap(rherr.InternalError, "storage search failed", err)
	}

	var out []tuple.Tuple
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(*record)
		if matchesAll(r, constraints) {
			out = append(out, r.t)
		}
	}
	return out, nil
}

func matchesAll(r *record, constraints map[ident.ColId]tupleValue) bool {
	for c, v := range constraints {
		rv, ok := r.cols[c]
		if !ok {
			return false
		}
		a, b := rv.CanonicalBytes(), v.CanonicalBytes()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}
