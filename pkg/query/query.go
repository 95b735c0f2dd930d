// Package query compiles a declarative Query into a chain of pull nodes
// over an index- or scan-sourced candidate set, and exposes both a full
// execute() and an incremental update(baseRevision) (component E).
package query

import (
	"fmt"

	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/metrics"
	"github.com/loomkit/loomkit/pkg/types"
	"github.com/loomkit/loomkit/pkg/typeindex"
)

// Comparator identifies which comparison a Filter clause applies.
type Comparator uint8

const (
	Equals Comparator = iota
	In
	Contains
	GreaterThan
	LessThan
)

// Filter is one property clause in a compiled Query.
type Filter struct {
	Property   string
	Comparator Comparator
	Value      types.Value
	Values     []types.Value
}

// Query is the declarative description compiled into a Plan: an entity
// type, a set of property filters, an optional sort property, an optional
// parent property for tree queries, the properties to hydrate (nil means
// all), and whether it stays live for incremental update() calls.
type Query struct {
	Type                string
	Filters             []Filter
	SortProperty        string
	ParentProperty       string
	RequestedProperties []string
	LiveQuery           bool
}

// Status classifies one incremental change an update() call reports.
type Status uint8

const (
	StatusAdded Status = iota
	StatusModified
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "Added"
	case StatusModified:
		return "Modified"
	case StatusRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Update is one incremental result from Plan.Update.
type Update struct {
	UID    string
	Entity *types.Entity
	Status Status
}

// node is a pull source in the compiled chain: next returns one uid at a
// time, lazily, until the chain is exhausted.
type node interface {
	next(tx entitystore.Tx) (uid string, ok bool, err error)
}

// Plan is a compiled Query, ready to execute() or incrementally update().
type Plan struct {
	query    Query
	root     node
	uncovered []Filter
	seen     map[string]struct{}
}

// Compile builds a Plan for query against registry's type descriptors.
// It prefers a covering index (chosen by typeindex.SelectIndex) and falls
// back to a full scan of the type's main database when no registered
// index satisfies any Equals/In clause.
func Compile(q Query, registry *typeindex.Registry) (*Plan, error) {
	descriptor, ok := registry.Get(q.Type)
	if !ok {
		metrics.QueryIndexSelectedTotal.WithLabelValues(q.Type, "scan").Inc()
		return &Plan{query: q, root: &tableScanNode{typeName: q.Type}, uncovered: q.Filters, seen: map[string]struct{}{}}, nil
	}

	clauses := make([]typeindex.Clause, 0, len(q.Filters))
	for _, f := range q.Filters {
		switch f.Comparator {
		case Equals:
			clauses = append(clauses, typeindex.Clause{Property: f.Property, Comparator: typeindex.ComparatorEquals, Value: f.Value})
		case In:
			clauses = append(clauses, typeindex.Clause{Property: f.Property, Comparator: typeindex.ComparatorIn, Values: f.Values})
		}
	}

	plan, ok := descriptor.SelectIndex(clauses, q.SortProperty)
	if !ok {
		metrics.QueryIndexSelectedTotal.WithLabelValues(q.Type, "scan").Inc()
		return &Plan{query: q, root: &tableScanNode{typeName: q.Type}, uncovered: q.Filters, seen: map[string]struct{}{}}, nil
	}

	var root node
	if plan.Sorted {
		root = &indexSourceNode{indexName: plan.IndexName, sorted: true, ranges: coveringRangeBounds(q.Filters, plan.CoversProperty)}
	} else {
		root = &indexSourceNode{indexName: plan.IndexName, keys: coveringKeyBytes(q.Filters, plan.CoversProperty)}
	}

	uncovered := make([]Filter, 0, len(q.Filters))
	for _, f := range q.Filters {
		// A plain index lookup matches its key exactly, so its clause is
		// already enforced. A sorted range [key, key+1) also admits values
		// that merely start with key, so that clause is still post-filtered.
		if !plan.Sorted && f.Property == plan.CoversProperty && (f.Comparator == Equals || f.Comparator == In) {
			continue
		}
		uncovered = append(uncovered, f)
	}

	metrics.QueryIndexSelectedTotal.WithLabelValues(q.Type, "index").Inc()
	return &Plan{query: q, root: root, uncovered: uncovered, seen: map[string]struct{}{}}, nil
}

// coveringKeyBytes returns the lookup keys the index-covered filter on
// property contributes: one key for Equals, one per value for In.
func coveringKeyBytes(filters []Filter, property string) [][]byte {
	for _, f := range filters {
		if f.Property != property {
			continue
		}
		switch f.Comparator {
		case Equals:
			return [][]byte{f.Value.Canonical()}
		case In:
			keys := make([][]byte, len(f.Values))
			for i, v := range f.Values {
				keys[i] = v.Canonical()
			}
			return keys
		}
	}
	return nil
}

// coveringRangeBounds returns the sorted-index ranges the index-covered
// filter on property contributes: one [key, key+1) range for Equals, one
// per value for In, unioned by the caller in order.
func coveringRangeBounds(filters []Filter, property string) []indexRange {
	keys := coveringKeyBytes(filters, property)
	ranges := make([]indexRange, 0, len(keys))
	for _, key := range keys {
		upper := make([]byte, len(key))
		copy(upper, key)
		ranges = append(ranges, indexRange{lowerBound: key, upperBound: incrementLastByte(upper)})
	}
	return ranges
}

func incrementLastByte(b []byte) []byte {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out
		}
		out[i] = 0
	}
	return append(out, 0x01)
}

// matches reports whether e satisfies every one of the plan's uncovered
// filter clauses — the post-filtering step applied after the source (and
// any index-covered clause) has narrowed the candidate set.
func (p *Plan) matches(e *types.Entity) bool {
	for _, f := range p.uncovered {
		if !matchesFilter(e, f) {
			return false
		}
	}
	return true
}

func matchesFilter(e *types.Entity, f Filter) bool {
	v, ok := e.Get(f.Property)
	if !ok {
		return false
	}
	switch f.Comparator {
	case Equals:
		return v.Equal(f.Value)
	case In:
		for _, candidate := range f.Values {
			if v.Equal(candidate) {
				return true
			}
		}
		return false
	case Contains:
		for _, item := range v.AsList() {
			if item.Equal(f.Value) {
				return true
			}
		}
		return false
	case GreaterThan:
		return compareValues(v, f.Value) > 0
	case LessThan:
		return compareValues(v, f.Value) < 0
	default:
		return false
	}
}

// compareValues orders dates chronologically and everything else by its
// canonical byte encoding, which is the same order the disk indexes use.
func compareValues(a, b types.Value) int {
	if a.Kind() == types.KindDate && b.Kind() == types.KindDate {
		switch {
		case a.AsDate().Before(b.AsDate()):
			return -1
		case a.AsDate().After(b.AsDate()):
			return 1
		default:
			return 0
		}
	}
	ab, bb := a.Canonical(), b.Canonical()
	for i := 0; i < len(ab) && i < len(bb); i++ {
		if ab[i] != bb[i] {
			if ab[i] < bb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ab) < len(bb):
		return -1
	case len(ab) > len(bb):
		return 1
	default:
		return 0
	}
}

// Execute runs the full compiled chain and returns every currently
// matching entity, seeding the Plan's seen-set so a later Update call can
// tell Added from Modified.
func (p *Plan) Execute(tx entitystore.Tx) ([]*types.Entity, error) {
	timer := metrics.NewTimer()
	var results []*types.Entity
	for {
		uid, ok, err := p.root.next(tx)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		if !ok {
			break
		}
		entity, err := entitystore.FindLatest(tx, p.query.Type, uid)
		if entitystore.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		if !p.matches(entity) {
			continue
		}
		entity = hydrate(entity, p.query.RequestedProperties)
		p.seen[uid] = struct{}{}
		results = append(results, entity)
	}
	timer.ObserveDurationVec(metrics.QueryExecuteDuration, p.query.Type)
	metrics.QueryResultSetSize.WithLabelValues(p.query.Type).Observe(float64(len(results)))
	return results, nil
}

func hydrate(e *types.Entity, requested []string) *types.Entity {
	if len(requested) == 0 {
		return e
	}
	out := e.Clone()
	bag := types.PropertyBag{}
	for _, name := range requested {
		if v, ok := out.Properties[name]; ok {
			bag[name] = v
		}
	}
	out.Properties = bag
	return out
}

// Update reports every entity of the query's type touched since
// baseRevision that is or was in the result set, tagged Added, Modified,
// or Removed based on whether the uid was in the Plan's previously-seen
// set. Updates are ordered by each uid's latest revision, oldest first.
func (p *Plan) Update(tx entitystore.Tx, baseRevision uint64) ([]Update, error) {
	var touched []string
	err := entitystore.RevisionsSince(tx, baseRevision, func(revision uint64, typeName, uid string) error {
		if typeName == p.query.Type {
			touched = append(touched, uid)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	latest := make(map[string]int, len(touched))
	for i, uid := range touched {
		latest[uid] = i
	}

	var updates []Update
	for i, uid := range touched {
		if latest[uid] != i {
			continue
		}
		entity, err := entitystore.FindLatest(tx, p.query.Type, uid)
		_, wasSeen := p.seen[uid]

		if entitystore.IsNotFound(err) {
			if wasSeen {
				updates = append(updates, Update{UID: uid, Status: StatusRemoved})
				delete(p.seen, uid)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}

		if !p.matches(entity) {
			if wasSeen {
				updates = append(updates, Update{UID: uid, Status: StatusRemoved})
				delete(p.seen, uid)
			}
			continue
		}

		entity = hydrate(entity, p.query.RequestedProperties)
		if wasSeen {
			updates = append(updates, Update{UID: uid, Entity: entity, Status: StatusModified})
		} else {
			updates = append(updates, Update{UID: uid, Entity: entity, Status: StatusAdded})
			p.seen[uid] = struct{}{}
		}
	}
	return updates, nil
}

// ExecuteSubquery evaluates a nested query eagerly into a uid set, used to
// resolve foreign-key filters (e.g. "mails whose folder is in the result
// of this folder subquery").
func ExecuteSubquery(tx entitystore.Tx, q Query, registry *typeindex.Registry) (map[string]struct{}, error) {
	plan, err := Compile(q, registry)
	if err != nil {
		return nil, err
	}
	entities, err := plan.Execute(tx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		out[e.UID] = struct{}{}
	}
	return out, nil
}
