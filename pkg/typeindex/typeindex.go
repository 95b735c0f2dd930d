// Package typeindex is the per-entity-type registry of indexed
// properties, sort properties, secondary/foreign indexes, and custom
// indexers (component C). A Registry is constructed explicitly per
// resource instance — never a package-level singleton — and populated at
// daemon startup by one configure function per built-in entity type (see
// mail.go, folder.go, event.go, contact.go, addressbook.go).
package typeindex

import (
	"fmt"

	"github.com/loomkit/loomkit/pkg/index"
	"github.com/loomkit/loomkit/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Comparator identifies which filter clause shape a query is asking an
// index to satisfy.
type Comparator uint8

const (
	ComparatorEquals Comparator = iota
	ComparatorIn
)

// Clause describes one property filter a query wants applied, used only
// to decide which index (if any) covers it — the actual filtering logic
// lives in pkg/query.
type Clause struct {
	Property   string
	Comparator Comparator
	Value      types.Value
	Values     []types.Value
}

// CustomIndexer is the escape hatch for derivations that don't fit the
// plain/sorted/secondary shapes (spec's "complex derivations").
type CustomIndexer interface {
	Add(tx *bolt.Tx, uid string, e *types.Entity) error
	Remove(tx *bolt.Tx, uid string, e *types.Entity) error
}

type propertyIndex struct {
	name string
}

type sortedPropertyIndex struct {
	prop     string
	sortProp string
}

type secondaryPropertyIndex struct {
	fromProp string
	toProp   string
}

// PropertyUID is a reserved pseudo-property name standing for an entity's
// own uid, so a secondary index can record <uid> -> <some property> (e.g.
// Folder's "uid -> parent") without requiring the uid to also be stored
// as an ordinary property.
const PropertyUID = "uid"

func propertyValue(e *types.Entity, name string) (types.Value, bool) {
	if name == PropertyUID {
		return types.StringValue(e.UID), true
	}
	return e.Get(name)
}

// TypeDescriptor holds every indexer registered for one entity type.
type TypeDescriptor struct {
	typeName            string
	indexedProperties    []propertyIndex
	sortedProperties     []sortedPropertyIndex
	secondaryProperties  []secondaryPropertyIndex
	customIndexers       []CustomIndexer
}

// AddProperty registers a plain index on a property.
func (d *TypeDescriptor) AddProperty(name string) *TypeDescriptor {
	d.indexedProperties = append(d.indexedProperties, propertyIndex{name: name})
	return d
}

// AddPropertyWithSorting registers a composite index ordering entries by
// prop ascending, then sortProp descending for dates (via
// types.Value.SortableDate).
func (d *TypeDescriptor) AddPropertyWithSorting(prop, sortProp string) *TypeDescriptor {
	d.sortedProperties = append(d.sortedProperties, sortedPropertyIndex{prop: prop, sortProp: sortProp})
	return d
}

// AddSecondaryProperty registers an index recording value(fromProp) ->
// value(toProp), resolvable without loading the full entity — used to
// resolve foreign-key lookups through two hops.
func (d *TypeDescriptor) AddSecondaryProperty(fromProp, toProp string) *TypeDescriptor {
	d.secondaryProperties = append(d.secondaryProperties, secondaryPropertyIndex{fromProp: fromProp, toProp: toProp})
	return d
}

// AddCustomIndexer registers an indexer for derivations the plain/sorted/
// secondary shapes can't express.
func (d *TypeDescriptor) AddCustomIndexer(indexer CustomIndexer) *TypeDescriptor {
	d.customIndexers = append(d.customIndexers, indexer)
	return d
}

func (d *TypeDescriptor) plainIndexName(prop string) string {
	return fmt.Sprintf("%s.index.%s", d.typeName, prop)
}

func (d *TypeDescriptor) sortedIndexName(prop, sortProp string) string {
	return fmt.Sprintf("%s.index.%s.sort.%s", d.typeName, prop, sortProp)
}

func (d *TypeDescriptor) secondaryIndexName(fromProp, toProp string) string {
	return fmt.Sprintf("%s.secondary.%s.%s", d.typeName, fromProp, toProp)
}

// Index applies this type's registered indexers for one committed change.
// old is nil for a fresh Create. When new carries an OperationRemoval
// tombstone only the old entries are removed and nothing is re-added,
// satisfying the "no stale entry from the previous value remains"
// invariant. Modify simply removes every old contribution and re-adds
// from new — correct, if not maximally minimal, and far simpler than
// diffing each property.
func (d *TypeDescriptor) Index(tx *bolt.Tx, uid string, old, new *types.Entity) error {
	if old != nil {
		if err := d.unindex(tx, uid, old); err != nil {
			return err
		}
	}
	if new == nil || new.Metadata.Operation == types.OperationRemoval {
		return nil
	}
	return d.index(tx, uid, new)
}

func (d *TypeDescriptor) index(tx *bolt.Tx, uid string, e *types.Entity) error {
	for _, p := range d.indexedProperties {
		v, ok := e.Get(p.name)
		if !ok {
			continue
		}
		if err := index.Add(tx, d.plainIndexName(p.name), v.Canonical(), []byte(uid)); err != nil {
			return err
		}
	}
	for _, sp := range d.sortedProperties {
		key, ok, err := d.sortedKey(e, sp)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := index.Add(tx, d.sortedIndexName(sp.prop, sp.sortProp), key, []byte(uid)); err != nil {
			return err
		}
	}
	for _, sp := range d.secondaryProperties {
		from, fromOk := propertyValue(e, sp.fromProp)
		to, toOk := propertyValue(e, sp.toProp)
		if !fromOk || !toOk {
			continue
		}
		if err := index.Add(tx, d.secondaryIndexName(sp.fromProp, sp.toProp), from.Canonical(), to.Canonical()); err != nil {
			return err
		}
	}
	for _, ci := range d.customIndexers {
		if err := ci.Add(tx, uid, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *TypeDescriptor) unindex(tx *bolt.Tx, uid string, e *types.Entity) error {
	for _, p := range d.indexedProperties {
		v, ok := e.Get(p.name)
		if !ok {
			continue
		}
		if err := index.Remove(tx, d.plainIndexName(p.name), v.Canonical(), []byte(uid)); err != nil {
			return err
		}
	}
	for _, sp := range d.sortedProperties {
		key, ok, err := d.sortedKey(e, sp)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := index.Remove(tx, d.sortedIndexName(sp.prop, sp.sortProp), key, []byte(uid)); err != nil {
			return err
		}
	}
	for _, sp := range d.secondaryProperties {
		from, fromOk := propertyValue(e, sp.fromProp)
		to, toOk := propertyValue(e, sp.toProp)
		if !fromOk || !toOk {
			continue
		}
		if err := index.Remove(tx, d.secondaryIndexName(sp.fromProp, sp.toProp), from.Canonical(), to.Canonical()); err != nil {
			return err
		}
	}
	for _, ci := range d.customIndexers {
		if err := ci.Remove(tx, uid, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *TypeDescriptor) sortedKey(e *types.Entity, sp sortedPropertyIndex) ([]byte, bool, error) {
	propVal, ok := e.Get(sp.prop)
	if !ok {
		return nil, false, nil
	}
	sortVal, ok := e.Get(sp.sortProp)
	if !ok {
		return nil, false, nil
	}
	sortBytes, err := sortVal.SortableDate()
	if err != nil {
		return nil, false, fmt.Errorf("typeindex: %s.%s: %w", d.typeName, sp.sortProp, err)
	}
	key := make([]byte, 0, len(propVal.Canonical())+len(sortBytes))
	key = append(key, propVal.Canonical()...)
	key = append(key, sortBytes...)
	return key, true, nil
}

// Lookup performs a direct lookup on a plain index, calling fn for every
// matching uid until fn returns false.
func (d *TypeDescriptor) Lookup(tx *bolt.Tx, prop string, value types.Value, fn func(uid string) bool) error {
	return index.Lookup(tx, d.plainIndexName(prop), value.Canonical(), func(uid []byte) bool {
		return fn(string(uid))
	})
}

// ResolveSecondary performs the two-hop resolution described by spec's
// secondary-property contract: given a value of fromProp, returns the
// corresponding value of toProp without loading the owning entity.
func (d *TypeDescriptor) ResolveSecondary(tx *bolt.Tx, fromProp, toProp string, fromValue types.Value) (types.Value, bool, error) {
	var result types.Value
	found := false
	err := index.Lookup(tx, d.secondaryIndexName(fromProp, toProp), fromValue.Canonical(), func(toBytes []byte) bool {
		result = types.StringValue(string(toBytes))
		found = true
		return false
	})
	return result, found, err
}

// IndexPlan describes which registered index a query should iterate, and
// which of its requested filter/sort clauses that index already satisfies.
type IndexPlan struct {
	IndexName      string
	Sorted         bool
	CoversProperty string
	CoversSort     bool
}

// SelectIndex returns the first registered sorted index whose sort
// property is sortProp and whose property has an Equals/In filter, else
// the first plain index with an Equals/In filter (filters tried in
// order). Candidate indexes are not ranked by selectivity. ok is false
// when nothing registered covers any clause and the query engine must
// fall back to a full scan.
func (d *TypeDescriptor) SelectIndex(filters []Clause, sortProp string) (IndexPlan, bool) {
	if sortProp != "" {
		for _, sp := range d.sortedProperties {
			if sp.sortProp != sortProp {
				continue
			}
			for _, f := range filters {
				if f.Property != sp.prop {
					continue
				}
				if f.Comparator == ComparatorEquals || f.Comparator == ComparatorIn {
					return IndexPlan{
						IndexName:      d.sortedIndexName(sp.prop, sp.sortProp),
						Sorted:         true,
						CoversProperty: sp.prop,
						CoversSort:     true,
					}, true
				}
			}
		}
	}
	for _, f := range filters {
		if f.Comparator != ComparatorEquals && f.Comparator != ComparatorIn {
			continue
		}
		for _, p := range d.indexedProperties {
			if p.name == f.Property {
				return IndexPlan{IndexName: d.plainIndexName(p.name), CoversProperty: p.name}, true
			}
		}
	}
	return IndexPlan{}, false
}

// Registry maps entity type name to its TypeDescriptor. Constructed
// explicitly per resource instance.
type Registry struct {
	descriptors map[string]*TypeDescriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*TypeDescriptor)}
}

// Register creates (or returns the existing) TypeDescriptor for typeName,
// ready for AddProperty/AddPropertyWithSorting/... chaining.
func (r *Registry) Register(typeName string) *TypeDescriptor {
	if d, ok := r.descriptors[typeName]; ok {
		return d
	}
	d := &TypeDescriptor{typeName: typeName}
	r.descriptors[typeName] = d
	return d
}

// Get returns the TypeDescriptor registered for typeName, if any.
func (r *Registry) Get(typeName string) (*TypeDescriptor, bool) {
	d, ok := r.descriptors[typeName]
	return d, ok
}
