package types

// PropertyBag is the dynamic property store an Entity carries: a map keyed
// by property name rather than a static record layout. Schema (which
// properties are indexed, sorted, or validated) lives in the typeindex
// registry, not here.
type PropertyBag map[string]Value

// Clone returns a deep-enough copy safe to mutate independently; Value
// itself is immutable once constructed, so only the map needs copying.
func (b PropertyBag) Clone() PropertyBag {
	if b == nil {
		return PropertyBag{}
	}
	out := make(PropertyBag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Apply overlays modified properties onto the bag and clears any listed in
// deletions, returning a new bag. Used by the pipeline's materialize step
// (spec step 3: apply modifiedProperties from the delta, clear deletions).
func (b PropertyBag) Apply(modified PropertyBag, deletions []string) PropertyBag {
	out := b.Clone()
	for _, name := range deletions {
		delete(out, name)
	}
	for k, v := range modified {
		out[k] = v
	}
	return out
}

// Operation classifies the mutation that produced a stored revision.
type Operation uint8

const (
	OperationCreation Operation = iota
	OperationModification
	OperationRemoval
)

func (o Operation) String() string {
	switch o {
	case OperationCreation:
		return "creation"
	case OperationModification:
		return "modification"
	case OperationRemoval:
		return "removal"
	default:
		return "unknown"
	}
}

// Metadata is embedded in every stored record per spec.md §3.
type Metadata struct {
	Revision           uint64
	Operation          Operation
	ReplayToSource     bool
	ModifiedProperties map[string]struct{}
}

// HasModified reports whether the given property was changed by the
// command that produced this revision.
func (m Metadata) HasModified(name string) bool {
	_, ok := m.ModifiedProperties[name]
	return ok
}

// Entity is an opaque, typed record identified by a stable UID. Type
// determines which TypeDescriptor governs its indexed/sorted properties.
type Entity struct {
	UID        string
	Type       string
	Properties PropertyBag
	Metadata   Metadata
}

// Get returns the named property, or the zero Value and false if absent.
func (e *Entity) Get(name string) (Value, bool) {
	if e == nil || e.Properties == nil {
		return Value{}, false
	}
	v, ok := e.Properties[name]
	return v, ok
}

// Clone returns a deep-enough copy of the entity, safe to mutate
// independently of the original (used when the pipeline materializes a new
// revision from the latest stored one).
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	modified := make(map[string]struct{}, len(e.Metadata.ModifiedProperties))
	for k := range e.Metadata.ModifiedProperties {
		modified[k] = struct{}{}
	}
	return &Entity{
		UID:        e.UID,
		Type:       e.Type,
		Properties: e.Properties.Clone(),
		Metadata: Metadata{
			Revision:           e.Metadata.Revision,
			Operation:          e.Metadata.Operation,
			ReplayToSource:     e.Metadata.ReplayToSource,
			ModifiedProperties: modified,
		},
	}
}

// Known entity type names. The set is open-ended in practice (any caller
// can register a new TypeDescriptor under a new name) but these are the
// built-in types this module ships schemas for.
const (
	TypeMail        = "Mail"
	TypeFolder      = "Folder"
	TypeEvent       = "Event"
	TypeContact     = "Contact"
	TypeAddressbook = "Addressbook"
)
