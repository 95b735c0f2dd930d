package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// The wire format for entities and commands is treated as opaque by the
// rest of the core (spec.md §1: "the serialized binary record format —
// treated as an opaque byte buffer with named property accessors"); only
// the outer IPC frame header has a mandated binary layout (see
// pkg/resourceaccess). Internally this module serializes with
// encoding/json, the same codec the storage layer below it already uses
// for every other on-disk record.

type wireValue struct {
	Kind string    `json:"kind"`
	Byte []byte    `json:"bytes,omitempty"`
	Str  string    `json:"str,omitempty"`
	Int  int64     `json:"int,omitempty"`
	Date time.Time `json:"date,omitempty"`
	Ref  string    `json:"ref,omitempty"`
	List []Value   `json:"list,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	switch v.kind {
	case KindBytes:
		w.Byte = v.bytes
	case KindString:
		w.Str = v.str
	case KindInt:
		w.Int = v.num
	case KindDate:
		w.Date = v.date
	case KindReference:
		w.Ref = v.ref
	case KindList:
		w.List = v.list
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("types: decode value: %w", err)
	}
	switch w.Kind {
	case "bytes":
		*v = BytesValue(w.Byte)
	case "string":
		*v = StringValue(w.Str)
	case "int":
		*v = IntValue(w.Int)
	case "date":
		*v = DateValue(w.Date)
	case "reference":
		*v = ReferenceValue(w.Ref)
	case "list":
		*v = ListValue(w.List...)
	default:
		return fmt.Errorf("types: unknown value kind %q", w.Kind)
	}
	return nil
}

type wireEntity struct {
	UID                string     `json:"uid"`
	Type               string     `json:"type"`
	Properties         PropertyBag `json:"properties"`
	Revision           uint64     `json:"revision"`
	Operation          string     `json:"operation"`
	ReplayToSource     bool       `json:"replay_to_source"`
	ModifiedProperties []string   `json:"modified_properties,omitempty"`
}

func operationName(op Operation) string {
	switch op {
	case OperationCreation:
		return "creation"
	case OperationModification:
		return "modification"
	case OperationRemoval:
		return "removal"
	default:
		return "creation"
	}
}

func parseOperation(s string) (Operation, error) {
	switch s {
	case "creation":
		return OperationCreation, nil
	case "modification":
		return OperationModification, nil
	case "removal":
		return OperationRemoval, nil
	default:
		return 0, fmt.Errorf("types: unknown operation %q", s)
	}
}

// EncodeEntity serializes an entity (properties + metadata) to its stored
// wire form.
func EncodeEntity(e *Entity) ([]byte, error) {
	modified := make([]string, 0, len(e.Metadata.ModifiedProperties))
	for name := range e.Metadata.ModifiedProperties {
		modified = append(modified, name)
	}
	w := wireEntity{
		UID:                e.UID,
		Type:               e.Type,
		Properties:         e.Properties,
		Revision:           e.Metadata.Revision,
		Operation:          operationName(e.Metadata.Operation),
		ReplayToSource:     e.Metadata.ReplayToSource,
		ModifiedProperties: modified,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("types: encode entity %s: %w", e.UID, err)
	}
	return data, nil
}

// DecodeEntity parses a stored entity record back into an Entity.
func DecodeEntity(data []byte) (*Entity, error) {
	var w wireEntity
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("types: decode entity: %w", err)
	}
	op, err := parseOperation(w.Operation)
	if err != nil {
		return nil, err
	}
	modified := make(map[string]struct{}, len(w.ModifiedProperties))
	for _, name := range w.ModifiedProperties {
		modified[name] = struct{}{}
	}
	props := w.Properties
	if props == nil {
		props = PropertyBag{}
	}
	return &Entity{
		UID:        w.UID,
		Type:       w.Type,
		Properties: props,
		Metadata: Metadata{
			Revision:           w.Revision,
			Operation:          op,
			ReplayToSource:     w.ReplayToSource,
			ModifiedProperties: modified,
		},
	}, nil
}

type wireCommand struct {
	Kind   string               `json:"kind"`
	Create *CreateEntityCommand `json:"create,omitempty"`
	Modify *ModifyEntityCommand `json:"modify,omitempty"`
	Delete *DeleteEntityCommand `json:"delete,omitempty"`
}

// EncodeCommand serializes a Command to its wire form (the opaque payload
// carried inside a resourceaccess frame).
func EncodeCommand(cmd Command) ([]byte, error) {
	w := wireCommand{Kind: cmd.Kind.String(), Create: cmd.Create, Modify: cmd.Modify, Delete: cmd.Delete}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("types: encode command: %w", err)
	}
	return data, nil
}

// DecodeCommand parses a wire payload into a Command. A structurally
// invalid buffer is reported as an error without side effects, so the
// caller (the pipeline) can drop the command per spec.md §7's
// InvalidBuffer handling.
func DecodeCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return Command{}, fmt.Errorf("types: decode command: %w", err)
	}
	switch w.Kind {
	case "CreateEntity":
		if w.Create == nil {
			return Command{}, fmt.Errorf("types: CreateEntity command missing payload")
		}
		return Command{Kind: CommandCreateEntity, Create: w.Create}, nil
	case "ModifyEntity":
		if w.Modify == nil {
			return Command{}, fmt.Errorf("types: ModifyEntity command missing payload")
		}
		return Command{Kind: CommandModifyEntity, Modify: w.Modify}, nil
	case "DeleteEntity":
		if w.Delete == nil {
			return Command{}, fmt.Errorf("types: DeleteEntity command missing payload")
		}
		return Command{Kind: CommandDeleteEntity, Delete: w.Delete}, nil
	default:
		return Command{}, fmt.Errorf("types: unknown command kind %q", w.Kind)
	}
}
