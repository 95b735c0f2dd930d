// Package resourceconfig is the facade-side configuration store named in
// spec.md §6: a small, separate-from-any-EntityStore record of which
// resources a facade knows about, keyed by an opaque identifier and
// carrying a type name plus a property bag (account credentials, sync
// roots, display name, whatever a given resource type needs). Grounded
// on the teacher's pkg/storage bbolt-open-with-buckets idiom for the
// storage half, and pkg/events.Broker (via pkg/broker) for change
// notification.
package resourceconfig

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/loomkit/loomkit/pkg/broker"
	"github.com/loomkit/loomkit/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("facade_config")

// ChangeOperation classifies one Change event.
type ChangeOperation uint8

const (
	ChangeAdded ChangeOperation = iota
	ChangeModified
	ChangeRemoved
)

func (o ChangeOperation) String() string {
	switch o {
	case ChangeAdded:
		return "Added"
	case ChangeModified:
		return "Modified"
	case ChangeRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Entry is one configured resource: its identifier, domain type, and the
// property bag describing how to reach and authenticate to it.
type Entry struct {
	Identifier string
	TypeName   string
	Properties types.PropertyBag
}

type wireEntry struct {
	TypeName   string             `json:"typeName"`
	Properties types.PropertyBag `json:"properties"`
}

// Change is one notification delivered to subscribers after Add, Modify,
// or Remove commits.
type Change struct {
	Identifier string
	TypeName   string
	Properties types.PropertyBag
	Operation  ChangeOperation
}

// Store is the facade configuration store: one bbolt database, separate
// from any resource's EntityStore, mapping identifier to (typeName,
// propertyBag).
type Store struct {
	db      *bolt.DB
	changes *broker.Broker[Change]
}

// Open opens (creating if necessary) the configuration database under
// storageRoot.
func Open(storageRoot string) (*Store, error) {
	dbPath := filepath.Join(storageRoot, "resourceconfig.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("resourceconfig: open %s: %w", dbPath, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("resourceconfig: create bucket: %w", err)
	}

	changes := broker.New[Change](32, 16)
	changes.Start()

	return &Store{db: db, changes: changes}, nil
}

// Close releases the store's database handle and stops its change broker.
func (s *Store) Close() error {
	s.changes.Stop()
	return s.db.Close()
}

// Changes returns the broker Add/Modify/Remove events are published on.
func (s *Store) Changes() *broker.Broker[Change] { return s.changes }

// Add registers a new resource entry under identifier. It fails with
// ErrAlreadyExists if identifier is already registered.
func (s *Store) Add(identifier, typeName string, properties types.PropertyBag) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b.Get([]byte(identifier)) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(wireEntry{TypeName: typeName, Properties: properties})
		if err != nil {
			return fmt.Errorf("resourceconfig: encode entry: %w", err)
		}
		return b.Put([]byte(identifier), data)
	})
	if err != nil {
		return err
	}
	s.changes.Publish(Change{Identifier: identifier, TypeName: typeName, Properties: properties, Operation: ChangeAdded})
	return nil
}

// Modify replaces the property bag of an existing entry. It fails with
// ErrNotFound if identifier isn't registered.
func (s *Store) Modify(identifier string, properties types.PropertyBag) error {
	var typeName string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(identifier))
		if data == nil {
			return ErrNotFound
		}
		var existing wireEntry
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("resourceconfig: decode entry: %w", err)
		}
		typeName = existing.TypeName
		encoded, err := json.Marshal(wireEntry{TypeName: existing.TypeName, Properties: properties})
		if err != nil {
			return fmt.Errorf("resourceconfig: encode entry: %w", err)
		}
		return b.Put([]byte(identifier), encoded)
	})
	if err != nil {
		return err
	}
	s.changes.Publish(Change{Identifier: identifier, TypeName: typeName, Properties: properties, Operation: ChangeModified})
	return nil
}

// Remove deletes an entry. It fails with ErrNotFound if identifier isn't
// registered.
func (s *Store) Remove(identifier string) error {
	var typeName string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(identifier))
		if data == nil {
			return ErrNotFound
		}
		var existing wireEntry
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("resourceconfig: decode entry: %w", err)
		}
		typeName = existing.TypeName
		return b.Delete([]byte(identifier))
	})
	if err != nil {
		return err
	}
	s.changes.Publish(Change{Identifier: identifier, TypeName: typeName, Operation: ChangeRemoved})
	return nil
}

// Get returns the entry registered under identifier.
func (s *Store) Get(identifier string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(identifier))
		if data == nil {
			return ErrNotFound
		}
		var wire wireEntry
		if err := json.Unmarshal(data, &wire); err != nil {
			return fmt.Errorf("resourceconfig: decode entry: %w", err)
		}
		entry = &Entry{Identifier: identifier, TypeName: wire.TypeName, Properties: wire.Properties}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns every registered entry.
func (s *Store) List() ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(k, v []byte) error {
			var wire wireEntry
			if err := json.Unmarshal(v, &wire); err != nil {
				return fmt.Errorf("resourceconfig: decode entry %s: %w", k, err)
			}
			entries = append(entries, &Entry{Identifier: string(k), TypeName: wire.TypeName, Properties: wire.Properties})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
