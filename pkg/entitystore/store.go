// Package entitystore is the revisioned, append-only per-resource entity
// store (component A). One Store owns one *bbolt.DB file per resource
// instance; every write lands a new revision rather than overwriting the
// previous one, and a small set of bookkeeping buckets let the rest of the
// core ask "what's the latest revision of uid X" or "what changed since
// revision N" in a single lookup.
package entitystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loomkit/loomkit/pkg/log"
	"github.com/loomkit/loomkit/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Tx names the ambient bbolt transaction type this package and its
// callers (pipeline, query) pass around, so call sites read in terms of
// the store's own vocabulary rather than the underlying engine's.
type Tx = *bolt.Tx

// maxReopenAttempts bounds how many times Open retries against a database
// that bbolt reports as unreadable before giving up with
// ErrCorruptDatabase, per the Open Question decision recorded in
// SPEC_FULL.md (three attempts, no infinite retry).
const maxReopenAttempts = 3

// Store is a revisioned entity store backed by one bbolt file.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if absent) the bbolt database for a resource
// instance at <storageRoot>/<instanceID>/entities.db, retrying up to
// maxReopenAttempts times if bbolt reports the file as unreadable.
func Open(storageRoot, instanceID string) (*Store, error) {
	dir := filepath.Join(storageRoot, instanceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create instance dir %s: %v", ErrIoError, dir, err)
	}
	path := filepath.Join(dir, "entities.db")

	var (
		db       *bolt.DB
		openErr  error
	)
	for attempt := 1; attempt <= maxReopenAttempts; attempt++ {
		db, openErr = bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
		if openErr == nil {
			break
		}
		log.Logger.Warn().Err(openErr).Str("path", path).Int("attempt", attempt).Msg("entitystore: reopen attempt failed")
	}
	if openErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptDatabase, path, openErr)
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLatest, bucketRevisions, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initialize buckets: %v", ErrIoError, err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn inside a read-only bbolt transaction. fn's own error (which
// may already be one of this package's sentinel errors) is returned
// unchanged.
func (s *Store) View(fn func(tx *bolt.Tx) error) error {
	return s.db.View(fn)
}

// Update runs fn inside a read-write bbolt transaction.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		return err
	}
	return nil
}

// typeBucket fetches or lazily creates the bucket holding a type's rows.
func typeBucket(tx *bolt.Tx, typeName string) (*bolt.Bucket, error) {
	name := typeBucketName(typeName)
	b := tx.Bucket(name)
	if b != nil {
		return b, nil
	}
	b, err := tx.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, fmt.Errorf("%w: create type bucket %s: %v", ErrIoError, typeName, err)
	}
	return b, nil
}

// Write appends a new revision row for e.UID under e.Type, using the
// revision already set on e.Metadata.Revision (the pipeline assigns it via
// NextRevision before calling Write), and updates the __latest and
// __revisions bookkeeping buckets in the same transaction.
func Write(tx *bolt.Tx, e *types.Entity) error {
	tb, err := typeBucket(tx, e.Type)
	if err != nil {
		return err
	}
	data, err := types.EncodeEntity(e)
	if err != nil {
		return fmt.Errorf("entitystore: encode %s: %w", e.UID, err)
	}
	if err := tb.Put(assembleKey(e.UID, e.Metadata.Revision), data); err != nil {
		return fmt.Errorf("%w: put row: %v", ErrIoError, err)
	}

	latest, err := bucketOrErr(tx, bucketLatest)
	if err != nil {
		return err
	}
	if err := latest.Put(assembleLatestKey(e.Type, e.UID), encodeRevision(e.Metadata.Revision)); err != nil {
		return fmt.Errorf("%w: update latest pointer: %v", ErrIoError, err)
	}

	revisions, err := bucketOrErr(tx, bucketRevisions)
	if err != nil {
		return err
	}
	if err := revisions.Put(encodeRevision(e.Metadata.Revision), assembleRevisionValue(e.Type, e.UID)); err != nil {
		return fmt.Errorf("%w: index revision: %v", ErrIoError, err)
	}
	return nil
}

func bucketOrErr(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%w: missing bucket %s", ErrCorruptDatabase, name)
	}
	return b, nil
}

// FindLatest returns the most recent revision of uid within typeName. It
// reports ErrNotFound both when the uid was never written and when its tip
// revision is a removal tombstone.
func FindLatest(tx *bolt.Tx, typeName, uid string) (*types.Entity, error) {
	latest := tx.Bucket(bucketLatest)
	if latest == nil {
		return nil, fmt.Errorf("%w: missing __latest bucket", ErrCorruptDatabase)
	}
	revBytes := latest.Get(assembleLatestKey(typeName, uid))
	if revBytes == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typeName, uid)
	}
	revision, err := decodeRevision(revBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
	}

	tb := tx.Bucket(typeBucketName(typeName))
	if tb == nil {
		return nil, fmt.Errorf("%w: missing type bucket %s", ErrCorruptDatabase, typeName)
	}
	data := tb.Get(assembleKey(uid, revision))
	if data == nil {
		return nil, fmt.Errorf("%w: dangling latest pointer for %s/%s@%d", ErrCorruptDatabase, typeName, uid, revision)
	}
	entity, err := types.DecodeEntity(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
	}
	if entity.Metadata.Operation == types.OperationRemoval {
		return nil, fmt.Errorf("%w: %s/%s is removed", ErrNotFound, typeName, uid)
	}
	return entity, nil
}

// Exists reports whether uid has any stored revision (removed or not),
// which the pipeline uses to decide between create/reopen/conflict.
func Exists(tx *bolt.Tx, typeName, uid string) bool {
	latest := tx.Bucket(bucketLatest)
	if latest == nil {
		return false
	}
	return latest.Get(assembleLatestKey(typeName, uid)) != nil
}

// Scan calls fn once for every uid's current tip revision within typeName,
// skipping removal tombstones. Used by the query engine's table-scan
// source when no usable index exists for a predicate.
func Scan(tx *bolt.Tx, typeName string, fn func(*types.Entity) error) error {
	latest := tx.Bucket(bucketLatest)
	if latest == nil {
		return fmt.Errorf("%w: missing __latest bucket", ErrCorruptDatabase)
	}
	tb := tx.Bucket(typeBucketName(typeName))
	if tb == nil {
		return nil // no rows ever written for this type
	}

	prefix := append(typeBucketName(typeName)[len("type:"):], 0x00)
	c := latest.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		revision, err := decodeRevision(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
		}
		_, uid, err := splitLatestKey(k)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
		}
		data := tb.Get(assembleKey(uid, revision))
		if data == nil {
			return fmt.Errorf("%w: dangling latest pointer for %s/%s@%d", ErrCorruptDatabase, typeName, uid, revision)
		}
		entity, err := types.DecodeEntity(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
		}
		if entity.Metadata.Operation == types.OperationRemoval {
			continue
		}
		if err := fn(entity); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// NextRevision atomically reserves the next global revision number for
// this store.
func NextRevision(tx *bolt.Tx) (uint64, error) {
	counters, err := bucketOrErr(tx, bucketCounters)
	if err != nil {
		return 0, err
	}
	current, err := counterValue(counters, counterMaxRevision)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := counters.Put(counterMaxRevision, encodeRevision(next)); err != nil {
		return 0, fmt.Errorf("%w: advance maxRevision: %v", ErrIoError, err)
	}
	return next, nil
}

// MaxRevision returns the most recently assigned revision number, 0 if
// none has ever been assigned.
func MaxRevision(tx *bolt.Tx) (uint64, error) {
	counters, err := bucketOrErr(tx, bucketCounters)
	if err != nil {
		return 0, err
	}
	return counterValue(counters, counterMaxRevision)
}

// CleanedUpRevision returns the highest revision number the cleanup loop
// has already compacted through.
func CleanedUpRevision(tx *bolt.Tx) (uint64, error) {
	counters, err := bucketOrErr(tx, bucketCounters)
	if err != nil {
		return 0, err
	}
	return counterValue(counters, counterCleanedUpRevison)
}

// SetCleanedUpRevision records how far the cleanup loop has compacted.
func SetCleanedUpRevision(tx *bolt.Tx, revision uint64) error {
	counters, err := bucketOrErr(tx, bucketCounters)
	if err != nil {
		return err
	}
	if err := counters.Put(counterCleanedUpRevison, encodeRevision(revision)); err != nil {
		return fmt.Errorf("%w: set cleanedUpRevision: %v", ErrIoError, err)
	}
	return nil
}

func counterValue(b *bolt.Bucket, key []byte) (uint64, error) {
	v := b.Get(key)
	if v == nil {
		return 0, nil
	}
	return decodeRevision(v)
}

// GetUidFromRevision and GetTypeFromRevision answer "what entity did
// revision N touch", used by the pipeline's cleanup loop to find the uid
// behind each revision it compacts.
func GetUidFromRevision(tx *bolt.Tx, revision uint64) (string, error) {
	_, uid, err := lookupRevision(tx, revision)
	return uid, err
}

func GetTypeFromRevision(tx *bolt.Tx, revision uint64) (string, error) {
	typeName, _, err := lookupRevision(tx, revision)
	return typeName, err
}

func lookupRevision(tx *bolt.Tx, revision uint64) (typeName, uid string, err error) {
	revisions, err := bucketOrErr(tx, bucketRevisions)
	if err != nil {
		return "", "", err
	}
	val := revisions.Get(encodeRevision(revision))
	if val == nil {
		return "", "", fmt.Errorf("%w: revision %d", ErrNotFound, revision)
	}
	return splitRevisionValue(val)
}

// RevisionsSince calls fn for every revision number greater than
// baseRevision, in ascending order, until fn returns an error or the
// revisions are exhausted. Used by the query engine's incremental
// update(baseRevision).
func RevisionsSince(tx *bolt.Tx, baseRevision uint64, fn func(revision uint64, typeName, uid string) error) error {
	revisions, err := bucketOrErr(tx, bucketRevisions)
	if err != nil {
		return err
	}
	c := revisions.Cursor()
	seekKey := encodeRevision(baseRevision + 1)
	for k, v := c.Seek(seekKey); k != nil; k, v = c.Next() {
		revision, err := decodeRevision(k)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
		}
		typeName, uid, err := splitRevisionValue(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
		}
		if err := fn(revision, typeName, uid); err != nil {
			return err
		}
	}
	return nil
}

// IsNotFound reports whether err wraps ErrNotFound, a thin convenience
// used throughout the pipeline and query packages.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// CompactUID deletes every stored revision of uid strictly older than
// tipRevision, and additionally deletes tipRevision itself when removeTip
// is set (the tip is a Removal tombstone). Used by the cleanup loop's
// cleanupRevision(r) per spec.md §4.D.
func CompactUID(tx *bolt.Tx, typeName, uid string, tipRevision uint64, removeTip bool) (int, error) {
	tb, err := typeBucket(tx, typeName)
	if err != nil {
		return 0, err
	}

	prefix := append([]byte(uid), 0x00)
	var toDelete [][]byte
	c := tb.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		_, revision, err := splitKey(k)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
		}
		if revision < tipRevision || (removeTip && revision == tipRevision) {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
	}
	for _, k := range toDelete {
		if err := tb.Delete(k); err != nil {
			return 0, fmt.Errorf("%w: delete compacted row: %v", ErrIoError, err)
		}
	}

	if removeTip {
		latest, err := bucketOrErr(tx, bucketLatest)
		if err != nil {
			return 0, err
		}
		if err := latest.Delete(assembleLatestKey(typeName, uid)); err != nil {
			return 0, fmt.Errorf("%w: delete latest pointer: %v", ErrIoError, err)
		}
	}
	return len(toDelete), nil
}
