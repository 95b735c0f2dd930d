// Package index implements named disk-backed multimaps (component B):
// (indexName, key) -> set of uid. bbolt buckets have no native dupsort
// support, so a multimap pair is encoded as a composite bucket key
// key || 0x00 || value with an empty payload, and lookup becomes a
// prefix scan over that composite key space.
package index

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const rootBucketName = "__indexes"

// Open fetches or creates the named index's bucket within tx, nested
// under the shared __indexes root bucket.
func Open(tx *bolt.Tx, indexName string) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists([]byte(rootBucketName))
	if err != nil {
		return nil, fmt.Errorf("index: open root bucket: %w", err)
	}
	b, err := root.CreateBucketIfNotExists([]byte(indexName))
	if err != nil {
		return nil, fmt.Errorf("index: open index %s: %w", indexName, err)
	}
	return b, nil
}

func compositeKey(key, uid []byte) []byte {
	out := make([]byte, 0, len(key)+1+len(uid))
	out = append(out, key...)
	out = append(out, 0x00)
	out = append(out, uid...)
	return out
}

// Add records (key, uid) in the named index. Adding the same pair twice is
// a no-op.
func Add(tx *bolt.Tx, indexName string, key, uid []byte) error {
	b, err := Open(tx, indexName)
	if err != nil {
		return err
	}
	if err := b.Put(compositeKey(key, uid), nil); err != nil {
		return fmt.Errorf("index: add to %s: %w", indexName, err)
	}
	return nil
}

// Remove drops (key, uid) from the named index. Removing a pair that was
// never added is a deliberate no-op, matching bbolt's own Delete-of-absent
// semantics.
func Remove(tx *bolt.Tx, indexName string, key, uid []byte) error {
	b, err := Open(tx, indexName)
	if err != nil {
		return err
	}
	if err := b.Delete(compositeKey(key, uid)); err != nil {
		return fmt.Errorf("index: remove from %s: %w", indexName, err)
	}
	return nil
}

// Lookup calls fn with the uid half of every (key, uid) pair recorded
// under key, in the multimap's byte order, until fn returns false or the
// matching pairs are exhausted.
func Lookup(tx *bolt.Tx, indexName string, key []byte, fn func(uid []byte) bool) error {
	b, err := Open(tx, indexName)
	if err != nil {
		return err
	}
	prefix := append(append([]byte(nil), key...), 0x00)
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		uid := k[len(prefix):]
		if !fn(uid) {
			break
		}
	}
	return nil
}

// Range calls fn for every (key, uid) pair in the index whose composite
// key falls within [lowerBound, upperBound) of the raw key bytes
// (ignoring the uid suffix), in ascending order. Used by sorted secondary
// indexes such as Mail's (folder, sortable-date) composite.
func Range(tx *bolt.Tx, indexName string, lowerBound, upperBound []byte, fn func(key, uid []byte) bool) error {
	b, err := Open(tx, indexName)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, _ := c.Seek(lowerBound); k != nil; k, _ = c.Next() {
		if upperBound != nil && compareBytes(k, upperBound) >= 0 {
			break
		}
		key, uid, ok := splitComposite(k)
		if !ok {
			continue
		}
		if !fn(key, uid) {
			break
		}
	}
	return nil
}

// splitComposite recovers the key/uid halves of a composite row key,
// splitting at the LAST 0x00 byte rather than the first: the key half may
// itself be an arbitrary binary composite (e.g. folder-uid + sortable
// date) that happens to contain 0x00 bytes, while uid is always a plain
// identifier string that never does.
func splitComposite(composite []byte) (key, uid []byte, ok bool) {
	for i := len(composite) - 1; i >= 0; i-- {
		if composite[i] == 0x00 {
			return composite[:i], composite[i+1:], true
		}
	}
	return nil, nil, false
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

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
