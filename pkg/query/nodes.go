package query

import (
	"fmt"

	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/index"
	"github.com/loomkit/loomkit/pkg/types"
)

// indexRange is one [lowerBound, upperBound) span to scan within a sorted
// composite index.
type indexRange struct {
	lowerBound []byte
	upperBound []byte
}

// indexSourceNode pulls uids from a registered index: either one or more
// exact-key plain-index lookups, or one or more bounded range scans over a
// sorted composite index, unioned in order — an Equals clause contributes a
// single key/range, an In clause contributes one per value, mirroring how
// the reference implementation's indexLookup() loops over every lookup key
// and concatenates the results. Both bbolt APIs are callback-based rather
// than naturally pull-style, so the first call to next() eagerly drains the
// matching keys/ranges into a buffer and subsequent calls pop from it — the
// chain still presents a lazy, restartable pull interface to its caller even
// though the underlying fetch isn't incremental.
type indexSourceNode struct {
	indexName string
	sorted    bool
	keys      [][]byte
	ranges    []indexRange

	buffered []string
	pos      int
	filled   bool
}

func (n *indexSourceNode) fill(tx entitystore.Tx) error {
	if n.filled {
		return nil
	}
	n.filled = true
	if n.sorted {
		for _, r := range n.ranges {
			if err := index.Range(tx, n.indexName, r.lowerBound, r.upperBound, func(_, uid []byte) bool {
				n.buffered = append(n.buffered, string(uid))
				return true
			}); err != nil {
				return err
			}
		}
		return nil
	}
	for _, key := range n.keys {
		if err := index.Lookup(tx, n.indexName, key, func(uid []byte) bool {
			n.buffered = append(n.buffered, string(uid))
			return true
		}); err != nil {
			return err
		}
	}
	return nil
}

func (n *indexSourceNode) next(tx entitystore.Tx) (string, bool, error) {
	if err := n.fill(tx); err != nil {
		return "", false, fmt.Errorf("index source %s: %w", n.indexName, err)
	}
	if n.pos >= len(n.buffered) {
		return "", false, nil
	}
	uid := n.buffered[n.pos]
	n.pos++
	return uid, true, nil
}

// tableScanNode pulls every live uid of a type directly from the main
// database, for queries no registered index can cover.
type tableScanNode struct {
	typeName string

	buffered []string
	pos      int
	filled   bool
}

func (n *tableScanNode) fill(tx entitystore.Tx) error {
	if n.filled {
		return nil
	}
	n.filled = true
	return entitystore.Scan(tx, n.typeName, func(e *types.Entity) error {
		n.buffered = append(n.buffered, e.UID)
		return nil
	})
}

func (n *tableScanNode) next(tx entitystore.Tx) (string, bool, error) {
	if err := n.fill(tx); err != nil {
		return "", false, fmt.Errorf("table scan %s: %w", n.typeName, err)
	}
	if n.pos >= len(n.buffered) {
		return "", false, nil
	}
	uid := n.buffered[n.pos]
	n.pos++
	return uid, true, nil
}
