package entitystore

import (
	"encoding/binary"
	"fmt"
)

// Bucket layout, one *bbolt.DB per resource instance:
//
//   type:<TypeName>   uid || 0x00 || revision(BE uint64) -> encoded entity record
//   __latest          <TypeName> || 0x00 || uid          -> revision(BE uint64)
//   __revisions       revision(BE uint64)                 -> <TypeName> || 0x00 || uid
//   __counters        "maxRevision" | "cleanedUpRevision" -> uint64
//
// type bucket rows accumulate every revision ever written (append-only);
// __latest is the only place "the current tip" is looked up in one seek.
var (
	bucketLatest    = []byte("__latest")
	bucketRevisions = []byte("__revisions")
	bucketCounters  = []byte("__counters")

	counterMaxRevision      = []byte("maxRevision")
	counterCleanedUpRevison = []byte("cleanedUpRevision")
)

func typeBucketName(typeName string) []byte {
	return append([]byte("type:"), typeName...)
}

func encodeRevision(revision uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, revision)
	return buf
}

func decodeRevision(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("entitystore: malformed revision (%d bytes)", len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

// assembleKey builds the per-revision row key within a type bucket.
func assembleKey(uid string, revision uint64) []byte {
	key := make([]byte, 0, len(uid)+1+8)
	key = append(key, uid...)
	key = append(key, 0x00)
	key = append(key, encodeRevision(revision)...)
	return key
}

// splitKey recovers the uid and revision from a type-bucket row key.
func splitKey(key []byte) (uid string, revision uint64, err error) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == 0x00 && len(key)-i-1 == 8 {
			rev, err := decodeRevision(key[i+1:])
			if err != nil {
				return "", 0, err
			}
			return string(key[:i]), rev, nil
		}
	}
	return "", 0, fmt.Errorf("entitystore: malformed row key %q", key)
}

// assembleLatestKey builds a row key for the __latest bucket.
func assembleLatestKey(typeName, uid string) []byte {
	key := make([]byte, 0, len(typeName)+1+len(uid))
	key = append(key, typeName...)
	key = append(key, 0x00)
	key = append(key, uid...)
	return key
}

func splitLatestKey(key []byte) (typeName, uid string, err error) {
	for i, b := range key {
		if b == 0x00 {
			return string(key[:i]), string(key[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("entitystore: malformed latest key %q", key)
}

// assembleRevisionValue builds the value stored in __revisions for a given
// type+uid pair.
func assembleRevisionValue(typeName, uid string) []byte {
	val := make([]byte, 0, len(typeName)+1+len(uid))
	val = append(val, typeName...)
	val = append(val, 0x00)
	val = append(val, uid...)
	return val
}

func splitRevisionValue(val []byte) (typeName, uid string, err error) {
	for i, b := range val {
		if b == 0x00 {
			return string(val[:i]), string(val[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("entitystore: malformed revision value %q", val)
}
