package resourceaccess

import (
	"encoding/binary"
	"fmt"
)

// Status is one resource's connection rollup, as carried on Notification
// frames (spec.md §7).
type Status uint8

const (
	StatusConnected Status = iota
	StatusOffline
	StatusBusy
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusOffline:
		return "Offline"
	case StatusBusy:
		return "Busy"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Notification is one Status update for a single resource.
type Notification struct {
	ResourceID string
	Status     Status
	Message    string
}

func encodeNotification(n Notification) []byte {
	id := []byte(n.ResourceID)
	msg := []byte(n.Message)
	out := make([]byte, 0, 4+len(id)+1+4+len(msg))
	out = appendLengthPrefixed(out, id)
	out = append(out, byte(n.Status))
	out = appendLengthPrefixed(out, msg)
	return out
}

func decodeNotification(payload []byte) (Notification, error) {
	id, rest, err := readLengthPrefixed(payload)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: resource id: %v", ErrProtocolError, err)
	}
	if len(rest) < 1 {
		return Notification{}, fmt.Errorf("%w: missing status byte", ErrProtocolError)
	}
	status := Status(rest[0])
	msg, _, err := readLengthPrefixed(rest[1:])
	if err != nil {
		return Notification{}, fmt.Errorf("%w: message: %v", ErrProtocolError, err)
	}
	return Notification{ResourceID: string(id), Status: status, Message: string(msg)}, nil
}

func appendLengthPrefixed(out, data []byte) []byte {
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(data)))
	out = append(out, length...)
	return append(out, data...)
}

func readLengthPrefixed(data []byte) (value, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("truncated string body")
	}
	return data[:n], data[n:], nil
}

func encodeRevision(r uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, r)
	return out
}

func encodeHandshake(processID uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, processID)
	return out
}

func decodeHandshake(payload []byte) (uint32, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[:4]), true
}

func encodeCompletion(success bool, body []byte) []byte {
	out := make([]byte, 1+len(body))
	if success {
		out[0] = 1
	}
	copy(out[1:], body)
	return out
}

func decodeCompletion(payload []byte) (success bool, body []byte) {
	if len(payload) == 0 {
		return false, nil
	}
	return payload[0] != 0, payload[1:]
}
