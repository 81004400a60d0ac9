package raftapi

import (
	"encoding/binary"
	"errors"

	"github.com/ttaaoo/raftlogd/internal/log"
)

// ErrMalformedSession is returned when a Register/Unregister entry's payload
// is too short to carry its length-prefixed session id.
var ErrMalformedSession = errors.New("raftapi: malformed session payload")

// EncodeSessionID frames a session id as a u16 length followed by its bytes,
// the payload carried by EntryRegister/EntryUnregister entries.
func EncodeSessionID(id string) []byte {
	buf := make([]byte, 2+len(id))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(id)))
	copy(buf[2:], id)
	return buf
}

// DecodeSessionID reverses EncodeSessionID.
func DecodeSessionID(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", ErrMalformedSession
	}
	n := int(binary.LittleEndian.Uint16(payload[0:2]))
	if len(payload) < 2+n {
		return "", ErrMalformedSession
	}
	return string(payload[2 : 2+n]), nil
}

// NewRegisterEntry builds the unassigned-index entry the protocol layer
// appends when a client session begins; Log.Append fills in its index.
func NewRegisterEntry(sessionID string) log.Entry {
	return log.Entry{Kind: log.EntryRegister, Payload: EncodeSessionID(sessionID)}
}

// NewUnregisterEntry builds the tombstone-carrying entry recorded when a
// session ends. EntryUnregister requires a major compaction to reclaim,
// since it invalidates everything the session produced.
func NewUnregisterEntry(sessionID string) log.Entry {
	return log.Entry{Kind: log.EntryUnregister, Payload: EncodeSessionID(sessionID)}
}
