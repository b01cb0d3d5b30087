// Package wire implements the fixed binary framing of the steering protocol.
//
// Every message starts with an 8-byte header {int32 type, int32 length} in
// network byte order. For most types length is a payload-derived count; the
// handshake is the one asymmetry: its length field carries the protocol
// version in host order so the client can detect the server's endianness.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants.
const (
	// HeaderSize is the size of every message header in bytes.
	HeaderSize = 8
	// ProtocolVersion is the steering protocol version sent in the handshake.
	ProtocolVersion = 2
	// EnergyBlockSize is the wire size of the energy payload:
	// one int32 step plus nine float32 terms.
	EnergyBlockSize = 40
)

// MsgType identifies a steering protocol message.
type MsgType int32

// Message types, in wire order. The numbering is fixed by the client protocol
// and must not be reordered.
const (
	MsgDisconnect MsgType = iota
	MsgEnergies
	MsgCoordinates
	MsgGo
	MsgHandshake
	MsgKill
	MsgForceBatch
	MsgPause
	MsgRateChange
	// MsgIOError is an internal sentinel for transport failures. It is never
	// put on the wire.
	MsgIOError

	msgTypeCount
)

var msgTypeNames = [msgTypeCount]string{
	"disconnect",
	"energies",
	"coordinates",
	"go",
	"handshake",
	"kill",
	"force-batch",
	"pause",
	"rate-change",
	"io-error",
}

// String returns the diagnostic name of the message type.
func (t MsgType) String() string {
	if t < 0 || t >= msgTypeCount {
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
	return msgTypeNames[t]
}

// Valid reports whether t is a defined message type.
func (t MsgType) Valid() bool { return t >= 0 && t < msgTypeCount }

// ErrorKind classifies wire-level failures.
type ErrorKind int

const (
	// ErrorPartial indicates a short read or write on a fixed-size transfer.
	ErrorPartial ErrorKind = iota
	// ErrorDecode indicates a malformed header or payload.
	ErrorDecode
	// ErrorProtocol indicates a well-formed message that violates the
	// session protocol (unexpected type, impossible count).
	ErrorProtocol
)

// Error is a wire-level failure. All kinds are fatal to the connection; none
// is fatal to the host simulation.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsPartial reports whether err is a short-transfer wire error.
func IsPartial(err error) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Kind == ErrorPartial
}

// EncodeHeader fills an 8-byte header with type and length in network order.
func EncodeHeader(buf []byte, t MsgType, length int32) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(t))
	binary.BigEndian.PutUint32(buf[4:8], uint32(length))
}

// DecodeHeader reads type and length back out of an 8-byte header.
func DecodeHeader(buf []byte) (MsgType, int32) {
	t := MsgType(int32(binary.BigEndian.Uint32(buf[0:4])))
	length := int32(binary.BigEndian.Uint32(buf[4:8]))
	return t, length
}
