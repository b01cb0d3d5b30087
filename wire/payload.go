package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/apexsims/steer/types"
)

// ReadHeader reads and decodes one message header from r.
// A short read is surfaced as an ErrorPartial wire error; callers resolve it
// by disconnecting the client.
func ReadHeader(r io.Reader) (MsgType, int32, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return MsgIOError, 0, &Error{Kind: ErrorPartial, Msg: "short header read", Err: err}
	}
	t, length := DecodeHeader(buf[:])
	if !t.Valid() {
		return MsgIOError, length, &Error{
			Kind: ErrorDecode,
			Msg:  fmt.Sprintf("unknown message type %d in header", int32(t)),
		}
	}
	return t, length, nil
}

// WriteHeader encodes and writes a bare header message (Go, Kill, Pause,
// RateChange, Disconnect all carry no payload).
func WriteHeader(w io.Writer, t MsgType, length int32) error {
	var buf [HeaderSize]byte
	EncodeHeader(buf[:], t, length)
	return writeFull(w, buf[:], "header")
}

// WriteHandshake writes the handshake message. The type field is in network
// order like every other header, but the protocol version in the length field
// is deliberately left in host order: the client compares both byte orders to
// learn whether it must swap subsequent traffic.
func WriteHandshake(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(MsgHandshake))
	binary.NativeEndian.PutUint32(buf[4:8], ProtocolVersion)
	return writeFull(w, buf[:], "handshake")
}

// WriteEnergies writes an energies message: header with length 1 followed by
// the fixed 40-byte energy block. Energies stay in internal units.
func WriteEnergies(w io.Writer, e *types.EnergyBlock) error {
	buf := make([]byte, HeaderSize+EnergyBlockSize)
	EncodeHeader(buf[:HeaderSize], MsgEnergies, 1)

	binary.BigEndian.PutUint32(buf[8:12], uint32(e.Step))
	for i, term := range []float32{
		e.Temperature, e.Total, e.Potential, e.VanDerWaals, e.Coulomb,
		e.Bonds, e.Angles, e.Dihedrals, e.Impropers,
	} {
		off := 12 + 4*i
		binary.BigEndian.PutUint32(buf[off:off+4], math.Float32bits(term))
	}
	return writeFull(w, buf, "energies")
}

// WriteCoordinates writes a coordinates message: header with length N followed
// by N float32 triples, converted from internal nm to the client's Angstrom.
func WriteCoordinates(w io.Writer, x []types.Vec3) error {
	buf := make([]byte, HeaderSize+12*len(x))
	EncodeHeader(buf[:HeaderSize], MsgCoordinates, int32(len(x)))

	off := HeaderSize
	for i := range x {
		for d := 0; d < 3; d++ {
			f := float32(x[i][d] * AngstromPerNm)
			binary.BigEndian.PutUint32(buf[off:off+4], math.Float32bits(f))
			off += 4
		}
	}
	return writeFull(w, buf, "coordinates")
}

// ReadForceBatch reads the payload of a force-batch message whose header
// announced n atoms: n int32 tracked-atom indices followed by 3n float32
// force components, still in client units (kcal/mol/A).
func ReadForceBatch(r io.Reader, n int32) (indices []int32, forces []float32, err error) {
	if n < 0 {
		return nil, nil, &Error{
			Kind: ErrorProtocol,
			Msg:  fmt.Sprintf("force batch with negative count %d", n),
		}
	}

	raw := make([]byte, 4*int(n))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, &Error{Kind: ErrorPartial, Msg: "short force index read", Err: err}
	}
	indices = make([]int32, n)
	for i := range indices {
		indices[i] = int32(binary.BigEndian.Uint32(raw[4*i : 4*i+4]))
	}

	raw = make([]byte, 12*int(n))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, &Error{Kind: ErrorPartial, Msg: "short force vector read", Err: err}
	}
	forces = make([]float32, 3*n)
	for i := range forces {
		forces[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[4*i : 4*i+4]))
	}
	return indices, forces, nil
}

// writeFull writes all of buf, mapping any short write to an ErrorPartial
// wire error. Interrupted syscalls are retried by the Go runtime.
func writeFull(w io.Writer, buf []byte, what string) error {
	n, err := w.Write(buf)
	if err != nil {
		return &Error{Kind: ErrorPartial, Msg: "short " + what + " write", Err: err}
	}
	if n != len(buf) {
		return &Error{Kind: ErrorPartial, Msg: "short " + what + " write", Err: io.ErrShortWrite}
	}
	return nil
}
