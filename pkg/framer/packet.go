// Package framer implements the wire-framing layer (C2): fixed
// header + variable payload + fixed CRC trailer, with byte-level
// resynchronization when a header CRC fails to validate. The state
// machine below generalizes the sync/CRC/resync loop
// github.com/librescoot/bluetooth-service's pkg/usock package runs over
// a serial link (SyncByte1/SyncByte2 framing, incremental CRC,
// one-byte-at-a-time resync) to the header/payload/trailer layout and
// CRC-32 this protocol's spec requires.
package framer

import (
	"fmt"

	"github.com/librescoot/rft/pkg/wire"
)

// Type is the packet type tag carried in the header.
type Type byte

const (
	TypeHello      Type = 1
	TypeSendMeta   Type = 2
	TypeResumeReq  Type = 3
	TypeResumeResp Type = 4
	TypeData       Type = 5
	TypeDataAck    Type = 6
	TypeVerify     Type = 7
	TypeDone       Type = 8
	TypeError      Type = 9
	TypeEOT        Type = 10
	TypeEOTAck     Type = 11
	TypeDoneAck    Type = 12
	TypeModeSync   Type = 13
	TypeCancel     Type = 14
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeSendMeta:
		return "SEND_META"
	case TypeResumeReq:
		return "RESUME_REQ"
	case TypeResumeResp:
		return "RESUME_RESP"
	case TypeData:
		return "DATA"
	case TypeDataAck:
		return "DATA_ACK"
	case TypeVerify:
		return "VERIFY"
	case TypeDone:
		return "DONE"
	case TypeError:
		return "ERROR"
	case TypeEOT:
		return "EOT"
	case TypeEOTAck:
		return "EOT_ACK"
	case TypeDoneAck:
		return "DONE_ACK"
	case TypeModeSync:
		return "MODE_SYNC"
	case TypeCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("TYPE(%d)", byte(t))
	}
}

// IsControl reports whether t is one of the packet types that trigger a
// transport flush after send (§4.2).
func (t Type) IsControl() bool {
	switch t {
	case TypeHello, TypeDone, TypeEOT, TypeError, TypeCancel:
		return true
	default:
		return false
	}
}

const (
	// WireVersion is the only header wire_version value this
	// implementation produces or accepts.
	WireVersion = 0

	// HeaderSize is the fixed 24-byte header: type(1) wire_version(1)
	// reserved(2) payload_len(4) seq(4) offset(8) header_crc(4).
	HeaderSize = 24

	// TrailerSize is the 4-byte CRC-32 trailer over header+payload.
	TrailerSize = 4

	// Overhead is the total non-payload bytes in a frame.
	Overhead = HeaderSize + TrailerSize

	// VALMinPacketSize and VALMaxPacketSize bound the negotiable MTU.
	VALMinPacketSize = 64
	VALMaxPacketSize = 65536
)

// Header is the fixed 24-byte packet header.
type Header struct {
	Type       Type
	WireVer    byte
	Reserved   uint16
	PayloadLen uint32
	Seq        uint32
	Offset     uint64
	HeaderCRC  uint32
}

// Packet is a fully decoded frame.
type Packet struct {
	Type    Type
	Seq     uint32
	Offset  uint64
	Payload []byte
}

// encodeHeader writes h into buf[0:HeaderSize] with header_crc computed
// over the header treated as if that field were zero — a pure function,
// no in-place patching of a live buffer (§9 "prefer pure functions").
func encodeHeader(h Header) [HeaderSize]byte {
	var out [HeaderSize]byte
	out[0] = byte(h.Type)
	out[1] = h.WireVer
	wire.PutUint16(out[2:4], h.Reserved)
	wire.PutUint32(out[4:8], h.PayloadLen)
	wire.PutUint32(out[8:12], h.Seq)
	wire.PutUint64(out[12:20], h.Offset)
	// header_crc field (out[20:24]) left zero for the CRC computation.
	crc := wire.CRC32(out[:20])
	wire.PutUint32(out[20:24], crc)
	return out
}

func decodeHeader(buf []byte) Header {
	return Header{
		Type:       Type(buf[0]),
		WireVer:    buf[1],
		Reserved:   wire.Uint16(buf[2:4]),
		PayloadLen: wire.Uint32(buf[4:8]),
		Seq:        wire.Uint32(buf[8:12]),
		Offset:     wire.Uint64(buf[12:20]),
		HeaderCRC:  wire.Uint32(buf[20:24]),
	}
}

// verifyHeaderCRC recomputes the header CRC over buf[0:20] with the CRC
// field zeroed and compares it to the stored value in buf[20:24].
func verifyHeaderCRC(buf []byte) bool {
	var zeroed [20]byte
	copy(zeroed[:], buf[:20])
	want := wire.Uint32(buf[20:24])
	return wire.CRC32(zeroed[:]) == want
}
