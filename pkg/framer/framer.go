package framer

import (
	"errors"
	"time"

	"github.com/librescoot/rft/pkg/rfterr"
	"github.com/librescoot/rft/pkg/wire"
)

// ErrTimeout is returned by Transport.Recv when the deadline elapses
// before len(p) bytes arrive.
var ErrTimeout = errors.New("framer: recv timeout")

// Framer serializes/deserializes frames over a Transport, reusing one
// send buffer and one recv buffer for the session's lifetime (§5
// "Shared resources"), and implements the byte-level resync search
// described in §4.2 — a direct generalization of the
// StateSync1/StateSync2/resync-on-bad-CRC loop in
// github.com/librescoot/bluetooth-service's pkg/usock.processByte, but
// driven by an explicit recv call instead of an always-on background
// goroutine, and operating on the header+payload+trailer layout and
// CRC-32 this protocol's spec defines instead of sync bytes + CRC16.
type Framer struct {
	transport Transport
	mtu       int
	sendBuf   []byte
	recvBuf   []byte
	seq       uint32
}

// New creates a Framer bound to transport with the given effective MTU.
// sendBuf/recvBuf are reused for every frame if non-nil and large
// enough; otherwise new buffers of size mtu are allocated once.
func New(transport Transport, mtu int, sendBuf, recvBuf []byte) *Framer {
	if len(sendBuf) < mtu {
		sendBuf = make([]byte, mtu)
	}
	if len(recvBuf) < mtu {
		recvBuf = make([]byte, mtu)
	}
	return &Framer{transport: transport, mtu: mtu, sendBuf: sendBuf, recvBuf: recvBuf}
}

// SetMTU updates the effective packet size used for payload-size
// validation and buffer sizing (called once, after handshake).
func (f *Framer) SetMTU(mtu int) {
	f.mtu = mtu
	if len(f.sendBuf) < mtu {
		f.sendBuf = make([]byte, mtu)
	}
	if len(f.recvBuf) < mtu {
		f.recvBuf = make([]byte, mtu)
	}
}

func (f *Framer) MTU() int { return f.mtu }

// MaxPayload returns the largest payload that fits in one frame at the
// current MTU.
func (f *Framer) MaxPayload() int {
	return f.mtu - Overhead
}

// LastSeq returns the most recently assigned outbound sequence number.
func (f *Framer) LastSeq() uint32 { return f.seq }

// SendPacket assembles and transmits one frame (§4.2).
func (f *Framer) SendPacket(typ Type, payload []byte, offset uint64) error {
	maxPayload := f.MaxPayload()
	if len(payload) > maxPayload {
		return rfterr.New(rfterr.InvalidArg, rfterr.DetailPayloadSize)
	}
	if !f.transport.IsConnected() {
		return rfterr.New(rfterr.IO, rfterr.DetailConnection)
	}

	f.seq++
	h := Header{
		Type:       typ,
		WireVer:    WireVersion,
		PayloadLen: uint32(len(payload)),
		Seq:        f.seq,
		Offset:     offset,
	}
	header := encodeHeader(h)

	total := HeaderSize + len(payload) + TrailerSize
	if cap(f.sendBuf) < total {
		f.sendBuf = make([]byte, total)
	}
	buf := f.sendBuf[:total]
	copy(buf[0:HeaderSize], header[:])
	copy(buf[HeaderSize:HeaderSize+len(payload)], payload)

	trailerCRC := wire.CRC32(buf[:HeaderSize+len(payload)])
	wire.PutUint32(buf[HeaderSize+len(payload):total], trailerCRC)

	if err := f.transport.Send(buf); err != nil {
		return rfterr.Wrap(rfterr.IO, rfterr.DetailSendFailed, err)
	}
	if typ.IsControl() {
		_ = f.transport.Flush()
	}
	return nil
}

// RecvPacket blocks until a valid frame arrives, timeout_ms elapses, or
// a CRC-unrecoverable resync search exhausts one MTU of scanned bytes.
func (f *Framer) RecvPacket(timeout time.Duration) (Packet, error) {
	if !f.transport.IsConnected() {
		return Packet{}, rfterr.New(rfterr.IO, rfterr.DetailConnection)
	}
	var header [HeaderSize]byte
	if err := f.readExact(header[:HeaderSize], timeout); err != nil {
		return Packet{}, err
	}

	if !verifyHeaderCRC(header[:]) || header[1] != WireVersion {
		resynced, err := f.resync(header[:], timeout)
		if err != nil {
			return Packet{}, err
		}
		header = resynced
	}

	h := decodeHeader(header[:])
	maxPayload := f.MaxPayload()
	if int(h.PayloadLen) > maxPayload {
		resynced, err := f.resync(header[:], timeout)
		if err != nil {
			return Packet{}, err
		}
		header = resynced
		h = decodeHeader(header[:])
	}

	total := HeaderSize + int(h.PayloadLen) + TrailerSize
	if cap(f.recvBuf) < total {
		f.recvBuf = make([]byte, total)
	}
	buf := f.recvBuf[:total]
	copy(buf[:HeaderSize], header[:])

	if h.PayloadLen > 0 {
		if err := f.readExact(buf[HeaderSize:HeaderSize+int(h.PayloadLen)], timeout); err != nil {
			return Packet{}, err
		}
	}
	var trailer [TrailerSize]byte
	if err := f.readExact(trailer[:], timeout); err != nil {
		return Packet{}, err
	}
	copy(buf[HeaderSize+int(h.PayloadLen):total], trailer[:])

	gotCRC := wire.Uint32(trailer[:])
	wantCRC := wire.CRC32(buf[:HeaderSize+int(h.PayloadLen)])
	if gotCRC != wantCRC {
		return Packet{}, rfterr.New(rfterr.CRC, rfterr.DetailCRCTrailer)
	}

	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderSize:HeaderSize+int(h.PayloadLen)])

	pkt := Packet{Type: h.Type, Seq: h.Seq, Offset: h.Offset, Payload: payload}
	return pkt, nil
}

// resync implements the byte-level header resync search: shift the
// header buffer left by one byte, read one new byte, and recheck, up to
// one MTU worth of scanned bytes.
func (f *Framer) resync(header []byte, timeout time.Duration) ([HeaderSize]byte, error) {
	var buf [HeaderSize]byte
	copy(buf[:], header)
	maxScan := f.mtu
	scanned := 0
	var one [1]byte
	for scanned < maxScan {
		if err := f.readExact(one[:], timeout); err != nil {
			return buf, err
		}
		scanned++
		copy(buf[:HeaderSize-1], buf[1:])
		buf[HeaderSize-1] = one[0]

		if !verifyHeaderCRC(buf[:]) {
			continue
		}
		if buf[1] != WireVersion {
			continue
		}
		h := decodeHeader(buf[:])
		if int(h.PayloadLen) > f.MaxPayload() {
			continue
		}
		return buf, nil
	}
	return buf, rfterr.New(rfterr.CRC, rfterr.DetailCRCHeader)
}

func (f *Framer) readExact(p []byte, timeout time.Duration) error {
	n, err := f.transport.Recv(p, timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return rfterr.New(rfterr.Timeout, rfterr.DetailNone)
		}
		return rfterr.Wrap(rfterr.IO, rfterr.DetailNone, err)
	}
	if n != len(p) {
		return rfterr.New(rfterr.Timeout, rfterr.DetailNone)
	}
	return nil
}
