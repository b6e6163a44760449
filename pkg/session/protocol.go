package session

import (
	"github.com/librescoot/rft/pkg/wire"
)

// Feature bits negotiated during HELLO (§4.5). Unknown bits in a peer's
// supported and requested sets are ignored. Required bits are sent and
// checked as configured, without masking: a required bit the other
// peer does not support fails the handshake with FeatureNegotiation.
const (
	FeatureResume    uint32 = 1 << 0
	FeatureModeSync  uint32 = 1 << 1
	FeatureBatch     uint32 = 1 << 2
)

const protocolMagic uint32 = 0x52465431 // "RFT1"

// HelloPayload is the HELLO packet body exchanged by both peers at the
// start of a session (§4.5).
type HelloPayload struct {
	Magic               uint32
	VersionMajor        byte
	VersionMinor        byte
	ProposedMTU         uint32
	SupportedFeatures   uint32
	RequiredFeatures    uint32
	RequestedFeatures   uint32
	MaxPerformanceMode  byte
	PreferredInitialMode byte
	ModeSyncInterval    uint16
}

func encodeHello(h HelloPayload) []byte {
	w := wire.NewWriter(make([]byte, 0, 26))
	w.PutUint32(h.Magic)
	w.PutByte(h.VersionMajor)
	w.PutByte(h.VersionMinor)
	w.PutUint32(h.ProposedMTU)
	w.PutUint32(h.SupportedFeatures)
	w.PutUint32(h.RequiredFeatures)
	w.PutUint32(h.RequestedFeatures)
	w.PutByte(h.MaxPerformanceMode)
	w.PutByte(h.PreferredInitialMode)
	w.PutUint16(h.ModeSyncInterval)
	return w.Bytes()
}

func decodeHello(buf []byte) (HelloPayload, error) {
	r := wire.NewReader(buf)
	h := HelloPayload{
		Magic:        r.Uint32(),
		VersionMajor: r.Byte(),
		VersionMinor: r.Byte(),
		ProposedMTU:  r.Uint32(),
	}
	h.SupportedFeatures = r.Uint32()
	h.RequiredFeatures = r.Uint32()
	h.RequestedFeatures = r.Uint32()
	h.MaxPerformanceMode = r.Byte()
	h.PreferredInitialMode = r.Byte()
	h.ModeSyncInterval = r.Uint16()
	return h, r.Err
}

// Metadata describes one file being offered for transfer (§4.6).
type Metadata struct {
	Filename string
	Size     uint64
	CRC32    uint32
}

func encodeMetadata(m Metadata) []byte {
	nameBytes := []byte(sanitizeFilename(m.Filename))
	w := wire.NewWriter(make([]byte, 0, 14+len(nameBytes)))
	w.PutUint64(m.Size)
	w.PutUint32(m.CRC32)
	w.PutUint16(uint16(len(nameBytes)))
	w.PutBytes(nameBytes)
	return w.Bytes()
}

func decodeMetadata(buf []byte) (Metadata, error) {
	r := wire.NewReader(buf)
	m := Metadata{
		Size:  r.Uint64(),
		CRC32: r.Uint32(),
	}
	nameLen := r.Uint16()
	m.Filename = string(r.Bytes(int(nameLen)))
	return m, r.Err
}

// ResumeAction is the receiver's decision, carried in RESUME_RESP
// (§4.6 decision table).
type ResumeAction byte

const (
	ResumeActionStartZero ResumeAction = iota
	ResumeActionStartOffset
	ResumeActionVerifyFirst
	ResumeActionSkipFile
	ResumeActionAbortFile
)

// ResumeResp is the RESUME_RESP payload.
type ResumeResp struct {
	Action       ResumeAction
	ResumeOffset uint64
	VerifyOffset uint64
	VerifyLen    uint64
}

func encodeResumeResp(r ResumeResp) []byte {
	w := wire.NewWriter(make([]byte, 0, 25))
	w.PutByte(byte(r.Action))
	w.PutUint64(r.ResumeOffset)
	w.PutUint64(r.VerifyOffset)
	w.PutUint64(r.VerifyLen)
	return w.Bytes()
}

func decodeResumeResp(buf []byte) (ResumeResp, error) {
	rd := wire.NewReader(buf)
	r := ResumeResp{
		Action:       ResumeAction(rd.Byte()),
		ResumeOffset: rd.Uint64(),
		VerifyOffset: rd.Uint64(),
		VerifyLen:    rd.Uint64(),
	}
	return r, rd.Err
}

// VerifyRequest carries the sender's independently computed CRC over
// the window the receiver named in RESUME_RESP (§4.6 step 3).
type VerifyRequest struct {
	CRC32 uint32
}

func encodeVerifyRequest(v VerifyRequest) []byte {
	w := wire.NewWriter(make([]byte, 0, 4))
	w.PutUint32(v.CRC32)
	return w.Bytes()
}

func decodeVerifyRequest(buf []byte) (VerifyRequest, error) {
	r := wire.NewReader(buf)
	v := VerifyRequest{CRC32: r.Uint32()}
	return v, r.Err
}

// VerifyStatus is the receiver's comparison outcome (§4.6 step 4).
type VerifyStatus byte

const (
	VerifyStatusOK           VerifyStatus = iota // CRCs matched, resume at ResumeOffset
	VerifyStatusSkipped                            // file already complete, or CRC mismatch under a strict mode; local file kept
	VerifyStatusMismatch                           // CRCs disagreed, fall back per *_OR_ZERO rules
)

// VerifyResponse is the receiver's VERIFY reply carrying the resolved
// resume offset directly, so the sender never has to re-derive it from
// the status alone (§4.7 step 3: "a value equal to file size means
// skip; any other non-negative value is the starting offset").
type VerifyResponse struct {
	Status       VerifyStatus
	ResumeOffset uint64
}

func encodeVerifyResponse(v VerifyResponse) []byte {
	w := wire.NewWriter(make([]byte, 0, 9))
	w.PutByte(byte(v.Status))
	w.PutUint64(v.ResumeOffset)
	return w.Bytes()
}

func decodeVerifyResponse(buf []byte) (VerifyResponse, error) {
	r := wire.NewReader(buf)
	v := VerifyResponse{
		Status:       VerifyStatus(r.Byte()),
		ResumeOffset: r.Uint64(),
	}
	return v, r.Err
}

// ErrorPayload is the ERROR packet body (§7).
type ErrorPayload struct {
	Code   int32
	Detail uint32
}

func encodeErrorPayload(e ErrorPayload) []byte {
	w := wire.NewWriter(make([]byte, 0, 8))
	w.PutInt32(e.Code)
	w.PutUint32(e.Detail)
	return w.Bytes()
}

func decodeErrorPayload(buf []byte) (ErrorPayload, error) {
	r := wire.NewReader(buf)
	e := ErrorPayload{
		Code:   r.Int32(),
		Detail: r.Uint32(),
	}
	return e, r.Err
}

// ModeSyncPayload advertises the sender's current transmit rung
// (§4.4). It is advisory only; see flowctl.Controller.ObservePeerMode.
type ModeSyncPayload struct {
	Mode byte
}

func encodeModeSync(m ModeSyncPayload) []byte {
	return []byte{m.Mode}
}

func decodeModeSync(buf []byte) (ModeSyncPayload, error) {
	r := wire.NewReader(buf)
	m := ModeSyncPayload{Mode: r.Byte()}
	return m, r.Err
}
