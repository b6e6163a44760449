package session

import (
	"io"
	"path/filepath"
	"time"

	"github.com/librescoot/rft/pkg/framer"
	"github.com/librescoot/rft/pkg/rfterr"
	"github.com/librescoot/rft/pkg/timing"
)

// ReceiveResult summarizes a ReceiveFiles call.
type ReceiveResult struct {
	Files []FileResult
}

// ReceiveFiles performs the handshake (if not already done) and then
// services SEND_META requests until the peer sends EOT (C6 + C9). It
// holds the session lock for its entire duration.
func (s *Session) ReceiveFiles() (ReceiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handshakeDone {
		if err := s.handshakeRespond(); err != nil {
			return ReceiveResult{}, err
		}
	}

	var result ReceiveResult
	var pendingMeta *Metadata
	for {
		if err := s.checkCancel(); err != nil {
			return result, s.setLastErr(err)
		}

		pkt, err := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpMeta))
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				continue
			}
			return result, s.setLastErr(err)
		}

		switch pkt.Type {
		case framer.TypeCancel:
			return result, s.observedCancel()
		case framer.TypeEOT:
			_ = s.framer.SendPacket(framer.TypeEOTAck, nil, 0)
			return result, nil
		case framer.TypeSendMeta:
			// SEND_META only records the pending file; the resume
			// decision is driven off the separate RESUME_REQ that
			// follows (§4.7 step 2-3), so a sender retransmitting
			// SEND_META while we are still waiting just refreshes it.
			meta, derr := decodeMetadata(pkt.Payload)
			if derr != nil {
				s.warnf("malformed SEND_META: %v", derr)
				continue
			}
			pendingMeta = &meta
		case framer.TypeResumeReq:
			if pendingMeta == nil {
				// RESUME_REQ arrived before its SEND_META (or after we
				// already serviced it); nothing to act on yet.
				continue
			}
			meta := *pendingMeta
			pendingMeta = nil
			fr := s.receiveOneFile(meta)
			result.Files = append(result.Files, fr)
			s.fireFileDone(fr)
			if rfterr.Is(fr.Err, rfterr.Aborted) {
				return result, s.setLastErr(fr.Err)
			}
		case framer.TypeModeSync:
			ms, derr := decodeModeSync(pkt.Payload)
			if derr == nil && s.flow != nil {
				s.flow.ObservePeerMode(int(ms.Mode))
			}
		default:
			// Stray or duplicate control packet outside expected
			// sequence; ignore and keep waiting.
		}
	}
}

func (s *Session) receiveOneFile(meta Metadata) FileResult {
	if s.cfg.Validator != nil {
		switch s.cfg.Validator(meta) {
		case VerdictSkip:
			_ = s.framer.SendPacket(framer.TypeResumeResp, encodeResumeResp(ResumeResp{Action: ResumeActionSkipFile}), 0)
			return FileResult{Filename: meta.Filename, Outcome: OutcomeSkipped}
		case VerdictAbort:
			_ = s.framer.SendPacket(framer.TypeResumeResp, encodeResumeResp(ResumeResp{Action: ResumeActionAbortFile}), 0)
			return FileResult{Filename: meta.Filename, Outcome: OutcomeAborted, Err: rfterr.New(rfterr.Aborted, rfterr.DetailNone)}
		}
	}

	target := filepath.Join(s.cfg.OutputDir, sanitizeFilename(filepath.Base(meta.Filename)))
	localSize := int64(-1)
	if info, err := s.cfg.Filesystem.Stat(target); err == nil && info.Exists {
		localSize = info.Size
	}

	decision := decideResume(s.cfg.ResumeMode, localSize, meta.Size, s.cfg.CRCVerifyBytes)
	resp := ResumeResp{
		Action:       decision.action,
		ResumeOffset: decision.resumeOffset,
		VerifyOffset: decision.verifyOffset,
		VerifyLen:    decision.verifyLen,
	}
	if err := s.framer.SendPacket(framer.TypeResumeResp, encodeResumeResp(resp), 0); err != nil {
		return FileResult{Filename: meta.Filename, Outcome: OutcomeAborted, Err: err}
	}

	switch decision.action {
	case ResumeActionSkipFile:
		return FileResult{Filename: meta.Filename, Outcome: OutcomeSkipped, BytesSent: int64(decision.resumeOffset)}
	case ResumeActionAbortFile:
		return FileResult{Filename: meta.Filename, Outcome: OutcomeAborted, Err: rfterr.New(rfterr.ResumeVerify, rfterr.DetailNone)}
	}

	startOffset := decision.resumeOffset
	var respPayload []byte
	if decision.action == ResumeActionVerifyFirst {
		status, offset, err := s.serviceVerify(target, decision, meta)
		if err != nil {
			return FileResult{Filename: meta.Filename, Outcome: OutcomeAborted, Err: err}
		}
		if status == VerifyStatusSkipped {
			// Either the local file already matched in full, or it
			// mismatched under a strict resume mode that cannot fall
			// back to a partial restart: either way the transfer ends
			// here with the receiver's existing local data untouched.
			return FileResult{Filename: meta.Filename, Outcome: OutcomeSkipped, BytesSent: int64(offset)}
		}
		startOffset = offset
	} else {
		respPayload = encodeResumeResp(resp)
	}

	s.fireFileStart(meta.Filename, int64(meta.Size))

	received, err := s.receiveData(target, meta, startOffset, respPayload)
	if err != nil {
		return FileResult{Filename: meta.Filename, BytesSent: received, Outcome: OutcomeAborted, Err: err}
	}
	return FileResult{Filename: meta.Filename, BytesSent: received, Outcome: OutcomeOK}
}

// serviceVerify waits for the sender's VERIFY request, compares its CRC
// against the receiver's own computation over the same local window,
// and replies with the resolved VerifyStatus and resume offset (§4.6
// step 3-4). A strict-mode mismatch reports VerifyStatusSkipped rather
// than aborting: the protocol continues normally and the receiver's
// local file is left exactly as it was.
func (s *Session) serviceVerify(target string, decision resumeDecision, meta Metadata) (status VerifyStatus, offset uint64, err error) {
	resp := ResumeResp{Action: ResumeActionVerifyFirst, ResumeOffset: decision.resumeOffset, VerifyOffset: decision.verifyOffset, VerifyLen: decision.verifyLen}
	respPayload := encodeResumeResp(resp)

	for attempt := 0; attempt <= s.cfg.MetaRetries; attempt++ {
		if cerr := s.checkCancel(); cerr != nil {
			return VerifyStatusOK, 0, cerr
		}
		pkt, rerr := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpVerify))
		if rerr != nil {
			if rfterr.Is(rerr, rfterr.Timeout) {
				continue
			}
			return VerifyStatusOK, 0, rerr
		}
		if pkt.Type == framer.TypeCancel {
			return VerifyStatusOK, 0, s.observedCancel()
		}
		if pkt.Type == framer.TypeSendMeta || pkt.Type == framer.TypeResumeReq {
			// Sender retransmitted SEND_META or RESUME_REQ because our
			// RESUME_RESP was lost; resend it and keep waiting for VERIFY.
			_ = s.framer.SendPacket(framer.TypeResumeResp, respPayload, 0)
			continue
		}
		if pkt.Type != framer.TypeVerify {
			continue
		}
		vreq, derr := decodeVerifyRequest(pkt.Payload)
		if derr != nil {
			return VerifyStatusOK, 0, rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt)
		}

		localFile, oerr := s.cfg.Filesystem.OpenRead(target)
		if oerr != nil {
			return VerifyStatusOK, 0, rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, oerr)
		}
		localCRC, cerr := windowCRC(localFile, int64(decision.verifyOffset), int64(decision.verifyLen))
		_ = localFile.Close()
		if cerr != nil {
			return VerifyStatusOK, 0, rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, cerr)
		}

		var vresp VerifyResponse
		if localCRC == vreq.CRC32 {
			st := VerifyStatusOK
			if decision.resumeOffset == meta.Size {
				// Local file already matches the incoming one in full;
				// nothing new will actually be transferred.
				st = VerifyStatusSkipped
			}
			vresp = VerifyResponse{Status: st, ResumeOffset: decision.resumeOffset}
		} else {
			fallbackOffset, skip := fallbackOnMismatch(s.cfg.ResumeMode)
			if skip {
				vresp = VerifyResponse{Status: VerifyStatusSkipped, ResumeOffset: decision.resumeOffset}
			} else {
				vresp = VerifyResponse{Status: VerifyStatusMismatch, ResumeOffset: fallbackOffset}
			}
		}
		if err := s.framer.SendPacket(framer.TypeVerify, encodeVerifyResponse(vresp), decision.verifyOffset); err != nil {
			return VerifyStatusOK, 0, err
		}
		return vresp.Status, vresp.ResumeOffset, nil
	}
	return VerifyStatusOK, 0, rfterr.New(rfterr.Timeout, rfterr.DetailOpMeta)
}

// receiveData runs the cumulative-ACK receiver loop (C9/§4.8) into
// target, truncating when startOffset is zero and appending otherwise.
// respPayload, when non-nil, is the RESUME_RESP to resend if the sender
// retransmits SEND_META/RESUME_REQ after its first response was lost.
func (s *Session) receiveData(target string, meta Metadata, startOffset uint64, respPayload []byte) (int64, error) {
	f, err := s.cfg.Filesystem.OpenWrite(target, startOffset == 0)
	if err != nil {
		return 0, rfterr.Wrap(rfterr.IO, rfterr.DetailFSWrite, err)
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
			return 0, rfterr.Wrap(rfterr.IO, rfterr.DetailFSWrite, err)
		}
	}

	received := int64(startOffset)
	var lastProgress time.Time
	windowPkts := 0

	for received < int64(meta.Size) {
		if err := s.checkCancel(); err != nil {
			return received - int64(startOffset), err
		}

		pkt, err := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpDataRecv))
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				_ = s.framer.SendPacket(framer.TypeDataAck, nil, uint64(received))
				continue
			}
			return received - int64(startOffset), err
		}

		switch pkt.Type {
		case framer.TypeData:
			if pkt.Offset != uint64(received) {
				// Out-of-order or duplicate chunk; re-ack our true
				// cumulative offset so the sender can resynchronize.
				_ = s.framer.SendPacket(framer.TypeDataAck, nil, uint64(received))
				continue
			}
			if _, werr := f.Write(pkt.Payload); werr != nil {
				return received - int64(startOffset), rfterr.Wrap(rfterr.IO, rfterr.DetailFSWrite, werr)
			}
			received += int64(len(pkt.Payload))
			windowPkts++
			if err := s.framer.SendPacket(framer.TypeDataAck, nil, uint64(received)); err != nil {
				return received - int64(startOffset), err
			}
			if s.cfg.OnProgress != nil {
				now := s.now()
				if s.cfg.ProgressMinInterval == 0 || now.Sub(lastProgress) >= s.cfg.ProgressMinInterval {
					s.fireProgress(meta.Filename, received, int64(meta.Size), windowPkts)
					lastProgress = now
					windowPkts = 0
				}
			}
		case framer.TypeDone:
			if err := s.finishFile(f, meta); err != nil {
				return received - int64(startOffset), err
			}
			return received - int64(startOffset), nil
		case framer.TypeCancel:
			return received - int64(startOffset), s.observedCancel()
		case framer.TypeSendMeta, framer.TypeResumeReq:
			// The sender never saw our RESUME_RESP and is retrying the
			// negotiation; resend it rather than treating it as data.
			if respPayload != nil {
				_ = s.framer.SendPacket(framer.TypeResumeResp, respPayload, 0)
			}
		default:
			_ = s.framer.SendPacket(framer.TypeDataAck, nil, uint64(received))
		}
	}

	// All bytes arrived; still wait for the explicit DONE handshake.
	for attempt := 0; attempt <= s.cfg.AckRetries; attempt++ {
		if err := s.checkCancel(); err != nil {
			return received - int64(startOffset), err
		}
		pkt, err := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpDoneAck))
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				continue
			}
			return received - int64(startOffset), err
		}
		if pkt.Type == framer.TypeCancel {
			return received - int64(startOffset), s.observedCancel()
		}
		if pkt.Type != framer.TypeDone {
			continue
		}
		if err := s.finishFile(f, meta); err != nil {
			return received - int64(startOffset), err
		}
		return received - int64(startOffset), nil
	}
	return received - int64(startOffset), rfterr.New(rfterr.Timeout, rfterr.DetailOpAck)
}

func (s *Session) finishFile(f File, meta Metadata) error {
	crc, err := fullFileCRC(f)
	if err != nil {
		_ = s.framer.SendPacket(framer.TypeError, encodeErrorPayload(ErrorPayload{Code: int32(rfterr.IO), Detail: uint32(rfterr.DetailFSRead)}), 0)
		return rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, err)
	}
	if crc != meta.CRC32 {
		_ = s.framer.SendPacket(framer.TypeError, encodeErrorPayload(ErrorPayload{Code: int32(rfterr.CRC), Detail: uint32(rfterr.DetailCRCFile)}), 0)
		return rfterr.New(rfterr.CRC, rfterr.DetailCRCFile)
	}
	return s.ackDone(meta.Size)
}

func (s *Session) ackDone(fileSize uint64) error {
	return s.framer.SendPacket(framer.TypeDoneAck, nil, fileSize)
}
