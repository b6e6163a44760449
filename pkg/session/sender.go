package session

import (
	"io"
	"time"

	"github.com/librescoot/rft/pkg/framer"
	"github.com/librescoot/rft/pkg/rfterr"
	"github.com/librescoot/rft/pkg/timing"
)

// BatchResult summarizes a SendFiles call (supplemented feature, see
// SPEC_FULL.md "batch transfer summary").
type BatchResult struct {
	Files []FileResult
}

// SendFiles performs the handshake (if not already done) and transfers
// every named local file in order (C6 + C8). It holds the session lock
// for its entire duration, matching the teacher's one-mutex-per-public-op
// discipline.
func (s *Session) SendFiles(paths []string) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handshakeDone {
		if err := s.handshakeInitiate(); err != nil {
			return BatchResult{}, err
		}
	}

	var result BatchResult
	for _, path := range paths {
		if err := s.checkCancel(); err != nil {
			return result, s.setLastErr(err)
		}
		fr := s.sendOneFile(path)
		result.Files = append(result.Files, fr)
		s.fireFileDone(fr)
		if rfterr.Is(fr.Err, rfterr.Aborted) {
			return result, s.setLastErr(fr.Err)
		}
	}

	if err := s.sendEOT(); err != nil {
		return result, s.setLastErr(err)
	}
	return result, nil
}

func (s *Session) sendOneFile(path string) FileResult {
	base := basename(path)
	f, err := s.cfg.Filesystem.OpenRead(path)
	if err != nil {
		return FileResult{Filename: base, Outcome: OutcomeAborted, Err: rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, err)}
	}
	defer f.Close()

	fileSize, err := seekEnd(f)
	if err != nil {
		return FileResult{Filename: base, Outcome: OutcomeAborted, Err: rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, err)}
	}

	crc, err := fullFileCRC(f)
	if err != nil {
		return FileResult{Filename: base, Outcome: OutcomeAborted, Err: rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, err)}
	}

	s.fireFileStart(base, fileSize)

	meta := Metadata{Filename: base, Size: uint64(fileSize), CRC32: crc}
	resp, err := s.negotiateMeta(meta)
	if err != nil {
		return FileResult{Filename: base, Outcome: OutcomeAborted, Err: err}
	}
	s.debugf("resume decision for %s: action=%d resume_offset=%d", base, resp.Action, resp.ResumeOffset)

	switch resp.Action {
	case ResumeActionSkipFile:
		return FileResult{Filename: base, BytesSent: 0, Outcome: OutcomeSkipped}
	case ResumeActionAbortFile:
		return FileResult{Filename: base, Outcome: OutcomeAborted, Err: rfterr.New(rfterr.ResumeVerify, rfterr.DetailNone)}
	}

	startOffset := uint64(0)
	switch resp.Action {
	case ResumeActionStartZero:
		startOffset = 0
	case ResumeActionStartOffset:
		startOffset = resp.ResumeOffset
	case ResumeActionVerifyFirst:
		status, offset, err := s.runVerify(f, resp)
		if err != nil {
			return FileResult{Filename: base, Outcome: OutcomeAborted, Err: err}
		}
		if status == VerifyStatusSkipped {
			return FileResult{Filename: base, Outcome: OutcomeSkipped, BytesSent: int64(offset)}
		}
		startOffset = offset
	}

	sent, err := s.sendData(f, base, startOffset, fileSize)
	if err != nil {
		return FileResult{Filename: base, BytesSent: sent, Outcome: OutcomeAborted, Err: err}
	}
	return FileResult{Filename: base, BytesSent: sent, Outcome: OutcomeOK}
}

// negotiateMeta sends SEND_META followed by a separate RESUME_REQ and
// retries the pair until a RESUME_RESP arrives (§4.7 step 2-3: the two
// exchanges are distinct packet types on the wire even though the
// receiver only acts once it has seen both).
func (s *Session) negotiateMeta(meta Metadata) (ResumeResp, error) {
	payload := encodeMetadata(meta)
	backoff := s.cfg.BackoffBase
	for attempt := 0; attempt <= s.cfg.MetaRetries; attempt++ {
		if err := s.checkCancel(); err != nil {
			return ResumeResp{}, err
		}
		s.timing.SetInRetransmit(attempt > 0)
		if err := s.framer.SendPacket(framer.TypeSendMeta, payload, 0); err != nil {
			return ResumeResp{}, err
		}
		if err := s.framer.SendPacket(framer.TypeResumeReq, nil, 0); err != nil {
			return ResumeResp{}, err
		}
		start := s.now()
		pkt, err := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpMeta))
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return ResumeResp{}, err
		}
		if pkt.Type == framer.TypeCancel {
			return ResumeResp{}, s.observedCancel()
		}
		if pkt.Type != framer.TypeResumeResp {
			continue
		}
		s.timing.RecordRTT(s.now().Sub(start))
		resp, derr := decodeResumeResp(pkt.Payload)
		if derr != nil {
			return ResumeResp{}, rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt)
		}
		return resp, nil
	}
	return ResumeResp{}, rfterr.New(rfterr.Timeout, rfterr.DetailOpMeta)
}

// runVerify computes the sender's CRC over the window the receiver
// named and exchanges VERIFY/VERIFY-response (§4.6 step 3-4). A
// strict-mode mismatch comes back as VerifyStatusSkipped, a normal
// policy outcome, not an error.
func (s *Session) runVerify(f File, resp ResumeResp) (status VerifyStatus, offset uint64, err error) {
	crc, werr := windowCRC(f, int64(resp.VerifyOffset), int64(resp.VerifyLen))
	if werr != nil {
		return VerifyStatusOK, 0, rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, werr)
	}
	payload := encodeVerifyRequest(VerifyRequest{CRC32: crc})

	backoff := s.cfg.BackoffBase
	for attempt := 0; attempt <= s.cfg.MetaRetries; attempt++ {
		if cerr := s.checkCancel(); cerr != nil {
			return VerifyStatusOK, 0, cerr
		}
		s.timing.SetInRetransmit(attempt > 0)
		if serr := s.framer.SendPacket(framer.TypeVerify, payload, resp.VerifyOffset); serr != nil {
			return VerifyStatusOK, 0, serr
		}
		start := s.now()
		pkt, rerr := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpVerify))
		if rerr != nil {
			if rfterr.Is(rerr, rfterr.Timeout) {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return VerifyStatusOK, 0, rerr
		}
		if pkt.Type == framer.TypeCancel {
			return VerifyStatusOK, 0, s.observedCancel()
		}
		if pkt.Type == framer.TypeError {
			ep, derr := decodeErrorPayload(pkt.Payload)
			if derr != nil {
				return VerifyStatusOK, 0, rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt)
			}
			return VerifyStatusOK, 0, rfterr.New(rfterr.Code(ep.Code), rfterr.Detail(ep.Detail))
		}
		if pkt.Type != framer.TypeVerify {
			continue
		}
		s.timing.RecordRTT(s.now().Sub(start))
		vr, derr := decodeVerifyResponse(pkt.Payload)
		if derr != nil {
			return VerifyStatusOK, 0, rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt)
		}
		// vr.ResumeOffset is already resolved by the receiver: under
		// VerifyStatusSkipped it is the offset to report, not a place
		// to resume sending from; any other status's offset is where to
		// resume, regardless of whether it matched or fell back to zero.
		return vr.Status, vr.ResumeOffset, nil
	}
	return VerifyStatusOK, 0, rfterr.New(rfterr.Timeout, rfterr.DetailOpMeta)
}

// sendData runs the cumulative-ACK sender loop (C8/§4.7) from
// startOffset to fileSize, windowed by the flow controller's current
// rung.
func (s *Session) sendData(f File, filename string, startOffset uint64, fileSize int64) (int64, error) {
	if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
		return 0, rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, err)
	}

	maxPayload := s.framer.MaxPayload()
	chunk := make([]byte, maxPayload)
	offset := int64(startOffset)
	var lastProgress time.Time

	for offset < fileSize {
		if err := s.checkCancel(); err != nil {
			return offset - int64(startOffset), err
		}

		window := s.flow.CurrentMode()
		sentThisWindow := 0
		windowStart := offset

		for sentThisWindow < window && offset < fileSize {
			n, rerr := f.Read(chunk)
			if n == 0 && rerr != nil {
				return offset - int64(startOffset), rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, rerr)
			}
			if err := s.framer.SendPacket(framer.TypeData, chunk[:n], uint64(offset)); err != nil {
				return offset - int64(startOffset), err
			}
			offset += int64(n)
			sentThisWindow++
			s.pktsSinceModeSync++
			if s.pktsSinceModeSync >= s.cfg.ModeSyncInterval {
				s.onFlowModeChange(s.flow.CurrentMode())
				s.pktsSinceModeSync = 0
			}
		}

		ack, err := s.awaitAck()
		// Every DATA in the window draws its own cumulative ACK; keep
		// reading until one covers everything sent so far, so the ACKs
		// for earlier chunks do not queue up behind later exchanges.
		for err == nil && int64(ack) < offset {
			ack, err = s.awaitAck()
		}
		if err != nil {
			if rfterr.Is(err, rfterr.Aborted) {
				return offset - int64(startOffset), err
			}
			s.flow.RecordError()
			offset = windowStart
			if _, serr := f.Seek(offset, io.SeekStart); serr != nil {
				return offset - int64(startOffset), rfterr.Wrap(rfterr.IO, rfterr.DetailFSRead, serr)
			}
			continue
		}
		s.flow.RecordSuccess()
		if int64(ack) > offset {
			offset = int64(ack)
		}

		if s.cfg.OnProgress != nil {
			now := s.now()
			if s.cfg.ProgressMinInterval == 0 || now.Sub(lastProgress) >= s.cfg.ProgressMinInterval {
				s.fireProgress(filename, offset, fileSize, window)
				lastProgress = now
			}
		}
	}

	if err := s.sendDone(filename, uint64(fileSize)); err != nil {
		return offset - int64(startOffset), err
	}
	return offset - int64(startOffset), nil
}

// awaitAck waits for a DATA_ACK, whose header offset carries the
// receiver's cumulative bytes-received count.
func (s *Session) awaitAck() (uint64, error) {
	backoff := s.cfg.BackoffBase
	for attempt := 0; attempt <= s.cfg.DataRetries; attempt++ {
		if err := s.checkCancel(); err != nil {
			return 0, err
		}
		s.timing.SetInRetransmit(attempt > 0)
		start := s.now()
		pkt, err := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpDataAck))
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return 0, err
		}
		if pkt.Type == framer.TypeCancel {
			return 0, s.observedCancel()
		}
		if pkt.Type != framer.TypeDataAck {
			continue
		}
		s.timing.RecordRTT(s.now().Sub(start))
		return pkt.Offset, nil
	}
	return 0, rfterr.New(rfterr.Timeout, rfterr.DetailOpAck)
}

func (s *Session) sendDone(filename string, fileSize uint64) error {
	backoff := s.cfg.BackoffBase
	for attempt := 0; attempt <= s.cfg.DataRetries; attempt++ {
		if err := s.checkCancel(); err != nil {
			return err
		}
		s.timing.SetInRetransmit(attempt > 0)
		if err := s.framer.SendPacket(framer.TypeDone, nil, fileSize); err != nil {
			return err
		}
		start := s.now()
		pkt, err := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpDoneAck))
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return err
		}
		if pkt.Type == framer.TypeCancel {
			return s.observedCancel()
		}
		if pkt.Type != framer.TypeDoneAck {
			continue
		}
		s.timing.RecordRTT(s.now().Sub(start))
		return nil
	}
	return rfterr.New(rfterr.Timeout, rfterr.DetailOpAck)
}

func (s *Session) sendEOT() error {
	backoff := s.cfg.BackoffBase
	for attempt := 0; attempt <= s.cfg.HandshakeRetries; attempt++ {
		if err := s.checkCancel(); err != nil {
			return err
		}
		s.timing.SetInRetransmit(attempt > 0)
		if err := s.framer.SendPacket(framer.TypeEOT, nil, 0); err != nil {
			return err
		}
		start := s.now()
		pkt, err := s.framer.RecvPacket(s.timing.GetTimeout(timing.OpEOTAck))
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return err
		}
		if pkt.Type == framer.TypeCancel {
			return s.observedCancel()
		}
		if pkt.Type != framer.TypeEOTAck {
			continue
		}
		s.timing.RecordRTT(s.now().Sub(start))
		return nil
	}
	return rfterr.New(rfterr.Timeout, rfterr.DetailOpAck)
}

func seekEnd(f File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
