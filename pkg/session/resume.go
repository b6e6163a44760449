package session

import (
	"io"

	"github.com/librescoot/rft/pkg/wire"
)

// maxFullVerifyBytes bounds how much of a local file CRC_FULL[/_OR_ZERO]
// will hash as a single prefix. Open Question (large-tail fallback):
// above this size we degrade to the same tail-window check CRC_TAIL
// uses, since hashing an arbitrarily large prefix before every resume
// decision is not a cost the protocol should impose unconditionally.
const maxFullVerifyBytes = 512 * 1024 * 1024

// resumeDecision is the receiver-side outcome of applying a ResumeMode
// to the local file size and the incoming metadata (§4.6 decision
// table). It is carried to the peer as a ResumeResp.
type resumeDecision struct {
	action       ResumeAction
	resumeOffset uint64
	verifyOffset uint64
	verifyLen    uint64
}

// decideResume implements the §4.6 mode table. localSize is -1 if the
// local file does not exist.
func decideResume(mode ResumeMode, localSize int64, incomingSize uint64, verifyBytes int64) resumeDecision {
	exists := localSize >= 0
	if !exists {
		localSize = 0
	}

	switch mode {
	case ResumeNever:
		return resumeDecision{action: ResumeActionStartZero}

	case ResumeSkipExisting:
		if localSize == 0 {
			return resumeDecision{action: ResumeActionStartZero}
		}
		if exists {
			return resumeDecision{action: ResumeActionSkipFile, resumeOffset: uint64(localSize)}
		}
		return resumeDecision{action: ResumeActionStartZero}

	case ResumeCRCTail, ResumeCRCTailOrZero:
		return decideCRCResume(mode, localSize, incomingSize, verifyBytes, false)

	case ResumeCRCFull, ResumeCRCFullOrZero:
		return decideCRCResume(mode, localSize, incomingSize, verifyBytes, true)

	default:
		return resumeDecision{action: ResumeActionStartZero}
	}
}

func decideCRCResume(mode ResumeMode, localSize int64, incomingSize uint64, verifyBytes int64, full bool) resumeDecision {
	if localSize == 0 {
		return resumeDecision{action: ResumeActionStartZero}
	}
	if uint64(localSize) > incomingSize {
		// Local file is larger than what's being sent: can't be a valid
		// prefix. *_OR_ZERO restarts from scratch; the strict variants
		// skip the file as a normal policy outcome rather than treating
		// it as a failure.
		if mode == ResumeCRCTailOrZero || mode == ResumeCRCFullOrZero {
			return resumeDecision{action: ResumeActionStartZero}
		}
		return resumeDecision{action: ResumeActionSkipFile, resumeOffset: uint64(localSize)}
	}

	var windowLen int64
	if full && localSize <= maxFullVerifyBytes {
		windowLen = localSize
	} else {
		windowLen = verifyBytes
		if windowLen > localSize {
			windowLen = localSize
		}
	}
	offset := localSize - windowLen

	return resumeDecision{
		action:       ResumeActionVerifyFirst,
		resumeOffset: uint64(localSize),
		verifyOffset: uint64(offset),
		verifyLen:    uint64(windowLen),
	}
}

// fallbackOnMismatch reports how a VerifyFirst window's CRC disagreement
// resolves, per mode (§4.6: *_OR_ZERO restarts from zero; the strict
// variants skip the file as a policy outcome since the existing local
// data can no longer be trusted as a prefix).
func fallbackOnMismatch(mode ResumeMode) (offset uint64, skip bool) {
	switch mode {
	case ResumeCRCTailOrZero, ResumeCRCFullOrZero:
		return 0, false
	default:
		return 0, true
	}
}

// windowCRC reads [offset, offset+length) from f and returns its CRC-32.
// f must support Seek; the caller is responsible for restoring the
// file's position afterward if it needs to keep reading sequentially.
func windowCRC(f File, offset, length int64) (uint32, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	state := wire.CRCInit()
	buf := make([]byte, 32*1024)
	remaining := length
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := f.Read(buf[:chunk])
		if n > 0 {
			state = wire.CRCUpdate(state, buf[:n])
			remaining -= int64(n)
		}
		if err != nil {
			if err == io.EOF && remaining <= 0 {
				break
			}
			return 0, err
		}
	}
	return wire.CRCFinalize(state), nil
}

// fullFileCRC hashes the entire file from its current contents and
// leaves the file positioned at EOF; callers seek before reading again.
// Used by the sender to embed
// Metadata.CRC32 and by the receiver's final whole-file verification.
func fullFileCRC(f File) (uint32, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	state := wire.CRCInit()
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			state = wire.CRCUpdate(state, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return wire.CRCFinalize(state), nil
}
