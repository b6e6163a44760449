// Package session implements the protocol core above the wire framer:
// session state and locking (C5), handshake (C6), the resume
// engine (C7), and the sender/receiver data loops (C8/C9). It is
// grounded throughout in how github.com/librescoot/bluetooth-service's
// pkg/service.Service holds one sync.Mutex across every public
// operation and background goroutine, generalized from a single
// characteristic-write/notify exchange to this protocol's much longer
// handshake/resume/transfer sequence.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/rft/pkg/flowctl"
	"github.com/librescoot/rft/pkg/framer"
	"github.com/librescoot/rft/pkg/rfterr"
	"github.com/librescoot/rft/pkg/timing"
)

// Session holds all per-link state: the framer, the adaptive timing and
// flow-control estimators, and the negotiated parameters from the most
// recent handshake (§5 data model).
type Session struct {
	cfg *Config
	log *leveledLogger

	// mu serializes every public operation and the I/O it performs. The
	// protocol is fundamentally a strict request/response ping-pong, so
	// a plain sync.Mutex (not an RWMutex) matches the teacher's
	// single-writer-at-a-time Service lock.
	mu sync.Mutex

	framer   *framer.Framer
	timing   *timing.Estimator
	flow     *flowctl.Controller
	handshakeDone bool

	localMTU  int
	peerMTU   int
	effMTU    int

	peerSupported uint32
	peerRequired  uint32

	cancelRequested atomic.Bool
	lastErr         error

	pktsSinceModeSync int
}

// New constructs a Session from cfg. The Transport and Filesystem must
// already be connected/openable; New performs no I/O.
func New(cfg *Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, rfterr.New(rfterr.InvalidArg, rfterr.DetailMissingBuffers)
	}
	full := cfg.withDefaults()

	mtu := full.ProposedPacketSize
	if mtu < framer.VALMinPacketSize {
		mtu = framer.VALMinPacketSize
	}
	if mtu > framer.VALMaxPacketSize {
		mtu = framer.VALMaxPacketSize
	}

	f := framer.New(full.Transport, mtu, full.SendBuffer, full.RecvBuffer)
	est := timing.New(full.MinTimeout, full.MaxTimeout)

	s := &Session{
		cfg:      full,
		log:      full.logger(),
		framer:   f,
		timing:   est,
		localMTU: mtu,
	}
	return s, nil
}

// GetLastError returns the most recent terminal error recorded by a
// public operation, or nil.
func (s *Session) GetLastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// EmergencyCancel requests cooperative cancellation of any in-progress
// operation. It does not itself send a CANCEL packet (the loop that
// owns the lock does that at its next checkpoint) and is safe to call
// from any goroutine without holding mu (§5 "cancellation is
// cooperative, checked at loop boundaries").
func (s *Session) EmergencyCancel() {
	s.cancelRequested.Store(true)
}

func (s *Session) clearCancel() {
	s.cancelRequested.Store(false)
}

func (s *Session) setLastErr(err error) error {
	s.lastErr = err
	return err
}

func (s *Session) now() time.Time {
	return s.cfg.Clock.Now()
}

// checkCancel returns an Aborted error if cancellation was requested,
// clearing the flag so a subsequent operation starts clean. It is the
// one place that actually transmits the CANCEL burst EmergencyCancel
// promises, since only the goroutine that reaches here holds mu and
// therefore has exclusive use of the framer.
func (s *Session) checkCancel() error {
	if s.cancelRequested.Load() {
		s.clearCancel()
		s.sendCancelBurst()
		return rfterr.New(rfterr.Aborted, rfterr.DetailNone)
	}
	return nil
}

// observedCancel records and returns an Aborted error for a CANCEL
// packet received from the peer (§4.2: observing CANCEL sets the
// session's last error to ABORTED).
func (s *Session) observedCancel() error {
	return s.setLastErr(rfterr.New(rfterr.Aborted, rfterr.DetailNone))
}

// sendCancelBurst sends up to three CANCEL packets with a short backoff
// between them and flushes the transport, so a peer busy reading is
// likely to observe at least one even under loss (§5). Send failures
// are swallowed; the local Aborted error already dominates.
func (s *Session) sendCancelBurst() {
	const burst = 3
	backoff := 10 * time.Millisecond
	for i := 0; i < burst; i++ {
		if err := s.framer.SendPacket(framer.TypeCancel, nil, 0); err != nil {
			return
		}
		if i < burst-1 {
			time.Sleep(backoff)
		}
	}
}

// sendControlError best-efforts an ERROR packet to the peer; failures
// to send it are swallowed since the local error already dominates.
func (s *Session) sendControlError(e *rfterr.Error) {
	payload := encodeErrorPayload(ErrorPayload{Code: int32(e.Code), Detail: uint32(e.Detail)})
	_ = s.framer.SendPacket(framer.TypeError, payload, 0)
}

func asRftError(err error) *rfterr.Error {
	if ee, ok := err.(*rfterr.Error); ok {
		return ee
	}
	return rfterr.Wrap(rfterr.Protocol, rfterr.DetailNone, err)
}

func (s *Session) debugf(format string, args ...interface{}) {
	s.log.logf(LogDebug, format, args...)
}

func (s *Session) infof(format string, args ...interface{}) {
	s.log.logf(LogInfo, format, args...)
}

func (s *Session) warnf(format string, args ...interface{}) {
	s.log.logf(LogWarning, format, args...)
}

func (s *Session) fireProgress(filename string, done, total int64, window int) {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(ProgressEvent{Filename: filename, BytesDone: done, TotalBytes: total, WindowPkts: window})
	}
}

func (s *Session) fireFileStart(filename string, size int64) {
	if s.cfg.OnFileStart != nil {
		s.cfg.OnFileStart(filename, size)
	}
}

func (s *Session) fireFileDone(r FileResult) {
	if s.cfg.OnFileDone != nil {
		s.cfg.OnFileDone(r)
	}
}

