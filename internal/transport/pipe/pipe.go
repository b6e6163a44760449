// Package pipe implements an in-memory, buffered, framer.Transport pair
// for exercising the session state machine without a real byte link.
// The channel-buffered reader/writer shape is grounded on the
// bufferedPipe/chanReader/chanWriter helpers xx25-go-zmodem uses in its
// loopback_test.go to let both peers write before either reads, without
// deadlocking the way an unbuffered net.Pipe would under concurrent
// sender/receiver goroutines.
package pipe

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/librescoot/rft/pkg/framer"
)

type chanReader struct {
	ch  chan []byte
	buf []byte
}

func (cr *chanReader) read(p []byte, timeout time.Duration) (int, error) {
	if len(cr.buf) > 0 {
		n := copy(p, cr.buf)
		cr.buf = cr.buf[n:]
		return n, nil
	}
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case data, ok := <-cr.ch:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, data)
		if n < len(data) {
			cr.buf = data[n:]
		}
		return n, nil
	case <-timeoutCh:
		return 0, framer.ErrTimeout
	}
}

type chanWriter struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

func (cw *chanWriter) write(p []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return errors.New("pipe: write on closed transport")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	cw.ch <- buf
	return nil
}

func (cw *chanWriter) close() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if !cw.closed {
		cw.closed = true
		close(cw.ch)
	}
}

// Transport is one end of an in-memory duplex link.
type Transport struct {
	r         *chanReader
	w         *chanWriter
	connected bool
}

// New creates a connected pair of Transports suitable for a and b to run
// the session state machine against each other in tests.
func New(bufSize int) (a, b *Transport) {
	// aToB carries bytes a writes for b to read; bToA is the reverse.
	aToB := make(chan []byte, bufSize)
	bToA := make(chan []byte, bufSize)

	a = &Transport{
		r:         &chanReader{ch: bToA},
		w:         &chanWriter{ch: aToB},
		connected: true,
	}
	b = &Transport{
		r:         &chanReader{ch: aToB},
		w:         &chanWriter{ch: bToA},
		connected: true,
	}
	return a, b
}

func (t *Transport) Send(p []byte) error {
	return t.w.write(p)
}

func (t *Transport) Recv(p []byte, timeout time.Duration) (int, error) {
	return t.r.read(p, timeout)
}

func (t *Transport) IsConnected() bool { return t.connected }

func (t *Transport) Flush() error { return nil }

// Disconnect marks the transport as disconnected, the way a host-level
// connectivity probe would start returning false.
func (t *Transport) Disconnect() { t.connected = false }

// Close closes the write side so the peer's Recv observes EOF instead
// of hanging forever once a test is done with this end.
func (t *Transport) Close() { t.w.close() }
