package framer

import "time"

// Transport is the host-supplied byte transport contract (§6). The core
// never dials, listens, or owns a socket/port itself — it only calls
// these four methods, mirroring how github.com/librescoot/bluetooth-service's
// pkg/usock wraps a concrete github.com/tarm/serial port behind a narrow
// Write/Read surface instead of letting protocol code reach into the
// port directly.
type Transport interface {
	// Send writes exactly len(p) bytes or returns an error. A short
	// write is a protocol-fatal IO error, never silently retried here.
	Send(p []byte) error

	// Recv reads exactly len(p) bytes into p within timeout. On timeout
	// it returns n set to the number of bytes actually received
	// (n < len(p)) together with either ErrTimeout or a nil error; the
	// framer treats both as a timeout. On a hard transport error it
	// returns a non-nil, non-ErrTimeout error.
	Recv(p []byte, timeout time.Duration) (n int, err error)

	// IsConnected is polled before each send/recv when non-nil at the
	// Transport call site; a Transport that is always connected may
	// implement it to always return true.
	IsConnected() bool

	// Flush is invoked after control packets (§4.2). Implementations
	// with no internal buffering may no-op.
	Flush() error
}
