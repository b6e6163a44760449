// Package serialport implements framer.Transport over a real serial
// link using go.bug.st/serial, promoted from an unused direct
// dependency in the teacher's go.mod (which talked to its nRF52 over
// github.com/tarm/serial instead) into the actual transport this
// protocol runs over — see DESIGN.md for why tarm/serial was dropped
// rather than kept alongside it.
package serialport

import (
	"time"

	"go.bug.st/serial"

	"github.com/librescoot/rft/pkg/rfterr"
)

// Port implements framer.Transport over a go.bug.st/serial.Port.
type Port struct {
	port serial.Port
}

// Open opens device at baud with 8N1 framing, the same defaults the
// teacher's USOCK link uses.
func Open(device string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, rfterr.Wrap(rfterr.IO, rfterr.DetailConnection, err)
	}
	return &Port{port: p}, nil
}

func (p *Port) Send(buf []byte) error {
	_, err := p.port.Write(buf)
	if err != nil {
		return rfterr.Wrap(rfterr.IO, rfterr.DetailSendFailed, err)
	}
	return nil
}

func (p *Port) Recv(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, rfterr.Wrap(rfterr.IO, rfterr.DetailConnection, err)
	}
	total := 0
	for total < len(buf) {
		n, err := p.port.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, rfterr.Wrap(rfterr.IO, rfterr.DetailConnection, err)
		}
		if n == 0 {
			// go.bug.st/serial returns (0, nil) on read timeout.
			break
		}
	}
	return total, nil
}

func (p *Port) IsConnected() bool {
	return p.port != nil
}

func (p *Port) Flush() error {
	return p.port.Drain()
}

func (p *Port) Close() error {
	return p.port.Close()
}
