// serialio/port.go
package serialio

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal surface the multiplexer needs from a serial
// device. Reads return (0, nil) on poll timeout so reader loops keep
// their heartbeats live.
type Port interface {
	io.ReadWriteCloser
}

// Dialer opens the channel for one device path. Tests substitute an
// in-memory pipe.
type Dialer func(path string) (Port, error)

const DefaultBaud = 115200

// readPoll bounds a blocking Read so reader loops can observe
// cancellation and publish heartbeats.
const readPoll = 10 * time.Millisecond

// Open opens a USB-serial device in raw 8N1 mode with a short read
// timeout. Termios details live inside the serial library.
func Open(path string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: DefaultBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readPoll); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}
