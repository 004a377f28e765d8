package serialmux

import "io"

// SerialPorter is the minimal port the mux needs. go.bug.st/serial ports
// satisfy it, as do the test doubles in mock.go.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the port at path. Tests swap in a function returning a
// TestableSerialPort.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
