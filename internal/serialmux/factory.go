package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerialPort opens a real serial port with the given options.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// Open opens path with opener, or OpenSerialPort when opener is nil, and
// wraps the port in a mux.
func Open(path string, opts PortOptions, opener Opener) (*SerialMux[SerialPorter], error) {
	if opener == nil {
		opener = OpenSerialPort
	}
	port, err := opener(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
