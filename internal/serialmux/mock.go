package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

// TestableSerialPort is an in-memory SerialPorter. Reads block until data is
// added or the port is closed; Responder, when set, is called with every
// complete command line written and its non-empty reply is queued for
// reading.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf  bytes.Buffer
	written  bytes.Buffer
	partial  string
	commands []string
	closed   bool

	// Responder maps a command to a reply line.
	Responder func(command string) string
	// WriteError is returned by the next Write if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error
}

// NewTestableSerialPort returns an open port with empty buffers.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.cond.Wait()
	}
	if p.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	p.written.Write(b)

	p.partial += string(b)
	for {
		i := strings.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		cmd := p.partial[:i]
		p.partial = p.partial[i+1:]
		p.commands = append(p.commands, cmd)
		if p.Responder != nil {
			if reply := p.Responder(cmd); reply != "" {
				p.readBuf.WriteString(reply + "\n")
				p.cond.Broadcast()
			}
		}
	}
	return len(b), nil
}

// Close marks the port closed and wakes blocked readers.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return p.CloseError
}

// AddReadData queues data for Read.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.cond.Broadcast()
}

// Written returns every byte written so far.
func (p *TestableSerialPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// Commands returns the complete command lines written so far.
func (p *TestableSerialPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// Closed reports whether Close was called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
