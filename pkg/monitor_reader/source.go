package monitor_reader

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// serialReadTimeout bounds a single serial read so the loop can observe
// its stop flag even while the monitor is silent.
const serialReadTimeout = 5 * time.Second

// Source supplies the byte stream the reader drains. Implementations own
// the transport configuration; the reader only sees an io.ReadCloser.
type Source interface {
	Open() (io.ReadCloser, error)
	Name() string
}

// SerialSource opens the battery monitor's serial interface with the
// fixed settings the BMV-600S uses: 19200 baud, 8 data bits, no parity,
// one stop bit.
type SerialSource struct {
	Device string
}

func (s SerialSource) Open() (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: 19200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(s.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", s.Device, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", s.Device, err)
	}
	return port, nil
}

func (s SerialSource) Name() string {
	return s.Device
}

// FileSource replays a captured byte stream through the same decode path
// as live acquisition. The reader stops at end of file and keeps the last
// snapshot available.
type FileSource struct {
	Path string
}

func (f FileSource) Open() (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", f.Path, err)
	}
	return file, nil
}

func (f FileSource) Name() string {
	return f.Path
}
