package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// PortOptions describes the serial connection parameters of a serial ADC source.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate,omitempty"`
	DataBits int    `yaml:"data_bits,omitempty"`
	StopBits int    `yaml:"stop_bits,omitempty"`
	Parity   string `yaml:"parity,omitempty"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	return opts, nil
}

// SerialMode converts the port options into the serial.Mode used to open the port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}

// serialPort is the subset of serial.Port used by serialSource.
type serialPort interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// serialSource reads newline-delimited decimal samples streamed by a microcontroller.
// Malformed lines are skipped; the last good value is held.
type serialSource struct {
	latestValue

	port    serialPort
	logger  *slog.Logger
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func openSerialSource(path string, opts PortOptions, logger *slog.Logger) (sampleSource, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("serial options for %s: %w", path, err)
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	s, err := newSerialSource(port, logger.With("source", sourceSerial, "path", path))
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

func newSerialSource(port serialPort, logger *slog.Logger) (*serialSource, error) {
	// Reads return periodically so Close can stop the reader.
	if err := port.SetReadTimeout(readerPollInterval); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	s := &serialSource{
		port:    port,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Close stops the reader and closes the port. Safe to call more than once.
func (s *serialSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.port.Close()
		<-s.stopped
	})
	return err
}

func (s *serialSource) readLoop() {
	defer close(s.stopped)

	var lines lineSplitter
	buf := make([]byte, 256)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			lines.feed(buf[:n], s.handleLine)
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					s.logger.Error("serial reader stopped, holding last value", "error", err)
				}
			}
			return
		}
	}
}

func (s *serialSource) handleLine(line []byte) {
	v, err := parseRawSample(line)
	if err != nil {
		s.logger.Debug("skipping malformed serial line", "error", err)
		return
	}
	s.store(v)
}

// lineSplitter reassembles '\n'-terminated lines from arbitrary read chunks.
// Lines longer than maxLineLen are dropped.
type lineSplitter struct {
	pending   []byte
	overflown bool
}

const maxLineLen = 64

func (l *lineSplitter) feed(p []byte, emit func(line []byte)) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			l.appendPartial(p)
			return
		}
		l.appendPartial(p[:i])
		if !l.overflown && len(l.pending) > 0 {
			emit(l.pending)
		}
		l.pending = l.pending[:0]
		l.overflown = false
		p = p[i+1:]
	}
}

func (l *lineSplitter) appendPartial(p []byte) {
	if l.overflown {
		return
	}
	if len(l.pending)+len(p) > maxLineLen {
		l.overflown = true
		l.pending = l.pending[:0]
		return
	}
	l.pending = append(l.pending, p...)
}
