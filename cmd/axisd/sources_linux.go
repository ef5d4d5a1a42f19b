//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// iioSource reads a Linux IIO channel through sysfs (e.g. in_voltage0_raw).
//
// sysfs attributes regenerate their content on every read from offset 0, so Read issues a single
// pread per call. Failed reads keep the last good value.
type iioSource struct {
	f      *os.File
	buf    [32]byte
	last   int
	health failureLogger
}

func openIIOSource(path string, logger *slog.Logger) (sampleSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open iio channel %s: %w", path, err)
	}
	s := &iioSource{
		f:      f,
		health: failureLogger{logger: logger.With("source", sourceIIO, "path", path)},
	}
	// Prime with a first reading so a broken channel is reported at startup.
	if _, err := s.readOnce(); err != nil {
		f.Close()
		return nil, fmt.Errorf("read iio channel %s: %w", path, err)
	}
	return s, nil
}

func (s *iioSource) readOnce() (int, error) {
	n, err := unix.Pread(int(s.f.Fd()), s.buf[:], 0)
	if err != nil {
		return 0, err
	}
	v, err := parseRawSample(s.buf[:n])
	if err != nil {
		return 0, err
	}
	s.last = v
	return v, nil
}

func (s *iioSource) Read() int {
	if _, err := s.readOnce(); err != nil {
		s.health.fail("iio read failed, holding last value", err)
		return s.last
	}
	s.health.ok()
	return s.last
}

func (s *iioSource) Close() error {
	return s.f.Close()
}
