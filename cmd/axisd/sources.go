package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"eventaxis"
)

// sampleSource is an eventaxis.Sampler backed by a real device.
//
// Read is called by the control loop on every tick and must not block: sources that need a blocking
// read run it on a background goroutine and publish the latest value into a latestValue.
type sampleSource interface {
	eventaxis.Sampler
	Close() error
}

// sourceOpener opens the source described by cfg. Tests substitute scripted sources.
type sourceOpener func(cfg SourceConfig, logger *slog.Logger) (sampleSource, error)

// openSource is the production sourceOpener.
func openSource(cfg SourceConfig, logger *slog.Logger) (sampleSource, error) {
	switch cfg.Type {
	case sourceStatic:
		return &staticSource{value: cfg.Value}, nil
	case sourceIIO:
		return openIIOSource(ExpandPath(cfg.Path), logger)
	case sourceEvdev:
		return openEvdevSource(ExpandPath(cfg.Path), uint16(cfg.Code), logger)
	case sourceSerial:
		return openSerialSource(ExpandPath(cfg.Path), cfg.Serial, logger)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

var errSourceUnsupported = errors.New("source type not supported on this platform")

// ============================================================================
// Static source
// ============================================================================

// staticSource always returns the same value. Useful for dry runs of a config.
type staticSource struct {
	value int
}

func (s *staticSource) Read() int    { return s.value }
func (s *staticSource) Close() error { return nil }

// ============================================================================
// Shared helpers
// ============================================================================

// latestValue holds the most recent sample published by a background reader.
type latestValue struct {
	v atomic.Int64
}

func (l *latestValue) Read() int   { return int(l.v.Load()) }
func (l *latestValue) store(v int) { l.v.Store(int64(v)) }

// parseRawSample parses one decimal sample as written by sysfs attributes and line-oriented
// serial firmware ("512\n", " 1023 \r\n").
func parseRawSample(b []byte) (int, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, errors.New("empty sample")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse sample %q: %w", s, err)
	}
	return v, nil
}

// failureLogger logs the first failure of a run of failures and the recovery after it, so a
// sensor that is unplugged does not flood the log at the control loop rate.
type failureLogger struct {
	logger  *slog.Logger
	failing bool
}

func (f *failureLogger) fail(msg string, err error) {
	if f.failing {
		return
	}
	f.failing = true
	f.logger.Warn(msg, "error", err)
}

func (f *failureLogger) ok() {
	if !f.failing {
		return
	}
	f.failing = false
	f.logger.Info("source recovered")
}
