package main

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.bug.st/serial"
)

func TestParseRawSample(t *testing.T) {
	good := map[string]int{
		"512\n":      512,
		" 1023 \r\n": 1023,
		"-4":         -4,
		"0000":       0,
	}
	for in, want := range good {
		got, err := parseRawSample([]byte(in))
		if err != nil || got != want {
			t.Fatalf("parseRawSample(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "\n", "12a", "3.5"} {
		if _, err := parseRawSample([]byte(in)); err == nil {
			t.Fatalf("parseRawSample(%q) succeeded, want error", in)
		}
	}
}

func TestLineSplitter_ReassemblesChunks(t *testing.T) {
	var lines []string
	emit := func(b []byte) { lines = append(lines, string(b)) }

	var l lineSplitter
	l.feed([]byte("51"), emit)
	l.feed([]byte("2\n600\n7"), emit)
	l.feed([]byte("00\n\n"), emit)

	want := []string{"512", "600", "700"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLineSplitter_DropsOverlongLine(t *testing.T) {
	var lines []string
	emit := func(b []byte) { lines = append(lines, string(b)) }

	var l lineSplitter
	l.feed([]byte(strings.Repeat("9", maxLineLen)), emit)
	l.feed([]byte("99\n42\n"), emit)

	if diff := cmp.Diff([]string{"42"}, lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestPortOptions_Normalize(t *testing.T) {
	got, err := PortOptions{Parity: "even"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "space"}} {
		if _, err := bad.Normalize(); err == nil {
			t.Fatalf("Normalize(%+v) succeeded, want error", bad)
		}
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	want := &serial.Mode{BaudRate: 9600, DataBits: 7, StopBits: serial.TwoStopBits, Parity: serial.OddParity}
	if diff := cmp.Diff(want, mode); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	mode, err = PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.StopBits != serial.OneStopBit || mode.Parity != serial.NoParity {
		t.Fatalf("default mode = %+v", mode)
	}
}

// fakeSerialPort delivers scripted chunks and then behaves like an idle port whose reads time out.
type fakeSerialPort struct {
	chunks  chan []byte
	closed  chan struct{}
	once    sync.Once
	timeout time.Duration
}

func newFakeSerialPort() *fakeSerialPort {
	return &fakeSerialPort{chunks: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *fakeSerialPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *fakeSerialPort) Read(b []byte) (int, error) {
	select {
	case c := <-p.chunks:
		return copy(b, c), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakeSerialPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestSerialSource_PublishesLatestValidSample(t *testing.T) {
	port := newFakeSerialPort()
	src, err := newSerialSource(port, testLogger())
	if err != nil {
		t.Fatalf("newSerialSource: %v", err)
	}
	defer src.Close()

	if port.timeout != readerPollInterval {
		t.Fatalf("read timeout = %v, want %v", port.timeout, readerPollInterval)
	}

	port.chunks <- []byte("100\n2")
	port.chunks <- []byte("50\n")
	waitUntil(t, time.Second, func() bool { return src.Read() == 250 }, "sample 250 not published")

	// Malformed line keeps the last good value.
	port.chunks <- []byte("garbage\n")
	port.chunks <- []byte("300\n")
	waitUntil(t, time.Second, func() bool { return src.Read() == 300 }, "sample 300 not published")
}

func TestSerialSource_CloseStopsReader(t *testing.T) {
	port := newFakeSerialPort()
	src, err := newSerialSource(port, testLogger())
	if err != nil {
		t.Fatalf("newSerialSource: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = src.Close()
		_ = src.Close()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close did not return")
	}
	select {
	case <-src.stopped:
	default:
		t.Fatalf("reader still running after Close")
	}
}

// eofPort ends the stream immediately.
type eofPort struct{}

func (eofPort) Read([]byte) (int, error)           { return 0, io.EOF }
func (eofPort) Close() error                       { return nil }
func (eofPort) SetReadTimeout(time.Duration) error { return nil }

func TestSerialSource_EOFHoldsValue(t *testing.T) {
	src, err := newSerialSource(eofPort{}, testLogger())
	if err != nil {
		t.Fatalf("newSerialSource: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		select {
		case <-src.stopped:
			return true
		default:
			return false
		}
	}, "reader did not stop at EOF")
	if got := src.Read(); got != 0 {
		t.Fatalf("Read() = %d, want 0", got)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenSource_StaticAndUnknown(t *testing.T) {
	src, err := openSource(SourceConfig{Type: sourceStatic, Value: 77}, testLogger())
	if err != nil {
		t.Fatalf("openSource(static): %v", err)
	}
	if got := src.Read(); got != 77 {
		t.Fatalf("static Read() = %d, want 77", got)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("static Close: %v", err)
	}

	if _, err := openSource(SourceConfig{Type: "adc"}, testLogger()); err == nil {
		t.Fatalf("openSource(adc) succeeded, want error")
	}
}
