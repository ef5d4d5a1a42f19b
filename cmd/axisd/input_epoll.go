//go:build linux

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// absInfo mirrors struct input_absinfo.
type absInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// eviocgabs builds the EVIOCGABS(code) request: _IOR('E', 0x40 + code, struct input_absinfo).
// The direction bits assume the generic ioctl layout used by x86 and arm.
func eviocgabs(code uint16) uintptr {
	const (
		iocRead      = 2
		iocDirShift  = 30
		iocSizeShift = 16
		iocTypeShift = 8
	)
	size := unsafe.Sizeof(absInfo{})
	return uintptr(iocRead)<<iocDirShift | size<<iocSizeShift | uintptr('E')<<iocTypeShift | uintptr(0x40+code)
}

// evdevSource follows one EV_ABS code of a Linux input device.
//
// A single goroutine waits on the device with epoll and publishes every matching event value.
// The initial value comes from EVIOCGABS so the tracker sees the real resting position before the
// first movement.
type evdevSource struct {
	latestValue

	fd      int
	code    uint16
	logger  *slog.Logger
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func openEvdevSource(path string, code uint16, logger *slog.Logger) (sampleSource, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open input device %s: %w", path, err)
	}

	var info absInfo
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgabs(code), uintptr(unsafe.Pointer(&info))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("EVIOCGABS code=%d on %s: %w", code, path, errno)
	}

	s := &evdevSource{
		fd:      fd,
		code:    code,
		logger:  logger.With("source", sourceEvdev, "path", path, "code", code),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.store(int(info.Value))
	s.logger.Debug("evdev axis opened", "value", info.Value, "min", info.Minimum, "max", info.Maximum)

	go s.readLoop()
	return s, nil
}

// Close stops the reader and releases the device. Safe to call more than once.
func (s *evdevSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		<-s.stopped
		err = unix.Close(s.fd)
	})
	return err
}

func (s *evdevSource) readLoop() {
	defer close(s.stopped)

	if err := s.poll(); err != nil {
		s.logger.Error("input device reader stopped, holding last value", "error", err)
	}
}

func (s *evdevSource) poll() error {
	// Create epoll instance
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(s.fd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl_add fd=%d: %w", s.fd, err)
	}

	// Reusable buffers
	const maxBatch = 64
	epollEvents := make([]unix.EpollEvent, 1)
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize*maxBatch)
	reader := bytes.NewReader(nil)
	timeoutMS := int(readerPollInterval.Milliseconds())

	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		// A finite timeout lets Close stop the loop without a wakeup fd.
		n, err := unix.EpollWait(epfd, epollEvents, timeoutMS)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		if n == 0 {
			continue
		}

		if epollEvents[0].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			return errors.New("device error/hangup")
		}

		nr, err := unix.Read(s.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		// The kernel only returns whole events.
		reader.Reset(buf[:nr-nr%evSize])
		for reader.Len() > 0 {
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				break
			}
			if ev.Type == EV_ABS && ev.Code == s.code {
				s.store(int(ev.Value))
			}
		}
	}
}
