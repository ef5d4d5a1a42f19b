package main

import "time"

// Linux input event types (from <linux/input-event-codes.h>)
const (
	EV_SYN = 0x00
	EV_ABS = 0x03
)

// Absolute axis codes commonly produced by joysticks, gamepads and slider boxes.
const (
	ABS_X        = 0x00
	ABS_Y        = 0x01
	ABS_Z        = 0x02
	ABS_RX       = 0x03
	ABS_RY       = 0x04
	ABS_RZ       = 0x05
	ABS_THROTTLE = 0x06
	ABS_RUDDER   = 0x07
	ABS_WHEEL    = 0x08
	ABS_GAS      = 0x09
	ABS_BRAKE    = 0x0a
	ABS_MAX      = 0x3f
)

// Daemon defaults
const (
	defaultUpdateHz   = 100 // Control loop frequency (Hz)
	defaultHTTPPort   = 3002
	defaultWSPath     = "/ws"
	defaultIPCSocket  = "/tmp/axisd.sock"
	defaultIIOChannel = "/sys/bus/iio/devices/iio:device0/in_voltage0_raw"

	// Inbound control events and outbound broadcasts are buffered so a burst of axis movement
	// never stalls the control loop.
	eventQueueSize     = 64
	broadcastQueueSize = 256

	// How long IPC and WebSocket handlers wait for the control loop to answer.
	daemonReplyTimeout = 1 * time.Second

	// Background readers poll their stop channel at this interval.
	readerPollInterval = 250 * time.Millisecond
)

// Source types accepted in axes[].source.type
const (
	sourceIIO    = "iio"
	sourceEvdev  = "evdev"
	sourceSerial = "serial"
	sourceStatic = "static"
)
