package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// axisctl - Command-line IPC Client
// ============================================================================
// This tool sends commands to the axisd daemon via IPC.
//
// Usage:
//   axisctl enable throttle
//   axisctl disable throttle passive
//   axisctl calibrate throttle start_value=512 min=0 max=1023
//   axisctl user-state throttle 2
//   axisctl state
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/axisd.sock)
// ============================================================================

const defaultSocket = "/tmp/axisd.sock"

// Events (duplicated from axisd for a standalone binary)

type EnableAxis struct {
	Axis    string `json:"axis"`
	Enabled bool   `json:"enabled"`
	Passive bool   `json:"passive,omitempty"`
}

type CalibrateAxis struct {
	Axis               string `json:"axis"`
	StartValue         *int   `json:"start_value,omitempty"`
	StartBoundary      *int   `json:"start_boundary,omitempty"`
	EndBoundary        *int   `json:"end_boundary,omitempty"`
	Min                *int   `json:"min,omitempty"`
	Max                *int   `json:"max,omitempty"`
	NegativeIncrements *int   `json:"negative_increments,omitempty"`
	PositiveIncrements *int   `json:"positive_increments,omitempty"`
	IdleTimeoutMS      *int   `json:"idle_timeout_ms,omitempty"`
	RateLimitMS        *int   `json:"rate_limit_ms,omitempty"`
}

type SetUserState struct {
	Axis  string `json:"axis"`
	State uint   `json:"state"`
}

// EventEnvelope wraps events for JSON
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func main() {
	socketPath := defaultSocket

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
		return
	}

	req, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	data, err := send(socketPath, req, 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(data) == 0 {
		fmt.Println("ok")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}

// parseCommand turns command-line arguments into a wire envelope.
func parseCommand(args []string) (EventEnvelope, error) {
	if len(args) == 0 {
		return EventEnvelope{}, errors.New("missing command")
	}

	switch args[0] {
	case "enable":
		if len(args) != 2 {
			return EventEnvelope{}, errors.New("usage: enable <axis>")
		}
		return envelope("enable_axis", EnableAxis{Axis: args[1], Enabled: true})

	case "disable":
		if len(args) < 2 || len(args) > 3 {
			return EventEnvelope{}, errors.New("usage: disable <axis> [passive]")
		}
		ev := EnableAxis{Axis: args[1], Enabled: false}
		if len(args) == 3 {
			if args[2] != "passive" {
				return EventEnvelope{}, fmt.Errorf("unexpected argument %q (want passive)", args[2])
			}
			ev.Passive = true
		}
		return envelope("enable_axis", ev)

	case "calibrate", "cal":
		if len(args) < 3 {
			return EventEnvelope{}, errors.New("usage: calibrate <axis> key=value...")
		}
		ev, err := parseCalibration(args[1], args[2:])
		if err != nil {
			return EventEnvelope{}, err
		}
		return envelope("calibrate_axis", ev)

	case "user-state":
		if len(args) != 3 {
			return EventEnvelope{}, errors.New("usage: user-state <axis> <n>")
		}
		n, err := strconv.ParseUint(args[2], 10, 0)
		if err != nil {
			return EventEnvelope{}, fmt.Errorf("invalid state %q: %w", args[2], err)
		}
		return envelope("set_user_state", SetUserState{Axis: args[1], State: uint(n)})

	case "state", "get-state":
		return EventEnvelope{Type: "get_state"}, nil

	default:
		return EventEnvelope{}, fmt.Errorf("unknown command: %s", args[0])
	}
}

func parseCalibration(axis string, pairs []string) (CalibrateAxis, error) {
	ev := CalibrateAxis{Axis: axis}
	fields := map[string]**int{
		"start_value":         &ev.StartValue,
		"start_boundary":      &ev.StartBoundary,
		"end_boundary":        &ev.EndBoundary,
		"min":                 &ev.Min,
		"max":                 &ev.Max,
		"negative_increments": &ev.NegativeIncrements,
		"positive_increments": &ev.PositiveIncrements,
		"idle_timeout_ms":     &ev.IdleTimeoutMS,
		"rate_limit_ms":       &ev.RateLimitMS,
	}

	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return CalibrateAxis{}, fmt.Errorf("expected key=value, got %q", pair)
		}
		dst, known := fields[key]
		if !known {
			return CalibrateAxis{}, fmt.Errorf("unknown calibration key %q", key)
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return CalibrateAxis{}, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		*dst = &n
	}
	return ev, nil
}

func envelope(typ string, v any) (EventEnvelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return EventEnvelope{Type: typ, Data: data}, nil
}

// send writes one request and returns the response payload.
func send(socketPath string, req EventEnvelope, timeout time.Duration) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if response.Status != "ok" {
		return nil, fmt.Errorf("daemon error: %s", response.Error)
	}

	return response.Data, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `axisctl - Control the axisd daemon via IPC

Usage:
  axisctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: %s)

Commands:
  enable <axis>                   Enable events for an axis
  disable <axis> [passive]        Disable events (passive keeps auto-ranging)
  calibrate <axis> key=value...   Change calibration; keys:
                                    start_value start_boundary end_boundary min max
                                    negative_increments positive_increments
                                    idle_timeout_ms rate_limit_ms
  user-state <axis> <n>           Store an opaque state number on an axis
  state                           Print the state of every axis as JSON
  help, -h, --help                Show this help message

Examples:
  axisctl disable throttle passive
  axisctl calibrate throttle start_value=512 min=0 max=1023 positive_increments=10
  axisctl -socket /run/axisd.sock state
`, defaultSocket)
}
