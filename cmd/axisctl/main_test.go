package main

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseCommand_Disable(t *testing.T) {
	env, err := parseCommand([]string{"disable", "brake", "passive"})
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if env.Type != "enable_axis" {
		t.Fatalf("type = %q", env.Type)
	}
	if got, want := string(env.Data), `{"axis":"brake","enabled":false,"passive":true}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
}

func TestParseCommand_CalibrateOnlyGivenKeys(t *testing.T) {
	env, err := parseCommand([]string{"calibrate", "throttle", "start_value=0", "max=1023"})
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if env.Type != "calibrate_axis" {
		t.Fatalf("type = %q", env.Type)
	}
	if got, want := string(env.Data), `{"axis":"throttle","start_value":0,"max":1023}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
}

func TestParseCommand_Errors(t *testing.T) {
	cases := [][]string{
		{},
		{"enable"},
		{"disable", "a", "loudly"},
		{"calibrate", "a"},
		{"calibrate", "a", "start_value"},
		{"calibrate", "a", "gain=3"},
		{"calibrate", "a", "min=low"},
		{"user-state", "a", "-1"},
		{"reboot"},
	}
	for _, args := range cases {
		if _, err := parseCommand(args); err == nil {
			t.Fatalf("parseCommand(%q) succeeded, want error", args)
		}
	}
}

func TestSend_ReturnsDataOrError(t *testing.T) {
	dir, err := os.MkdirTemp("", "axisctl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)
	socket := filepath.Join(dir, "s.sock")

	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// Fake daemon: answers get_state with data and anything else with an error.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			line, _ := bufio.NewReader(conn).ReadString('\n')
			var env EventEnvelope
			_ = json.Unmarshal([]byte(line), &env)
			resp := IPCResponse{Status: "error", Error: `unknown axis "x"`}
			if env.Type == "get_state" {
				resp = IPCResponse{Status: "ok", Data: json.RawMessage(`{"axes":[]}`)}
			}
			_ = json.NewEncoder(conn).Encode(resp)
			conn.Close()
		}
	}()

	data, err := send(socket, EventEnvelope{Type: "get_state"}, time.Second)
	if err != nil {
		t.Fatalf("send(get_state): %v", err)
	}
	if string(data) != `{"axes":[]}` {
		t.Fatalf("data = %s", data)
	}

	req, _ := parseCommand([]string{"enable", "x"})
	if _, err := send(socket, req, time.Second); err == nil || !strings.Contains(err.Error(), "unknown axis") {
		t.Fatalf("err = %v, want daemon error", err)
	}
}
