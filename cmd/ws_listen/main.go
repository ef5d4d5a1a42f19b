package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen subscribes to the axisd event WebSocket and prints what it receives.

// message is the axisd WebSocket envelope.
type message struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type axisChanged struct {
	Axis             string `json:"axis"`
	UserID           uint   `json:"user_id"`
	Position         int    `json:"position"`
	PreviousPosition int    `json:"previous_position"`
	Sample           int    `json:"sample"`
}

type axisIdle struct {
	Axis     string `json:"axis"`
	UserID   uint   `json:"user_id"`
	Position int    `json:"position"`
}

type stateInit struct {
	Axes []struct {
		Name     string `json:"name"`
		Position int    `json:"position"`
		Enabled  bool   `json:"enabled"`
		Sample   int    `json:"sample"`
	} `json:"axes"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3002/ws", "axisd event WebSocket URL")
		raw   = flag.Bool("raw", false, "Print raw JSON frames instead of summaries")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// The server pings every 20s; reading keeps the deadline fresh through the ping handler too.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	printer := newEventPrinter(os.Stdout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, frame, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}

			switch messageType {
			case websocket.TextMessage:
				if *raw {
					fmt.Printf("%s\n", frame)
					continue
				}
				printer.handle(frame)
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(frame))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// eventPrinter prints axisd events and tracks the last position seen per axis so skipped positions
// (coalesced bursts) are visible as deltas larger than one.
type eventPrinter struct {
	w    io.Writer
	last map[string]int
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{w: w, last: make(map[string]int)}
}

func (p *eventPrinter) handle(frame []byte) {
	var m message
	if err := json.Unmarshal(frame, &m); err != nil {
		fmt.Fprintf(p.w, "[TEXT] %s\n", frame)
		return
	}

	switch m.Type {
	case "state_init":
		var s stateInit
		if err := json.Unmarshal(m.Data, &s); err != nil {
			fmt.Fprintf(p.w, "[STATE] malformed: %v\n", err)
			return
		}
		for _, a := range s.Axes {
			p.last[a.Name] = a.Position
			fmt.Fprintf(p.w, "[STATE] %s position=%d sample=%d enabled=%t\n", a.Name, a.Position, a.Sample, a.Enabled)
		}

	case "axis_changed":
		var c axisChanged
		if err := json.Unmarshal(m.Data, &c); err != nil {
			fmt.Fprintf(p.w, "[CHANGED] malformed: %v\n", err)
			return
		}
		from, seen := p.last[c.Axis]
		if !seen {
			from = c.PreviousPosition
		}
		p.last[c.Axis] = c.Position
		fmt.Fprintf(p.w, "[CHANGED] %s %d -> %d (%+d) sample=%d\n", c.Axis, from, c.Position, c.Position-from, c.Sample)

	case "axis_idle":
		var i axisIdle
		if err := json.Unmarshal(m.Data, &i); err != nil {
			fmt.Fprintf(p.w, "[IDLE] malformed: %v\n", err)
			return
		}
		fmt.Fprintf(p.w, "[IDLE] %s at %d\n", i.Axis, i.Position)

	default:
		fmt.Fprintf(p.w, "[%s] %s\n", m.Type, m.Data)
	}
}
