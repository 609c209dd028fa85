package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen prints mediasessiond's state stream, one line per envelope.

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type metadata struct {
	Title        string `json:"title"`
	DisplayTitle string `json:"display_title"`
	Artist       string `json:"artist"`
	Album        string `json:"album"`
	HasThumbnail bool   `json:"has_thumbnail"`
}

type snapshot struct {
	HasSession      bool      `json:"has_session"`
	SourceAppID     string    `json:"source_app_id"`
	Status          string    `json:"status"`
	NextEnabled     bool      `json:"next_enabled"`
	PreviousEnabled bool      `json:"previous_enabled"`
	Metadata        *metadata `json:"metadata"`
}

func main() {
	var (
		wsURL = flag.String("url", "ws://127.0.0.1:3002/ws/state", "mediasessiond state websocket URL")
		raw   = flag.Bool("raw", false, "Print raw JSON frames")
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

	// The daemon pings every 20s; answer pongs and keep our own deadline.
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			fmt.Println(formatMessage(message))
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

// formatMessage renders one state envelope for humans. Unknown frames are
// printed as-is.
func formatMessage(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
		return "[TEXT] " + string(message)
	}

	switch env.Type {
	case "state_init", "session_changed":
		var s snapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			break
		}
		tag := "[SESSION]"
		if env.Type == "state_init" {
			tag = "[INIT]"
		}
		if !s.HasSession {
			return tag + " no media session"
		}
		line := fmt.Sprintf("%s %s (%s)", tag, s.SourceAppID, s.Status)
		if s.Metadata != nil {
			line += " " + formatMetadata(*s.Metadata)
		}
		return line

	case "playback_changed":
		var s snapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			break
		}
		return fmt.Sprintf("[PLAYBACK] %s prev=%t next=%t", s.Status, s.PreviousEnabled, s.NextEnabled)

	case "metadata_changed":
		if len(env.Data) == 0 {
			return "[METADATA] unavailable"
		}
		var m metadata
		if err := json.Unmarshal(env.Data, &m); err != nil {
			break
		}
		return "[METADATA] " + formatMetadata(m)
	}

	return fmt.Sprintf("[%s] %s", strings.ToUpper(env.Type), string(env.Data))
}

func formatMetadata(m metadata) string {
	title := m.DisplayTitle
	if title == "" {
		title = m.Title
	}
	out := fmt.Sprintf("%q by %q", title, m.Artist)
	if m.Album != "" {
		out += fmt.Sprintf(" on %q", m.Album)
	}
	if m.HasThumbnail {
		out += " [art]"
	}
	return out
}
