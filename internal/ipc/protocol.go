// Package ipc is the daemon's Unix socket control protocol.
//
// Protocol: line-delimited JSON
//   - client sends: {"type": "toggle_play_pause"}
//   - server responds: {"status": "ok", "result": "sent"} or
//     {"status": "error", "error": "msg"}
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const DefaultSocketPath = "/tmp/mediasessiond.sock"

type RequestType string

const (
	RequestTogglePlayPause RequestType = "toggle_play_pause"
	RequestSkipNext        RequestType = "skip_next"
	RequestSkipPrevious    RequestType = "skip_previous"
	RequestGetState        RequestType = "get_state"
)

func (t RequestType) Valid() bool {
	switch t {
	case RequestTogglePlayPause, RequestSkipNext, RequestSkipPrevious, RequestGetState:
		return true
	}
	return false
}

type Request struct {
	Type RequestType `json:"type"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is sent back for every request line.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	// Result is the command outcome: "sent", "no_session" or "failed".
	Result string    `json:"result,omitempty"`
	State  *Snapshot `json:"state,omitempty"`
}

// Snapshot is the wire form of the media session cache, shared by the IPC,
// HTTP and WebSocket surfaces.
type Snapshot struct {
	HasSession      bool      `json:"has_session"`
	SourceAppID     string    `json:"source_app_id,omitempty"`
	Status          string    `json:"status"`
	IsPlaying       bool      `json:"is_playing"`
	NextEnabled     bool      `json:"next_enabled"`
	PreviousEnabled bool      `json:"previous_enabled"`
	HasPlaylist     bool      `json:"has_playlist"`
	Metadata        *Metadata `json:"metadata,omitempty"`
}

type Metadata struct {
	Title        string `json:"title"`
	DisplayTitle string `json:"display_title"`
	Artist       string `json:"artist"`
	Album        string `json:"album,omitempty"`
	ArtURL       string `json:"art_url,omitempty"`
	HasThumbnail bool   `json:"has_thumbnail"`
}

// ErrDaemon is returned by Send when the daemon answered with an error status.
var ErrDaemon = errors.New("ipc: daemon error")

// ParseRequest decodes one request line, rejecting unknown fields and types.
func ParseRequest(line []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}
	if req.Type == "" {
		return Request{}, errors.New("parse request: missing type")
	}
	if !req.Type.Valid() {
		return Request{}, fmt.Errorf("parse request: unknown type %q", req.Type)
	}
	return req, nil
}
