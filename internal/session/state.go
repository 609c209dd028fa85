package session

import (
	"context"
	"io"
)

// Status is the transport status reported by a media session.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusStopped
	StatusPaused
	StatusPlaying
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusPaused:
		return "paused"
	case StatusPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// MarshalText lets Status render as its name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PlaybackSnapshot is an immutable view of a session's transport state.
// Snapshots are compared with == to decide whether a change is observable.
type PlaybackSnapshot struct {
	Status          Status
	NextEnabled     bool
	PreviousEnabled bool
}

// HasPlaylist reports whether the session can move to another track in either direction.
func (p PlaybackSnapshot) HasPlaylist() bool {
	return p.NextEnabled || p.PreviousEnabled
}

// ThumbnailRef is an opaque handle to a session's artwork.
type ThumbnailRef interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// MetadataSnapshot is an immutable view of the media a session is presenting.
type MetadataSnapshot struct {
	Title  string
	Artist string
	Album  string

	// ArtURL is the backend's artwork locator, kept for display and logging.
	ArtURL string

	// Thumbnail is nil when the session exposes no artwork.
	Thumbnail ThumbnailRef
}

// CacheKey identifies the artwork of this metadata for thumbnail caching.
// NUL cannot appear in a D-Bus string, so distinct title/artist pairs never
// share a key.
func (m MetadataSnapshot) CacheKey() string {
	return m.Title + "\x00" + m.Artist
}

// announce records how a pending session swap is reported once its playback
// snapshot has been observed.
type announce uint8

const (
	announceNone announce = iota
	announceSwap
	announceQuiet
)

// State is the session cache owned by the Monitor's loop.
//
// The loop replaces it wholesale once per processing cycle and publishes a copy;
// consumers only ever see published copies.
type State struct {
	// Session is nil when no session is current.
	Session Handle

	// SourceAppID is the identifier used for change detection. Empty when no session.
	SourceAppID string

	Playback PlaybackSnapshot

	// Metadata is nil until fetched for the current session.
	Metadata *MetadataSnapshot

	// Generation increments on every session swap. Per-session messages carry the
	// generation they were issued for and are discarded once it is superseded.
	Generation uint64

	// MetadataSeq increments on every metadata notification so that an on-demand
	// fetch started earlier cannot overwrite a newer result.
	MetadataSeq uint64

	pending announce
}

// HasSession reports whether a session is current.
func (s State) HasSession() bool {
	return s.Session != nil
}
