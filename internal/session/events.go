package session

// ============================================================================
// Outbound change events
// ============================================================================

// Event tells consumers which part of the cache to re-read. It carries no payload.
type Event uint8

const (
	EventSessionChanged Event = iota + 1
	EventPlaybackChanged
	EventMetadataChanged
)

func (e Event) String() string {
	switch e {
	case EventSessionChanged:
		return "session_changed"
	case EventPlaybackChanged:
		return "playback_changed"
	case EventMetadataChanged:
		return "metadata_changed"
	default:
		return "unknown"
	}
}

// ============================================================================
// Reducer inputs
// ============================================================================
//
// Inputs arrive from three places:
//   - detectors (SessionDetected)
//   - per-session OS notifications (PlaybackNotified, MetadataNotified)
//   - effect observations fed back by the loop (*Observed, *FetchFailed)

// Input is anything the reducer consumes.
type Input interface {
	inputMarker()
}

// SessionDetected is a detector report. Handle is nil when no session is current.
// Initial marks the startup query, which populates the cache without events.
type SessionDetected struct {
	Handle  Handle
	Initial bool
}

func (SessionDetected) inputMarker() {}

// PlaybackNotified is the session's own "playback info changed" notification.
type PlaybackNotified struct {
	Generation uint64
}

func (PlaybackNotified) inputMarker() {}

// MetadataNotified is the session's own "media properties changed" notification.
type MetadataNotified struct {
	Generation uint64
}

func (MetadataNotified) inputMarker() {}

// PlaybackObserved carries a successfully fetched playback snapshot.
type PlaybackObserved struct {
	Generation uint64
	Snapshot   PlaybackSnapshot
}

func (PlaybackObserved) inputMarker() {}

// PlaybackFetchFailed reports a failed playback fetch.
type PlaybackFetchFailed struct {
	Generation uint64
	Err        error
}

func (PlaybackFetchFailed) inputMarker() {}

// MetadataObserved carries a fetched metadata snapshot. Notify is set when the
// fetch was triggered by a session notification rather than a consumer request.
type MetadataObserved struct {
	Generation uint64
	Seq        uint64
	Snapshot   MetadataSnapshot
	Notify     bool
}

func (MetadataObserved) inputMarker() {}

// MetadataFetchFailed reports a failed metadata fetch.
type MetadataFetchFailed struct {
	Generation uint64
	Seq        uint64
	Err        error
	Notify     bool
}

func (MetadataFetchFailed) inputMarker() {}

// barrier is a no-op input. Waiting on it guarantees that everything posted
// before it has been reduced and emitted.
type barrier struct{}

func (barrier) inputMarker() {}
