package session

import "context"

// Registry is the operating system's media-session registry.
type Registry interface {
	// CurrentSession returns the session the OS currently considers active, or nil.
	CurrentSession(ctx context.Context) (Handle, error)

	// WatchSessions registers fn to be invoked whenever the current session may have
	// changed. fn may run on any goroutine. The returned cancel func is idempotent.
	WatchSessions(fn func()) (cancel func(), err error)

	// SupportsSessionEvents is the capability probe consulted once at startup.
	SupportsSessionEvents() bool

	Close() error
}

// RegistryOpener obtains the registry. It is called once by Monitor.Initialize.
type RegistryOpener func(ctx context.Context) (Registry, error)

// Handle refers to the application currently controlling media.
//
// Two handles returned by separate queries may refer to the same logical session;
// SourceAppID is what the Monitor compares.
type Handle interface {
	SourceAppID() string

	PlaybackInfo(ctx context.Context) (PlaybackSnapshot, error)
	MediaProperties(ctx context.Context) (MetadataSnapshot, error)

	// Subscribe delivers this session's own change notifications to l until the
	// returned subscription is closed. Callbacks may run on any goroutine.
	Subscribe(l Listener) (Subscription, error)

	TogglePlayPause(ctx context.Context) error
	SkipNext(ctx context.Context) error
	SkipPrevious(ctx context.Context) error
}

// Listener receives per-session notifications.
type Listener interface {
	PlaybackChanged()
	MetadataChanged()
}

// Subscription is a live per-session notification registration.
type Subscription interface {
	// Close must tolerate a session that no longer exists.
	Close() error
}

func sourceID(h Handle) string {
	if h == nil {
		return ""
	}
	return h.SourceAppID()
}
