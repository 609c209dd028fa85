package mpris

import (
	"context"
	"fmt"
	"sync"

	"mediasessiond/internal/session"
)

// Handle is one MPRIS player as a session.Handle. Calls and subscriptions use
// the well-known bus name, so they survive the player reconnecting.
type Handle struct {
	reg     *Registry
	busName string
	appID   string
}

var _ session.Handle = (*Handle)(nil)

func (h *Handle) SourceAppID() string { return h.appID }

// BusName is the player's well-known name, e.g. org.mpris.MediaPlayer2.spotify.
func (h *Handle) BusName() string { return h.busName }

func (h *Handle) PlaybackInfo(ctx context.Context) (session.PlaybackSnapshot, error) {
	props, err := h.reg.bus.GetAll(ctx, h.busName, playerInterface)
	if err != nil {
		return session.PlaybackSnapshot{}, fmt.Errorf("%s playback: %w", h.busName, err)
	}
	return parsePlayback(props), nil
}

func (h *Handle) MediaProperties(ctx context.Context) (session.MetadataSnapshot, error) {
	v, err := h.reg.bus.GetProperty(ctx, h.busName, playerInterface, propMetadata)
	if err != nil {
		return session.MetadataSnapshot{}, fmt.Errorf("%s metadata: %w", h.busName, err)
	}
	md := parseMetadata(v)
	return metadataSnapshot(md, h.reg.art.ref(md.ArtUrl)), nil
}

func (h *Handle) Subscribe(l session.Listener) (session.Subscription, error) {
	id := h.reg.addListener(h.busName, l)
	return &subscription{reg: h.reg, busName: h.busName, id: id}, nil
}

func (h *Handle) TogglePlayPause(ctx context.Context) error {
	return h.call(ctx, "PlayPause")
}

func (h *Handle) SkipNext(ctx context.Context) error {
	return h.call(ctx, "Next")
}

func (h *Handle) SkipPrevious(ctx context.Context) error {
	return h.call(ctx, "Previous")
}

func (h *Handle) call(ctx context.Context, method string) error {
	if err := h.reg.bus.Call(ctx, h.busName, playerInterface+"."+method); err != nil {
		return fmt.Errorf("%s %s: %w", h.busName, method, err)
	}
	return nil
}

type subscription struct {
	reg     *Registry
	busName string
	id      int
	once    sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.reg.removeListener(s.busName, s.id) })
	return nil
}
