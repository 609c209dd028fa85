package main

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"mediasessiond/internal/ipc"
	"mediasessiond/internal/session"
	"mediasessiond/internal/thumbnail"
)

// ============================================================================
// Presenter - session events to consumer surfaces
// ============================================================================
//
// The monitor owns the session cache; the presenter only reads it. For each
// change event it re-reads the relevant part of the cache and:
//   - turns it into a WS envelope for the broadcaster
//   - answers IPC and HTTP requests from the same snapshot shape
//
// Metadata is fetched lazily: with no WS client connected a metadata event is
// not worth a backend round trip, so it is skipped.
// ============================================================================

const (
	displayTitleMax  = 35
	displayTitleKeep = 32
)

// mediaSource is the part of the session monitor the presenter needs.
type mediaSource interface {
	State() session.State
	FetchMetadata(ctx context.Context) (session.MetadataSnapshot, bool)
	TogglePlayPause(ctx context.Context) session.CommandResult
	SkipNext(ctx context.Context) session.CommandResult
	SkipPrevious(ctx context.Context) session.CommandResult
}

type clientCounter interface {
	ClientCount() int
}

type Presenter struct {
	src     mediaSource
	thumbs  *thumbnail.Resolver
	clients clientCounter
	out     chan wsOutboundEvent
	logger  *slog.Logger
}

func NewPresenter(src mediaSource, thumbs *thumbnail.Resolver, clients clientCounter, logger *slog.Logger) *Presenter {
	return &Presenter{
		src:     src,
		thumbs:  thumbs,
		clients: clients,
		out:     make(chan wsOutboundEvent, 64),
		logger:  logger,
	}
}

// Broadcasts is the stream consumed by RunBroadcaster. It is closed when Run returns.
func (p *Presenter) Broadcasts() <-chan wsOutboundEvent {
	return p.out
}

// Run translates session events until ctx is canceled or events is closed.
func (p *Presenter) Run(ctx context.Context, events <-chan session.Event) {
	defer close(p.out)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("presenter stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				p.logger.Info("presenter stopping (events channel closed)")
				return
			}
			out, ok := p.present(ctx, ev)
			if !ok {
				continue
			}
			select {
			case p.out <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Presenter) present(ctx context.Context, ev session.Event) (wsOutboundEvent, bool) {
	switch ev {
	case session.EventSessionChanged:
		snap := p.Snapshot(ctx, false)
		p.logger.Info("media session changed", "source_app_id", snap.SourceAppID, "has_session", snap.HasSession)
		return wsOutboundEvent{Type: wsTypeSessionChanged, Data: snap}, true

	case session.EventPlaybackChanged:
		pb := p.src.State().Playback
		p.logger.Debug("playback changed", "status", pb.Status.String())
		return wsOutboundEvent{Type: wsTypePlaybackChanged, Data: playbackData(pb)}, true

	case session.EventMetadataChanged:
		if p.clients != nil && p.clients.ClientCount() == 0 {
			p.logger.Debug("metadata changed, no ws clients, skipping fetch")
			return wsOutboundEvent{}, false
		}
		meta, ok := p.metadata(ctx, true)
		if !ok {
			return wsOutboundEvent{Type: wsTypeMetadataChanged}, true
		}
		return wsOutboundEvent{Type: wsTypeMetadataChanged, Data: meta}, true

	default:
		p.logger.Warn("unknown session event", "event", ev.String())
		return wsOutboundEvent{}, false
	}
}

// Snapshot renders the cache. With fetch set, metadata that is not cached yet
// is fetched from the session.
func (p *Presenter) Snapshot(ctx context.Context, fetch bool) ipc.Snapshot {
	st := p.src.State()
	snap := ipc.Snapshot{
		HasSession:      st.HasSession(),
		SourceAppID:     st.SourceAppID,
		Status:          st.Playback.Status.String(),
		IsPlaying:       st.Playback.Status == session.StatusPlaying,
		NextEnabled:     st.Playback.NextEnabled,
		PreviousEnabled: st.Playback.PreviousEnabled,
		HasPlaylist:     st.Playback.HasPlaylist(),
	}
	if !snap.HasSession {
		return snap
	}
	if meta, ok := p.metadata(ctx, fetch); ok {
		snap.Metadata = meta
	}
	return snap
}

func (p *Presenter) metadata(ctx context.Context, fetch bool) (*ipc.Metadata, bool) {
	st := p.src.State()
	if st.Metadata != nil {
		return toIPCMetadata(*st.Metadata), true
	}
	if !fetch || !st.HasSession() {
		return nil, false
	}
	meta, ok := p.src.FetchMetadata(ctx)
	if !ok {
		return nil, false
	}
	return toIPCMetadata(meta), true
}

// Thumbnail returns the current artwork encoded as PNG.
func (p *Presenter) Thumbnail(ctx context.Context) ([]byte, bool) {
	if p.thumbs == nil {
		return nil, false
	}
	st := p.src.State()
	if !st.HasSession() {
		return nil, false
	}
	var meta session.MetadataSnapshot
	if st.Metadata != nil {
		meta = *st.Metadata
	} else {
		var ok bool
		if meta, ok = p.src.FetchMetadata(ctx); !ok {
			return nil, false
		}
	}
	return p.thumbs.Encode(ctx, meta)
}

// Command forwards a transport command to the current session.
func (p *Presenter) Command(ctx context.Context, t ipc.RequestType) (session.CommandResult, error) {
	switch t {
	case ipc.RequestTogglePlayPause:
		return p.src.TogglePlayPause(ctx), nil
	case ipc.RequestSkipNext:
		return p.src.SkipNext(ctx), nil
	case ipc.RequestSkipPrevious:
		return p.src.SkipPrevious(ctx), nil
	default:
		return 0, fmt.Errorf("not a command: %q", t)
	}
}

// Handle answers IPC requests.
func (p *Presenter) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	if req.Type == ipc.RequestGetState {
		snap := p.Snapshot(ctx, true)
		return ipc.Response{Status: ipc.StatusOK, State: &snap}
	}

	res, err := p.Command(ctx, req.Type)
	if err != nil {
		return ipc.Response{Status: ipc.StatusError, Error: err.Error()}
	}
	p.logger.Debug("IPC command", "type", string(req.Type), "result", res.String())
	return ipc.Response{Status: ipc.StatusOK, Result: res.String()}
}

var _ ipc.Handler = (*Presenter)(nil)

func playbackData(pb session.PlaybackSnapshot) wsPlaybackData {
	return wsPlaybackData{
		Status:          pb.Status.String(),
		IsPlaying:       pb.Status == session.StatusPlaying,
		NextEnabled:     pb.NextEnabled,
		PreviousEnabled: pb.PreviousEnabled,
		HasPlaylist:     pb.HasPlaylist(),
	}
}

func toIPCMetadata(m session.MetadataSnapshot) *ipc.Metadata {
	return &ipc.Metadata{
		Title:        m.Title,
		DisplayTitle: displayTitle(m.Title),
		Artist:       m.Artist,
		Album:        m.Album,
		ArtURL:       m.ArtURL,
		HasThumbnail: m.Thumbnail != nil,
	}
}

// displayTitle shortens long titles for compact views, counting runes.
func displayTitle(title string) string {
	if utf8.RuneCountInString(title) <= displayTitleMax {
		return title
	}
	runes := []rune(title)
	return string(runes[:displayTitleKeep]) + "..."
}
