package mpris

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasessiond/internal/session"
)

const (
	spotifyName = "org.mpris.MediaPlayer2.spotify"
	firefoxName = "org.mpris.MediaPlayer2.firefox.instance_1_42"
	vlcName     = "org.mpris.MediaPlayer2.vlc"
)

func TestCurrentSession_NoPlayers(t *testing.T) {
	b := newFakeBus()
	b.other = []string{"org.gnome.Shell"}
	r := newTestRegistry(t, b, Options{})

	h, err := r.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestCurrentSession_PrefersPlaying(t *testing.T) {
	stubProcessNames(t, map[int32]string{100: "spotify", 200: "firefox"})
	b := newFakeBus()
	b.addPlayer(spotifyName, ":1.10", 100, "Paused")
	b.addPlayer(firefoxName, ":1.20", 200, "Playing")
	r := newTestRegistry(t, b, Options{PreferredPlayers: []string{"spotify"}})

	h, err := r.CurrentSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "firefox", h.SourceAppID())
	assert.Equal(t, firefoxName, h.(*Handle).BusName())
}

func TestCurrentSession_StickyWhenNothingPlays(t *testing.T) {
	stubProcessNames(t, map[int32]string{100: "spotify", 300: "vlc"})
	b := newFakeBus()
	b.addPlayer(spotifyName, ":1.10", 100, "Paused")
	b.addPlayer(vlcName, ":1.30", 300, "Playing")
	r := newTestRegistry(t, b, Options{})

	h, err := r.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vlc", h.SourceAppID())

	b.setProp(vlcName, propPlaybackStatus, dbus.MakeVariant("Paused"))
	h, err = r.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vlc", h.SourceAppID(), "previous choice kept while nothing plays")
}

func TestCurrentSession_IgnoredAndBrokenPlayersSkipped(t *testing.T) {
	stubProcessNames(t, map[int32]string{100: "spotify", 300: "vlc"})
	b := newFakeBus()
	b.addPlayer(spotifyName, ":1.10", 100, "Playing")
	broken := b.addPlayer(vlcName, ":1.30", 300, "Playing")
	broken.statusErr = errBus
	r := newTestRegistry(t, b, Options{IgnoredPlayers: []string{"Spotify"}})

	h, err := r.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestCurrentSession_ListFailure(t *testing.T) {
	b := newFakeBus()
	b.listErr = errBus
	r := newTestRegistry(t, b, Options{})

	_, err := r.CurrentSession(context.Background())
	assert.ErrorIs(t, err, errBus)
}

func TestCurrentSession_AppIDFallsBackToPlayerKey(t *testing.T) {
	stubProcessNames(t, nil)
	b := newFakeBus()
	b.addPlayer(firefoxName, ":1.20", 200, "Playing")
	r := newTestRegistry(t, b, Options{})

	h, err := r.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "firefox", h.SourceAppID())
}

// Two instances of one application resolve to the same identifier, so the
// monitor treats a switch between them as no change.
func TestCurrentSession_InstancesShareIdentifier(t *testing.T) {
	stubProcessNames(t, map[int32]string{200: "firefox", 201: "firefox"})
	b := newFakeBus()
	b.addPlayer("org.mpris.MediaPlayer2.firefox.instance_1_42", ":1.20", 200, "Playing")
	b.addPlayer("org.mpris.MediaPlayer2.firefox.instance_1_77", ":1.21", 201, "Paused")
	r := newTestRegistry(t, b, Options{})

	first, err := r.CurrentSession(context.Background())
	require.NoError(t, err)

	b.setProp("org.mpris.MediaPlayer2.firefox.instance_1_42", propPlaybackStatus, dbus.MakeVariant("Paused"))
	b.setProp("org.mpris.MediaPlayer2.firefox.instance_1_77", propPlaybackStatus, dbus.MakeVariant("Playing"))
	second, err := r.CurrentSession(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.(*Handle).BusName(), second.(*Handle).BusName())
	assert.Equal(t, first.SourceAppID(), second.SourceAppID())
}

func TestHandle_PlaybackAndMetadata(t *testing.T) {
	stubProcessNames(t, map[int32]string{100: "spotify"})
	b := newFakeBus()
	b.addPlayer(spotifyName, ":1.10", 100, "Playing")
	b.setProp(spotifyName, propMetadata, dbus.MakeVariant(map[string]dbus.Variant{
		"xesam:title":  dbus.MakeVariant("Song"),
		"xesam:artist": dbus.MakeVariant([]string{"A", "B"}),
		"xesam:album":  dbus.MakeVariant("Record"),
		"mpris:artUrl": dbus.MakeVariant("https://i.scdn.co/image/x"),
	}))
	r := newTestRegistry(t, b, Options{})

	h, err := r.CurrentSession(context.Background())
	require.NoError(t, err)

	pb, err := h.PlaybackInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.PlaybackSnapshot{Status: session.StatusPlaying, NextEnabled: true}, pb)

	meta, err := h.MediaProperties(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Song", meta.Title)
	assert.Equal(t, "A, B", meta.Artist)
	assert.Equal(t, "Record", meta.Album)
	assert.Equal(t, "https://i.scdn.co/image/x", meta.ArtURL)
	assert.NotNil(t, meta.Thumbnail)
}

func TestHandle_MetadataWithoutArtwork(t *testing.T) {
	b := newFakeBus()
	b.addPlayer(vlcName, ":1.30", 300, "Paused")
	b.setProp(vlcName, propMetadata, dbus.MakeVariant(map[string]dbus.Variant{
		"xesam:title": dbus.MakeVariant("Clip"),
	}))
	r := newTestRegistry(t, b, Options{})
	h := &Handle{reg: r, busName: vlcName, appID: "vlc"}

	meta, err := h.MediaProperties(context.Background())
	require.NoError(t, err)
	assert.Nil(t, meta.Thumbnail)
}

func TestHandle_Commands(t *testing.T) {
	b := newFakeBus()
	b.addPlayer(spotifyName, ":1.10", 100, "Playing")
	r := newTestRegistry(t, b, Options{})
	h := &Handle{reg: r, busName: spotifyName, appID: "spotify"}

	ctx := context.Background()
	require.NoError(t, h.TogglePlayPause(ctx))
	require.NoError(t, h.SkipNext(ctx))
	require.NoError(t, h.SkipPrevious(ctx))

	b.callErr = errBus
	assert.ErrorIs(t, h.SkipNext(ctx), errBus)

	assert.Equal(t, []string{
		spotifyName + " org.mpris.MediaPlayer2.Player.PlayPause",
		spotifyName + " org.mpris.MediaPlayer2.Player.Next",
		spotifyName + " org.mpris.MediaPlayer2.Player.Previous",
		spotifyName + " org.mpris.MediaPlayer2.Player.Next",
	}, b.calls)
}

func TestDispatch_RoutesPropertiesChangedToOwner(t *testing.T) {
	b := newFakeBus()
	r := newTestRegistry(t, b, Options{})
	r.dispatch(ownerChanged(spotifyName, "", ":1.10"))
	r.dispatch(ownerChanged(vlcName, "", ":1.30"))
	spotify := &Handle{reg: r, busName: spotifyName}
	vlc := &Handle{reg: r, busName: vlcName}

	ls, lv := &countingListener{}, &countingListener{}
	subS, err := spotify.Subscribe(ls)
	require.NoError(t, err)
	_, err = vlc.Subscribe(lv)
	require.NoError(t, err)

	r.dispatch(propsChanged(":1.10", map[string]dbus.Variant{propCanGoNext: dbus.MakeVariant(false)}))
	r.dispatch(propsChanged(":1.10", map[string]dbus.Variant{propMetadata: dbus.MakeVariant(map[string]dbus.Variant{})}))
	r.dispatch(propsChanged(":1.10", map[string]dbus.Variant{}, propMetadata))
	r.dispatch(propsChanged(":1.10", map[string]dbus.Variant{"Volume": dbus.MakeVariant(0.5)}))
	r.dispatch(propsChanged(":1.77", map[string]dbus.Variant{propCanGoNext: dbus.MakeVariant(true)}))

	pb, md := ls.counts()
	assert.Equal(t, 1, pb)
	assert.Equal(t, 2, md)
	pb, md = lv.counts()
	assert.Zero(t, pb)
	assert.Zero(t, md)

	require.NoError(t, subS.Close())
	require.NoError(t, subS.Close())
	r.dispatch(propsChanged(":1.10", map[string]dbus.Variant{propCanGoNext: dbus.MakeVariant(true)}))
	pb, _ = ls.counts()
	assert.Equal(t, 1, pb, "closed subscription receives nothing")
}

func TestWatchSessions_NotifiedBySignals(t *testing.T) {
	b := newFakeBus()
	r := newTestRegistry(t, b, Options{})
	require.True(t, r.SupportsSessionEvents())

	var fired atomic.Int32
	cancel, err := r.WatchSessions(func() { fired.Add(1) })
	require.NoError(t, err)

	b.emit(ownerChanged(spotifyName, "", ":1.10"))
	waitUntil(t, time.Second, func() bool { return fired.Load() == 1 }, "player appearance not reported")

	b.emit(ownerChanged("org.gnome.Shell", "", ":1.99"))
	b.emit(propsChanged(":1.10", map[string]dbus.Variant{propPlaybackStatus: dbus.MakeVariant("Playing")}))
	waitUntil(t, time.Second, func() bool { return fired.Load() == 2 }, "status change not reported")

	cancel()
	b.emit(ownerChanged(spotifyName, ":1.10", ""))
	b.emit(ownerChanged(vlcName, "", ":1.30"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), fired.Load())
}

func TestOwnerChangeDropsCachedAppID(t *testing.T) {
	stubProcessNames(t, map[int32]string{100: "spotify"})
	b := newFakeBus()
	b.addPlayer(spotifyName, ":1.10", 100, "Playing")
	r := newTestRegistry(t, b, Options{})

	_, err := r.CurrentSession(context.Background())
	require.NoError(t, err)
	r.mu.Lock()
	assert.Contains(t, r.appIDs, ":1.10")
	r.mu.Unlock()

	r.dispatch(ownerChanged(spotifyName, ":1.10", ""))
	r.mu.Lock()
	assert.NotContains(t, r.appIDs, ":1.10")
	r.mu.Unlock()
}

func TestSignalsUnavailableForcesPolling(t *testing.T) {
	b := newFakeBus()
	b.watchErr = errBus
	r := newTestRegistry(t, b, Options{})

	assert.False(t, r.SupportsSessionEvents())
	_, err := r.WatchSessions(func() {})
	assert.ErrorIs(t, err, errEventsUnavailable)
}

func TestDisableEvents(t *testing.T) {
	r := newTestRegistry(t, newFakeBus(), Options{DisableEvents: true})
	assert.False(t, r.SupportsSessionEvents())
}

func TestOpen_RetriesConnect(t *testing.T) {
	prevDial, prevInterval := dialBus, connectInitialInterval
	t.Cleanup(func() { dialBus, connectInitialInterval = prevDial, prevInterval })
	connectInitialInterval = time.Millisecond

	var attempts int
	b := newFakeBus()
	dialBus = func() (bus, error) {
		attempts++
		if attempts < 3 {
			return nil, errBus
		}
		return b, nil
	}

	r, err := Open(context.Background(), Options{ConnectAttempts: 5}, discardLogger())
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 3, attempts)
}

func TestOpen_GivesUp(t *testing.T) {
	prevDial, prevInterval := dialBus, connectInitialInterval
	t.Cleanup(func() { dialBus, connectInitialInterval = prevDial, prevInterval })
	connectInitialInterval = time.Millisecond

	var attempts int
	dialBus = func() (bus, error) {
		attempts++
		return nil, errBus
	}

	_, err := Opener(Options{ConnectAttempts: 2}, discardLogger())(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBus)
	assert.Equal(t, 2, attempts)
}

func TestClose(t *testing.T) {
	b := newFakeBus()
	r := newRegistry(b, Options{}, discardLogger())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, b.closed)
}

func TestMonitor_FollowsRestartedPlayer(t *testing.T) {
	stubProcessNames(t, map[int32]string{100: "spotify"})
	b := newFakeBus()
	b.addPlayer(spotifyName, ":1.10", 100, "Paused")
	r := newTestRegistry(t, b, Options{})

	m := session.NewMonitor(func(context.Context) (session.Registry, error) {
		return r, nil
	}, session.Options{Logger: discardLogger(), CallTimeout: time.Second})
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Dispose()

	waitUntil(t, time.Second, func() bool {
		return m.SourceAppID() == "spotify" && m.Playback().Status == session.StatusPaused
	}, "initial session not loaded")

	// Same process name, new connection: the monitor keeps its handle.
	b.reconnect(spotifyName, ":1.11")
	b.emit(ownerChanged(spotifyName, ":1.10", ""))
	b.emit(ownerChanged(spotifyName, "", ":1.11"))

	b.setProp(spotifyName, propPlaybackStatus, dbus.MakeVariant("Playing"))
	b.emit(propsChanged(":1.11", map[string]dbus.Variant{propPlaybackStatus: dbus.MakeVariant("Playing")}))

	waitUntil(t, time.Second, func() bool {
		return m.Playback().Status == session.StatusPlaying
	}, "playback not refreshed after the player reconnected")
	assert.Equal(t, "spotify", m.SourceAppID())
}

func TestDispatch_OwnerChangeRemapsListeners(t *testing.T) {
	b := newFakeBus()
	r := newTestRegistry(t, b, Options{})
	r.dispatch(ownerChanged(spotifyName, "", ":1.10"))

	l := &countingListener{}
	_, err := (&Handle{reg: r, busName: spotifyName}).Subscribe(l)
	require.NoError(t, err)

	r.dispatch(ownerChanged(spotifyName, ":1.10", ""))
	r.dispatch(propsChanged(":1.10", map[string]dbus.Variant{propCanGoNext: dbus.MakeVariant(false)}))
	pb, _ := l.counts()
	assert.Zero(t, pb, "old connection no longer maps to the player")

	r.dispatch(ownerChanged(spotifyName, "", ":1.11"))
	r.dispatch(propsChanged(":1.11", map[string]dbus.Variant{propCanGoNext: dbus.MakeVariant(true)}))
	pb, _ = l.counts()
	assert.Equal(t, 1, pb)
}

func TestPollOnce_NotifiesOnlyOnDifferences(t *testing.T) {
	b := newFakeBus()
	b.watchErr = errBus
	b.addPlayer(spotifyName, ":1.10", 100, "Paused")
	r := newTestRegistry(t, b, Options{PollInterval: time.Hour})

	l := &countingListener{}
	_, err := (&Handle{reg: r, busName: spotifyName}).Subscribe(l)
	require.NoError(t, err)

	last := make(map[string]map[string]dbus.Variant)
	ctx := context.Background()
	r.pollOnce(ctx, last)
	r.pollOnce(ctx, last)
	pb, md := l.counts()
	assert.Zero(t, pb, "first read is a baseline")
	assert.Zero(t, md)

	b.setProp(spotifyName, propPlaybackStatus, dbus.MakeVariant("Playing"))
	r.pollOnce(ctx, last)
	pb, md = l.counts()
	assert.Equal(t, 1, pb)
	assert.Zero(t, md)

	b.setProp(spotifyName, propMetadata, dbus.MakeVariant(map[string]dbus.Variant{
		"xesam:title": dbus.MakeVariant("Song"),
	}))
	r.pollOnce(ctx, last)
	r.pollOnce(ctx, last)
	pb, md = l.counts()
	assert.Equal(t, 1, pb)
	assert.Equal(t, 1, md)
}

func TestMonitor_PollsPlaybackWithoutSignals(t *testing.T) {
	stubProcessNames(t, map[int32]string{100: "spotify"})
	b := newFakeBus()
	b.watchErr = errBus
	b.addPlayer(spotifyName, ":1.10", 100, "Paused")
	r := newTestRegistry(t, b, Options{PollInterval: 5 * time.Millisecond})

	m := session.NewMonitor(func(context.Context) (session.Registry, error) {
		return r, nil
	}, session.Options{Logger: discardLogger(), PollInterval: 5 * time.Millisecond, CallTimeout: time.Second})
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Dispose()

	waitUntil(t, time.Second, func() bool {
		return m.Playback().Status == session.StatusPaused
	}, "initial session not loaded")

	// Let the poller record its baseline before the player changes.
	time.Sleep(30 * time.Millisecond)
	b.setProp(spotifyName, propPlaybackStatus, dbus.MakeVariant("Playing"))

	waitUntil(t, time.Second, func() bool {
		return m.Playback().Status == session.StatusPlaying
	}, "playback not refreshed by polling")
}

func TestDiffProperties(t *testing.T) {
	prev := map[string]dbus.Variant{
		propPlaybackStatus: dbus.MakeVariant("Paused"),
		propCanGoNext:      dbus.MakeVariant(true),
		"Volume":           dbus.MakeVariant(1.0),
	}
	cur := map[string]dbus.Variant{
		propPlaybackStatus: dbus.MakeVariant("Playing"),
		propCanGoNext:      dbus.MakeVariant(true),
		propMetadata:       dbus.MakeVariant(map[string]dbus.Variant{}),
	}

	changed, invalidated := diffProperties(prev, cur)
	assert.Len(t, changed, 2)
	assert.Contains(t, changed, propPlaybackStatus)
	assert.Contains(t, changed, propMetadata)
	assert.Equal(t, []string{"Volume"}, invalidated)
}
