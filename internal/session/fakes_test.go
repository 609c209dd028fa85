package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

var errFake = errors.New("fake failure")

// fakeRegistry is a scriptable Registry.
type fakeRegistry struct {
	mu sync.Mutex

	current Handle
	// failNext makes the next n CurrentSession calls fail.
	failNext int
	queries  int

	supportsEvents bool
	watchErr       error
	watchers       map[int]func()
	nextWatcher    int
	watchCanceled  int

	closed int
}

func newFakeRegistry(current Handle) *fakeRegistry {
	return &fakeRegistry{current: current, watchers: make(map[int]func())}
}

func (r *fakeRegistry) opener() RegistryOpener {
	return func(context.Context) (Registry, error) { return r, nil }
}

func (r *fakeRegistry) CurrentSession(context.Context) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++
	if r.failNext > 0 {
		r.failNext--
		return nil, errFake
	}
	return r.current, nil
}

func (r *fakeRegistry) WatchSessions(fn func()) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchErr != nil {
		return nil, r.watchErr
	}
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.watchers, id)
			r.watchCanceled++
		})
	}, nil
}

func (r *fakeRegistry) SupportsSessionEvents() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.supportsEvents
}

func (r *fakeRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeRegistry) setCurrent(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = h
}

func (r *fakeRegistry) setFailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

func (r *fakeRegistry) queryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries
}

func (r *fakeRegistry) watcherCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// fireSessionsChanged invokes every watcher, as the OS notification would.
func (r *fakeRegistry) fireSessionsChanged() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeHandle is a scriptable session Handle.
type fakeHandle struct {
	id string

	mu          sync.Mutex
	playback    PlaybackSnapshot
	playbackErr error
	meta        MetadataSnapshot
	metaErr     error
	metaFetches int
	cmdErr      error
	commands    []string

	listeners    map[int]Listener
	nextListener int
	lastListener Listener
	subscribeErr error
}

func newFakeHandle(id string, pb PlaybackSnapshot) *fakeHandle {
	return &fakeHandle{id: id, playback: pb, listeners: make(map[int]Listener)}
}

func (h *fakeHandle) SourceAppID() string { return h.id }

func (h *fakeHandle) PlaybackInfo(context.Context) (PlaybackSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playbackErr != nil {
		return PlaybackSnapshot{}, h.playbackErr
	}
	return h.playback, nil
}

func (h *fakeHandle) MediaProperties(context.Context) (MetadataSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metaFetches++
	if h.metaErr != nil {
		return MetadataSnapshot{}, h.metaErr
	}
	return h.meta, nil
}

func (h *fakeHandle) Subscribe(l Listener) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribeErr != nil {
		return nil, h.subscribeErr
	}
	id := h.nextListener
	h.nextListener++
	h.listeners[id] = l
	h.lastListener = l
	return &fakeSubscription{h: h, id: id}, nil
}

func (h *fakeHandle) TogglePlayPause(context.Context) error { return h.command("toggle") }
func (h *fakeHandle) SkipNext(context.Context) error        { return h.command("next") }
func (h *fakeHandle) SkipPrevious(context.Context) error    { return h.command("previous") }

func (h *fakeHandle) command(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, name)
	return h.cmdErr
}

func (h *fakeHandle) setPlayback(pb PlaybackSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playback = pb
}

func (h *fakeHandle) setMeta(meta MetadataSnapshot, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meta = meta
	h.metaErr = err
}

func (h *fakeHandle) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *fakeHandle) captured() Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastListener
}

func (h *fakeHandle) firePlayback() {
	for _, l := range h.snapshotListeners() {
		l.PlaybackChanged()
	}
}

func (h *fakeHandle) fireMetadata() {
	for _, l := range h.snapshotListeners() {
		l.MetadataChanged()
	}
}

func (h *fakeHandle) snapshotListeners() []Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		out = append(out, l)
	}
	return out
}

type fakeSubscription struct {
	h  *fakeHandle
	id int
}

func (s *fakeSubscription) Close() error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	delete(s.h.listeners, s.id)
	return nil
}

// fakeThumb is a ThumbnailRef backed by a string.
type fakeThumb string

func (t fakeThumb) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(t))), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestMonitor builds an initialized monitor with polling so slow that only
// the test drives detection.
func newTestMonitor(t *testing.T, reg *fakeRegistry) *Monitor {
	t.Helper()
	m := NewMonitor(reg.opener(), Options{
		Detector:     DetectorPolling,
		PollInterval: time.Hour,
		CallTimeout:  time.Second,
		Logger:       discardLogger(),
	})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(m.Dispose)
	return m
}

// settleLoop waits until everything posted so far has been reduced and emitted.
func settleLoop(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.postAndWait(ctx, barrier{}); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

// drain returns every event currently buffered on ch.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func count(evs []Event, kind Event) int {
	n := 0
	for _, ev := range evs {
		if ev == kind {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
