package mpris

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"mediasessiond/internal/session"
)

var errBus = errors.New("bus failure")

type fakePlayer struct {
	owner     string
	pid       uint32
	props     map[string]dbus.Variant
	statusErr error
}

type fakeBus struct {
	mu sync.Mutex

	players  map[string]*fakePlayer
	other    []string
	listErr  error
	pidErr   error
	watchErr error
	callErr  error
	calls    []string
	signals  chan<- *dbus.Signal
	closed   bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{players: make(map[string]*fakePlayer)}
}

func (b *fakeBus) addPlayer(name, owner string, pid uint32, status string) *fakePlayer {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &fakePlayer{
		owner: owner,
		pid:   pid,
		props: map[string]dbus.Variant{
			propPlaybackStatus: dbus.MakeVariant(status),
			propCanGoNext:      dbus.MakeVariant(true),
			propCanGoPrevious:  dbus.MakeVariant(false),
		},
	}
	b.players[name] = p
	return p
}

func (b *fakeBus) setProp(name, prop string, v dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.players[name].props[prop] = v
}

// reconnect gives a player a new unique name, as when it restarts.
func (b *fakeBus) reconnect(name, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.players[name].owner = owner
}

func (b *fakeBus) ListNames(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	names := append([]string{"org.freedesktop.DBus", ":1.1"}, b.other...)
	for n := range b.players {
		names = append(names, n)
	}
	return names, nil
}

func (b *fakeBus) NameOwner(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.players[name]
	if !ok {
		return "", errBus
	}
	return p.owner, nil
}

func (b *fakeBus) ProcessID(_ context.Context, owner string) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pidErr != nil {
		return 0, b.pidErr
	}
	for _, p := range b.players {
		if p.owner == owner {
			return p.pid, nil
		}
	}
	return 0, errBus
}

func (b *fakeBus) GetProperty(_ context.Context, dest, _, prop string) (dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.players[dest]
	if !ok {
		return dbus.Variant{}, errBus
	}
	if prop == propPlaybackStatus && p.statusErr != nil {
		return dbus.Variant{}, p.statusErr
	}
	v, ok := p.props[prop]
	if !ok {
		return dbus.Variant{}, errBus
	}
	return v, nil
}

func (b *fakeBus) GetAll(_ context.Context, dest, _ string) (map[string]dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.players[dest]
	if !ok {
		return nil, errBus
	}
	out := make(map[string]dbus.Variant, len(p.props))
	for k, v := range p.props {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBus) Call(_ context.Context, dest, method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, dest+" "+method)
	return b.callErr
}

func (b *fakeBus) WatchSignals(ch chan<- *dbus.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watchErr != nil {
		return b.watchErr
	}
	b.signals = ch
	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) emit(sig *dbus.Signal) {
	b.mu.Lock()
	ch := b.signals
	b.mu.Unlock()
	ch <- sig
}

func ownerChanged(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Sender: "org.freedesktop.DBus",
		Path:   "/org/freedesktop/DBus",
		Name:   signalNameOwnerChanged,
		Body:   []interface{}{name, oldOwner, newOwner},
	}
}

func propsChanged(sender string, changed map[string]dbus.Variant, invalidated ...string) *dbus.Signal {
	if invalidated == nil {
		invalidated = []string{}
	}
	return &dbus.Signal{
		Sender: sender,
		Path:   objectPath,
		Name:   signalPropertiesChanged,
		Body:   []interface{}{playerInterface, changed, invalidated},
	}
}

type countingListener struct {
	mu       sync.Mutex
	playback int
	metadata int
}

func (l *countingListener) PlaybackChanged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.playback++
}

func (l *countingListener) MetadataChanged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadata++
}

func (l *countingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playback, l.metadata
}

var _ session.Listener = (*countingListener)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProcessNames makes pid lookups deterministic for the test.
func stubProcessNames(t *testing.T, names map[int32]string) {
	t.Helper()
	prev := processName
	processName = func(_ context.Context, pid int32) (string, error) {
		if n, ok := names[pid]; ok {
			return n, nil
		}
		return "", errBus
	}
	t.Cleanup(func() { processName = prev })
}

func newTestRegistry(t *testing.T, b *fakeBus, opts Options) *Registry {
	t.Helper()
	r := newRegistry(b, opts, discardLogger())
	t.Cleanup(func() { _ = r.Close() })
	return r
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
