// Package mpris implements the session registry on the freedesktop MPRIS
// D-Bus interface. Every org.mpris.MediaPlayer2.* name on the session bus is
// a media session; one of them is chosen as current.
package mpris

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"

	"mediasessiond/internal/session"
)

const (
	DefaultConnectAttempts = 5
	DefaultPollInterval    = time.Second
)

var errEventsUnavailable = errors.New("mpris: session bus signals unavailable")

type Options struct {
	// PreferredPlayers ranks players by player key ("spotify", "firefox").
	PreferredPlayers []string
	// IgnoredPlayers are never reported as the current session.
	IgnoredPlayers  []string
	ConnectAttempts int
	// DisableEvents forces polling even if the bus delivers signals.
	DisableEvents bool
	// PollInterval paces property polling when the bus delivers no signals.
	PollInterval time.Duration
	HTTPTimeout   time.Duration
	HTTPRetries   int
}

// dialBus and connectInitialInterval are replaced in tests.
var (
	dialBus                = func() (bus, error) { return connectSessionBus() }
	connectInitialInterval = 250 * time.Millisecond
)

// Registry is a session.Registry backed by the D-Bus session bus.
type Registry struct {
	bus    bus
	opts   Options
	logger *slog.Logger
	art    *artFetcher

	signals  chan *dbus.Signal
	eventsOK bool
	done     chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once

	mu          sync.Mutex
	last        string
	appIDs      map[string]string
	watchers    map[int]func()
	nextWatcher int

	// listeners are keyed by well-known name; owners maps a unique
	// connection name to the well-known name it currently holds, so a
	// restarted player keeps reaching the same listeners.
	listeners  map[string]map[int]session.Listener
	owners     map[string]string
	nextListen int
}

var _ session.Registry = (*Registry)(nil)

// Open connects to the session bus, retrying with exponential backoff.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = connectInitialInterval
	eb.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var b bus
	err := backoff.RetryNotify(func() error {
		var err error
		b, err = dialBus()
		return err
	}, policy, func(err error, next time.Duration) {
		logger.Warn("session bus connect failed, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return newRegistry(b, opts, logger), nil
}

// Opener adapts Open to session.RegistryOpener.
func Opener(opts Options, logger *slog.Logger) session.RegistryOpener {
	return func(ctx context.Context) (session.Registry, error) {
		reg, err := Open(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	}
}

func newRegistry(b bus, opts Options, logger *slog.Logger) *Registry {
	r := &Registry{
		bus:       b,
		opts:      opts,
		logger:    logger,
		art:       newArtFetcher(opts.HTTPTimeout, opts.HTTPRetries, logger),
		signals:   make(chan *dbus.Signal, 64),
		done:      make(chan struct{}),
		appIDs:    make(map[string]string),
		watchers:  make(map[int]func()),
		listeners: make(map[string]map[int]session.Listener),
		owners:    make(map[string]string),
	}

	if err := b.WatchSignals(r.signals); err != nil {
		logger.Warn("mpris signals unavailable, session changes will be polled", "error", err)
		interval := opts.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		r.wg.Add(1)
		go r.pollProperties(interval)
	} else {
		r.eventsOK = true
		r.wg.Add(1)
		go r.pump()
	}
	return r
}

// CurrentSession lists the players on the bus and picks the current one.
func (r *Registry) CurrentSession(ctx context.Context) (session.Handle, error) {
	names, err := r.bus.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}

	var cands []candidate
	for _, name := range names {
		if !strings.HasPrefix(name, busNamePrefix) || matchesAny(name, r.opts.IgnoredPlayers) {
			continue
		}
		v, err := r.bus.GetProperty(ctx, name, playerInterface, propPlaybackStatus)
		if err != nil {
			// Vanished between ListNames and here, or not a real player.
			r.logger.Debug("player status unavailable", "bus_name", name, "error", err)
			continue
		}
		cands = append(cands, candidate{busName: name, status: statusFromMPRIS(variantStatus(v))})
	}

	r.mu.Lock()
	chosen := choosePlayer(cands, r.opts.PreferredPlayers, r.last)
	r.last = chosen
	r.mu.Unlock()

	if chosen == "" {
		return nil, nil
	}
	owner, err := r.bus.NameOwner(ctx, chosen)
	if err != nil {
		return nil, fmt.Errorf("owner of %s: %w", chosen, err)
	}
	r.setOwner(owner, chosen)
	return &Handle{
		reg:     r,
		busName: chosen,
		appID:   r.resolveAppID(ctx, chosen, owner),
	}, nil
}

// WatchSessions calls fn whenever a player appears, disappears or changes
// playback status, since any of those can change which one is current.
func (r *Registry) WatchSessions(fn func()) (func(), error) {
	if !r.eventsOK {
		return nil, errEventsUnavailable
	}
	r.mu.Lock()
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers, id)
	}, nil
}

func (r *Registry) SupportsSessionEvents() bool {
	return r.eventsOK && !r.opts.DisableEvents
}

func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.bus.Close()
		r.wg.Wait()
	})
	return err
}

func (r *Registry) pump() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case sig, ok := <-r.signals:
			if !ok {
				return
			}
			r.dispatch(sig)
		}
	}
}

func (r *Registry) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case signalNameOwnerChanged:
		if len(sig.Body) < 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		if !strings.HasPrefix(name, busNamePrefix) {
			return
		}
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		r.mu.Lock()
		if oldOwner != "" {
			delete(r.appIDs, oldOwner)
			if r.owners[oldOwner] == name {
				delete(r.owners, oldOwner)
			}
		}
		if newOwner != "" {
			r.owners[newOwner] = name
		}
		r.mu.Unlock()
		r.notifyWatchers()

	case signalPropertiesChanged:
		if sig.Path != objectPath || len(sig.Body) < 2 {
			return
		}
		if iface, _ := sig.Body[0].(string); iface != playerInterface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		var invalidated []string
		if len(sig.Body) > 2 {
			invalidated, _ = sig.Body[2].([]string)
		}

		r.notifyListeners(r.busNameOf(sig.Sender), changed, invalidated)
		if _, ok := changed[propPlaybackStatus]; ok {
			r.notifyWatchers()
		}
	}
}

func (r *Registry) notifyListeners(busName string, changed map[string]dbus.Variant, invalidated []string) {
	pb := playbackKeysChanged(changed, invalidated)
	md := metadataKeyChanged(changed, invalidated)
	if !pb && !md {
		return
	}
	for _, l := range r.listenersFor(busName) {
		if pb {
			l.PlaybackChanged()
		}
		if md {
			l.MetadataChanged()
		}
	}
}

// pollProperties stands in for PropertiesChanged when the bus delivers no
// signals. Each subscribed player is re-read and its listeners are told about
// properties that differ from the previous read.
func (r *Registry) pollProperties(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]map[string]dbus.Variant)
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			r.pollOnce(ctx, last)
			cancel()
		}
	}
}

func (r *Registry) pollOnce(ctx context.Context, last map[string]map[string]dbus.Variant) {
	names := r.subscribedPlayers()
	for name := range last {
		if _, ok := names[name]; !ok {
			delete(last, name)
		}
	}

	for name := range names {
		props, err := r.bus.GetAll(ctx, name, playerInterface)
		if err != nil {
			r.logger.Debug("player poll failed", "bus_name", name, "error", err)
			continue
		}
		prev, seen := last[name]
		last[name] = props
		if !seen {
			continue
		}
		changed, invalidated := diffProperties(prev, props)
		r.notifyListeners(name, changed, invalidated)
	}
}

func (r *Registry) subscribedPlayers() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.listeners))
	for name := range r.listeners {
		out[name] = struct{}{}
	}
	return out
}

func (r *Registry) notifyWatchers() {
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

func (r *Registry) setOwner(owner, busName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[owner] = busName
}

// busNameOf translates a signal sender to a well-known name. Senders that
// were never seen as a player owner map to "".
func (r *Registry) busNameOf(sender string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[sender]
}

func (r *Registry) listenersFor(busName string) []session.Listener {
	if busName == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.listeners[busName]
	out := make([]session.Listener, 0, len(ls))
	for _, l := range ls {
		out = append(out, l)
	}
	return out
}

func (r *Registry) addListener(busName string, l session.Listener) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListen
	r.nextListen++
	if r.listeners[busName] == nil {
		r.listeners[busName] = make(map[int]session.Listener)
	}
	r.listeners[busName][id] = l
	return id
}

func (r *Registry) removeListener(busName string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners[busName], id)
	if len(r.listeners[busName]) == 0 {
		delete(r.listeners, busName)
	}
}
