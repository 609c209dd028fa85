package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Media Session Monitor
// ============================================================================
//
// The Monitor owns a single loop goroutine (run) which is the only writer of
// the session cache. Every entry point, whether a detector report, a session
// notification or an on-demand fetch result, becomes an Input posted to the
// inbox. The loop then:
//   - reduces inputs with the pure Reduce
//   - executes the resulting Effects, feeding observations back as Inputs
//   - publishes the new State once the queues are empty
//   - delivers the change Events collected during the cycle
//
// Publishing before delivering means a consumer reacting to an event always
// reads a cache at least as new as the change that produced it.
// ============================================================================

const (
	DefaultCallTimeout      = 2 * time.Second
	DefaultInboxSize        = 64
	DefaultSubscriberBuffer = 64
)

var (
	// ErrInitialize wraps the failure to obtain the OS session registry.
	ErrInitialize         = errors.New("media session monitor: initialize")
	ErrAlreadyInitialized = errors.New("media session monitor: already initialized")
	ErrDisposed           = errors.New("media session monitor: disposed")
)

// DetectorMode selects how session changes are detected.
type DetectorMode string

const (
	DetectorAuto    DetectorMode = "auto"
	DetectorEvent   DetectorMode = "event"
	DetectorPolling DetectorMode = "polling"
)

// Options configures a Monitor. Zero values select defaults.
type Options struct {
	Detector     DetectorMode
	PollInterval time.Duration
	// CallTimeout bounds each OS call made by the monitor.
	CallTimeout time.Duration
	InboxSize   int
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Detector == "" {
		o.Detector = DetectorAuto
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type envelope struct {
	in  Input
	ack chan struct{}
}

// Monitor tracks the current media session and publishes its state.
type Monitor struct {
	open   RegistryOpener
	opts   Options
	logger *slog.Logger

	state atomic.Pointer[State]

	inbox  chan envelope
	done   chan struct{}
	exited chan struct{}

	// ctx is canceled on Dispose so in-flight OS calls return early.
	ctx    context.Context
	cancel context.CancelFunc

	lifecycleMu sync.Mutex
	initialized bool
	started     bool
	disposeOnce sync.Once
	registry    Registry
	detector    Detector

	subsMu      sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int

	// Loop goroutine only.
	sessionSubs map[uint64]Subscription
}

// NewMonitor builds a Monitor. Nothing happens until Initialize.
func NewMonitor(open RegistryOpener, opts Options) *Monitor {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		open:        open,
		opts:        opts,
		logger:      opts.Logger,
		inbox:       make(chan envelope, opts.InboxSize),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[int]chan Event),
		sessionSubs: make(map[uint64]Subscription),
	}
	m.state.Store(&State{})
	return m
}

// Initialize obtains the registry, selects a detector, loads the current session
// and starts monitoring. Only a failure to obtain the registry is returned;
// everything after that is logged and absorbed.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	select {
	case <-m.done:
		return ErrDisposed
	default:
	}
	if m.initialized {
		return ErrAlreadyInitialized
	}
	m.initialized = true

	if m.open == nil {
		return fmt.Errorf("%w: no registry opener", ErrInitialize)
	}
	reg, err := m.open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	m.registry = reg

	m.started = true
	go m.run()

	qctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	initial, err := reg.CurrentSession(qctx)
	cancel()
	if err != nil {
		m.logger.Warn("initial session query failed; starting without a session", "error", err)
		initial = nil
	}
	if err := m.postAndWait(ctx, SessionDetected{Handle: initial, Initial: true}); err != nil {
		m.logger.Warn("initial session load interrupted", "error", err)
	}

	m.detector = m.startDetector(reg)

	st := m.State()
	m.logger.Info("media session monitor started",
		"detector", fmt.Sprintf("%T", m.detector),
		"has_session", st.HasSession(),
		"source_app_id", st.SourceAppID)
	return nil
}

// startDetector is the only place that distinguishes detection strategies.
func (m *Monitor) startDetector(reg Registry) Detector {
	cfg := DetectorConfig{
		Interval: m.opts.PollInterval,
		Timeout:  m.opts.CallTimeout,
		Logger:   m.logger,
	}

	useEvents := false
	switch m.opts.Detector {
	case DetectorEvent:
		useEvents = true
	case DetectorPolling:
	default:
		useEvents = reg.SupportsSessionEvents()
	}

	if useEvents {
		d := NewEventDetector(reg, m.onSessionChangeDetected, cfg)
		err := d.Start()
		if err == nil {
			return d
		}
		m.logger.Warn("event-based session detection unavailable; falling back to polling", "error", err)
	}

	d := NewPollingDetector(reg, m.onSessionChangeDetected, cfg)
	_ = d.Start()
	return d
}

// onSessionChangeDetected is the detector callback. It may run on any goroutine.
func (m *Monitor) onSessionChangeDetected(h Handle) {
	m.post(SessionDetected{Handle: h})
}

// Dispose stops detection, drops every session subscription and clears the
// cache. Safe to call more than once, and before Initialize.
func (m *Monitor) Dispose() {
	m.disposeOnce.Do(func() {
		m.lifecycleMu.Lock()
		defer m.lifecycleMu.Unlock()

		close(m.done)
		m.cancel()

		if m.detector != nil {
			m.detector.Stop()
		}
		if m.started {
			<-m.exited
		}
		if m.registry != nil {
			if err := m.registry.Close(); err != nil {
				m.logger.Debug("session registry close failed", "error", err)
			}
		}

		m.state.Store(&State{})

		m.subsMu.Lock()
		for id, ch := range m.subscribers {
			delete(m.subscribers, id)
			close(ch)
		}
		m.subsMu.Unlock()

		m.logger.Info("media session monitor disposed")
	})
}

// ============================================================================
// Loop
// ============================================================================

// post queues an input for the loop. After Dispose it is a no-op.
func (m *Monitor) post(in Input) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case <-m.done:
		return false
	case m.inbox <- envelope{in: in}:
		return true
	}
}

// postAndWait queues an input and waits until the loop has processed it,
// published the resulting state and delivered its events.
func (m *Monitor) postAndWait(ctx context.Context, in Input) error {
	ack := make(chan struct{})
	select {
	case <-m.done:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	case m.inbox <- envelope{in: in, ack: ack}:
	}

	select {
	case <-ack:
		return nil
	case <-m.exited:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run() {
	defer close(m.exited)
	defer m.releaseSessionSubscriptions()

	cur := *m.state.Load()

	var inputQueue []Input
	var effectQueue []Effect
	var changes []Event

	enqueueInput := func(in Input) {
		inputQueue = append(inputQueue, in)
	}

	flushInputs := func() {
		for len(inputQueue) > 0 {
			in := inputQueue[0]
			inputQueue = inputQueue[1:]

			rr := Reduce(cur, in)
			cur = rr.State
			effectQueue = append(effectQueue, rr.Effects...)
			changes = append(changes, rr.Changes...)
		}
	}

	flushEffects := func() {
		for len(effectQueue) > 0 {
			eff := effectQueue[0]
			effectQueue = effectQueue[1:]

			m.runEffect(eff, enqueueInput)

			// Reduce observations right away so follow-up effects run in order.
			flushInputs()
		}
	}

	for {
		select {
		case <-m.done:
			return

		case env := <-m.inbox:
			enqueueInput(env.in)
			flushInputs()
			flushEffects()

			published := cur
			m.state.Store(&published)

			if len(changes) > 0 {
				m.emit(changes)
				changes = changes[:0]
			}

			if env.ack != nil {
				close(env.ack)
			}
		}
	}
}

// ============================================================================
// Subscribers
// ============================================================================

// Subscribe returns a channel of change events and a func to stop receiving
// them. Delivery never blocks the loop: if the channel is full the event is
// dropped and logged. Events carry no payload, so a consumer that re-reads the
// cache after draining loses nothing but the wake-up.
func (m *Monitor) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buf)

	m.subsMu.Lock()
	select {
	case <-m.done:
		m.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			if c, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(c)
			}
		})
	}
}

func (m *Monitor) emit(events []Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for _, ev := range events {
		for id, ch := range m.subscribers {
			select {
			case ch <- ev:
			default:
				m.logger.Warn("session event subscriber full, dropping event", "subscriber", id, "event", ev.String())
			}
		}
	}
}

// ============================================================================
// Accessors
// ============================================================================

// State returns the most recently published cache.
func (m *Monitor) State() State {
	return *m.state.Load()
}

func (m *Monitor) HasSession() bool {
	return m.State().HasSession()
}

// SourceAppID returns the current session's identifier, or "" when none.
func (m *Monitor) SourceAppID() string {
	return m.State().SourceAppID
}

func (m *Monitor) Playback() PlaybackSnapshot {
	return m.State().Playback
}

// Metadata returns the cached metadata. ok is false until it has been fetched
// for the current session.
func (m *Monitor) Metadata() (meta MetadataSnapshot, ok bool) {
	st := m.State()
	if st.Metadata == nil {
		return MetadataSnapshot{}, false
	}
	return *st.Metadata, true
}

func (m *Monitor) IsPlaying() bool {
	return m.Playback().Status == StatusPlaying
}

func (m *Monitor) IsNextEnabled() bool {
	return m.Playback().NextEnabled
}

func (m *Monitor) IsPreviousEnabled() bool {
	return m.Playback().PreviousEnabled
}

func (m *Monitor) HasPlaylist() bool {
	return m.Playback().HasPlaylist()
}

// FetchMetadata fetches the current session's metadata on demand, stores it in
// the cache and returns it. It runs on the caller's goroutine and emits no event.
// ok is false when there is no session or nothing could be fetched.
func (m *Monitor) FetchMetadata(ctx context.Context) (MetadataSnapshot, bool) {
	st := m.State()
	if st.Session == nil {
		return MetadataSnapshot{}, false
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	meta, err := st.Session.MediaProperties(cctx)
	cancel()
	if err != nil {
		m.logger.Warn("metadata fetch failed", "source_app_id", st.SourceAppID, "error", err)
		return m.Metadata()
	}

	in := MetadataObserved{Generation: st.Generation, Seq: st.MetadataSeq, Snapshot: meta}
	if err := m.postAndWait(ctx, in); err != nil {
		return MetadataSnapshot{}, false
	}

	// Superseded while fetching: report what the cache holds now.
	if cur := m.State(); cur.Generation != st.Generation || cur.MetadataSeq != st.MetadataSeq {
		return m.Metadata()
	}
	return meta, true
}
