package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is the polling detector's probe cadence.
const DefaultPollInterval = time.Second

// Detector notices changes of the current session and reports them through the
// callback it was built with. Reports may repeat; the Monitor deduplicates.
type Detector interface {
	Start() error
	// Stop releases subscriptions and timers. Safe to call more than once.
	Stop()
}

// DetectorConfig holds the settings shared by both detector variants.
type DetectorConfig struct {
	// Interval is the polling cadence. Ignored by the event-based variant.
	Interval time.Duration
	// Timeout bounds each registry query.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultCallTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// probe queries the registry once. A failed query is logged and reported as
// "no report"; the next event or tick is the retry.
type probe struct {
	reg      Registry
	onChange func(Handle)
	timeout  time.Duration
	logger   *slog.Logger
}

func (p probe) run(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	h, err := p.reg.CurrentSession(qctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("session query failed", "error", err)
		}
		return
	}
	p.onChange(h)
}

// ============================================================================
// Event-based detector
// ============================================================================

// EventDetector re-queries the current session whenever the registry signals
// that the session list changed.
type EventDetector struct {
	probe probe

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cancelWatch func()
	stopOnce    sync.Once
}

func NewEventDetector(reg Registry, onChange func(Handle), cfg DetectorConfig) *EventDetector {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &EventDetector{
		probe:  probe{reg: reg, onChange: onChange, timeout: cfg.Timeout, logger: cfg.Logger},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *EventDetector) Start() error {
	cancel, err := d.probe.reg.WatchSessions(d.fire)
	if err != nil {
		return fmt.Errorf("watch sessions: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		// Stopped while subscribing.
		cancel()
		return nil
	}
	d.cancelWatch = cancel
	return nil
}

func (d *EventDetector) fire() {
	if d.ctx.Err() != nil {
		return
	}
	d.probe.run(d.ctx)
}

func (d *EventDetector) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.cancel()
		if d.cancelWatch != nil {
			d.cancelWatch()
			d.cancelWatch = nil
		}
	})
}

// ============================================================================
// Polling detector
// ============================================================================

// PollingDetector re-queries the current session on a fixed interval. Used where
// the registry cannot signal session-list changes.
type PollingDetector struct {
	probe    probe
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPollingDetector(reg Registry, onChange func(Handle), cfg DetectorConfig) *PollingDetector {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &PollingDetector{
		probe:    probe{reg: reg, onChange: onChange, timeout: cfg.Timeout, logger: cfg.Logger},
		interval: cfg.Interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (d *PollingDetector) Start() error {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.loop()
	})
	return nil
}

func (d *PollingDetector) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probe.run(d.ctx)
		}
	}
}

// Stop stops the ticker and waits for an in-flight probe to return.
func (d *PollingDetector) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}
