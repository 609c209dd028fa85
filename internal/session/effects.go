package session

import (
	"context"
	"fmt"
)

// Effect is a side effect requested by the reducer and executed by the loop.
type Effect interface {
	effectMarker()
	String() string
}

// EffSubscribe registers for the session's own notifications.
type EffSubscribe struct {
	Generation uint64
	Handle     Handle
}

func (EffSubscribe) effectMarker() {}
func (e EffSubscribe) String() string {
	return fmt.Sprintf("EffSubscribe(generation=%d, source_app_id=%s)", e.Generation, sourceID(e.Handle))
}

// EffUnsubscribe drops the registration made for a generation.
type EffUnsubscribe struct {
	Generation uint64
}

func (EffUnsubscribe) effectMarker() {}
func (e EffUnsubscribe) String() string {
	return fmt.Sprintf("EffUnsubscribe(generation=%d)", e.Generation)
}

// EffFetchPlayback reads the session's playback snapshot.
type EffFetchPlayback struct {
	Generation uint64
	Handle     Handle
}

func (EffFetchPlayback) effectMarker() {}
func (e EffFetchPlayback) String() string {
	return fmt.Sprintf("EffFetchPlayback(generation=%d)", e.Generation)
}

// EffFetchMetadata reads the session's metadata after a notification.
type EffFetchMetadata struct {
	Generation uint64
	Seq        uint64
	Handle     Handle
}

func (EffFetchMetadata) effectMarker() {}
func (e EffFetchMetadata) String() string {
	return fmt.Sprintf("EffFetchMetadata(generation=%d, seq=%d)", e.Generation, e.Seq)
}

// runEffect executes one effect and reports the outcome through onInput.
//
// It runs on the loop goroutine only, so it may touch loop-owned fields
// (sessionSubs) without locking. It never calls Reduce itself.
func (m *Monitor) runEffect(eff Effect, onInput func(Input)) {
	switch e := eff.(type) {
	case EffSubscribe:
		sub, err := e.Handle.Subscribe(sessionListener{m: m, generation: e.Generation})
		if err != nil {
			m.logger.Warn("session subscribe failed",
				"source_app_id", sourceID(e.Handle), "generation", e.Generation, "error", err)
			return
		}
		m.sessionSubs[e.Generation] = sub

	case EffUnsubscribe:
		sub, ok := m.sessionSubs[e.Generation]
		if !ok {
			return
		}
		delete(m.sessionSubs, e.Generation)
		if err := sub.Close(); err != nil {
			m.logger.Debug("session unsubscribe failed", "generation", e.Generation, "error", err)
		}

	case EffFetchPlayback:
		ctx, cancel := m.callContext()
		defer cancel()
		snap, err := e.Handle.PlaybackInfo(ctx)
		if err != nil {
			m.logger.Warn("playback fetch failed",
				"source_app_id", sourceID(e.Handle), "generation", e.Generation, "error", err)
			onInput(PlaybackFetchFailed{Generation: e.Generation, Err: err})
			return
		}
		onInput(PlaybackObserved{Generation: e.Generation, Snapshot: snap})

	case EffFetchMetadata:
		ctx, cancel := m.callContext()
		defer cancel()
		meta, err := e.Handle.MediaProperties(ctx)
		if err != nil {
			m.logger.Warn("metadata fetch failed",
				"source_app_id", sourceID(e.Handle), "generation", e.Generation, "error", err)
			onInput(MetadataFetchFailed{Generation: e.Generation, Seq: e.Seq, Err: err, Notify: true})
			return
		}
		onInput(MetadataObserved{Generation: e.Generation, Seq: e.Seq, Snapshot: meta, Notify: true})

	default:
		m.logger.Warn("unknown effect", "effect", eff.String(), "error", errUnknownEffect{eff: eff})
	}
}

func (m *Monitor) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, m.opts.CallTimeout)
}

// releaseSessionSubscriptions closes every live per-session registration.
// Loop goroutine only.
func (m *Monitor) releaseSessionSubscriptions() {
	for gen, sub := range m.sessionSubs {
		delete(m.sessionSubs, gen)
		if err := sub.Close(); err != nil {
			m.logger.Debug("session unsubscribe failed", "generation", gen, "error", err)
		}
	}
}

// sessionListener forwards a session's notifications into the loop, tagged with
// the generation it was registered for.
type sessionListener struct {
	m          *Monitor
	generation uint64
}

func (l sessionListener) PlaybackChanged() {
	l.m.post(PlaybackNotified{Generation: l.generation})
}

func (l sessionListener) MetadataChanged() {
	l.m.post(MetadataNotified{Generation: l.generation})
}

type errUnknownEffect struct {
	eff Effect
}

func (e errUnknownEffect) Error() string { return "unknown effect: " + e.eff.String() }
