package session

// Result is the output of Reduce: next state, side effects to run, and change
// events to deliver once the state has been published.
type Result struct {
	State   State
	Effects []Effect
	Changes []Event
}

// Reduce is the pure session reducer.
//
// Rules:
//   - no I/O, no blocking
//   - the input state is a value; the returned state replaces it wholesale
//
// The loop executes Effects and feeds their observations back as Inputs.
func Reduce(s State, in Input) Result {
	r := Result{State: s}

	switch ev := in.(type) {
	case SessionDetected:
		// Identifier equality, not handle identity. Two sessions from the same
		// application therefore compare equal.
		id := sourceID(ev.Handle)
		if id == s.SourceAppID {
			return r
		}

		if s.Session != nil {
			r.Effects = append(r.Effects, EffUnsubscribe{Generation: s.Generation})
		}

		next := State{
			Session:     ev.Handle,
			SourceAppID: id,
			Generation:  s.Generation + 1,
			MetadataSeq: s.MetadataSeq,
		}

		if ev.Handle == nil {
			if !ev.Initial {
				r.Changes = append(r.Changes, EventSessionChanged, EventMetadataChanged)
			}
			r.State = next
			return r
		}

		// Announcement waits for the playback observation so consumers never see
		// the new session with a placeholder snapshot.
		next.pending = announceSwap
		if ev.Initial {
			next.pending = announceQuiet
		}
		r.Effects = append(r.Effects,
			EffSubscribe{Generation: next.Generation, Handle: ev.Handle},
			EffFetchPlayback{Generation: next.Generation, Handle: ev.Handle},
		)
		r.State = next

	case PlaybackNotified:
		if stale(s, ev.Generation) {
			return r
		}
		r.Effects = append(r.Effects, EffFetchPlayback{Generation: s.Generation, Handle: s.Session})

	case PlaybackObserved:
		if stale(s, ev.Generation) {
			return r
		}
		prev := s.Playback
		s.Playback = ev.Snapshot
		r.Changes = settle(&s, prev != ev.Snapshot)
		r.State = s

	case PlaybackFetchFailed:
		if stale(s, ev.Generation) {
			return r
		}
		// Keep whatever was cached. A pending swap still completes, with the
		// cleared snapshot it started from.
		r.Changes = settle(&s, false)
		r.State = s

	case MetadataNotified:
		if stale(s, ev.Generation) {
			return r
		}
		s.MetadataSeq++
		r.Effects = append(r.Effects, EffFetchMetadata{
			Generation: s.Generation,
			Seq:        s.MetadataSeq,
			Handle:     s.Session,
		})
		r.State = s

	case MetadataObserved:
		if stale(s, ev.Generation) || ev.Seq != s.MetadataSeq {
			return r
		}
		meta := ev.Snapshot
		s.Metadata = &meta
		if ev.Notify {
			r.Changes = append(r.Changes, EventMetadataChanged)
		}
		r.State = s

	case MetadataFetchFailed:
		if stale(s, ev.Generation) || ev.Seq != s.MetadataSeq {
			return r
		}
		if ev.Notify {
			r.Changes = append(r.Changes, EventMetadataChanged)
		}

	default:
		// barrier and unknown inputs
	}

	return r
}

// stale reports whether a per-session message belongs to a superseded session.
func stale(s State, generation uint64) bool {
	return s.Session == nil || generation != s.Generation
}

// settle clears a pending swap and returns the events it owes. Without a pending
// swap, a playback change is reported only when the snapshot differs.
func settle(s *State, playbackDiffers bool) []Event {
	p := s.pending
	s.pending = announceNone

	switch p {
	case announceSwap:
		return []Event{EventSessionChanged, EventMetadataChanged}
	case announceQuiet:
		return nil
	default:
		if playbackDiffers {
			return []Event{EventPlaybackChanged}
		}
		return nil
	}
}
