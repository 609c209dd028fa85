package session

import "context"

// CommandResult reports what happened to a transport command. Commands never
// return errors: a missing session and an OS rejection are both absorbed here,
// logged, and left for the next state notification to reflect.
type CommandResult uint8

const (
	CommandSent CommandResult = iota
	CommandNoSession
	CommandFailed
)

func (r CommandResult) String() string {
	switch r {
	case CommandSent:
		return "sent"
	case CommandNoSession:
		return "no_session"
	case CommandFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TogglePlayPause forwards play/pause to the current session.
func (m *Monitor) TogglePlayPause(ctx context.Context) CommandResult {
	return m.dispatch(ctx, "toggle_play_pause", Handle.TogglePlayPause)
}

// SkipNext forwards "next track" to the current session.
func (m *Monitor) SkipNext(ctx context.Context) CommandResult {
	return m.dispatch(ctx, "skip_next", Handle.SkipNext)
}

// SkipPrevious forwards "previous track" to the current session.
func (m *Monitor) SkipPrevious(ctx context.Context) CommandResult {
	return m.dispatch(ctx, "skip_previous", Handle.SkipPrevious)
}

// dispatch runs on the caller's goroutine against the published handle.
// No retry and no event.
func (m *Monitor) dispatch(ctx context.Context, name string, call func(Handle, context.Context) error) CommandResult {
	st := m.State()
	if st.Session == nil {
		m.logger.Debug("command ignored, no session", "command", name)
		return CommandNoSession
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	if err := call(st.Session, cctx); err != nil {
		m.logger.Warn("command failed", "command", name, "source_app_id", st.SourceAppID, "error", err)
		return CommandFailed
	}
	m.logger.Debug("command sent", "command", name, "source_app_id", st.SourceAppID)
	return CommandSent
}
