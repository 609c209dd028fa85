package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mediasessiond/internal/ipc"
	"mediasessiond/internal/session"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// decodeInputEvent parses one raw event. Short buffers are rejected.
func decodeInputEvent(buf []byte) (inputEvent, error) {
	var ev inputEvent
	if len(buf) < inputEventSize {
		return ev, fmt.Errorf("short input event: %d bytes", len(buf))
	}
	err := binary.Read(bytes.NewReader(buf[:inputEventSize]), binary.LittleEndian, &ev)
	return ev, err
}

// commandSink receives transport commands. The presenter implements it.
type commandSink interface {
	Command(ctx context.Context, t ipc.RequestType) (session.CommandResult, error)
}

// mediaKeyCommand maps a key press to a transport command. Releases and
// autorepeat are ignored so one press sends one command.
func mediaKeyCommand(ev inputEvent) (ipc.RequestType, bool) {
	if ev.Type != EV_KEY || ev.Value != evValuePress {
		return "", false
	}
	switch ev.Code {
	case KEY_PLAYPAUSE, KEY_PLAYCD, KEY_PAUSECD:
		return ipc.RequestTogglePlayPause, true
	case KEY_NEXTSONG:
		return ipc.RequestSkipNext, true
	case KEY_PREVIOUSSONG:
		return ipc.RequestSkipPrevious, true
	}
	return "", false
}

// openInputDevice and inputRetryInterval are replaced in tests.
var (
	openInputDevice    = os.Open
	inputRetryInterval = time.Second
)

// runMediaKeys forwards media keys from the configured evdev devices to sink
// until ctx is canceled. A device that is missing or goes away (a keyboard
// unplugged) is reopened with backoff; media keys never stop the daemon.
func runMediaKeys(ctx context.Context, devices []string, sink commandSink, logger *slog.Logger) error {
	if len(devices) == 0 {
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = inputRetryInterval
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		files, err := openInputDevices(devices, logger)
		if err != nil {
			return err
		}
		defer closeInputDevices(files)
		eb.Reset()

		err = serveMediaKeys(ctx, files, sink, logger)
		if errors.Is(err, errInputUnsupported) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(eb, ctx), func(err error, next time.Duration) {
		logger.Warn("media keys unavailable, retrying", "error", err, "retry_in", next)
	})

	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, errInputUnsupported):
		logger.Warn("media keys disabled", "error", err)
	default:
		logger.Error("media keys stopped", "error", err)
	}
	return nil
}

func openInputDevices(devices []string, logger *slog.Logger) ([]*os.File, error) {
	files := make([]*os.File, 0, len(devices))
	for _, dev := range devices {
		f, err := openInputDevice(ExpandPath(dev))
		if err != nil {
			closeInputDevices(files)
			return nil, fmt.Errorf("open input device %s: %w", dev, err)
		}
		files = append(files, f)
		logger.Info("reading media keys", "device", dev)
	}
	return files, nil
}

func closeInputDevices(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// serveMediaKeys returns nil once ctx is canceled, or the first device error.
func serveMediaKeys(ctx context.Context, files []*os.File, sink commandSink, logger *slog.Logger) error {
	events := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		readInputEvents(done, files, events, readErr)
	}()
	defer func() {
		close(done)
		<-stopped
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			return fmt.Errorf("media keys: %w", err)

		case ev := <-events:
			cmd, ok := mediaKeyCommand(ev)
			if !ok {
				continue
			}
			res, err := sink.Command(ctx, cmd)
			if err != nil {
				logger.Warn("media key command failed", "command", string(cmd), "error", err)
				continue
			}
			logger.Debug("media key", "code", ev.Code, "command", string(cmd), "result", res.String())
		}
	}
}
