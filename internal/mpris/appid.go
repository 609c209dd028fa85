package mpris

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// processName resolves a pid to its executable name.
var processName = func(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// resolveAppID names the application behind a player connection. It prefers
// the owning process name and falls back to the bus name's player key. Two
// sessions of the same application get the same identifier.
func (r *Registry) resolveAppID(ctx context.Context, busName, owner string) string {
	r.mu.Lock()
	if id, ok := r.appIDs[owner]; ok {
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()

	id, err := r.processAppID(ctx, owner)
	if err != nil {
		r.logger.Debug("process lookup failed, using bus name", "bus_name", busName, "error", err)
		id = playerKey(busName)
	}

	r.mu.Lock()
	r.appIDs[owner] = id
	r.mu.Unlock()
	return id
}

func (r *Registry) processAppID(ctx context.Context, owner string) (string, error) {
	pid, err := r.bus.ProcessID(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("connection pid: %w", err)
	}
	name, err := processName(ctx, int32(pid))
	if err != nil {
		return "", fmt.Errorf("process name: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("process %d has no name", pid)
	}
	return name, nil
}
