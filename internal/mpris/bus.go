package mpris

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	busNamePrefix = "org.mpris.MediaPlayer2."
	busNameRoot   = "org.mpris.MediaPlayer2"

	objectPath dbus.ObjectPath = "/org/mpris/MediaPlayer2"

	playerInterface     = "org.mpris.MediaPlayer2.Player"
	propertiesInterface = "org.freedesktop.DBus.Properties"

	signalNameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
	signalPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// bus is the slice of the session bus the registry needs.
type bus interface {
	ListNames(ctx context.Context) ([]string, error)
	NameOwner(ctx context.Context, name string) (string, error)
	ProcessID(ctx context.Context, name string) (uint32, error)
	GetProperty(ctx context.Context, dest, iface, prop string) (dbus.Variant, error)
	GetAll(ctx context.Context, dest, iface string) (map[string]dbus.Variant, error)
	Call(ctx context.Context, dest, method string) error
	// WatchSignals installs the match rules and starts delivering signals on
	// ch. A failure means the caller has to poll.
	WatchSignals(ch chan<- *dbus.Signal) error
	Close() error
}

// dbusBus implements bus on a godbus session connection.
type dbusBus struct {
	conn *dbus.Conn
}

func connectSessionBus() (*dbusBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &dbusBus{conn: conn}, nil
}

func (b *dbusBus) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names)
	return names, err
}

func (b *dbusBus) NameOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner)
	return owner, err
}

func (b *dbusBus) ProcessID(ctx context.Context, name string) (uint32, error) {
	var pid uint32
	err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetConnectionUnixProcessID", 0, name).Store(&pid)
	return pid, err
}

func (b *dbusBus) GetProperty(ctx context.Context, dest, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.conn.Object(dest, objectPath).
		CallWithContext(ctx, propertiesInterface+".Get", 0, iface, prop).
		Store(&v)
	return v, err
}

func (b *dbusBus) GetAll(ctx context.Context, dest, iface string) (map[string]dbus.Variant, error) {
	props := make(map[string]dbus.Variant)
	err := b.conn.Object(dest, objectPath).
		CallWithContext(ctx, propertiesInterface+".GetAll", 0, iface).
		Store(&props)
	return props, err
}

func (b *dbusBus) Call(ctx context.Context, dest, method string) error {
	return b.conn.Object(dest, objectPath).CallWithContext(ctx, method, 0).Err
}

func (b *dbusBus) WatchSignals(ch chan<- *dbus.Signal) error {
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchOption("arg0namespace", busNameRoot),
	); err != nil {
		return fmt.Errorf("match NameOwnerChanged: %w", err)
	}
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(objectPath),
	); err != nil {
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}
	b.conn.Signal(ch)
	return nil
}

func (b *dbusBus) Close() error {
	return b.conn.Close()
}
