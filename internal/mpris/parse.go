package mpris

import (
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/quarckster/go-mpris-server/pkg/types"

	"mediasessiond/internal/session"
)

// Player properties read by PlaybackInfo.
const (
	propPlaybackStatus = "PlaybackStatus"
	propCanGoNext      = "CanGoNext"
	propCanGoPrevious  = "CanGoPrevious"
	propMetadata       = "Metadata"
)

func statusFromMPRIS(s types.PlaybackStatus) session.Status {
	switch s {
	case types.PlaybackStatusPlaying:
		return session.StatusPlaying
	case types.PlaybackStatusPaused:
		return session.StatusPaused
	case types.PlaybackStatusStopped:
		return session.StatusStopped
	default:
		return session.StatusUnknown
	}
}

func variantStatus(v dbus.Variant) types.PlaybackStatus {
	s, _ := v.Value().(string)
	return types.PlaybackStatus(s)
}

func parsePlayback(props map[string]dbus.Variant) session.PlaybackSnapshot {
	var pb session.PlaybackSnapshot
	if v, ok := props[propPlaybackStatus]; ok {
		pb.Status = statusFromMPRIS(variantStatus(v))
	}
	if v, ok := props[propCanGoNext]; ok {
		pb.NextEnabled, _ = v.Value().(bool)
	}
	if v, ok := props[propCanGoPrevious]; ok {
		pb.PreviousEnabled, _ = v.Value().(bool)
	}
	return pb
}

// parseMetadata maps an a{sv} xesam/mpris dictionary. Missing or mistyped
// entries are left empty.
func parseMetadata(v dbus.Variant) types.Metadata {
	var md types.Metadata
	m, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return md
	}
	if p, ok := m["mpris:trackid"].Value().(dbus.ObjectPath); ok {
		md.TrackId = p
	}
	if n, ok := m["mpris:length"].Value().(int64); ok {
		md.Length = types.Microseconds(n)
	}
	md.Title, _ = m["xesam:title"].Value().(string)
	md.Album, _ = m["xesam:album"].Value().(string)
	md.ArtUrl, _ = m["mpris:artUrl"].Value().(string)
	switch a := m["xesam:artist"].Value().(type) {
	case []string:
		md.Artist = a
	case string:
		// Some players send a bare string instead of the MPRIS string list.
		md.Artist = []string{a}
	}
	return md
}

// metadataSnapshot converts MPRIS metadata into the session cache form.
func metadataSnapshot(md types.Metadata, art session.ThumbnailRef) session.MetadataSnapshot {
	return session.MetadataSnapshot{
		Title:     md.Title,
		Artist:    strings.Join(md.Artist, ", "),
		Album:     md.Album,
		ArtURL:    md.ArtUrl,
		Thumbnail: art,
	}
}

// playbackKeysChanged reports whether a PropertiesChanged payload touches the
// playback snapshot.
func playbackKeysChanged(changed map[string]dbus.Variant, invalidated []string) bool {
	for _, k := range []string{propPlaybackStatus, propCanGoNext, propCanGoPrevious} {
		if _, ok := changed[k]; ok {
			return true
		}
	}
	for _, k := range invalidated {
		if k == propPlaybackStatus || k == propCanGoNext || k == propCanGoPrevious {
			return true
		}
	}
	return false
}

func metadataKeyChanged(changed map[string]dbus.Variant, invalidated []string) bool {
	if _, ok := changed[propMetadata]; ok {
		return true
	}
	for _, k := range invalidated {
		if k == propMetadata {
			return true
		}
	}
	return false
}

// diffProperties compares two GetAll results the way a PropertiesChanged
// signal would report them: new or different values in changed, removed
// properties in invalidated.
func diffProperties(prev, cur map[string]dbus.Variant) (changed map[string]dbus.Variant, invalidated []string) {
	changed = make(map[string]dbus.Variant)
	for k, v := range cur {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old.Value(), v.Value()) {
			changed[k] = v
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			invalidated = append(invalidated, k)
		}
	}
	return changed, invalidated
}
