package mpris

import (
	"regexp"
	"sort"
	"strings"

	"mediasessiond/internal/session"
)

var instanceSuffix = regexp.MustCompile(`\.instance_?[0-9_]+$`)

// playerKey strips the MPRIS prefix and any per-instance suffix, so
// "org.mpris.MediaPlayer2.firefox.instance_1_42" becomes "firefox".
func playerKey(busName string) string {
	key := strings.TrimPrefix(busName, busNamePrefix)
	return instanceSuffix.ReplaceAllString(key, "")
}

type candidate struct {
	busName string
	status  session.Status
}

// matchesAny reports whether busName's player key is one of names,
// case-insensitively.
func matchesAny(busName string, names []string) bool {
	key := playerKey(busName)
	for _, n := range names {
		if strings.EqualFold(key, n) {
			return true
		}
	}
	return false
}

// rank orders players by their position in preferred; unlisted players sort last.
func rank(busName string, preferred []string) int {
	key := playerKey(busName)
	for i, n := range preferred {
		if strings.EqualFold(key, n) {
			return i
		}
	}
	return len(preferred)
}

// choosePlayer picks the session the OS would call current:
//  1. a playing player, best preferred rank first
//  2. the previous choice, if it is still on the bus
//  3. the best ranked remaining player
//
// Ties break on bus name so the choice is stable across polls.
func choosePlayer(cands []candidate, preferred []string, last string) string {
	if len(cands) == 0 {
		return ""
	}
	sorted := append([]candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i].busName, preferred), rank(sorted[j].busName, preferred)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].busName < sorted[j].busName
	})

	for _, c := range sorted {
		if c.status == session.StatusPlaying {
			return c.busName
		}
	}
	for _, c := range sorted {
		if c.busName == last {
			return last
		}
	}
	return sorted[0].busName
}
