// Package platform reports the running OS version so the session monitor can
// pick a change-detection strategy.
package platform

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// windows11Build is the first Windows build whose session-list change
// notification is reliable.
const windows11Build = 22000

// Info describes the host OS.
type Info struct {
	OS      string
	Release string
	Major   int
	Minor   int
	Build   int
}

// Probe inspects the running OS. It never fails; unknown fields stay zero.
func Probe() Info {
	info := probe()
	info.OS = runtime.GOOS
	return info
}

// SupportsSessionListEvents reports whether the OS delivers trustworthy
// "current session changed" notifications. Windows 10 does not, so it needs
// polling.
func (i Info) SupportsSessionListEvents() bool {
	if i.OS != "windows" {
		return true
	}
	if i.Major > 10 {
		return true
	}
	return i.Major == 10 && i.Build >= windows11Build
}

func (i Info) String() string {
	if i.Release != "" {
		return fmt.Sprintf("%s %s", i.OS, i.Release)
	}
	return fmt.Sprintf("%s %d.%d.%d", i.OS, i.Major, i.Minor, i.Build)
}

// parseRelease splits a kernel release like "6.8.0-45-generic" into its
// leading numeric components.
func parseRelease(release string) (major, minor, patch int) {
	nums := make([]int, 0, 3)
	for _, part := range strings.SplitN(release, ".", 3) {
		end := 0
		for end < len(part) && part[end] >= '0' && part[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(part[:end])
		if err != nil {
			break
		}
		nums = append(nums, n)
		if end < len(part) {
			break
		}
	}
	for len(nums) < 3 {
		nums = append(nums, 0)
	}
	return nums[0], nums[1], nums[2]
}
