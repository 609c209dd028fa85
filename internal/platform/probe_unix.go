//go:build unix

package platform

import "golang.org/x/sys/unix"

func probe() Info {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return Info{}
	}
	release := unix.ByteSliceToString(u.Release[:])
	major, minor, patch := parseRelease(release)
	return Info{Release: release, Major: major, Minor: minor, Build: patch}
}
