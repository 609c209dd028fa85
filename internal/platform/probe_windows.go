//go:build windows

package platform

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func probe() Info {
	major, minor, build := windows.RtlGetNtVersionNumbers()
	// The top nibble carries checked/free build flags.
	build &= 0x0FFFFFFF
	return Info{
		Release: fmt.Sprintf("%d.%d.%d", major, minor, build),
		Major:   int(major),
		Minor:   int(minor),
		Build:   int(build),
	}
}
