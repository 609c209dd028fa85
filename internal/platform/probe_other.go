//go:build !unix && !windows

package platform

func probe() Info { return Info{} }
