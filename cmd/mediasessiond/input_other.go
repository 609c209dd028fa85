//go:build !linux

package main

import (
	"errors"
	"os"
)

var errInputUnsupported = errors.New("evdev input is only supported on linux")

func readInputEvents(_ <-chan struct{}, _ []*os.File, _ chan<- inputEvent, readErr chan<- error) {
	readErr <- errInputUnsupported
}
