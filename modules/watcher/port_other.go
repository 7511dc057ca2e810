//go:build !windows

package watcher

type osOverlapped struct{}
