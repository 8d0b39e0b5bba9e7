//go:build !linux

package blockdev

// FreezeFS/ThawFS are Linux-only (FIFREEZE/FITHAW); elsewhere they are a
// no-op so the control surface's freeze/melt still works, just without the
// underlying filesystem consistency guarantee.
func FreezeFS(fsRootPath string) error { return nil }
func ThawFS(fsRootPath string) error   { return nil }
