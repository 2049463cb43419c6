//go:build windows

package main

// notifyResize is a no-op on windows: there is no SIGWINCH.
func notifyResize(fn func()) func() {
	return func() {}
}
