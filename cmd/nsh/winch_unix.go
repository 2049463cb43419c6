//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyResize calls fn whenever the terminal window size changes. The
// returned function stops the notifications.
func notifyResize(fn func()) func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGWINCH)
	go func() {
		for range c {
			fn()
		}
	}()
	return func() {
		signal.Stop(c)
		close(c)
	}
}
