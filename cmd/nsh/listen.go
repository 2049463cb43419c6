package main

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjl-/nsh"
)

func listenCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "listen address [command ...]",
		Short: "listen for connections, running a command for each session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// One child process per session. Signals from the remote go to the
			// child; resizes are dropped since the child runs on pipes, not a pty.
			var children sync.Map

			config := &nsh.Config{
				Logger:           log,
				HandshakeTimeout: timeout,
				OnControl: func(s *nsh.Session, m nsh.ControlMessage) error {
					if m.Kind != nsh.KindSignal {
						return nil
					}
					if v, ok := children.Load(s); ok {
						return v.(*exec.Cmd).Process.Signal(syscall.Signal(m.Signal))
					}
					return nil
				},
			}
			l, err := nsh.Listen("tcp", args[0], config)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "listen: listening on %s, local public key %s\n", config.Address, config.LocalPublic())

			argv := args[1:]
			r := nsh.NewReactor(log)
			return r.Serve(l.Listener, config, func(s *nsh.Session) {
				serveSession(s, argv, &children)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "handshake timeout, 0 for the default")
	return cmd
}

func serveSession(s *nsh.Session, argv []string, children *sync.Map) {
	remote, err := s.RemoteIdentity()
	if err != nil {
		return
	}
	clog := log.WithField("remote", remote)
	clog.Debug("session ready")

	// Without a command, echo everything back.
	if len(argv) == 0 {
		io.Copy(s, s)
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		clog.WithError(err).Error("stdin pipe")
		return
	}
	cmd.Stdout = s
	cmd.Stderr = s
	if err := cmd.Start(); err != nil {
		clog.WithError(err).Error("starting command")
		return
	}
	children.Store(s, cmd)
	defer children.Delete(s)

	go func() {
		io.Copy(stdin, s)
		stdin.Close()
	}()

	if err := cmd.Wait(); err != nil {
		clog.WithError(err).Debug("command finished")
	}
	s.CloseWrite()
}
