package main

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/mjl-/nsh"
)

func execCmd() *cobra.Command {
	var timeout time.Duration
	var proxyAddr string
	cmd := &cobra.Command{
		Use:   "exec address [command ...]",
		Short: "connect to a server, wiring stdin/stdout or a local command to the remote",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := &nsh.Config{
				Logger:           log,
				HandshakeTimeout: timeout,
				SOCKS5Proxy:      proxyAddr,
			}
			s, err := nsh.Dial("tcp", args[0], config)
			if err != nil {
				return err
			}
			defer s.Close()

			remote, err := s.RemoteIdentity()
			if err != nil {
				return err
			}
			log.WithField("remote", remote).Debug("connected")

			if len(args) == 1 {
				return interact(s)
			}
			return pipeCommand(s, args[1:])
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "handshake timeout, 0 for the default")
	cmd.Flags().StringVar(&proxyAddr, "proxy", "", "socks5 proxy address to dial through")
	return cmd
}

// interact wires the local terminal to the session. With a terminal on stdin,
// it switches to raw mode and forwards window size changes.
func interact(s *nsh.Session) error {
	fd := int(os.Stdin.Fd())
	if terminal.IsTerminal(fd) {
		state, err := terminal.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer terminal.Restore(fd, state)

		resize := func() {
			if w, h, err := terminal.GetSize(fd); err == nil {
				s.Resize(uint16(h), uint16(w))
			}
		}
		resize()
		stop := notifyResize(resize)
		defer stop()
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(os.Stdout, s)
		done <- err
	}()
	go func() {
		io.Copy(s, os.Stdin)
		s.CloseWrite()
	}()
	return <-done
}

// pipeCommand runs a local command with its stdin/stdout wired to the session.
func pipeCommand(s *nsh.Session, argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = s
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	go func() {
		io.Copy(stdin, s)
		stdin.Close()
	}()

	err = cmd.Wait()
	s.CloseWrite()
	return err
}
