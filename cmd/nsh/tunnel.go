package main

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjl-/nsh"
)

func tunnelCmd() *cobra.Command {
	var timeout time.Duration
	var proxyAddr string
	cmd := &cobra.Command{
		Use:   "tunnel localaddr address",
		Short: "forward local TCP connections to a server over nsh sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := net.Listen("tcp", args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "tunnel: listening on %s, forwarding to %s\n", l.Addr(), args[1])
			for {
				conn, err := l.Accept()
				if err != nil {
					return err
				}
				go forward(conn, args[1], timeout, proxyAddr)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "handshake timeout, 0 for the default")
	cmd.Flags().StringVar(&proxyAddr, "proxy", "", "socks5 proxy address to dial through")
	return cmd
}

func forward(conn net.Conn, address string, timeout time.Duration, proxyAddr string) {
	defer conn.Close()

	config := &nsh.Config{
		Logger:           log,
		HandshakeTimeout: timeout,
		SOCKS5Proxy:      proxyAddr,
	}
	s, err := nsh.Dial("tcp", address, config)
	if err != nil {
		log.WithError(err).Error("dialing for tunnel")
		return
	}
	defer s.Close()

	go func() {
		io.Copy(s, conn)
		s.CloseWrite()
	}()
	io.Copy(conn, s)
}
