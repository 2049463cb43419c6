/*
Nsh is a tool for secure remote shells over the nsh protocol.

In the example below, we create ".nsh" directories with "nsh init", start a
server with "nsh listen" and connect with "nsh exec".

Make two directories, one for the client and one for the server, and run "nsh
init" in both:

	client$ nsh init
	init: created .nsh/private_key
	init: created .nsh/known_hosts

	server$ nsh init
	init: created .nsh/private_key
	init: created .nsh/known_hosts

The server must trust the client's identity. Add a line to the server's
".nsh/known_hosts" file with three space-separated fields: "nsh0" (protocol
version), "*" (any client), public key:

	client$ nsh pubkey < .nsh/private_key
	byX6M3L2qCU4yAFotRhI1dKOffrU7drs4W7-iIY-1Qc

	server$ echo 'nsh0 * byX6M3L2qCU4yAFotRhI1dKOffrU7drs4W7-iIY-1Qc' >>.nsh/known_hosts

Start a server that runs a shell for each connection:

	server$ nsh listen localhost:3232 /bin/sh -i

The client needs the server's identity before it can connect (the XK
handshake cannot probe for it). Get it on the server with "nsh pubkey" and
either add it to the client's known_hosts or put it in the address:

	client$ echo "nsh0 localhost:3232 $serverkey" >>.nsh/known_hosts
	client$ nsh exec localhost:3232

Alternatively "nsh genkeys" prints a ready-made keypair with example
addresses for both sides.
*/
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose int
	log     = logrus.New()
)

func main() {
	root := &cobra.Command{
		Use:           "nsh",
		Short:         "nsh makes authenticated encrypted shell connections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case verbose >= 2:
				log.SetLevel(logrus.TraceLevel)
			case verbose == 1:
				log.SetLevel(logrus.DebugLevel)
			default:
				log.SetLevel(logrus.WarnLevel)
			}
		},
	}
	root.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity, repeatable")

	root.AddCommand(initCmd(), pubkeyCmd(), genkeysCmd(), listenCmd(), execCmd(), tunnelCmd())

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
