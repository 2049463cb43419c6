package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mjl-/nsh"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create a .nsh directory with a fresh private key and empty known_hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, privKey, err := ed25519.GenerateKey(nil)
			if err != nil {
				return fmt.Errorf("generating private key: %w", err)
			}
			seed := privKey.Seed()
			defer wipe(seed)

			os.MkdirAll(".nsh", 0750)

			f, err := os.OpenFile(".nsh/private_key", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return fmt.Errorf("creating private key file: %w", err)
			}
			_, err = fmt.Fprintf(f, "%s\n", base64.RawURLEncoding.EncodeToString(seed))
			if err == nil {
				err = f.Close()
			}
			if err != nil {
				return fmt.Errorf("writing private key file: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "init: created .nsh/private_key")

			f, err = os.OpenFile(".nsh/known_hosts", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return fmt.Errorf("creating known hosts file: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("closing known hosts file: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "init: created .nsh/known_hosts")
			return nil
		},
	}
}

func pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey < .nsh/private_key",
		Short: "print the public key for a private key read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := io.ReadAll(base64.NewDecoder(base64.RawURLEncoding, os.Stdin))
			if err != nil {
				return fmt.Errorf("reading private key: %w", err)
			}
			defer wipe(buf)

			id, err := nsh.IdentityFromPrivate(buf)
			if err != nil {
				return err
			}
			defer id.Zero()
			fmt.Println(id.Public())
			return nil
		},
	}
}

func genkeysCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "print a fresh keypair for each side, with example addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			localSeed, localPub, err := genkey()
			if err != nil {
				return err
			}
			defer wipe(localSeed)
			remoteSeed, remotePub, err := genkey()
			if err != nil {
				return err
			}
			defer wipe(remoteSeed)

			local64 := base64.RawURLEncoding.EncodeToString(localSeed)
			remote64 := base64.RawURLEncoding.EncodeToString(remoteSeed)

			fmt.Println("local public:", localPub)
			fmt.Println("local private:", local64)
			fmt.Printf("local to remote: %s+%s+%s\n", address, local64, remotePub)
			fmt.Println("")
			fmt.Println("remote public:", remotePub)
			fmt.Println("remote private:", remote64)
			fmt.Printf("remote listen: %s+%s+known\n", address, remote64)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "localhost:3232", "address used in the example addresses")
	return cmd
}

func genkey() ([]byte, nsh.PublicKey, error) {
	_, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	seed := privKey.Seed()
	id, err := nsh.IdentityFromPrivate(seed)
	if err != nil {
		wipe(seed)
		return nil, nil, err
	}
	pub := id.Public()
	id.Zero()
	return seed, pub, nil
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
