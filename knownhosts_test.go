package nsh

import (
	"encoding/base64"
	"log"
	"os"
	"testing"
)

func TestKnownHosts(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	chdir(t, "testdata/dotnsh")

	origKnownHosts, err := os.ReadFile(".nsh/known_hosts")
	tcheck(err, nil, "reading test known_hosts file")
	defer func() {
		err := os.WriteFile(".nsh/known_hosts", origKnownHosts, 0644)
		if err != nil {
			log.Printf("restoring known_hosts after test: %s", err)
		}
	}()

	parsePubKey := func(s string) PublicKey {
		buf, err := base64.RawURLEncoding.DecodeString(s)
		tcheck(err, nil, "parsing public key")
		return PublicKey(buf)
	}

	pubKey1 := parsePubKey("Wd6ylojy2ZSPos2L1mQFWFLlOKDtTJ2-3IS-TaHNh3c")
	pubKey2 := parsePubKey("OM2rHhpaiLiuCJ8BJ44G6xhwEkzZ2Gix5fdgXqomYjI")
	pubKeyUnknown := parsePubKey("M0fS5ygb7LRqn6b7IHZQWB3zbf_St3sWAaHKpNedQlM")

	err = CheckKnownHosts("localhost:3232", pubKey1)
	tcheck(err, nil, "matching key for address")

	err = CheckKnownHosts("localhost:3232", pubKey2)
	tcheck(err, ErrRemoteUntrusted, "mismatching key for pinned address")

	err = CheckKnownHosts("localhost:3233", pubKey2)
	tcheck(err, nil, "matching one of multiple keys")

	err = CheckKnownHosts("localhost:9999", pubKey1)
	tcheck(err, ErrRemoteUntrusted, "unknown address")

	// Entries for other protocol versions are skipped, not errors.
	err = CheckKnownHosts("localhost:3232", pubKey1)
	tcheck(err, nil, "future version entry ignored")

	// Already pinned to other keys for this address.
	err = CheckTrustOnFirstUse("localhost:3232", pubKeyUnknown)
	tcheck(err, ErrRemoteUntrusted, "tofu with pinned mismatch")

	// Get pubKeyUnknown added for a new address.
	err = CheckTrustOnFirstUse("localhost:9999", pubKeyUnknown)
	tcheck(err, nil, "tofu adding a new address")
	err = CheckTrustOnFirstUse("localhost:9999", pubKeyUnknown)
	tcheck(err, nil, "tofu verifying the added address")
	err = CheckKnownHosts("localhost:9999", pubKeyUnknown)
	tcheck(err, nil, "added key is now known")

	// The wildcard address is the registry of client identities for a
	// listener: unseen keys are appended, never treated as a mismatch.
	err = CheckKnownHosts("*", pubKeyUnknown)
	tcheck(err, ErrRemoteUntrusted, "unregistered client identity")
	err = CheckTrustOnFirstUse("*", pubKeyUnknown)
	tcheck(err, nil, "tofu registering a client identity")
	err = CheckKnownHosts("*", pubKeyUnknown)
	tcheck(err, nil, "registered client identity is now known")
	err = CheckTrustOnFirstUse("*", pubKey1)
	tcheck(err, nil, "previously registered client identity still accepted")
}
