package nsh

import (
	"encoding/base64"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

var newlyGenerated struct {
	sync.Mutex
	identity *Identity
}

// ParseAddress parses a regular "host:port" address, or an nsh address of the
// form "host:port+local+remote". Config is updated with information from
// "local" and "remote". The leftover regular address is stored in
// config.Address.
//
// "Local" specifies the local identity private key, and must be one of:
//
//   - a literal base64-raw-url-encoded Ed25519 private key (seed or full key).
//     Keep in mind this address may be printed or logged, revealing it unintentionally.
//   - "fs", read the key from the file "private_key" from the nearest ".nsh"
//     directory. The default for regular addresses.
//   - "new", a new identity is created and used for the lifetime of the program.
//   - "" (empty string), nothing is done, in which case the "config" parameter must
//     contain an identity.
//
// "Remote" specifies the remote Ed25519 identities, and must be a
// comma-separated list of:
//
//   - a literal base64-raw-url-encoded public key.
//   - "known", read the file "known_hosts" for known public keys from the nearest
//     ".nsh" directory. The default for regular addresses.
//   - "tofu", trust on first use. Only usable when listening: it records
//     previously unseen client identities in the known hosts file. The XK
//     handshake makes tofu meaningless when dialing, since the remote identity
//     must be known before the first message.
//   - "any", for trusting any remote identity. This is unsafe; when listening it
//     accepts every client, and when dialing it cannot work at all (see "tofu").
//
// Example addresses:
//
//	localhost:3232
//	localhost:3232+fs+known
//	localhost:3232+EzckHRK9zMVib3vIHYc17LztyyabLGaV5F7Z-ye5yRQ+S1KCaHr7wHI4f06GY4uPstZnPC6UIDzwkYq48B3lhG8
//	localhost:3232+new+any
func ParseAddress(address string, config *Config) (rerr error) {
	// NOTE: we don't include the address in error messages: it might contain a private key.

	if address == config.Address {
		return nil
	}
	if config.Address != "" {
		return prefixError(ErrBadConfig, "an address was already parsed into the config")
	}

	t := strings.Split(address, "+")
	if len(t) > 3 {
		return prefixError(ErrBadAddress, "found more than 3 plus-separated tokens in address")
	}

	config.Address = t[0]

	if len(t) < 3 && config.CheckPublicKey == nil {
		config.CheckPublicKey = CheckKnownHosts
	}

	var err error
	if len(t) > 1 {
		err = loadPrivate(t[1], config)
	} else if config.Identity == nil {
		err = loadPrivate("fs", config)
	}
	if err != nil {
		return err
	}

	if len(t) > 2 {
		err = loadPublic(t[2], config)
	} else if config.CheckPublicKey == nil {
		err = loadPublic("known", config)
	}
	return err
}

func loadPrivate(spec string, config *Config) error {
	switch spec {
	case "new":
		if config.Identity != nil {
			return prefixError(ErrBadConfig, "config already has an identity")
		}
		newlyGenerated.Lock()
		defer newlyGenerated.Unlock()
		if newlyGenerated.identity == nil {
			id, err := NewIdentity(nil)
			if err != nil {
				return err
			}
			newlyGenerated.identity = id
		}
		config.Identity = newlyGenerated.identity
	case "fs":
		if config.Identity != nil {
			return prefixError(ErrBadConfig, "config already has an identity")
		}
		id, err := readNearestIdentityFile()
		if err != nil {
			return xerrors.Errorf("reading nearest private key in file system: %w", err)
		}
		config.Identity = id
	case "":
		if config.Identity == nil {
			return ErrNoIdentity
		}
	default:
		privKey, err := base64.RawURLEncoding.DecodeString(spec)
		if err != nil {
			return prefixError(ErrBadKey, "bad base64-raw-url for private key: %s", err)
		}
		config.Identity, err = IdentityFromPrivate(privKey)
		zero(privKey)
		if err != nil {
			return prefixError(ErrBadKey, "parsing private key: %s", err)
		}
	}
	return nil
}

func loadPublic(spec string, config *Config) error {
	for _, remote := range strings.Split(spec, ",") {
		switch remote {
		case "":
			// nothing to do
		case "known", "tofu", "any":
			if config.CheckPublicKey != nil {
				return prefixError(ErrBadConfig, "config already has a CheckPublicKey configured")
			}
			switch remote {
			case "known":
				config.CheckPublicKey = CheckKnownHosts
			case "tofu":
				config.isTofu = true
				config.CheckPublicKey = CheckTrustOnFirstUse
			case "any":
				config.CheckPublicKey = func(address string, pubKey PublicKey) error {
					return nil
				}
			default:
				panic("missing case")
			}
		default:
			pubKey, err := ParsePublicKey(remote)
			if err != nil {
				return err
			}
			config.remotePublicKeys = append(config.remotePublicKeys, pubKey)
		}
	}

	return nil
}
