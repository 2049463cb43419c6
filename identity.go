package nsh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"io"
	"os"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/xerrors"
)

// PublicKey is a 32-byte Ed25519 public key, the long-term identity of a local
// or remote party.
type PublicKey []byte

// String returns a base64-raw-url-encoded version of the public key.
func (k PublicKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

// ParsePublicKey parses a base64-raw-url-encoded Ed25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, prefixError(ErrBadKey, "bad base64-raw-url for public key: %s", err)
	}
	if len(buf) != ed25519.PublicKeySize {
		return nil, prefixError(ErrBadKey, "got %d bytes for public key, expected %d", len(buf), ed25519.PublicKeySize)
	}
	return PublicKey(buf), nil
}

// Identity is a long-term Ed25519 keypair together with the X25519 keypair
// derived from it for the Noise handshake. The Ed25519 public key is the
// identity shown to users and stored in known_hosts; the X25519 side never
// leaves this package.
type Identity struct {
	priv ed25519.PrivateKey
	dh   noise.DHKey
}

// NewIdentity generates a fresh identity. If random is nil, crypto/rand is used.
func NewIdentity(random io.Reader) (*Identity, error) {
	if random == nil {
		random = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, xerrors.Errorf("generating ed25519 key: %w", err)
	}
	return identityFromEd25519(priv)
}

// IdentityFromPrivate makes an Identity from raw private key bytes: either a
// 32-byte Ed25519 seed or a 64-byte Ed25519 private key.
func IdentityFromPrivate(buf []byte) (*Identity, error) {
	switch len(buf) {
	case ed25519.SeedSize:
		return identityFromEd25519(ed25519.NewKeyFromSeed(buf))
	case ed25519.PrivateKeySize:
		priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(priv, buf)
		return identityFromEd25519(priv)
	}
	return nil, prefixError(ErrBadKey, "got %d bytes for private key, expected %d or %d", len(buf), ed25519.SeedSize, ed25519.PrivateKeySize)
}

func identityFromEd25519(priv ed25519.PrivateKey) (*Identity, error) {
	dhPriv := xkPrivate(priv.Seed())
	dhPub, err := curve25519.X25519(dhPriv, curve25519.Basepoint)
	if err != nil {
		zero(dhPriv)
		return nil, prefixError(ErrBadKey, "deriving x25519 public key: %s", err)
	}
	id := &Identity{
		priv: priv,
		dh:   noise.DHKey{Private: dhPriv, Public: dhPub},
	}
	return id, nil
}

// Public returns the Ed25519 public key.
func (id *Identity) Public() PublicKey {
	return PublicKey(id.priv.Public().(ed25519.PublicKey))
}

// sign signs msg with the Ed25519 private key. Used to bind the identity to the
// handshake transcript.
func (id *Identity) sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Zero wipes the private key material. The identity is unusable afterwards.
func (id *Identity) Zero() {
	zero(id.priv)
	zero(id.dh.Private)
}

// xkPrivate derives the X25519 private scalar from an Ed25519 seed: the first
// 32 bytes of SHA-512(seed), clamped. This matches the scalar Ed25519 itself
// uses, so the derived X25519 public key equals the Edwards-to-Montgomery
// conversion of the Ed25519 public key.
func xkPrivate(seed []byte) []byte {
	h := sha512.Sum512(seed)
	priv := make([]byte, curve25519.ScalarSize)
	copy(priv, h[:curve25519.ScalarSize])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	zero(h[:])
	return priv
}

// xkPublic converts an Ed25519 public key to the corresponding X25519 public
// key (the Montgomery u-coordinate of the Edwards point).
func xkPublic(pub PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, prefixError(ErrBadKey, "got %d bytes for public key, expected %d", len(pub), ed25519.PublicKeySize)
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, prefixError(ErrBadKey, "invalid ed25519 public key: %s", err)
	}
	return p.BytesMontgomery(), nil
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// readNearestIdentityFile reads ".nsh/private_key" from the nearest .nsh
// directory. The file must not be world-accessible.
func readNearestIdentityFile() (*Identity, error) {
	dir, err := NearestNshDir()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(dir + "/private_key")
	if err != nil {
		return nil, prefixError(ErrNoIdentity, "opening private key file: %s", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	perm := info.Mode() & os.ModePerm
	if perm&07 != 0 {
		return nil, prefixError(ErrNoIdentity, "refusing to read private key from world-accessible %s", f.Name())
	}

	// Read the private key from file in "buf" below, without making any copies.
	// Clear it when we are done. Afterwards, the only copies are inside the
	// returned Identity.
	buf := make([]byte, 128)
	defer zero(buf)
	have := 0
	for {
		n, err := f.Read(buf[have:])
		have += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if have == len(buf) {
			return nil, prefixError(ErrBadKey, "too long for a private key")
		}
	}
	for have > 0 && (buf[have-1] == '\n' || buf[have-1] == '\r') {
		have--
	}
	n, err := base64.RawURLEncoding.Decode(buf, buf[:have])
	if err != nil {
		return nil, prefixError(ErrBadKey, "decoding base64-raw-url private key: %s", err)
	}
	return IdentityFromPrivate(buf[:n])
}
