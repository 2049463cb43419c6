package nsh

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityDerivation(t *testing.T) {
	id := newTestIdentity(t)

	// The X25519 public key derived from the private scalar must equal the
	// Edwards-to-Montgomery conversion of the Ed25519 public key: the
	// responder relies on this to tie the identity proof to the handshake.
	pub, err := xkPublic(id.Public())
	require.NoError(t, err)
	assert.Equal(t, id.dh.Public, pub)
}

func TestIdentityFromPrivate(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	fromSeed, err := IdentityFromPrivate(priv.Seed())
	require.NoError(t, err)
	fromFull, err := IdentityFromPrivate(priv)
	require.NoError(t, err)
	assert.Equal(t, fromSeed.Public(), fromFull.Public())

	_, err = IdentityFromPrivate(make([]byte, 16))
	assert.ErrorIs(t, err, ErrBadKey)
	_, err = IdentityFromPrivate(nil)
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestIdentitySign(t *testing.T) {
	id := newTestIdentity(t)
	msg := []byte("channel binding")
	sig := id.sign(msg)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(id.Public()), msg, sig))
	assert.False(t, ed25519.Verify(ed25519.PublicKey(id.Public()), []byte("other"), sig))
}

func TestIdentityZero(t *testing.T) {
	id := newTestIdentity(t)
	id.Zero()
	for _, b := range id.dh.Private {
		assert.Zero(t, b)
	}
	for _, b := range id.priv {
		assert.Zero(t, b)
	}
}

func TestParsePublicKey(t *testing.T) {
	id := newTestIdentity(t)
	pub, err := ParsePublicKey(id.Public().String())
	require.NoError(t, err)
	assert.Equal(t, id.Public(), pub)

	_, err = ParsePublicKey("not/base64/rawurl")
	assert.ErrorIs(t, err, ErrBadKey)
	_, err = ParsePublicKey("c2hvcnQ")
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestReadNearestIdentityFile(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seed64 := base64.RawURLEncoding.EncodeToString(priv.Seed())

	writeNshDir(t, map[string]string{"private_key": seed64 + "\n"})

	id, err := readNearestIdentityFile()
	require.NoError(t, err)
	assert.Equal(t, PublicKey(priv.Public().(ed25519.PublicKey)), id.Public())

	// A world-accessible key file is refused.
	require.NoError(t, os.Chmod(".nsh/private_key", 0644))
	_, err = readNearestIdentityFile()
	assert.ErrorIs(t, err, ErrNoIdentity)
	require.NoError(t, os.Chmod(".nsh/private_key", 0600))

	require.NoError(t, os.WriteFile(".nsh/private_key", []byte("!!!not base64!!!\n"), 0600))
	_, err = readNearestIdentityFile()
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestNearestNshDir(t *testing.T) {
	writeNshDir(t, nil)
	dir, err := NearestNshDir()
	require.NoError(t, err)
	assert.NotEmpty(t, dir)

	// Also found from a subdirectory.
	require.NoError(t, os.Mkdir("sub", 0755))
	chdir(t, "sub")
	sub, err := NearestNshDir()
	require.NoError(t, err)
	assert.Equal(t, dir, sub)
}
