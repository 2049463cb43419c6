package nsh

import (
	"bytes"
	"crypto/ed25519"
	"io"
	"strings"

	"github.com/flynn/noise"
)

const (
	// Nsh0 is the first version identifier for the hello message in protocol
	// negotiation.
	Nsh0 = "nsh0"

	// Minimum size of a Noise XK handshake message: a bare ephemeral public key.
	minHandshakeMsg = 32

	// The final handshake message carries the initiator identity proof:
	// Ed25519 public key plus a signature over the Noise channel binding.
	identityProofSize = ed25519.PublicKeySize + ed25519.SignatureSize
)

// Versions holds the nsh protocol versions supported by this package.
var Versions = []string{Nsh0}

// appendHello appends a version negotiation hello: 2-byte big-endian length
// followed by a comma-separated version list. Both hellos are bound into the
// Noise prologue, so tampering with negotiation fails the handshake.
func appendHello(dst []byte, versions []string) []byte {
	vbuf := []byte(strings.Join(versions, ","))
	dst = append(dst, uint8(len(vbuf)>>8), uint8(len(vbuf)))
	return append(dst, vbuf...)
}

// parseHello parses a hello from the start of buf. It returns the raw hello
// bytes (including length prefix), the versions listed, and the number of bytes
// consumed. A zero consumed count means more bytes are needed.
func parseHello(buf []byte) (hello []byte, versions []string, n int) {
	if len(buf) < 2 {
		return nil, nil, 0
	}
	length := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+length {
		return nil, nil, 0
	}
	hello = buf[:2+length]
	versions = strings.Split(string(buf[2:2+length]), ",")
	return hello, versions, 2 + length
}

func matchVersion(versions []string) string {
	for _, v := range Versions {
		if versions[0] == v {
			return v
		}
	}
	return ""
}

// handshakeResult is what a completed handshake yields: the authenticated
// remote identity and the directional transport keys. The handshake state
// itself is no longer usable afterwards.
type handshakeResult struct {
	remote       PublicKey // Ed25519 identity of the remote.
	remoteStatic []byte    // X25519 static the remote used in the handshake.
	keys         *transportKeys
}

// handshake is a pure Noise XK handshake state machine. It performs no I/O:
// the session feeds it incoming message payloads and transmits whatever it
// produces. The initiator must know the responder's Ed25519 identity up front;
// the responder learns the initiator's identity from the proof in the final
// message.
type handshake struct {
	initiator bool
	identity  *Identity
	remote    PublicKey // Responder identity, initiator only.
	state     *noise.HandshakeState
	msgnum    int
	done      bool
}

func newHandshake(identity *Identity, remote PublicKey, initiator bool, prologue []byte, random io.Reader) (*handshake, error) {
	if identity == nil {
		return nil, ErrNoIdentity
	}
	config := noise.Config{
		Random:        random,
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
		Pattern:       noise.HandshakeXK,
		Initiator:     initiator,
		StaticKeypair: identity.dh,
		Prologue:      prologue,
	}
	if initiator {
		peer, err := xkPublic(remote)
		if err != nil {
			return nil, err
		}
		config.PeerStatic = peer
	}
	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, prefixError(ErrMalformedHandshake, "creating noise handshake state: %s", err)
	}
	return &handshake{
		initiator: initiator,
		identity:  identity,
		remote:    remote,
		state:     state,
	}, nil
}

// initiate produces the first handshake message. Initiator only, called once.
func (h *handshake) initiate() ([]byte, error) {
	if !h.initiator || h.msgnum != 0 {
		return nil, errHandshakeDone
	}
	msg, _, _, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, prefixError(ErrMalformedHandshake, "writing first handshake message: %s", err)
	}
	h.msgnum = 1
	return msg, nil
}

// respond consumes one incoming handshake message and advances the state
// machine. It returns the next message to transmit (nil on the final inbound
// message for the responder) and, once the exchange completes, the result with
// the transport keys. Any returned error is fatal to the connection attempt.
func (h *handshake) respond(in []byte) ([]byte, *handshakeResult, error) {
	if h.done {
		return nil, nil, errHandshakeDone
	}
	if len(in) < minHandshakeMsg {
		return nil, nil, prefixError(ErrMalformedHandshake, "handshake message of %d bytes", len(in))
	}

	if h.initiator {
		return h.respondInitiator(in)
	}
	return h.respondResponder(in)
}

// respondInitiator reads the responder's message 2 and produces message 3
// carrying our identity proof. Completing message 3 yields the transport keys.
func (h *handshake) respondInitiator(in []byte) ([]byte, *handshakeResult, error) {
	if h.msgnum != 1 {
		return nil, nil, prefixError(ErrMalformedHandshake, "unexpected handshake message")
	}
	_, _, _, err := h.state.ReadMessage(nil, in)
	if err != nil {
		return nil, nil, &wrapErr{ErrAuthenticationFailed, err}
	}
	h.msgnum = 2

	// Sign the transcript hash as of message 2. The responder captures the same
	// hash before reading message 3, so both sides sign and verify an identical
	// value that binds every prior handshake byte.
	binding := append([]byte{}, h.state.ChannelBinding()...)
	proof := append(append([]byte{}, h.identity.Public()...), h.identity.sign(binding)...)

	msg, cs0, cs1, err := h.state.WriteMessage(nil, proof)
	if err != nil {
		return nil, nil, prefixError(ErrMalformedHandshake, "writing final handshake message: %s", err)
	}
	h.msgnum = 3
	h.done = true
	res := &handshakeResult{
		remote:       h.remote,
		remoteStatic: h.state.PeerStatic(),
		keys:         newTransportKeys(cs0, cs1),
	}
	return msg, res, nil
}

// respondResponder reads initiator messages. Message 1 produces message 2;
// message 3 carries the identity proof and completes the handshake.
func (h *handshake) respondResponder(in []byte) ([]byte, *handshakeResult, error) {
	switch h.msgnum {
	case 0:
		_, _, _, err := h.state.ReadMessage(nil, in)
		if err != nil {
			return nil, nil, &wrapErr{ErrAuthenticationFailed, err}
		}
		msg, _, _, err := h.state.WriteMessage(nil, nil)
		if err != nil {
			return nil, nil, prefixError(ErrMalformedHandshake, "writing second handshake message: %s", err)
		}
		h.msgnum = 2
		return msg, nil, nil

	case 2:
		binding := append([]byte{}, h.state.ChannelBinding()...)
		proof, cs0, cs1, err := h.state.ReadMessage(nil, in)
		if err != nil {
			return nil, nil, &wrapErr{ErrAuthenticationFailed, err}
		}
		if len(proof) != identityProofSize {
			return nil, nil, prefixError(ErrMalformedHandshake, "identity proof of %d bytes, expected %d", len(proof), identityProofSize)
		}
		remote := PublicKey(proof[:ed25519.PublicKeySize])
		sig := proof[ed25519.PublicKeySize:]
		if !ed25519.Verify(ed25519.PublicKey(remote), binding, sig) {
			return nil, nil, prefixError(ErrAuthenticationFailed, "identity signature does not verify")
		}
		// The claimed Ed25519 identity must be the one whose derived X25519 key
		// just completed the handshake, or the proof is stolen.
		static, err := xkPublic(remote)
		if err != nil {
			return nil, nil, &wrapErr{ErrAuthenticationFailed, err}
		}
		if !bytes.Equal(static, h.state.PeerStatic()) {
			return nil, nil, prefixError(ErrAuthenticationFailed, "identity does not match handshake static key")
		}
		h.msgnum = 3
		h.done = true
		// cs0 carries initiator-to-responder traffic, cs1 the reverse.
		res := &handshakeResult{
			remote:       append(PublicKey{}, remote...),
			remoteStatic: h.state.PeerStatic(),
			keys:         newTransportKeys(cs1, cs0),
		}
		return nil, res, nil
	}
	return nil, nil, prefixError(ErrMalformedHandshake, "unexpected handshake message")
}
