package nsh

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrVersionMismatch is returned when no mutually supported nsh version could be
	// negotiated.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrNoIdentity indicates no identity private key was found, either in the
	// config or through the nsh address.
	ErrNoIdentity = errors.New("no identity private key")

	// ErrBadKey indicates a key is not valid, either public or private. Possibly
	// invalid base64-raw-url-encoded data, or of the wrong length.
	ErrBadKey = errors.New("bad key")

	// ErrBadAddress is returned when an nsh address is malformed.
	ErrBadAddress = errors.New("malformed nsh address")

	// ErrBadConfig is returned when a config and address cannot be turned into a
	// usable Config.
	ErrBadConfig = errors.New("invalid configuration/address combination")

	// ErrMalformedHandshake is returned when a handshake message has the wrong
	// length or structure.
	ErrMalformedHandshake = errors.New("malformed handshake message")

	// ErrAuthenticationFailed is returned when a handshake message fails key
	// confirmation or the identity signature does not verify. The remote peer only
	// sees the connection drop, never the reason.
	ErrAuthenticationFailed = errors.New("handshake authentication failed")

	// ErrRemoteUntrusted is returned when the remote completed the handshake
	// cryptographically but its identity was rejected by the trust check.
	ErrRemoteUntrusted = errors.New("remote untrusted")

	// ErrHandshakeTimeout is returned when the handshake did not complete within
	// Config.HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHandshakeAborted is returned when the remote disconnects mid-handshake.
	ErrHandshakeAborted = errors.New("handshake aborted by remote")

	// ErrFrameTooLarge is returned when a frame length prefix exceeds the maximum
	// frame size. The connection is torn down before a buffer is allocated.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrDecrypt is returned when an incoming frame fails authenticated
	// decryption. This is fatal to the session.
	ErrDecrypt = errors.New("decryption failed")

	// ErrProtocol is returned for protocol-level errors, like malformed messages.
	ErrProtocol = errors.New("protocol error")

	// ErrNoHandshake is returned for operations before having completed the handshake.
	ErrNoHandshake = errors.New("handshake not completed yet")

	// ErrSessionClosed is returned when calling functions on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoNshDir indicates no .nsh directory was found.
	ErrNoNshDir = errors.New("no .nsh directory found")

	// ErrNoKnownHosts indicates no .nsh/known_hosts file was found.
	ErrNoKnownHosts = errors.New("no .nsh/known_hosts file was found")

	errHandshakeDone = errors.New("handshake already completed")
	errNoConfig      = errors.New("nil config passed to function")
	errBadKnownHosts = errors.New("malformed .nsh/known_hosts file")
	errDialTofu      = errors.New("trust-on-first-use not usable when dialing")
)

// Remove when xerrors supports "%w" in arbitrary location in the formatting
// string. At the time of writing, it only allows it at the end.
type prefixErr struct {
	err    error
	errmsg string
}

func prefixError(err error, format string, args ...interface{}) *prefixErr {
	return &prefixErr{err, err.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (e *prefixErr) Error() string {
	return e.errmsg
}

func (e *prefixErr) Unwrap() error {
	return e.err
}

// wrapErr implements "Is" for the first error, and unwraps into the second error.
type wrapErr struct {
	err  error
	next error
}

func (e *wrapErr) Error() string {
	return e.err.Error()
}

func (e *wrapErr) Is(err error) bool {
	return xerrors.Is(e.err, err)
}

func (e *wrapErr) Unwrap() error {
	return e.next
}
