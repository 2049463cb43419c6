package nsh

import (
	"crypto/rand"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"golang.org/x/xerrors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseTimeout     = 5 * time.Second
	defaultMaxPendingBytes  = 256 << 10
)

// Config holds the identity and trust configuration for nsh sessions.
type Config struct {
	// Rand is used as source of cryptographic randomness. If nil, Reader from
	// crypto/rand is used.
	Rand io.Reader

	// Address to dial or listen after parsing the nsh address. Set by
	// ParseAddress, which is also called by Dial and Listen.
	Address string

	// Identity is the local static Ed25519 identity. Can be set by direct
	// assignment, through an nsh address containing a private key, or through
	// the "fs" keyword.
	Identity *Identity

	// Filled from explicit public keys in the nsh address.
	remotePublicKeys []PublicKey

	// CheckPublicKey is called (if set) to verify a remote identity for an
	// address, after the handshake completed cryptographically. For incoming
	// connections the address passed to CheckPublicKey is "*". See
	// CheckKnownHosts and CheckTrustOnFirstUse.
	CheckPublicKey func(address string, pubKey PublicKey) error
	isTofu         bool

	// HandshakeTimeout bounds the time from connection to the ready state.
	// Zero means 10 seconds.
	HandshakeTimeout time.Duration

	// MaxPendingBytes bounds the outbound queue. When exceeded, the session
	// stops pulling local input until the queue drains. Zero means 256 KiB.
	MaxPendingBytes int

	// Bridge is the local endpoint of the session. If nil, the session gets a
	// stream bridge and can be used through its Read/Write/CloseWrite methods.
	Bridge Bridge

	// OnControl is called for control messages from the remote when the
	// session uses the default stream bridge. If nil, remote control messages
	// are discarded. Ignored when Bridge is set: a custom bridge receives
	// control messages directly.
	OnControl func(s *Session, m ControlMessage) error

	// SOCKS5Proxy is an optional proxy address ("host:port") to dial through,
	// e.g. a local Tor proxy.
	SOCKS5Proxy string

	// Logger for protocol diagnostics. If nil, the logrus standard logger is
	// used. Sessions log at debug and trace levels only.
	Logger *logrus.Logger
}

func (c *Config) random() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout == 0 {
		return defaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

func (c *Config) closeTimeout() time.Duration {
	return defaultCloseTimeout
}

func (c *Config) maxPendingBytes() int {
	if c.MaxPendingBytes == 0 {
		return defaultMaxPendingBytes
	}
	return c.MaxPendingBytes
}

func (c *Config) logger() *logrus.Logger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// clone returns a shallow per-session copy, so sessions never mutate a config
// shared across connections.
func (c *Config) clone() *Config {
	cc := *c
	return &cc
}

// LocalPublic returns the local public identity key.
//
// If no identity has been configured, LocalPublic calls panic.
func (c *Config) LocalPublic() PublicKey {
	if c.Identity == nil {
		panic("Identity not yet set")
	}
	return c.Identity.Public()
}

// Dial connects to the remote, performs the nsh handshake and checks that the
// remote identity is trusted. The Noise XK pattern requires knowing the remote
// identity before the first byte: it must come from the address, the config,
// or the known_hosts file.
//
// Dial calls ParseAddress on address, which can be an nsh address.
func Dial(network, address string, config *Config) (*Session, error) {
	if config == nil {
		return nil, errNoConfig
	}

	err := ParseAddress(address, config)
	if err != nil {
		return nil, xerrors.Errorf("parsing address: %w", err)
	}

	remote, err := resolveRemote(config)
	if err != nil {
		return nil, err
	}

	conn, err := dialConn(network, config)
	if err != nil {
		return nil, err
	}
	s, err := startSession(conn, config, true, remote)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func dialConn(network string, config *Config) (net.Conn, error) {
	if config.SOCKS5Proxy != "" {
		d, err := proxy.SOCKS5(network, config.SOCKS5Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, xerrors.Errorf("setting up socks5 proxy: %w", err)
		}
		return d.Dial(network, config.Address)
	}
	return net.Dial(network, config.Address)
}

// resolveRemote determines the responder identity to dial: an explicit key
// from the address or config, or the known_hosts entry for the address.
func resolveRemote(config *Config) (PublicKey, error) {
	if len(config.remotePublicKeys) > 0 {
		return config.remotePublicKeys[0], nil
	}
	_, knownHosts, err := readKnownHosts()
	if err != nil {
		return nil, &wrapErr{ErrRemoteUntrusted, err}
	}
	if l := knownHosts[config.Address]; len(l) > 0 {
		return l[0].PublicKey, nil
	}
	return nil, prefixError(ErrRemoteUntrusted, "no known identity for %q", config.Address)
}

// Client turns an existing connection into an nsh session as initiator. The
// remote identity must be in config.remotePublicKeys (e.g. through
// ParseAddress). On failure, the existing connection is not closed.
func Client(conn net.Conn, config *Config) (*Session, error) {
	if config == nil {
		return nil, errNoConfig
	}
	remote, err := resolveRemote(config)
	if err != nil {
		return nil, err
	}
	return startSession(conn, config, true, remote)
}

// Server turns an existing connection into an nsh session as responder and
// completes the handshake. On failure, the existing connection is not closed.
func Server(conn net.Conn, config *Config) (*Session, error) {
	if config == nil {
		return nil, errNoConfig
	}
	return startSession(conn, config, false, nil)
}

// startSession creates a session, runs its loop and waits for the handshake.
func startSession(conn net.Conn, config *Config, initiator bool, remote PublicKey) (*Session, error) {
	s, err := newSession(conn, config, initiator, remote)
	if err != nil {
		return nil, err
	}
	go s.run()
	if err := s.Handshake(); err != nil {
		return nil, xerrors.Errorf("handshake: %w", err)
	}
	return s, nil
}

// Listener accepts nsh sessions.
type Listener struct {
	net.Listener
	config *Config
}

// Listen creates a new listener for incoming connections.
//
// Listen calls ParseAddress on address, which can be an nsh address.
func Listen(network, address string, config *Config) (*Listener, error) {
	if config == nil {
		return nil, errNoConfig
	}
	err := ParseAddress(address, config)
	if err != nil {
		return nil, xerrors.Errorf("parsing address: %w", err)
	}

	l, err := net.Listen(network, config.Address)
	if err != nil {
		return nil, err
	}
	return &Listener{
		Listener: l,
		config:   config,
	}, nil
}

// Accept accepts an incoming connection. The returned session runs its
// handshake in the background; RemoteIdentity, Read and Write wait for it.
func (l *Listener) Accept() (*Session, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	s, err := newSession(conn, l.config.clone(), false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go s.run()
	return s, nil
}
