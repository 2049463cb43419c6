package nsh

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Reactor runs many sessions: it accepts incoming connections, registers each
// session under a stable id, and tears everything down on Shutdown. Each
// session is pinned to its own event loop; the reactor itself holds no
// per-session protocol state, so sessions never contend beyond the registry
// lock.
type Reactor struct {
	log *logrus.Logger

	mu       sync.Mutex
	sessions map[uint64]*Session
	closed   bool
}

// NewReactor returns a reactor. If log is nil, the logrus standard logger is
// used.
func NewReactor(log *logrus.Logger) *Reactor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reactor{
		log:      log,
		sessions: map[uint64]*Session{},
	}
}

// register adds a session to the registry and starts its loop. Registering on
// a shut-down reactor closes the session immediately.
func (r *Reactor) register(s *Session) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.conn.Close()
		return
	}
	s.reactor = r
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.log.WithField("session", s.id).Trace("session registered")
	go s.run()
}

// deregister removes a session from the registry. Idempotent: sessions
// deregister themselves on teardown, and Shutdown may race with that.
func (r *Reactor) deregister(id uint64) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.log.WithField("session", id).Trace("session deregistered")
	}
}

// Serve accepts connections from l and runs a session for each. For every
// session that completes its handshake, handle is called on a separate
// goroutine; handle returning ends that session. Serve returns when the
// listener fails, typically because it was closed during Shutdown.
func (r *Reactor) Serve(l net.Listener, config *Config, handle func(*Session)) error {
	if config == nil {
		return errNoConfig
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		s, err := newSession(conn, config.clone(), false, nil)
		if err != nil {
			conn.Close()
			r.log.WithError(err).Debug("rejecting incoming connection")
			continue
		}
		r.register(s)
		go func() {
			if err := s.Handshake(); err != nil {
				r.log.WithFields(logrus.Fields{"session": s.id, "remote": conn.RemoteAddr()}).WithError(err).Debug("incoming handshake failed")
				return
			}
			handle(s)
			s.Close()
		}()
	}
}

// Shutdown closes all registered sessions and refuses new registrations.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
