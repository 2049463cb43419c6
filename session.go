package nsh

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type phase int

const (
	phaseConnecting phase = iota
	phaseHandshaking
	phaseReady
	phaseClosing
	phaseClosed
	phaseError
)

func (p phase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseHandshaking:
		return "handshaking"
	case phaseReady:
		return "ready"
	case phaseClosing:
		return "closing"
	case phaseClosed:
		return "closed"
	case phaseError:
		return "error"
	}
	return "unknown"
}

// readEvent is what the socket read pump posts into the session loop: bytes
// that arrived, and/or the error that ended reading.
type readEvent struct {
	data []byte
	err  error
}

// inboundItem is one decrypted unit awaiting delivery to the bridge, in network
// arrival order.
type inboundItem struct {
	data []byte
	ctl  *ControlMessage
}

// Session is one secure connection: the handshake, the framed transport and
// the channel demultiplexer, driven by a single event loop goroutine. Socket
// reads, socket writes and bridge I/O run on their own pumps and exchange data
// with the loop through channels, so no step of the protocol ever blocks the
// loop.
type Session struct {
	conn      net.Conn
	config    *Config
	log       *logrus.Entry
	initiator bool

	reactor *Reactor // nil for standalone sessions
	id      uint64

	bridge Bridge
	stream *streamBridge // set when bridge is the default stream bridge

	fromConn chan readEvent
	toConn   chan []byte
	wrote    chan int
	ioErr    chan error
	localIn  chan []byte
	localCtl chan ControlMessage
	deliver  chan inboundItem
	closeReq chan struct{}

	readyc chan struct{}
	donec  chan struct{}

	// Loop-owned state, not touched outside the run goroutine.
	timer     *time.Timer // handshake deadline, re-armed as the close-flush deadline
	hs        *handshake
	keys      *transportKeys
	fr        frameReader
	hellobuf  []byte
	helloSent []byte
	helloDone bool
	outq      [][]byte
	inq       []inboundItem
	pendingBytes int // queued plus in-flight outbound bytes
	inflight     int
	deferred     error // fail with this after the outbound queue flushes

	mu           sync.Mutex
	ph           phase
	err          error
	remote       PublicKey
	remoteStatic []byte
}

var sessionIDs struct {
	sync.Mutex
	next uint64
}

func nextSessionID() uint64 {
	sessionIDs.Lock()
	defer sessionIDs.Unlock()
	sessionIDs.next++
	return sessionIDs.next
}

// newSession wires up a session for conn but does not start it; the caller
// starts the loop with go s.run(). For initiators, remote is the responder's
// Ed25519 identity, required by the XK pattern.
func newSession(conn net.Conn, config *Config, initiator bool, remote PublicKey) (*Session, error) {
	if config == nil {
		return nil, errNoConfig
	}
	if config.Identity == nil {
		return nil, ErrNoIdentity
	}
	if initiator && len(remote) == 0 {
		return nil, prefixError(ErrBadConfig, "dialing requires the remote identity")
	}
	if initiator && config.isTofu {
		return nil, errDialTofu
	}
	if !initiator && config.isTofu && config.CheckPublicKey == nil {
		config.CheckPublicKey = CheckTrustOnFirstUse
	}

	s := &Session{
		conn:      conn,
		config:    config,
		initiator: initiator,
		id:        nextSessionID(),
		bridge:    config.Bridge,
		fromConn:  make(chan readEvent),
		toConn:    make(chan []byte),
		wrote:     make(chan int),
		ioErr:     make(chan error, 1),
		localIn:   make(chan []byte),
		localCtl:  make(chan ControlMessage),
		deliver:   make(chan inboundItem),
		closeReq:  make(chan struct{}, 1),
		readyc:    make(chan struct{}),
		donec:     make(chan struct{}),
		ph:        phaseHandshaking,
		remote:    remote,
	}
	if s.bridge == nil {
		var onControl func(ControlMessage) error
		if config.OnControl != nil {
			onControl = func(m ControlMessage) error {
				return config.OnControl(s, m)
			}
		}
		s.stream = newStreamBridge(onControl)
		s.bridge = s.stream
	}
	role := "responder"
	if initiator {
		role = "initiator"
	}
	s.log = config.logger().WithFields(logrus.Fields{
		"session": s.id,
		"role":    role,
		"remote":  conn.RemoteAddr(),
	})
	return s, nil
}

func (s *Session) phase() phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ph
}

func (s *Session) setPhase(p phase) {
	s.mu.Lock()
	old := s.ph
	s.ph = p
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"from": old, "to": p}).Trace("session phase")
}

// run is the session event loop. It owns all protocol state; the pumps only
// move bytes.
func (s *Session) run() {
	defer s.teardown()

	go s.readPump()
	go s.writePump()
	go s.deliverPump()

	s.timer = time.NewTimer(s.config.handshakeTimeout())
	defer s.timer.Stop()

	if s.initiator {
		s.helloSent = appendHello(nil, Versions)
		s.enqueue(s.helloSent)
	}

	for {
		ph := s.phase()
		if ph == phaseClosing && len(s.outq) == 0 && s.inflight == 0 && len(s.inq) == 0 {
			if s.deferred != nil {
				s.fail(s.deferred)
			} else {
				s.setPhase(phaseClosed)
			}
			return
		}

		// Back-pressure: stop pulling local input while the outbound queue is
		// over the threshold. Disabled channels are nil and never selected.
		var localIn chan []byte
		if ph == phaseReady && s.pendingBytes < s.config.maxPendingBytes() {
			localIn = s.localIn
		}
		var toConn chan []byte
		var nextOut []byte
		if len(s.outq) > 0 {
			toConn = s.toConn
			nextOut = s.outq[0]
		}
		var deliver chan inboundItem
		var nextIn inboundItem
		if len(s.inq) > 0 {
			deliver = s.deliver
			nextIn = s.inq[0]
		}

		select {
		case ev := <-s.fromConn:
			if !s.handleRead(ev) {
				return
			}
		case toConn <- nextOut:
			s.outq = s.outq[1:]
			s.inflight++
		case n := <-s.wrote:
			s.inflight--
			s.pendingBytes -= n
		case err := <-s.ioErr:
			s.fail(&wrapErr{ErrSessionClosed, err})
			return
		case deliver <- nextIn:
			s.inq = s.inq[1:]
		case buf := <-localIn:
			if !s.sendShell(buf) {
				return
			}
		case m := <-s.localCtl:
			if !s.handleLocalControl(m) {
				return
			}
		case <-s.closeReq:
			if s.phase() != phaseReady {
				s.setPhase(phaseClosed)
				return
			}
			if !s.startClosing(true) {
				return
			}
		case <-s.timer.C:
			switch s.phase() {
			case phaseClosing:
				s.setPhase(phaseClosed)
				return
			case phaseReady:
				// The handshake deadline is spent; the close path re-arms it.
			default:
				s.fail(ErrHandshakeTimeout)
				return
			}
		}
	}
}

// handleRead consumes bytes (and possibly a terminal error) from the socket.
// Returns false when the loop must exit.
func (s *Session) handleRead(ev readEvent) bool {
	if len(ev.data) > 0 && !s.consume(ev.data) {
		return false
	}
	if ev.err == nil {
		return true
	}
	switch s.phase() {
	case phaseClosing:
		s.setPhase(phaseClosed)
	case phaseHandshaking:
		s.fail(&wrapErr{ErrHandshakeAborted, ev.err})
	default:
		// Closing the underlying connection is not an authenticated close.
		s.fail(prefixError(ErrProtocol, "connection ended without close message: %s", ev.err))
	}
	return false
}

// consume feeds inbound bytes through hello negotiation and then the frame
// reader. Returns false when the loop must exit.
func (s *Session) consume(data []byte) bool {
	if !s.helloDone {
		s.hellobuf = append(s.hellobuf, data...)
		hello, versions, n := parseHello(s.hellobuf)
		if n == 0 {
			return true
		}
		data = s.hellobuf[n:]
		s.hellobuf = nil
		if !s.finishHello(hello, versions) {
			return false
		}
	}

	s.fr.feed(data)
	for {
		payload, err := s.fr.next()
		if err != nil {
			s.fail(err)
			return false
		}
		if payload == nil {
			return true
		}
		if !s.dispatch(payload) {
			return false
		}
	}
}

// finishHello completes version negotiation and sets up the handshake engine
// with both hellos as the Noise prologue.
func (s *Session) finishHello(remoteHello []byte, versions []string) bool {
	version := matchVersion(versions)
	if s.initiator {
		if version == "" {
			s.fail(prefixError(ErrVersionMismatch, "asked %q, received %q", string(s.helloSent[2:]), string(remoteHello[2:])))
			return false
		}
	} else {
		// Reply with our hello even on mismatch, so the peer can report what we
		// support; then flush and drop.
		s.helloSent = appendHello(nil, []string{Nsh0})
		s.enqueue(s.helloSent)
		if version == "" {
			s.deferred = prefixError(ErrVersionMismatch, "client asked %q, we support none", string(remoteHello[2:]))
			s.setPhase(phaseClosing)
			return true
		}
	}
	s.helloDone = true

	var prologue []byte
	if s.initiator {
		prologue = append(append([]byte{}, s.helloSent...), remoteHello...)
	} else {
		prologue = append(append([]byte{}, remoteHello...), s.helloSent...)
	}

	hs, err := newHandshake(s.config.Identity, s.remote, s.initiator, prologue, s.config.random())
	if err != nil {
		s.fail(err)
		return false
	}
	s.hs = hs

	if s.initiator {
		msg, err := hs.initiate()
		if err != nil {
			s.fail(err)
			return false
		}
		s.enqueue(appendFrame(nil, msg))
	}
	return true
}

// dispatch routes one complete frame payload according to the current phase.
func (s *Session) dispatch(payload []byte) bool {
	switch s.phase() {
	case phaseHandshaking:
		out, res, err := s.hs.respond(payload)
		if err != nil {
			// No failure detail goes to the peer; the connection just drops.
			s.fail(err)
			return false
		}
		if out != nil {
			s.enqueue(appendFrame(nil, out))
		}
		if res != nil {
			return s.complete(res)
		}
		return true

	case phaseReady, phaseClosing:
		channel, plaintext, err := s.keys.open(payload)
		if err != nil {
			s.fr.fail(err)
			s.fail(err)
			return false
		}
		switch channel {
		case channelShell:
			data := append([]byte{}, plaintext...)
			s.inq = append(s.inq, inboundItem{data: data})
		case channelControl:
			m, err := parseControl(plaintext)
			if err != nil {
				s.fail(err)
				return false
			}
			s.inq = append(s.inq, inboundItem{ctl: &m})
			if m.Kind == KindClose && s.phase() == phaseReady {
				s.setPhase(phaseClosing)
				s.rearmTimer(s.config.closeTimeout())
			}
		default:
			s.fail(prefixError(ErrProtocol, "unknown channel tag %#x", channel))
			return false
		}
		return true
	}
	s.fail(prefixError(ErrProtocol, "frame in phase %s", s.phase()))
	return false
}

// complete finishes the handshake: the remote identity is checked against the
// trust configuration before the transport keys are accepted. On rejection the
// keys are wiped without ever being exposed.
func (s *Session) complete(res *handshakeResult) bool {
	if err := s.verifyRemote(res.remote); err != nil {
		res.keys.zero()
		s.fail(&wrapErr{ErrRemoteUntrusted, err})
		return false
	}

	s.mu.Lock()
	s.hs = nil
	s.keys = res.keys
	s.remote = res.remote
	s.remoteStatic = res.remoteStatic
	s.ph = phaseReady
	s.mu.Unlock()

	s.log.WithField("peer", res.remote).Debug("session established")
	go s.bridgePump()
	close(s.readyc)
	return true
}

func (s *Session) verifyRemote(pubKey PublicKey) error {
	for _, k := range s.config.remotePublicKeys {
		if k.String() == pubKey.String() {
			return nil
		}
	}
	if s.config.CheckPublicKey != nil {
		remoteAddress := "*"
		if s.initiator {
			remoteAddress = s.config.Address
			if remoteAddress == "" {
				remoteAddress = s.conn.RemoteAddr().String()
			}
		}
		return s.config.CheckPublicKey(remoteAddress, pubKey)
	}
	return prefixError(ErrRemoteUntrusted, "unknown remote public key %s", pubKey)
}

// sendShell seals local bytes as shell-data frames, chunking as needed.
func (s *Session) sendShell(buf []byte) bool {
	for len(buf) > 0 {
		n := len(buf)
		if n > maxPlaintext-1 {
			n = maxPlaintext - 1
		}
		frame, err := s.keys.seal(nil, channelShell, buf[:n])
		if err != nil {
			s.fail(err)
			return false
		}
		s.enqueue(frame)
		buf = buf[n:]
	}
	return true
}

func (s *Session) handleLocalControl(m ControlMessage) bool {
	if s.phase() != phaseReady {
		return true
	}
	frame, err := s.keys.seal(nil, channelControl, m.append(nil))
	if err != nil {
		s.fail(err)
		return false
	}
	s.enqueue(frame)
	if m.Kind == KindClose {
		return s.startClosing(false)
	}
	return true
}

// startClosing transitions to the flush phase. When sendClose is set, a close
// control frame is queued first.
func (s *Session) startClosing(sendClose bool) bool {
	if sendClose {
		frame, err := s.keys.seal(nil, channelControl, ControlMessage{Kind: KindClose}.append(nil))
		if err != nil {
			s.fail(err)
			return false
		}
		s.enqueue(frame)
	}
	s.setPhase(phaseClosing)
	s.rearmTimer(s.config.closeTimeout())
	return true
}

// rearmTimer resets the loop timer, draining a pending fire first. Loop
// goroutine only.
func (s *Session) rearmTimer(d time.Duration) {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(d)
}

func (s *Session) enqueue(buf []byte) {
	s.outq = append(s.outq, buf)
	s.pendingBytes += len(buf)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.ph = phaseError
	s.mu.Unlock()
	s.log.WithError(err).Debug("session failed")
}

// teardown releases everything a session holds: pumps stop, the socket closes,
// key material is dropped and the reactor registration is removed. Safe to
// reach from every loop exit path.
func (s *Session) teardown() {
	close(s.donec)
	s.conn.Close()

	s.mu.Lock()
	if s.ph != phaseClosed && s.ph != phaseError {
		s.ph = phaseClosed
	}
	if s.keys != nil {
		s.keys.zero()
		s.keys = nil
	}
	s.hs = nil
	err := s.err
	s.mu.Unlock()

	zero(s.fr.buf)
	s.fr.fail(ErrSessionClosed)
	for i := range s.outq {
		zero(s.outq[i])
	}
	s.outq = nil
	s.inq = nil

	if s.stream != nil {
		res := err
		if res == nil {
			res = io.EOF
		}
		s.stream.close(res)
	}
	if s.reactor != nil {
		s.reactor.deregister(s.id)
	}
	s.log.Trace("session torn down")
}

// readPump performs the socket reads and posts results into the loop. The
// runtime network poller keeps the read non-blocking at the OS level; the pump
// just parks until readiness.
func (s *Session) readPump() {
	for {
		buf := make([]byte, 32<<10)
		n, err := s.conn.Read(buf)
		ev := readEvent{err: err}
		if n > 0 {
			ev.data = buf[:n]
		}
		select {
		case s.fromConn <- ev:
		case <-s.donec:
			return
		}
		if err != nil {
			return
		}
	}
}

// writePump writes queued wire bytes in the order the loop hands them over,
// acknowledging completed writes so the loop can track back-pressure.
func (s *Session) writePump() {
	for {
		select {
		case buf := <-s.toConn:
			if _, err := s.conn.Write(buf); err != nil {
				select {
				case s.ioErr <- err:
				case <-s.donec:
				}
				return
			}
			select {
			case s.wrote <- len(buf):
			case <-s.donec:
				return
			}
		case <-s.donec:
			return
		}
	}
}

// bridgePump pulls outbound bytes from the local bridge once the session is
// Ready. EOF from the bridge requests a graceful close.
func (s *Session) bridgePump() {
	buf := make([]byte, 16<<10)
	for {
		n, err := s.bridge.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case s.localIn <- cp:
			case <-s.donec:
				return
			}
		}
		if err != nil {
			select {
			case s.localCtl <- ControlMessage{Kind: KindClose}:
			case <-s.donec:
			}
			return
		}
	}
}

// deliverPump hands decrypted inbound data and control messages to the bridge,
// in arrival order, without ever blocking the loop.
func (s *Session) deliverPump() {
	for {
		select {
		case item := <-s.deliver:
			if item.ctl != nil {
				if err := s.bridge.Control(*item.ctl); err != nil {
					s.log.WithError(err).Debug("bridge rejected control message")
				}
			} else if _, err := s.bridge.Write(item.data); err != nil {
				s.requestClose()
				return
			}
		case <-s.donec:
			return
		}
	}
}

func (s *Session) requestClose() {
	select {
	case s.closeReq <- struct{}{}:
	default:
	}
}

// Handshake waits for the handshake to complete. It returns an error if the
// session failed or was closed before reaching the ready state.
func (s *Session) Handshake() error {
	select {
	case <-s.readyc:
		return nil
	case <-s.donec:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return ErrSessionClosed
	}
}

// RemoteIdentity returns the remote's Ed25519 public key. RemoteIdentity
// ensures a handshake has been completed.
func (s *Session) RemoteIdentity() (PublicKey, error) {
	if err := s.Handshake(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, nil
}

// Read reads shell data received from the remote. Read returns io.EOF after
// the remote requested a graceful close. Only usable when the session was
// created without a custom Bridge.
func (s *Session) Read(p []byte) (int, error) {
	if s.stream == nil {
		return 0, prefixError(ErrBadConfig, "session has a custom bridge")
	}
	return s.stream.remoteInR.Read(p)
}

// Write sends shell data to the remote. Only usable when the session was
// created without a custom Bridge.
func (s *Session) Write(p []byte) (int, error) {
	if s.stream == nil {
		return 0, prefixError(ErrBadConfig, "session has a custom bridge")
	}
	return s.stream.localInW.Write(p)
}

// CloseWrite signals the end of local input: the session flushes pending data,
// sends a close request to the remote, and winds down. Data already sent by
// the remote can still be read until io.EOF.
func (s *Session) CloseWrite() error {
	if s.stream == nil {
		return prefixError(ErrBadConfig, "session has a custom bridge")
	}
	return s.stream.localInW.Close()
}

// Resize sends a terminal resize notification on the control channel.
func (s *Session) Resize(rows, cols uint16) error {
	return s.sendControlMessage(ControlMessage{Kind: KindResize, Rows: rows, Cols: cols})
}

// Signal forwards a signal number on the control channel.
func (s *Session) Signal(sig byte) error {
	return s.sendControlMessage(ControlMessage{Kind: KindSignal, Signal: sig})
}

func (s *Session) sendControlMessage(m ControlMessage) error {
	if err := s.Handshake(); err != nil {
		return err
	}
	select {
	case s.localCtl <- m:
		return nil
	case <-s.donec:
		return ErrSessionClosed
	}
}

// Close requests a graceful close and waits for the session to wind down: the
// outbound queue is flushed, a close frame is sent when the session is ready,
// and the socket is released. Close reports the session's terminal error, if
// any.
func (s *Session) Close() error {
	s.requestClose()
	<-s.donec
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && s.err != ErrSessionClosed {
		return s.err
	}
	return nil
}

// LocalAddr returns the local network address of the underlying connection.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the underlying connection.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
