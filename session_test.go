package nsh

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// sessionPair runs a handshake between two in-memory sessions and returns
// them, client first.
func sessionPair(t *testing.T, cconfig, sconfig *Config) (*Session, *Session) {
	t.Helper()

	cnet, snet := net.Pipe()
	type connResult struct {
		s   *Session
		err error
	}
	sc := make(chan connResult)
	go func() {
		s, err := Server(snet, sconfig)
		sc <- connResult{s, err}
	}()
	cconn, err := Client(cnet, cconfig)
	if err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	sres := <-sc
	if sres.err != nil {
		t.Fatalf("server handshake: %s", sres.err)
	}
	return cconn, sres.s
}

// captureBridge records everything the session delivers. Read blocks until the
// bridge is released, then reports a clean end of input.
type captureBridge struct {
	mu       sync.Mutex
	data     []byte
	controls []ControlMessage
	notify   chan struct{}
	done     chan struct{}
}

func newCaptureBridge() *captureBridge {
	return &captureBridge{
		notify: make(chan struct{}, 64),
		done:   make(chan struct{}),
	}
}

func (b *captureBridge) Read(p []byte) (int, error) {
	<-b.done
	return 0, io.EOF
}

func (b *captureBridge) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	b.notify <- struct{}{}
	return len(p), nil
}

func (b *captureBridge) Control(m ControlMessage) error {
	b.mu.Lock()
	b.controls = append(b.controls, m)
	b.mu.Unlock()
	b.notify <- struct{}{}
	return nil
}

func (b *captureBridge) wait(t *testing.T, events int) {
	t.Helper()
	for i := 0; i < events; i++ {
		select {
		case <-b.notify:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for bridge event %d of %d", i+1, events)
		}
	}
}

func TestBridge(t *testing.T) {
	cconfig, _, sconfig, _ := configPair(t)
	bridge := newCaptureBridge()
	sconfig.Bridge = bridge

	cconn, sconn := sessionPair(t, cconfig, sconfig)

	err := cconn.Resize(24, 80)
	check(t, err, nil, "sending resize")
	err = cconn.Signal(15)
	check(t, err, nil, "sending signal")
	_, err = cconn.Write([]byte("ping"))
	check(t, err, nil, "sending shell data")
	bridge.wait(t, 3)

	bridge.mu.Lock()
	data := append([]byte{}, bridge.data...)
	controls := append([]ControlMessage{}, bridge.controls...)
	bridge.mu.Unlock()

	if !bytes.Equal(data, []byte("ping")) {
		t.Fatalf("bridge got data %q, expected %q", data, "ping")
	}
	if len(controls) != 2 || controls[0].Kind != KindResize || controls[1].Kind != KindSignal {
		t.Fatalf("bridge got controls %v, expected resize then signal", controls)
	}
	if controls[0].Rows != 24 || controls[0].Cols != 80 {
		t.Fatalf("resize carried %dx%d, expected 24x80", controls[0].Rows, controls[0].Cols)
	}
	if controls[1].Signal != 15 {
		t.Fatalf("signal carried %d, expected 15", controls[1].Signal)
	}

	// Releasing the bridge ends the server's local input and closes the
	// session gracefully from its side.
	close(bridge.done)
	_, err = cconn.Read(make([]byte, 1))
	check(t, err, io.EOF, "clean eof at client after server bridge ended")
	check(t, cconn.Close(), nil, "client close")
	check(t, sconn.Close(), nil, "server close")
}

func TestOnControl(t *testing.T) {
	cconfig, _, sconfig, _ := configPair(t)

	got := make(chan ControlMessage, 8)
	sconfig.OnControl = func(s *Session, m ControlMessage) error {
		got <- m
		return nil
	}

	cconn, sconn := sessionPair(t, cconfig, sconfig)
	defer cconn.Close()
	defer sconn.Close()

	err := cconn.Resize(50, 132)
	check(t, err, nil, "sending resize")

	select {
	case m := <-got:
		if m.Kind != KindResize || m.Rows != 50 || m.Cols != 132 {
			t.Fatalf("got control %v, expected 50x132 resize", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for control callback")
	}
}

func TestBackpressure(t *testing.T) {
	cconfig, _, sconfig, _ := configPair(t)
	// A tiny outbound threshold forces the loop to pause pulling local
	// input many times; all data must still arrive, in order.
	cconfig.MaxPendingBytes = 4096

	cconn, sconn := sessionPair(t, cconfig, sconfig)

	const total = 512 << 10
	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i * 31)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := cconn.Write(src)
		if err == nil {
			err = cconn.CloseWrite()
		}
		errc <- err
	}()

	var dst bytes.Buffer
	_, err := io.Copy(&dst, sconn)
	check(t, err, nil, "reading at server")
	check(t, <-errc, nil, "writing at client")

	if !bytes.Equal(dst.Bytes(), src) {
		t.Fatalf("data mismatch after %d bytes with back-pressure", total)
	}
	check(t, cconn.Close(), nil, "client close")
	check(t, sconn.Close(), nil, "server close")
}

func TestCloseBeforeHandshake(t *testing.T) {
	cconfig, _, _, _ := configPair(t)
	cnet, snet := net.Pipe()
	defer snet.Close()

	s, err := newSession(cnet, cconfig, true, cconfig.remotePublicKeys[0])
	check(t, err, nil, "creating session")
	go s.run()

	err = s.Close()
	check(t, err, nil, "closing mid-handshake")
	err = s.Handshake()
	check(t, err, ErrSessionClosed, "handshake after close")
}

func TestDialTofu(t *testing.T) {
	cconfig, _, _, _ := configPair(t)
	cconfig.isTofu = true
	cnet, _ := net.Pipe()
	defer cnet.Close()

	_, err := newSession(cnet, cconfig, true, cconfig.remotePublicKeys[0])
	check(t, err, errDialTofu, "trust-on-first-use as initiator")
}
