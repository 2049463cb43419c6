package nsh

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/xerrors"
)

func check(t *testing.T, got, expect error, action string) {
	t.Helper()

	if got == expect {
		return
	}
	if expect == nil || expect == io.EOF || !xerrors.Is(got, expect) {
		t.Fatalf("%s: got %v, expected %v", action, got, expect)
	}
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()

	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %s", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir to %s: %s", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restoring workdir: %s", err)
		}
	})
}

// writeNshDir creates a temporary directory with a ".nsh" subdirectory holding
// the given files and changes into it. The private key file gets mode 0600,
// other files 0644.
func writeNshDir(t *testing.T, files map[string]string) {
	t.Helper()

	dir := t.TempDir()
	if err := os.Mkdir(dir+"/.nsh", 0700); err != nil {
		t.Fatalf("mkdir .nsh: %s", err)
	}
	for name, content := range files {
		mode := os.FileMode(0644)
		if name == "private_key" {
			mode = 0600
		}
		if err := os.WriteFile(dir+"/.nsh/"+name, []byte(content), mode); err != nil {
			t.Fatalf("writing %s: %s", name, err)
		}
	}
	chdir(t, dir)
}

func configPair(t *testing.T) (*Config, *Identity, *Config, *Identity) {
	t.Helper()

	cid, err := NewIdentity(nil)
	if err != nil {
		t.Fatalf("generating client identity: %s", err)
	}
	sid, err := NewIdentity(nil)
	if err != nil {
		t.Fatalf("generating server identity: %s", err)
	}

	cconfig := &Config{
		Identity:         cid,
		remotePublicKeys: []PublicKey{sid.Public()},
	}
	sconfig := &Config{
		Identity:         sid,
		remotePublicKeys: []PublicKey{cid.Public()},
	}
	return cconfig, cid, sconfig, sid
}

func TestSession(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	cconfig, cid, sconfig, sid := configPair(t)
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
	tcheck(err, nil, "client handshake")

	sres := <-sc
	tcheck(sres.err, nil, "server handshake")
	sconn := sres.s

	err = cconn.Handshake()
	tcheck(err, nil, "handshake after completion")

	cremote, err := cconn.RemoteIdentity()
	tcheck(err, nil, "RemoteIdentity at client")
	if !bytes.Equal(cremote, sid.Public()) {
		t.Fatalf("unexpected server identity at client, got %s, expected %s", cremote, sid.Public())
	}
	sremote, err := sconn.RemoteIdentity()
	tcheck(err, nil, "RemoteIdentity at server")
	if !bytes.Equal(sremote, cid.Public()) {
		t.Fatalf("unexpected client identity at server, got %s, expected %s", sremote, cid.Public())
	}

	readwrite := func(t *testing.T, src, dst *Session, count int) {
		t.Helper()

		srcbuf := make([]byte, count)
		for i := range srcbuf {
			srcbuf[i] = byte(i)
		}
		ioc := make(chan ioResult)
		go func() {
			dstbuf := make([]byte, count)
			n, err := io.ReadFull(dst, dstbuf)
			if n < 0 {
				n = 0
			}
			ioc <- ioResult{dstbuf[:n], err}
		}()
		n, err := src.Write(srcbuf)
		if err != nil {
			t.Fatalf("write: %s", err)
		}
		if n != count {
			t.Fatalf("wrote %d bytes, expected %d", n, count)
		}
		ior := <-ioc
		if ior.err != nil {
			t.Fatalf("read: %s", ior.err)
		}
		if !bytes.Equal(srcbuf, ior.buf) {
			t.Fatalf("read/write data mismatch, wrote %d bytes, read %d", count, len(ior.buf))
		}
	}

	sizes := []int{2, 1024, maxPlaintext - 2, maxPlaintext - 1, maxPlaintext, 3 * maxPlaintext}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("cs%d", size), func(t *testing.T) { readwrite(t, cconn, sconn, size) })
		t.Run(fmt.Sprintf("sc%d", size), func(t *testing.T) { readwrite(t, sconn, cconn, size) })
	}

	// A graceful close flushes in both directions and ends both reads with a
	// clean eof.
	errc := make(chan error)
	go func() {
		_, err := sconn.Read(make([]byte, 1))
		errc <- err
	}()
	err = cconn.CloseWrite()
	tcheck(err, nil, "client CloseWrite")
	_, err = cconn.Read(make([]byte, 1))
	tcheck(err, io.EOF, "read eof at client after close")
	tcheck(<-errc, io.EOF, "read eof at server after client close")
	tcheck(cconn.Close(), nil, "client Close")
	tcheck(sconn.Close(), nil, "server Close")
}

func TestNetwork(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	cconfig, _, sconfig, sid := configPair(t)

	l, err := Listen("tcp", "127.0.0.1:0", sconfig)
	tcheck(err, nil, "listen")
	defer l.Close()
	addr := l.Addr().String()

	accept := func(errc chan error) {
		s, err := l.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer s.Close()

		if err := s.Handshake(); err != nil {
			errc <- err
			return
		}
		_, err = io.Copy(s, s)
		errc <- err
	}

	dial := func(config *Config, errc chan error) {
		s, err := Dial("tcp", addr, config)
		if err != nil {
			errc <- err
			return
		}
		defer s.Close()

		hello := []byte("hello world")
		if _, err := s.Write(hello); err != nil {
			errc <- err
			return
		}
		buf := make([]byte, len(hello))
		if _, err := io.ReadFull(s, buf); err != nil {
			errc <- err
			return
		}
		if !bytes.Equal(buf, hello) {
			errc <- xerrors.New("echoed data mismatch")
			return
		}
		errc <- s.CloseWrite()
	}

	cerr := make(chan error, 1)
	serr := make(chan error, 1)

	go accept(serr)
	go dial(cconfig, cerr)
	tcheck(<-cerr, nil, "dial with mutual trust")
	tcheck(<-serr, nil, "accept with mutual trust")

	// A client the server does not know completes the handshake
	// cryptographically but is rejected by the trust check. The client only
	// sees the connection drop.
	cconfig2, _, _, _ := configPair(t)
	cconfig2.remotePublicKeys = []PublicKey{sid.Public()}
	go accept(serr)
	s, err := Dial("tcp", addr, cconfig2)
	tcheck(err, nil, "dial as untrusted client")
	tcheck(<-serr, ErrRemoteUntrusted, "accept of untrusted client")
	_, err = s.Read(make([]byte, 1))
	if err == nil || err == io.EOF {
		t.Fatalf("read after server rejection: got %v, expected an error", err)
	}
	s.Close()

	// Without explicit keys, dialing needs a known_hosts file.
	chdir(t, t.TempDir())
	cconfig3 := &Config{Identity: cconfig.Identity}
	_, err = Dial("tcp", addr, cconfig3)
	tcheck(err, ErrRemoteUntrusted, "dial without any remote identity source")
	tcheck(err, ErrNoNshDir, "and the cause is the missing .nsh directory")
}

func TestNegotiation(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	negotiate := func(send, expect []byte) {
		t.Helper()

		_, _, sconfig, _ := configPair(t)
		cnet, snet := net.Pipe()

		errc := make(chan error)
		go func() {
			_, err := Server(snet, sconfig)
			errc <- err
		}()

		_, err := cnet.Write(send)
		tcheck(err, nil, "writing raw hello")

		buf := make([]byte, 64)
		n, err := cnet.Read(buf)
		tcheck(err, nil, "reading server hello")

		tcheck(<-errc, ErrVersionMismatch, "no matching protocol version")
		if !bytes.Equal(buf[:n], expect) {
			t.Fatalf("unexpected hello from server, got %x, expected %x", buf[:n], expect)
		}
		cnet.Close()
	}

	negotiate([]byte("\x00\x00"), []byte("\x00\x04nsh0"))
	negotiate([]byte("\x00\x01x"), []byte("\x00\x04nsh0"))
	negotiate([]byte("\x00\x03a,b"), []byte("\x00\x04nsh0"))
	negotiate([]byte("\x00\x07a,nsh0,"), []byte("\x00\x04nsh0"))
}

func TestHandshakeTimeout(t *testing.T) {
	_, _, sconfig, _ := configPair(t)
	sconfig.HandshakeTimeout = 50 * time.Millisecond

	cnet, snet := net.Pipe()
	defer cnet.Close()

	_, err := Server(snet, sconfig)
	check(t, err, ErrHandshakeTimeout, "server handshake against a silent client")
}

type ioResult struct {
	buf []byte
	err error
}
