package nsh

import "io"

// Bridge is the local endpoint a session shuttles bytes for: a terminal on the
// client, the shell process on the server. The session pulls outbound bytes
// with Read, delivers remote shell output with Write, and reports remote
// control messages with Control. Read returning io.EOF asks the session to
// close gracefully.
//
// The session calls Read, Write and Control from its own goroutines; an
// implementation must tolerate that but is never called concurrently with
// itself.
type Bridge interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Control(m ControlMessage) error
}

// streamBridge is the default bridge, backing the Session's Read/Write/
// CloseWrite methods with a pair of pipes so a session can be used like a
// net.Conn. Remote control messages are handed to an optional callback.
type streamBridge struct {
	localIn   *io.PipeReader // session reads outbound bytes here
	localInW  *io.PipeWriter // Session.Write
	remoteOut *io.PipeWriter // session writes inbound bytes here
	remoteInR *io.PipeReader // Session.Read
	onControl func(ControlMessage) error
}

func newStreamBridge(onControl func(ControlMessage) error) *streamBridge {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &streamBridge{
		localIn:   inR,
		localInW:  inW,
		remoteOut: outW,
		remoteInR: outR,
		onControl: onControl,
	}
}

func (b *streamBridge) Read(p []byte) (int, error) {
	return b.localIn.Read(p)
}

func (b *streamBridge) Write(p []byte) (int, error) {
	return b.remoteOut.Write(p)
}

func (b *streamBridge) Control(m ControlMessage) error {
	if b.onControl != nil {
		return b.onControl(m)
	}
	return nil
}

// close releases both pipes. err becomes the result of pending and future
// Session.Read calls; io.EOF signals a clean end.
func (b *streamBridge) close(err error) {
	b.localIn.CloseWithError(ErrSessionClosed)
	b.remoteOut.CloseWithError(err)
}
