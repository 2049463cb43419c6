package nsh

import "encoding/binary"

// ControlKind identifies a message on the control channel.
type ControlKind byte

const (
	// KindResize reports a new terminal size (rows, cols).
	KindResize ControlKind = 0x01
	// KindSignal forwards a signal number to the remote process.
	KindSignal ControlKind = 0x02
	// KindClose requests a graceful session close: the receiver flushes and
	// stops accepting new data.
	KindClose ControlKind = 0x03
)

func (k ControlKind) String() string {
	switch k {
	case KindResize:
		return "resize"
	case KindSignal:
		return "signal"
	case KindClose:
		return "close"
	}
	return "unknown"
}

// ControlMessage is one message on the control channel. Which fields are
// meaningful depends on Kind.
type ControlMessage struct {
	Kind   ControlKind
	Rows   uint16 // KindResize
	Cols   uint16 // KindResize
	Signal byte   // KindSignal
}

func (m ControlMessage) append(dst []byte) []byte {
	dst = append(dst, byte(m.Kind))
	switch m.Kind {
	case KindResize:
		var buf [4]byte
		binary.BigEndian.PutUint16(buf[0:], m.Rows)
		binary.BigEndian.PutUint16(buf[2:], m.Cols)
		dst = append(dst, buf[:]...)
	case KindSignal:
		dst = append(dst, m.Signal)
	}
	return dst
}

func parseControl(p []byte) (ControlMessage, error) {
	var m ControlMessage
	if len(p) < 1 {
		return m, prefixError(ErrProtocol, "empty control message")
	}
	m.Kind = ControlKind(p[0])
	body := p[1:]
	switch m.Kind {
	case KindResize:
		if len(body) != 4 {
			return m, prefixError(ErrProtocol, "resize message of %d bytes, expected 4", len(body))
		}
		m.Rows = binary.BigEndian.Uint16(body[0:])
		m.Cols = binary.BigEndian.Uint16(body[2:])
	case KindSignal:
		if len(body) != 1 {
			return m, prefixError(ErrProtocol, "signal message of %d bytes, expected 1", len(body))
		}
		m.Signal = body[0]
	case KindClose:
		if len(body) != 0 {
			return m, prefixError(ErrProtocol, "close message with %d trailing bytes", len(body))
		}
	default:
		return m, prefixError(ErrProtocol, "unknown control message type %#x", p[0])
	}
	return m, nil
}
