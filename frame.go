package nsh

import (
	"encoding/binary"

	"github.com/flynn/noise"
)

const (
	// authSize authenticator bytes are appended to encrypted data by ChaCha20-Poly1305.
	authSize = 16

	// frameHeaderSize is the length prefix preceding every frame payload.
	frameHeaderSize = 4

	// maxFramePayload bounds the payload named by a length prefix. A prefix
	// beyond this fails the connection before any buffer is allocated.
	maxFramePayload = noise.MaxMsgLen

	// maxPlaintext is the largest [channel][data] plaintext that still fits in
	// one sealed frame.
	maxPlaintext = maxFramePayload - authSize
)

// Channel tags multiplexed inside the encrypted transport. Fixed set, one byte
// prefixing every decrypted frame payload.
const (
	channelShell   = 0x01
	channelControl = 0x02
)

// transportKeys holds the directional cipher states derived by the handshake,
// with mirrored sequence counters. The cipher states own the real nonces; the
// counters exist for diagnostics and must match frame-for-frame, since a frame
// encrypted out of order can never decrypt.
type transportKeys struct {
	send, recv       *noise.CipherState
	sendSeq, recvSeq uint64
}

func newTransportKeys(send, recv *noise.CipherState) *transportKeys {
	return &transportKeys{send: send, recv: recv}
}

// zero drops the cipher states. The AEAD keys live inside the noise library's
// cipher states and become unreachable here; sequence counters are reset so any
// later misuse trips ErrSessionClosed instead of reusing a nonce.
func (k *transportKeys) zero() {
	k.send = nil
	k.recv = nil
	k.sendSeq = 0
	k.recvSeq = 0
}

// appendFrame appends a 4-byte big-endian length prefix and payload to dst.
// Used both for raw handshake messages and for sealed ciphertext.
func appendFrame(dst, payload []byte) []byte {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	return append(append(dst, hdr[:]...), payload...)
}

// seal encrypts [channel][plaintext] with the send cipher and appends the
// resulting frame to dst. The send sequence increases by exactly one per call.
func (k *transportKeys) seal(dst []byte, channel byte, plaintext []byte) ([]byte, error) {
	if k.send == nil {
		return nil, ErrSessionClosed
	}
	if 1+len(plaintext) > maxPlaintext {
		return nil, prefixError(ErrProtocol, "plaintext of %d bytes does not fit a frame", len(plaintext))
	}
	pt := make([]byte, 0, 1+len(plaintext))
	pt = append(append(pt, channel), plaintext...)
	ct, err := k.send.Encrypt(nil, nil, pt)
	if err != nil {
		return nil, &wrapErr{ErrSessionClosed, err}
	}
	k.sendSeq++
	return appendFrame(dst, ct), nil
}

// open decrypts one frame payload, returning the channel tag and plaintext.
// Any failure is fatal: the caller must tear the session down.
func (k *transportKeys) open(payload []byte) (byte, []byte, error) {
	if k.recv == nil {
		return 0, nil, ErrSessionClosed
	}
	pt, err := k.recv.Decrypt(nil, nil, payload)
	if err != nil {
		return 0, nil, &wrapErr{ErrDecrypt, err}
	}
	k.recvSeq++
	if len(pt) < 1 {
		return 0, nil, prefixError(ErrProtocol, "frame without channel tag")
	}
	return pt[0], pt[1:], nil
}

// frameReader incrementally splits a byte stream into frames. Bytes are fed as
// they arrive; next returns complete payloads, buffering partial frames across
// calls. An oversized length prefix is detected from the header alone and is
// sticky: the reader yields no further frames.
type frameReader struct {
	buf []byte
	err error
}

func (r *frameReader) feed(p []byte) {
	if r.err != nil {
		return
	}
	r.buf = append(r.buf, p...)
}

// next returns the next complete frame payload, or nil when more bytes are
// needed. The returned slice is only valid until the following feed call.
func (r *frameReader) next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) < frameHeaderSize {
		return nil, nil
	}
	size := binary.BigEndian.Uint32(r.buf)
	if size > maxFramePayload {
		r.err = prefixError(ErrFrameTooLarge, "length prefix %d exceeds maximum %d", size, maxFramePayload)
		r.buf = nil
		return nil, r.err
	}
	total := frameHeaderSize + int(size)
	if len(r.buf) < total {
		return nil, nil
	}
	payload := r.buf[frameHeaderSize:total]
	r.buf = r.buf[total:]
	return payload, nil
}

// fail poisons the reader and discards buffered bytes, for fatal errors
// detected above the framing layer (failed decryption, protocol violations).
func (r *frameReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.buf = nil
}
