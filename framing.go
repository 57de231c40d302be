package corelog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// cipherOverhead is the AEAD tag appended to every encrypted frame.
const cipherOverhead = 16

// frameConn reads and writes varint length-prefixed frames over a byte
// stream. During the handshake frames pass through raw; after secure() every
// outgoing frame is AEAD-encrypted and every incoming frame decrypted, with
// each direction holding its own cipher state and monotonic nonce counter.
// A frame arriving out of order fails authentication, so replay and
// reordering inside the encrypted layer are rejected structurally.
//
// Not safe for concurrent use; the session serializes reads and writes on
// dedicated loops.
type frameConn struct {
	r *bufio.Reader
	w *bufio.Writer

	send *noise.CipherState
	recv *noise.CipherState
}

func newFrameConn(rw io.ReadWriter) *frameConn {
	return &frameConn{
		r: bufio.NewReader(rw),
		w: bufio.NewWriter(rw),
	}
}

// secure upgrades the connection with the cipher states split off a
// completed handshake.
func (f *frameConn) secure(send, recv *noise.CipherState) {
	f.send = send
	f.recv = recv
}

// ReadFrame reads one frame, rejecting oversized length claims before
// allocating anything.
func (f *frameConn) ReadFrame() ([]byte, error) {
	length, err := binary.ReadUvarint(f.r)
	if err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if length > MaxMessageSize+cipherOverhead {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max %d",
			ErrProtocolViolation, length, MaxMessageSize+cipherOverhead)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	if f.recv != nil {
		plain, err := f.recv.Decrypt(nil, nil, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: frame decrypt: %v", ErrProtocolViolation, err)
		}
		return plain, nil
	}
	return buf, nil
}

// WriteFrame writes one frame and flushes it to the stream.
func (f *frameConn) WriteFrame(body []byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds max %d",
			ErrProtocolViolation, len(body), MaxMessageSize)
	}
	if f.send != nil {
		sealed, err := f.send.Encrypt(nil, nil, body)
		if err != nil {
			// Nonce exhaustion; the cipher state must not be reused.
			return fmt.Errorf("%w: frame encrypt: %v", ErrProtocolViolation, err)
		}
		body = sealed
	}
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(body)))
	if _, err := f.w.Write(hdr[:n]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := f.w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
