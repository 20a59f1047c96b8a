// Package wire implements the length-prefixed frame codec carrying
// discriminated-union messages between the scheduler and a worker host.
// The codec owns no state beyond the read/write halves of the transport
// it is given and is the only component that touches that transport, per
// spec §4.1. Any framing or decode error is treated as fatal by the
// caller: the connection is torn down, never patched up mid-stream.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single frame to guard against a corrupt length
// prefix turning into an unbounded allocation.
const MaxFrameSize = 32 << 20 // 32MiB

// ErrFrameTooLarge is returned when a peer's length prefix exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds max size")

// ErrClosed is returned from WriteFrame after Close. ReadFrame does not
// check it.
var ErrClosed = errors.New("wire: codec closed")

// Frame is the self-describing payload the length prefix encloses. Kind
// identifies which concrete message type Payload decodes to; the kind
// byte keeps decoding forward-compatible (unknown kinds may be skipped
// by an older peer instead of aborting the whole stream).
type Frame struct {
	Kind    byte
	Payload []byte
}

// Codec reads and writes length-prefixed Frames over a single
// bidirectional stream. It is safe for concurrent use: one goroutine may
// write while another reads.
type Codec struct {
	r  *bufio.Reader
	w  io.Writer
	wg sync.Mutex

	closed bool
	mu     sync.Mutex
}

// New wraps a transport (a net.Conn, typically a Unix socket or loopback
// TCP connection per spec §4.6) in a Codec.
func New(rw io.ReadWriter) *Codec {
	return &Codec{
		r: bufio.NewReaderSize(rw, 64*1024),
		w: rw,
	}
}

// WriteFrame encodes and writes one frame: a 4-byte big-endian length
// prefix (kind byte + payload) followed by the bytes themselves.
func (c *Codec) WriteFrame(f Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if len(f.Payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.wg.Lock()
	defer c.wg.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)+1))

	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := c.w.Write([]byte{f.Kind}); err != nil {
		return fmt.Errorf("wire: write kind byte: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := c.w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame blocks until one full frame has been read, or returns an
// error (including io.EOF on a clean peer close).
func (c *Codec) ReadFrame() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, errors.New("wire: empty frame")
	}
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Frame{}, fmt.Errorf("wire: read payload: %w", err)
	}

	return Frame{Kind: buf[0], Payload: buf[1:]}, nil
}

// Close marks the codec closed for writes. The underlying transport is
// owned by the caller and closed separately.
func (c *Codec) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Marshal is the payload encoding every message in this package uses:
// msgpack, matching the teacher's StreamEvent wire format.
func Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes a payload encoded with Marshal.
func Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
