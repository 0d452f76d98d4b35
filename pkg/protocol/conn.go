package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single pipe frame. Large enough for any rendered
// figure, small enough that a corrupt length prefix cannot trigger an
// absurd allocation.
const MaxFrameSize = 64 << 20

// Conn is the byte-framed bidirectional channel between broker and worker:
// each frame is a 4-byte big-endian length prefix followed by the serialized
// frame. The socket side needs no prefix because the transport supplies
// message boundaries.
//
// Writes are serialized by an internal mutex. Reads have exactly one caller
// at a time (the goroutine driving the current request), so they are not.
type Conn struct {
	r   *bufio.Reader
	w   io.Writer
	wmu sync.Mutex
}

// NewConn wraps a read/write pair, typically a child process's stdout/stdin.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// WriteFrame serializes and writes one frame.
func (c *Conn) WriteFrame(f *Frame) error {
	payload, err := Marshal(f)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads and parses one frame. io.EOF is returned unwrapped when the
// peer closed the channel cleanly between frames.
func (c *Conn) ReadFrame() (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("read frame: invalid size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return Unmarshal(payload)
}
