package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"lanchat/internal/model"
)

type Tag string

const (
	Hello   Tag = "HELLO"
	Welcome Tag = "WELCOME"
	Enc     Tag = "ENC"
	Data    Tag = "DATA"
	Chunk   Tag = "CHUNK"
	End     Tag = "END"
	Cancel  Tag = "CANCEL"
)

// MaxLineSize caps a single payload line. A 128 KiB chunk encodes to about
// 175 KiB of base64, so this leaves ample room for larger chunk settings.
const MaxLineSize = 4 << 20

func (t Tag) Valid() bool {
	switch t {
	case Hello, Welcome, Enc, Data, Chunk, End, Cancel:
		return true
	}
	return false
}

// Conn reads and writes the newline-delimited tagged protocol on top of a
// net.Conn. One goroutine may read while another writes.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	dmu         sync.Mutex
	readIdle    time.Duration
	writeIdle   time.Duration
	interrupted bool
}

// New wraps c. readIdle and writeIdle bound each individual read or write;
// zero means no deadline.
func New(c net.Conn, readIdle, writeIdle time.Duration) *Conn {
	return &Conn{
		conn:      c,
		r:         bufio.NewReaderSize(c, 64<<10),
		w:         bufio.NewWriterSize(c, 64<<10),
		readIdle:  readIdle,
		writeIdle: writeIdle,
	}
}

func (c *Conn) SetIdle(readIdle, writeIdle time.Duration) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.readIdle = readIdle
	c.writeIdle = writeIdle
}

// Interrupt makes any blocked or future read and write fail immediately until
// Resume is called.
func (c *Conn) Interrupt() {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.interrupted = true
	_ = c.conn.SetDeadline(time.Now())
}

func (c *Conn) Resume() {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	c.interrupted = false
	_ = c.conn.SetDeadline(time.Time{})
}

// Drain discards whatever the peer still sends until it closes or d has
// passed in total. It must not run alongside another reader.
func (c *Conn) Drain(d time.Duration) {
	c.dmu.Lock()
	c.interrupted = false
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	c.dmu.Unlock()

	_, _ = io.Copy(io.Discard, c.r)
}

func (c *Conn) armRead() {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	switch {
	case c.interrupted:
		_ = c.conn.SetReadDeadline(time.Now())
	case c.readIdle > 0:
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readIdle))
	default:
		_ = c.conn.SetReadDeadline(time.Time{})
	}
}

func (c *Conn) armWrite() {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	switch {
	case c.interrupted:
		_ = c.conn.SetWriteDeadline(time.Now())
	case c.writeIdle > 0:
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeIdle))
	default:
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
}

// ReadLine returns the next line without its terminator. An empty line is
// returned as is; callers decide whether that is acceptable.
func (c *Conn) ReadLine() (string, error) {
	c.armRead()

	var sb strings.Builder
	for {
		part, err := c.r.ReadSlice('\n')
		sb.Write(part)
		if sb.Len() > MaxLineSize {
			return "", fmt.Errorf("%w: line exceeds %d bytes", model.ErrProtocol, MaxLineSize)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && sb.Len() > 0 {
			err = io.ErrUnexpectedEOF
		}
		return "", classify(err)
	}

	line := strings.TrimSuffix(sb.String(), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// ReadTag reads one control line and rejects anything that is not a known tag.
func (c *Conn) ReadTag() (Tag, error) {
	line, err := c.ReadLine()
	if err != nil {
		return "", err
	}
	tag := Tag(line)
	if !tag.Valid() {
		return "", fmt.Errorf("%w: unknown tag %q", model.ErrProtocol, truncate(line))
	}
	return tag, nil
}

// Expect reads one tag and fails unless it is want.
func (c *Conn) Expect(want Tag) error {
	tag, err := c.ReadTag()
	if err != nil {
		return err
	}
	if tag != want {
		return fmt.Errorf("%w: expected %s, got %s", model.ErrProtocol, want, tag)
	}
	return nil
}

// ReadPayload reads the line following a tag and rejects an empty one.
func (c *Conn) ReadPayload() (string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return "", fmt.Errorf("%w: empty payload line", model.ErrProtocol)
	}
	return line, nil
}

func (c *Conn) WriteTag(tag Tag) error {
	return c.write(string(tag) + "\n")
}

// WriteFrame writes a tag followed by one payload line in a single flush.
func (c *Conn) WriteFrame(tag Tag, payload string) error {
	return c.write(string(tag) + "\n" + payload + "\n")
}

func (c *Conn) write(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.armWrite()
	if _, err := c.w.WriteString(s); err != nil {
		c.w.Reset(c.conn)
		return classify(err)
	}
	if err := c.w.Flush(); err != nil {
		c.w.Reset(c.conn)
		return classify(err)
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func classify(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	return err
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
