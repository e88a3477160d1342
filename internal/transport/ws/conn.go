// Package ws provides the WebSocket transport for the chat client.
package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/chatroom-client/internal/chat"
)

const closeTimeout = time.Second

// Conn adapts a client-side gobwas/ws connection to chat.Conn.
type Conn struct {
	conn   net.Conn
	rd     *wsutil.Reader
	binary bool

	// mu serializes frames written by Write, Close and control replies.
	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded connection. src is where frames are read from;
// it is usually conn itself, or the buffered reader returned by the handshake.
// Outbound messages are sent as binary frames when binary is set, text
// frames otherwise.
func NewConn(conn net.Conn, src io.Reader, binary bool) *Conn {
	if src == nil {
		src = conn
	}
	c := &Conn{conn: conn, binary: binary}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read implements chat.Conn.
// Control frames are answered inline; the next text or binary message is returned.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}

		data, err := io.ReadAll(c.rd)
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		return data, nil
	}
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	op := ws.OpText
	if c.binary {
		op = ws.OpBinary
	}
	return c.writeFrame(ctx, ws.NewFrame(op, true, data))
}

// Close implements chat.Conn. It sends a normal closure frame on a best
// effort basis and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = c.writeFrame(ctx, ws.NewCloseFrame(body))
		cancel()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	h := wsutil.ControlHandler{
		Src:   r,
		Dst:   &buf,
		State: ws.StateClientSide,
	}
	err := h.Handle(hdr)
	if buf.Len() > 0 {
		if werr := c.writeRaw(context.Background(), buf.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// writeFrame masks f with a copy of its payload and writes it as one unit.
func (c *Conn) writeFrame(ctx context.Context, f ws.Frame) error {
	var buf bytes.Buffer
	if err := ws.WriteFrame(&buf, ws.MaskFrame(f)); err != nil {
		return err
	}
	return c.writeRaw(ctx, buf.Bytes())
}

func (c *Conn) writeRaw(ctx context.Context, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(b)
	return err
}

// readErr maps a read failure to io.EOF for a normal closure, or to the
// context error when ctx ended the read.
func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		switch closed.Code {
		case ws.StatusNormalClosure, ws.StatusGoingAway, ws.StatusNoStatusRcvd:
			return io.EOF
		}
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

var _ chat.Conn = (*Conn)(nil)
