package client

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/omochice/chatroom-client/internal/chat"
)

// link pumps frames between one open transport connection and the event loop.
// It belongs to a single connection generation.
type link struct {
	m    *Manager
	gen  uint64
	conn chat.Conn
	out  chan []byte

	done chan struct{}
	once sync.Once
}

func newLink(m *Manager, gen uint64, conn chat.Conn) *link {
	return &link{
		m:    m,
		gen:  gen,
		conn: conn,
		out:  make(chan []byte, m.opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (l *link) start() {
	l.m.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()
}

// enqueue queues frame for writing without blocking.
func (l *link) enqueue(frame []byte) error {
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.out <- frame:
		return nil
	case <-l.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func (l *link) readLoop() {
	defer l.m.wg.Done()

	for {
		data, err := l.conn.Read(l.m.ctx)
		if err != nil {
			if !l.closed() && !errors.Is(err, io.EOF) {
				l.m.post(event{kind: evError, gen: l.gen, err: fmt.Errorf("read: %w", err)})
			}
			l.m.post(event{kind: evClose, gen: l.gen})
			return
		}
		if !l.m.post(event{kind: evMessage, gen: l.gen, payload: data}) {
			return
		}
	}
}

func (l *link) writeLoop() {
	defer l.m.wg.Done()

	for {
		select {
		case frame := <-l.out:
			if err := l.conn.Write(l.m.ctx, frame); err != nil {
				if !l.closed() {
					l.m.post(event{kind: evError, gen: l.gen, err: fmt.Errorf("write: %w", err)})
				}
				l.close()
				return
			}
			l.m.metrics.Sent()
		case <-l.done:
			return
		}
	}
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// close stops the write loop and closes the connection, which unblocks Read.
func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		if err := l.conn.Close(); err != nil {
			l.m.log.Debug().Err(err).Msg("close transport")
		}
	})
}
