// Package client manages a single chat session over a reconnecting transport.
//
// A Manager owns the transport handle and the reconnect timer. Every state
// transition happens on the Manager's event loop goroutine; transport
// goroutines and timers only post events to it. Presentation code reads
// immutable Snapshots, either by polling Snapshot or by subscribing.
package client

import (
	"context"

	"github.com/omochice/chatroom-client/internal/chat"
)

// Session is the surface exposed to a presentation layer.
type Session interface {
	Connect(identity string)
	Send(text string) bool
	TrySend(text string) error
	Close()
	Snapshot() Snapshot
	Subscribe(fn func(Snapshot)) (cancel func())
}

// Dialer opens a transport connection to target.
type Dialer interface {
	Dial(ctx context.Context, target string) (chat.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target string) (chat.Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, target string) (chat.Conn, error) {
	return f(ctx, target)
}

var _ Session = (*Manager)(nil)
