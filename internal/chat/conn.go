// Package chat defines the transport abstraction the session layer talks to.
package chat

//go:generate mockgen -destination=mock_chat/mock_conn.go -package=mock_chat . Conn

import "context"

// Conn abstracts one open, bidirectional, message-oriented connection to the
// chat service. Implementations must allow Read and Write to be called from
// different goroutines, and Close to be called concurrently with both.
type Conn interface {
	// Read blocks until the next inbound frame arrives.
	// Returns io.EOF when the peer closed the connection normally.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection. Pending Reads return an error.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
