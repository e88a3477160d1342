package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/gobwas/ws"

	"github.com/omochice/chatroom-client/internal/chat"
)

// Dialer opens client WebSocket connections.
type Dialer struct {
	// Timeout bounds connect plus handshake. Zero means no limit beyond ctx.
	Timeout time.Duration

	// Binary sends outbound messages as binary frames.
	Binary bool
}

// Dial connects to target, a ws:// or wss:// URL.
func (d Dialer) Dial(ctx context.Context, target string) (chat.Conn, error) {
	wd := ws.Dialer{Timeout: d.Timeout}
	conn, br, _, err := wd.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if br != nil {
		// Frames the server sent right after the handshake are buffered in br.
		return NewConn(conn, br, d.Binary), nil
	}
	return NewConn(conn, conn, d.Binary), nil
}
