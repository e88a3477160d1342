package client

import "errors"

var (
	ErrIdentityMissing = errors.New("identity is empty")
	ErrNotConnected    = errors.New("not connected to server")
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrManagerClosed   = errors.New("session manager closed")
)
