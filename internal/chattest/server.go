// Package chattest runs an in-process chat service for tests and local demos.
//
// It speaks the plain text protocol the client expects: a join notice and a
// user count announcement on every arrival and departure, and "name: text"
// for every chat line. With Binary set it frames the same content as
// protobuf messages instead.
package chattest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omochice/chatroom-client/internal/logging"
	"github.com/omochice/chatroom-client/pkg/protocol"
)

// Path is where the WebSocket endpoint is mounted.
const Path = "/ws"

const outgoingBuffer = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configures a Server.
type Options struct {
	// Binary frames traffic as protobuf messages.
	Binary bool

	Logger *zerolog.Logger
}

type peer struct {
	id       string
	name     string
	conn     *websocket.Conn
	outgoing chan []byte
	once     sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		p.conn.Close()
	})
}

// Server is a broadcast chat room behind an httptest server.
type Server struct {
	opts Options
	log  zerolog.Logger
	http *httptest.Server

	mu       sync.RWMutex
	peers    map[*peer]bool
	received []string
	dials    []string
	reject   bool

	wg sync.WaitGroup
}

// NewServer starts a Server.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:  opts,
		peers: make(map[*peer]bool),
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = logging.With().Str("component", "chattest").Logger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWebSocket)
	s.http = httptest.NewServer(mux)
	return s
}

// Endpoint returns the ws:// URL of the chat endpoint.
func (s *Server) Endpoint() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + Path
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.http.Close()
	s.wg.Wait()
}

// DropAll abruptly closes every client connection without a close frame.
func (s *Server) DropAll() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		p.close()
	}
}

// SetReject makes the endpoint refuse upgrades while reject is true.
func (s *Server) SetReject(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reject
}

// Broadcast sends a raw text payload to every client.
func (s *Server) Broadcast(payload string) {
	s.broadcast(s.frame(protocol.Message{Type: protocol.MessageTypeText, Content: payload}))
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Names returns the identities of connected clients, sorted.
func (s *Server) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.peers))
	for p := range s.peers {
		names = append(names, p.name)
	}
	slices.Sort(names)
	return names
}

// Received returns every chat line the server accepted, as "name: text".
func (s *Server) Received() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.received)
}

// Dials returns the identity of every upgrade attempt, accepted or not.
func (s *Server) Dials() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.dials)
}

// WaitForClients polls until n clients are connected or timeout elapses.
func (s *Server) WaitForClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.ClientCount() == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.ClientCount() == n
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	s.mu.Lock()
	s.dials = append(s.dials, name)
	reject := s.reject
	s.mu.Unlock()

	if reject {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	p := &peer{
		id:       uuid.NewString(),
		name:     name,
		conn:     conn,
		outgoing: make(chan []byte, outgoingBuffer),
	}

	s.mu.Lock()
	s.peers[p] = true
	s.mu.Unlock()

	s.log.Info().Str("peer", p.id).Str("name", name).Msg("client connected")

	s.wg.Add(1)
	go s.handleClient(p)

	s.broadcast(s.frame(protocol.Message{Type: protocol.MessageTypeJoin, Sender: name}))
	s.broadcastCount()
}

func (s *Server) handleClient(p *peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		close(p.outgoing)
		p.close()

		s.log.Info().Str("peer", p.id).Str("name", p.name).Msg("client disconnected")
		s.broadcast(s.frame(protocol.Message{Type: protocol.MessageTypeLeave, Sender: p.name}))
		s.broadcastCount()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for data := range p.outgoing {
			if err := p.conn.WriteMessage(s.messageType(), data); err != nil {
				s.log.Debug().Err(err).Str("peer", p.id).Msg("failed to send message to client")
				p.close()
				return
			}
		}
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("peer", p.id).Msg("read failed")
			}
			return
		}

		text, err := s.decode(data)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", p.id).Msg("failed to decode message")
			continue
		}

		line := p.name + ": " + text
		s.mu.Lock()
		s.received = append(s.received, line)
		s.mu.Unlock()

		s.broadcast(s.frame(protocol.Message{Type: protocol.MessageTypeText, Sender: p.name, Content: text}))
	}
}

func (s *Server) broadcastCount() {
	s.mu.RLock()
	n := len(s.peers)
	s.mu.RUnlock()
	s.Broadcast(fmt.Sprintf("%s %d", protocol.CountMarker, n))
}

// broadcast queues data for every client, skipping clients whose queue is full.
func (s *Server) broadcast(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for p := range s.peers {
		select {
		case p.outgoing <- data:
		default:
			s.log.Warn().Str("peer", p.id).Msg("client channel full, skipping")
		}
	}
}

func (s *Server) messageType() int {
	if s.opts.Binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (s *Server) frame(msg protocol.Message) []byte {
	if !s.opts.Binary {
		return []byte(msg.Text())
	}
	data, err := msg.Encode()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode message")
		return nil
	}
	return data
}

func (s *Server) decode(data []byte) (string, error) {
	if !s.opts.Binary {
		return string(data), nil
	}
	var msg protocol.Message
	if err := msg.Decode(data); err != nil {
		return "", err
	}
	return msg.Content, nil
}
