package client

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/chatroom-client/internal/chat"
	"github.com/omochice/chatroom-client/internal/logging"
	"github.com/omochice/chatroom-client/internal/metrics"
	"github.com/omochice/chatroom-client/pkg/protocol"
)

// Defaults applied to zero Options fields.
const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultSendBuffer     = 16
)

const eventBuffer = 64

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	// Endpoint is the service URL the identity is appended to.
	Endpoint string

	// ReconnectDelay is the fixed wait before each retry.
	ReconnectDelay time.Duration

	// DialTimeout bounds one transport open.
	DialTimeout time.Duration

	// SendBuffer is the number of frames queued on an open connection.
	SendBuffer int

	Codec   protocol.Codec
	Clock   Clock
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

type eventKind int

const (
	evConnect eventKind = iota
	evOpen
	evMessage
	evError
	evClose
	evRetry
)

type event struct {
	kind     eventKind
	gen      uint64
	identity string
	conn     chat.Conn
	payload  []byte
	err      error
	seq      uint64
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// Manager drives connect, open, close and reconnect for one identity.
type Manager struct {
	dialer  Dialer
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// mu guards the fields read outside the event loop.
	mu   sync.RWMutex
	snap Snapshot
	out  *link

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int

	// Owned by the event loop.
	state    State
	identity string
	gen      uint64
	conn     *link
	entries  []protocol.Entry
	count    int
	lastErr  error
	retry    Timer
	retrySeq uint64
}

// New creates a Manager and starts its event loop. Call Close to stop it.
func New(dialer Dialer, opts Options) *Manager {
	m := newManager(dialer, opts)
	m.wg.Add(1)
	go m.run()
	return m
}

func newManager(dialer Dialer, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Codec == nil {
		opts.Codec = protocol.TextCodec{}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = logging.With().Str("component", "client").Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:  dialer,
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan event, eventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect starts a session for identity. It returns immediately; progress is
// observed through snapshots. An empty identity, an open connection or an
// attempt already in flight make it a no-op.
func (m *Manager) Connect(identity string) {
	if identity == "" {
		m.log.Warn().Err(ErrIdentityMissing).Msg("connect ignored")
		return
	}
	if !m.post(event{kind: evConnect, identity: identity}) {
		m.log.Debug().Err(ErrManagerClosed).Msg("connect ignored")
	}
}

// Send delivers text if the session is connected and reports whether it did.
// Text sent while not connected is dropped, never queued.
func (m *Manager) Send(text string) bool {
	return m.TrySend(text) == nil
}

// TrySend is Send with the reason for a drop.
func (m *Manager) TrySend(text string) error {
	select {
	case <-m.done:
		m.metrics.Dropped(metrics.DropClosed)
		return ErrManagerClosed
	default:
	}

	m.mu.RLock()
	out, snap := m.out, m.snap
	m.mu.RUnlock()

	if snap.State != StateConnected || out == nil {
		m.metrics.Dropped(metrics.DropNotConnected)
		m.log.Debug().Str("state", snap.State.String()).Msg("send dropped")
		return ErrNotConnected
	}

	frame, err := m.opts.Codec.Encode(snap.Identity, text)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := out.enqueue(frame); err != nil {
		reason := metrics.DropNotConnected
		if err == ErrSendBufferFull {
			reason = metrics.DropBufferFull
		}
		m.metrics.Dropped(reason)
		m.log.Warn().Err(err).Msg("send dropped")
		return err
	}
	return nil
}

// Close ends the session: the transport is closed, a pending reconnect is
// cancelled, and no subscriber is called after Close returns. Close must not
// be called from a subscriber; start it in a new goroutine instead.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
	m.wg.Wait()
	m.drain()
}

// drain closes connections whose open event was still queued when the loop
// stopped. Only timers can post after wg is done, and they never carry one.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			if ev.kind == evOpen && ev.conn != nil {
				ev.conn.Close()
			}
		default:
			return
		}
	}
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe registers fn to be called with every new snapshot. fn runs on the
// event loop and must not block or call Close, which waits for the loop.
// The returned function unregisters it.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		m.subs = slices.DeleteFunc(m.subs, func(s subscriber) bool { return s.id == id })
	}
}

// post hands ev to the event loop. It reports false once the loop has stopped.
func (m *Manager) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	defer close(m.done)

	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) handle(ev event) {
	var changed bool
	switch ev.kind {
	case evConnect:
		changed = m.handleConnect(ev.identity)
	case evOpen:
		changed = m.handleOpen(ev)
	case evMessage:
		changed = m.handleMessage(ev)
	case evError:
		changed = m.handleError(ev)
	case evClose:
		changed = m.handleClose(ev)
	case evRetry:
		changed = m.handleRetry(ev)
	}
	if changed {
		m.publish()
	}
}

func (m *Manager) handleConnect(identity string) bool {
	switch m.state {
	case StateConnected:
		m.log.Info().Str("identity", m.identity).Msg("connection is already open")
		return false
	case StateConnecting:
		m.log.Debug().Str("identity", m.identity).Msg("connection attempt already in flight")
		return false
	}

	target, err := BuildTarget(m.opts.Endpoint, identity)
	if err != nil {
		m.log.Error().Err(err).Str("endpoint", m.opts.Endpoint).Msg("cannot build connection target")
		m.lastErr = err
		return true
	}

	m.cancelRetry()
	m.identity = identity
	m.gen++
	m.state = StateConnecting
	m.metrics.ConnectAttempt()

	attempt := uuid.NewString()
	m.log.Info().
		Str("identity", identity).
		Str("attempt", attempt).
		Uint64("gen", m.gen).
		Msg("connecting")

	m.wg.Add(1)
	go m.dial(m.gen, attempt, target)
	return true
}

func (m *Manager) dial(gen uint64, attempt, target string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, target)
	if err != nil {
		m.log.Debug().Err(err).Str("attempt", attempt).Msg("dial failed")
		m.post(event{kind: evError, gen: gen, err: fmt.Errorf("open transport: %w", err)})
		m.post(event{kind: evClose, gen: gen})
		return
	}
	if !m.post(event{kind: evOpen, gen: gen, conn: conn}) {
		conn.Close()
	}
}

func (m *Manager) handleOpen(ev event) bool {
	if ev.gen != m.gen || m.state != StateConnecting {
		ev.conn.Close()
		return false
	}

	l := newLink(m, ev.gen, ev.conn)
	m.conn = l
	m.state = StateConnected
	m.lastErr = nil
	m.cancelRetry()
	l.start()

	m.log.Info().
		Str("identity", m.identity).
		Str("remote", ev.conn.RemoteAddr()).
		Uint64("gen", ev.gen).
		Msg("connected")
	return true
}

func (m *Manager) handleMessage(ev event) bool {
	if ev.gen != m.gen || m.state != StateConnected {
		return false
	}

	text, err := m.opts.Codec.Decode(ev.payload)
	if err != nil {
		m.lastErr = fmt.Errorf("decode frame: %w", err)
		m.metrics.TransportError()
		m.log.Warn().Err(err).Int("bytes", len(ev.payload)).Msg("failed to decode frame")
		return true
	}

	c := protocol.Classify(text)
	m.entries = append(m.entries, protocol.Entry{
		Text:       text,
		Category:   c.Category,
		ReceivedAt: m.opts.Clock.Now(),
	})
	m.metrics.Received(c.Category.String())

	if c.CountUpdate {
		m.count = c.Count
		m.metrics.SetOnlineUsers(c.Count)
	} else if strings.Contains(text, protocol.CountMarker) {
		m.metrics.MalformedCount()
		m.log.Debug().Str("payload", text).Msg("ignoring malformed user count")
	}
	return true
}

func (m *Manager) handleError(ev event) bool {
	if ev.gen != m.gen {
		return false
	}
	m.lastErr = ev.err
	m.metrics.TransportError()
	m.log.Error().Err(ev.err).Str("identity", m.identity).Msg("transport error")
	return true
}

func (m *Manager) handleClose(ev event) bool {
	if ev.gen != m.gen || m.state == StateDisconnected {
		return false
	}

	if m.conn != nil {
		m.conn.close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.log.Info().Str("identity", m.identity).Msg("disconnected")
	m.scheduleRetry()
	return true
}

func (m *Manager) handleRetry(ev event) bool {
	if m.retry == nil || ev.seq != m.retrySeq {
		return false
	}
	m.retry = nil
	m.log.Info().Str("identity", m.identity).Msg("attempting to reconnect")
	m.handleConnect(m.identity)
	return true
}

// scheduleRetry arms the reconnect timer unless one is already pending.
func (m *Manager) scheduleRetry() {
	if m.retry != nil {
		return
	}
	m.retrySeq++
	seq := m.retrySeq
	m.retry = m.opts.Clock.AfterFunc(m.opts.ReconnectDelay, func() {
		m.post(event{kind: evRetry, seq: seq})
	})
	m.metrics.ReconnectScheduled()
	m.log.Info().Dur("delay", m.opts.ReconnectDelay).Msg("reconnect scheduled")
}

func (m *Manager) cancelRetry() {
	if m.retry == nil {
		return
	}
	m.retry.Stop()
	m.retry = nil
}

func (m *Manager) shutdown() {
	m.cancel()
	m.cancelRetry()
	if m.conn != nil {
		m.conn.close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.publish()
	m.log.Info().Str("identity", m.identity).Msg("session closed")
}

func (m *Manager) publish() {
	snap := Snapshot{
		State:            m.state,
		Identity:         m.identity,
		OnlineCount:      m.count,
		Log:              slices.Clip(m.entries),
		ReconnectPending: m.retry != nil,
		LastError:        m.lastErr,
	}

	m.mu.Lock()
	m.snap = snap
	if m.state == StateConnected {
		m.out = m.conn
	} else {
		m.out = nil
	}
	m.mu.Unlock()

	m.metrics.SetState(int(m.state))

	m.subMu.Lock()
	subs := slices.Clone(m.subs)
	m.subMu.Unlock()

	for _, s := range subs {
		s.fn(snap)
	}
}
