package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omochice/chatroom-client/internal/chat"
	"github.com/omochice/chatroom-client/internal/chat/mock_chat"
	"github.com/omochice/chatroom-client/internal/logging"
	"github.com/omochice/chatroom-client/internal/metrics"
	"github.com/omochice/chatroom-client/pkg/protocol"
)

const (
	testEndpoint = "ws://chat.test/ws"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe for the event loop to write while the
// test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  *fakeClock
	logs   *syncBuffer
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		dialer: newFakeDialer(),
		clock:  newFakeClock(),
		logs:   &syncBuffer{},
	}
	log := logging.NewTestLogger(h.logs)
	opts := Options{
		Endpoint: testEndpoint,
		Clock:    h.clock,
		Logger:   &log,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.m = New(h.dialer, opts)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.Snapshot().State == want
	}, waitFor, tick, "state never became %s", want)
}

// connect drives the manager to Connected and returns the open connection.
func (h *harness) connect(t *testing.T, identity string) *fakeConn {
	t.Helper()
	h.m.Connect(identity)
	h.dialer.nextAttempt(t)
	conn := h.dialer.nextConn(t)
	h.waitState(t, StateConnected)
	return conn
}

func (h *harness) expectNoAttempt(t *testing.T) {
	t.Helper()
	select {
	case target := <-h.dialer.attempts:
		t.Fatalf("unexpected dial to %s", target)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_InitialSnapshot(t *testing.T) {
	h := newHarness(t)

	snap := h.m.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Zero(t, snap.OnlineCount)
	assert.Empty(t, snap.Log)
	assert.False(t, snap.ReconnectPending)
}

func TestManager_ConnectReceiveSendReconnect(t *testing.T) {
	h := newHarness(t)

	h.m.Connect("Bob")
	target := h.dialer.nextAttempt(t)
	assert.Equal(t, testEndpoint+"?name=Bob", target)
	conn := h.dialer.nextConn(t)
	h.waitState(t, StateConnected)

	conn.push("Users online: 3")
	require.Eventually(t, func() bool {
		return h.m.Snapshot().OnlineCount == 3
	}, waitFor, tick)

	snap := h.m.Snapshot()
	require.Len(t, snap.Log, 1)
	assert.Equal(t, "Users online: 3", snap.Log[0].Text)
	assert.Equal(t, protocol.CategoryMessage, snap.Log[0].Category)

	assert.True(t, h.m.Send("hello"))
	require.Eventually(t, func() bool {
		return len(conn.Written()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"hello"}, conn.Written())

	conn.drop()
	require.Eventually(t, func() bool {
		s := h.m.Snapshot()
		return s.State == StateDisconnected && s.ReconnectPending
	}, waitFor, tick)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, h.clock.Active())

	h.clock.Advance(2999 * time.Millisecond)
	h.expectNoAttempt(t)

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, testEndpoint+"?name=Bob", h.dialer.nextAttempt(t))
	h.dialer.nextConn(t)
	require.Eventually(t, func() bool {
		s := h.m.Snapshot()
		return s.State == StateConnected && !s.ReconnectPending
	}, waitFor, tick)

	// The log and count survive the reconnect.
	snap = h.m.Snapshot()
	assert.Equal(t, 3, snap.OnlineCount)
	assert.Len(t, snap.Log, 1)
}

func TestManager_EmptyIdentityIsNoop(t *testing.T) {
	h := newHarness(t)

	h.m.Connect("")
	h.expectNoAttempt(t)

	assert.Empty(t, h.dialer.Targets())
	assert.Equal(t, StateDisconnected, h.m.Snapshot().State)
	assert.Contains(t, h.logs.String(), ErrIdentityMissing.Error())
}

func TestManager_ConnectWhileConnectedIsLoggedNoop(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "Bob")

	h.m.Connect("Bob")
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "connection is already open")
	}, waitFor, tick)

	h.expectNoAttempt(t)
	assert.Len(t, h.dialer.Targets(), 1)
	assert.Equal(t, StateConnected, h.m.Snapshot().State)
}

func TestManager_IdentityIsEncoded(t *testing.T) {
	h := newHarness(t)

	h.m.Connect("Bob & Alice/?")
	target := h.dialer.nextAttempt(t)
	assert.Equal(t, testEndpoint+"?name=Bob%20%26%20Alice%2F%3F", target)
}

func TestManager_InboundClassification(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "Bob")

	conn.push("Users online: 2")
	conn.push("Alice joined the chat")
	conn.push("Users online: abc")
	conn.push("Alice: hi")

	require.Eventually(t, func() bool {
		return len(h.m.Snapshot().Log) == 4
	}, waitFor, tick)

	snap := h.m.Snapshot()
	assert.Equal(t, 2, snap.OnlineCount, "malformed count must not replace the last one")

	texts := make([]string, len(snap.Log))
	for i, e := range snap.Log {
		texts[i] = e.Text
		assert.Equal(t, h.clock.Now(), e.ReceivedAt)
	}
	assert.Equal(t, []string{
		"Users online: 2",
		"Alice joined the chat",
		"Users online: abc",
		"Alice: hi",
	}, texts)

	notes := snap.Entries(protocol.CategoryNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "Alice joined the chat", notes[0].Text)
	assert.Len(t, snap.Entries(protocol.CategoryMessage), 3)
}

func TestManager_SendWhileDisconnectedIsDropped(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.m.Send("hello"))
	assert.ErrorIs(t, h.m.TrySend("hello"), ErrNotConnected)
	assert.Equal(t, StateDisconnected, h.m.Snapshot().State)
}

func TestManager_SendDuringRetryIsDropped(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "Bob")

	conn.drop()
	require.Eventually(t, func() bool {
		return h.m.Snapshot().ReconnectPending
	}, waitFor, tick)

	assert.False(t, h.m.Send("lost"))
	assert.Empty(t, conn.Written())
}

func TestManager_DialFailureSchedulesSingleRetry(t *testing.T) {
	h := newHarness(t)
	h.dialer.setErr(errors.New("connection refused"))

	h.m.Connect("Bob")
	for i := range 3 {
		h.dialer.nextAttempt(t)
		require.Eventually(t, func() bool {
			s := h.m.Snapshot()
			return s.State == StateDisconnected && s.ReconnectPending && s.LastError != nil
		}, waitFor, tick)
		require.Eventually(t, func() bool {
			return h.clock.Created() == i+1
		}, waitFor, tick)
		assert.Equal(t, 1, h.clock.Active(), "at most one reconnect may be pending")

		h.clock.Advance(DefaultReconnectDelay)
	}

	assert.Contains(t, h.m.Snapshot().LastError.Error(), "connection refused")
}

func TestManager_ConnectSupersedesPendingRetry(t *testing.T) {
	h := newHarness(t)
	h.dialer.setErr(errors.New("connection refused"))

	h.m.Connect("Bob")
	h.dialer.nextAttempt(t)
	require.Eventually(t, func() bool {
		return h.m.Snapshot().ReconnectPending
	}, waitFor, tick)

	h.dialer.setErr(nil)
	h.m.Connect("Bob")
	h.dialer.nextAttempt(t)
	h.dialer.nextConn(t)
	h.waitState(t, StateConnected)

	assert.False(t, h.m.Snapshot().ReconnectPending)
	assert.Zero(t, h.clock.Active())
	assert.Nil(t, h.m.Snapshot().LastError)
}

func TestManager_CloseCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "Bob")

	var mu sync.Mutex
	calls := 0
	h.m.Subscribe(func(Snapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	conn.drop()
	require.Eventually(t, func() bool {
		return h.m.Snapshot().ReconnectPending
	}, waitFor, tick)

	h.m.Close()
	assert.Zero(t, h.clock.Active())
	assert.Equal(t, StateDisconnected, h.m.Snapshot().State)

	mu.Lock()
	before := calls
	mu.Unlock()

	h.clock.Advance(10 * DefaultReconnectDelay)
	h.expectNoAttempt(t)

	mu.Lock()
	assert.Equal(t, before, calls, "no subscriber call after Close")
	mu.Unlock()

	assert.ErrorIs(t, h.m.TrySend("late"), ErrManagerClosed)
	h.m.Connect("Bob")
	h.expectNoAttempt(t)
}

func TestManager_CloseClosesTransport(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "Bob")

	h.m.Close()
	assert.True(t, conn.isClosed())
	assert.Zero(t, h.clock.Active(), "Close must not schedule a reconnect")
}

func TestManager_WriteErrorTriggersReconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "Bob")

	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	require.True(t, h.m.Send("hello"))
	require.Eventually(t, func() bool {
		s := h.m.Snapshot()
		return s.State == StateDisconnected && s.ReconnectPending
	}, waitFor, tick)
	assert.ErrorContains(t, h.m.Snapshot().LastError, "broken pipe")
}

func TestManager_Subscribe(t *testing.T) {
	h := newHarness(t)

	states := make(chan State, 16)
	cancel := h.m.Subscribe(func(s Snapshot) {
		states <- s.State
	})

	h.connect(t, "Bob")

	assert.Equal(t, StateConnecting, <-states)
	assert.Equal(t, StateConnected, <-states)

	cancel()
	h.m.Close()
	select {
	case s := <-states:
		t.Fatalf("cancelled subscriber received %s", s)
	default:
	}
}

func TestManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	h := newHarness(t, func(o *Options) { o.Metrics = met })

	conn := h.connect(t, "Bob")
	conn.push("Users online: 5")
	conn.push("Users online: many")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(met.MalformedCounts) == 1
	}, waitFor, tick)

	assert.InDelta(t, 5, testutil.ToFloat64(met.OnlineUsers), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(met.ConnectionState), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(met.ConnectAttempts), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(met.MessagesReceived.WithLabelValues("message")), 0)

	conn.drop()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(met.ReconnectsScheduled) == 1
	}, waitFor, tick)

	h.m.Send("nope")
	assert.InDelta(t, 1, testutil.ToFloat64(met.MessagesDropped.WithLabelValues(metrics.DropNotConnected)), 0)
}

func TestManager_SendNeverTouchesTransportWhenDisconnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock_chat.NewMockConn(ctrl)

	conn.EXPECT().RemoteAddr().Return("mock:0").AnyTimes()
	conn.EXPECT().Read(gomock.Any()).Return(nil, io.EOF).Times(1)
	conn.EXPECT().Close().Return(nil).Times(1)
	conn.EXPECT().Write(gomock.Any(), gomock.Any()).Times(0)

	clk := newFakeClock()
	log := zerolog.Nop()
	m := New(DialerFunc(func(_ context.Context, _ string) (chat.Conn, error) {
		return conn, nil
	}), Options{Endpoint: testEndpoint, Clock: clk, Logger: &log})
	defer m.Close()

	m.Connect("Bob")
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.State == StateDisconnected && s.ReconnectPending
	}, waitFor, tick)

	assert.False(t, m.Send("hello"))
}

func TestManager_SendWritesThroughTransport(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mock_chat.NewMockConn(ctrl)

	written := make(chan []byte, 1)
	conn.EXPECT().RemoteAddr().Return("mock:0").AnyTimes()
	conn.EXPECT().Read(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).Times(1)
	conn.EXPECT().Write(gomock.Any(), []byte("hello")).DoAndReturn(func(_ context.Context, data []byte) error {
		written <- data
		return nil
	}).Times(1)
	conn.EXPECT().Close().Return(nil).Times(1)

	log := zerolog.Nop()
	m := New(DialerFunc(func(_ context.Context, _ string) (chat.Conn, error) {
		return conn, nil
	}), Options{Endpoint: testEndpoint, Clock: newFakeClock(), Logger: &log})

	m.Connect("Bob")
	require.Eventually(t, func() bool {
		return m.Snapshot().Connected()
	}, waitFor, tick)

	require.True(t, m.Send("hello"))
	select {
	case data := <-written:
		assert.Equal(t, "hello", string(data))
	case <-time.After(waitFor):
		t.Fatal("write never reached the transport")
	}

	m.Close()
}

func TestManager_ProtobufCodec(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Codec = protocol.ProtoCodec{} })
	conn := h.connect(t, "Bob")

	join := protocol.Message{Type: protocol.MessageTypeJoin, Sender: "Alice"}
	frame, err := join.Encode()
	require.NoError(t, err)
	conn.readCh <- frame

	require.Eventually(t, func() bool {
		return len(h.m.Snapshot().Log) == 1
	}, waitFor, tick)
	entry := h.m.Snapshot().Log[0]
	assert.Equal(t, "Alice joined the chat", entry.Text)
	assert.Equal(t, protocol.CategoryNotification, entry.Category)

	require.True(t, h.m.Send("hello"))
	require.Eventually(t, func() bool {
		return len(conn.Written()) == 1
	}, waitFor, tick)

	var out protocol.Message
	require.NoError(t, out.Decode([]byte(conn.Written()[0])))
	assert.Equal(t, "Bob", out.Sender)
	assert.Equal(t, "hello", out.Content)
}

func TestManager_InvalidEndpointDoesNotRetry(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Endpoint = "not a url" })

	h.m.Connect("Bob")
	require.Eventually(t, func() bool {
		return h.m.Snapshot().LastError != nil
	}, waitFor, tick)

	h.expectNoAttempt(t)
	assert.Equal(t, StateDisconnected, h.m.Snapshot().State)
	assert.Zero(t, h.clock.Created())
}

func TestManager_CloseClosesQueuedConnection(t *testing.T) {
	for range 50 {
		dialer := newFakeDialer()
		log := zerolog.Nop()
		m := New(dialer, Options{Endpoint: testEndpoint, Clock: newFakeClock(), Logger: &log})

		// Hold the loop inside the Connecting publish so the open event queues.
		release := make(chan struct{})
		var once sync.Once
		m.Subscribe(func(s Snapshot) {
			if s.State == StateConnecting {
				once.Do(func() { <-release })
			}
		})

		m.Connect("Bob")
		conn := dialer.nextConn(t)
		require.Eventually(t, func() bool { return len(m.events) > 0 }, waitFor, time.Millisecond)

		closed := make(chan struct{})
		go func() {
			m.Close()
			close(closed)
		}()
		require.Eventually(t, func() bool {
			select {
			case <-m.quit:
				return true
			default:
				return false
			}
		}, waitFor, time.Millisecond)
		close(release)

		select {
		case <-closed:
		case <-time.After(waitFor):
			t.Fatal("Close did not return")
		}
		require.True(t, conn.isClosed(), "transport left open after Close returned")
	}
}

func TestManager_SubscriberCanCloseAsynchronously(t *testing.T) {
	h := newHarness(t)

	h.m.Subscribe(func(s Snapshot) {
		if s.Connected() {
			go h.m.Close()
		}
	})
	h.m.Connect("Bob")
	conn := h.dialer.nextConn(t)

	select {
	case <-h.m.done:
	case <-time.After(waitFor):
		t.Fatal("manager did not stop")
	}
	require.Eventually(t, conn.isClosed, waitFor, tick)
}

func TestManager_UndecodableFrameIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	h := newHarness(t, func(o *Options) {
		o.Codec = protocol.ProtoCodec{}
		o.Metrics = met
	})
	conn := h.connect(t, "Bob")

	// Field 1 announced as length-delimited with no length following.
	conn.readCh <- []byte{0x0a}

	require.Eventually(t, func() bool {
		return h.m.Snapshot().LastError != nil
	}, waitFor, tick)
	assert.ErrorContains(t, h.m.Snapshot().LastError, "decode frame")
	assert.InDelta(t, 1, testutil.ToFloat64(met.TransportErrors), 0)
	assert.Empty(t, h.m.Snapshot().Log)
	assert.Equal(t, StateConnected, h.m.Snapshot().State)
}
