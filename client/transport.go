package client

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"obscomm/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Handler consumes one decoded event. Handlers run on the read loop, in
// arrival order.
type Handler func(env *protocol.Envelope)

// Transport is the persistent duplex channel to the hub. It owns the
// websocket connection, the read and ping loops and the
// exponential-backoff reconnect policy. Consumers must treat all state as
// unconfirmed between a disconnect notification and the next
// presence:snapshot.
type Transport struct {
	serverURL string
	userID    int64
	token     string

	pingInterval  time.Duration
	writeTimeout  time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	done      chan struct{}

	handlersMu   sync.Mutex
	handlers     map[string][]Handler
	connHandlers []func(connected bool)

	sendMu sync.Mutex
}

func newTransport(serverURL string, userID int64, token string, cfg *Config) *Transport {
	return &Transport{
		serverURL:     serverURL,
		userID:        userID,
		token:         token,
		pingInterval:  cfg.PingInterval,
		writeTimeout:  cfg.WriteTimeout,
		reconnectBase: cfg.ReconnectBase,
		reconnectMax:  cfg.ReconnectMax,
		handlers:      make(map[string][]Handler),
	}
}

func (t *Transport) endpoint() string {
	q := url.Values{}
	q.Set("user_id", fmt.Sprintf("%d", t.userID))
	q.Set("token", t.token)
	return t.serverURL + "/ws/communications?" + q.Encode()
}

// Connect establishes the session. A rejected handshake (unknown user,
// bad token) is ErrConnection and is not retried; only established
// connections reconnect on drop.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.endpoint(), nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(ErrConnection, "handshake rejected: %s", resp.Status)
		}
		return errors.Wrap(ErrConnection, err.Error())
	}

	t.install(conn)
	return nil
}

func (t *Transport) install(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.readLoop(conn, done)
	go t.pingLoop(conn, done)
	t.notifyConnection(true)
}

// Close tears down cleanly and releases the connection. No reconnect is
// attempted after Close.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	wasConnected := t.connected
	t.connected = false
	if t.done != nil {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if wasConnected {
		t.sendMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		t.sendMu.Unlock()
	}
	return conn.Close()
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send encodes and transmits one event frame.
func (t *Transport) Send(event string, data interface{}) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if !connected || conn == nil {
		return errors.Wrapf(ErrConnection, "not connected, cannot send %s", event)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrapf(ErrConnection, "write %s: %s", event, err)
	}
	return nil
}

// On registers a handler for an event type.
func (t *Transport) On(event string, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

// OnConnectionChange registers a connection-status observer.
func (t *Transport) OnConnectionChange(f func(connected bool)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.connHandlers = append(t.connHandlers, f)
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleDrop(conn, done, err)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			jww.WARN.Printf("malformed frame from hub: %v", err)
			continue
		}

		t.handlersMu.Lock()
		handlers := append([]Handler(nil), t.handlers[env.Event]...)
		t.handlersMu.Unlock()

		// Sequential dispatch preserves server ordering across stores.
		for _, h := range handlers {
			h(env)
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(t.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (t *Transport) handleDrop(conn *websocket.Conn, done chan struct{}, err error) {
	t.mu.Lock()
	if t.conn != conn {
		// A newer connection already took over.
		t.mu.Unlock()
		return
	}
	wasClosed := t.closed
	t.connected = false
	select {
	case <-done:
	default:
		close(done)
	}
	t.mu.Unlock()
	conn.Close()

	if wasClosed {
		return
	}

	jww.WARN.Printf("connection to hub lost: %v", err)
	t.notifyConnection(false)
	go t.reconnectLoop()
}

// reconnectLoop retries with jittered exponential backoff until the hub
// accepts the handshake again or the transport is closed. Consumers stay
// in the disconnected state the whole time.
func (t *Transport) reconnectLoop() {
	backoff := t.reconnectBase

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		sleep := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		time.Sleep(sleep)

		conn, _, err := websocket.DefaultDialer.Dial(t.endpoint(), nil)
		if err == nil {
			jww.INFO.Printf("reconnected to hub")
			t.install(conn)
			return
		}

		jww.WARN.Printf("reconnect attempt failed: %v", err)
		backoff *= 2
		if backoff > t.reconnectMax {
			backoff = t.reconnectMax
		}
	}
}

func (t *Transport) notifyConnection(connected bool) {
	t.handlersMu.Lock()
	observers := append([](func(bool))(nil), t.connHandlers...)
	t.handlersMu.Unlock()

	for _, f := range observers {
		f(connected)
	}
}
