package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/observability/metrics"
	"ai-speech-sentence-service/internal/service/transport"
)

// ErrTimeout is returned when the device does not answer a command in time.
var ErrTimeout = errors.New("device did not reply in time")

const (
	defaultCallTimeout = 5 * time.Second
	pingInterval       = 20 * time.Second
	pongWait           = 45 * time.Second
	writeWait          = 5 * time.Second
)

// Bridge implements transport.Transport by forwarding to a connected device.
// It is also the http.Handler that devices connect to. One device is served
// at a time; a new connection replaces the old one.
type Bridge struct {
	upgrader    websocket.Upgrader
	callTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	conn     *conn
	listener transport.Listener
	started  bool // a session is armed on the device
}

var _ transport.Transport = (*Bridge)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithCallTimeout bounds how long a command waits for its reply.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.callTimeout = d }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge creates a device bridge with no device connected.
func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		callTimeout: defaultCallTimeout,
		logger:      logging.WithComponent("device-bridge"),
		metrics:     metrics.DefaultMetrics,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ServeHTTP upgrades a device connection and serves it until it closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(ws)
	b.mu.Lock()
	old := b.conn
	b.conn = c
	b.mu.Unlock()
	if old != nil {
		b.logger.Warn().Msg("Replacing connected device")
		old.close()
	}

	b.metrics.DeviceConnections.Inc()
	b.logger.Info().Str("remote", r.RemoteAddr).Msg("Device connected")

	go c.pingLoop()
	b.readLoop(c)

	b.metrics.DeviceConnections.Dec()
	b.logger.Info().Str("remote", r.RemoteAddr).Msg("Device disconnected")
}

// Connected reports whether a device is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Bridge) Name() string { return "device" }

func (b *Bridge) Available(ctx context.Context) (bool, error) {
	c := b.current()
	if c == nil {
		return false, nil
	}
	reply, err := b.call(ctx, c, Message{Type: CmdAvailable})
	if err != nil {
		return false, err
	}
	return reply.Available, nil
}

func (b *Bridge) CheckPermission(ctx context.Context) (transport.PermissionState, error) {
	return b.permission(ctx, CmdCheckPermission)
}

func (b *Bridge) RequestPermission(ctx context.Context) (transport.PermissionState, error) {
	return b.permission(ctx, CmdRequestPermission)
}

func (b *Bridge) permission(ctx context.Context, cmd string) (transport.PermissionState, error) {
	c := b.current()
	if c == nil {
		return "", transport.ErrTransportUnavailable
	}
	reply, err := b.call(ctx, c, Message{Type: cmd})
	if err != nil {
		return "", err
	}
	if reply.Permission == "" {
		return transport.PermissionPrompt, nil
	}
	return reply.Permission, nil
}

func (b *Bridge) SupportedLanguages(ctx context.Context) ([]string, error) {
	c := b.current()
	if c == nil {
		return nil, transport.ErrTransportUnavailable
	}
	reply, err := b.call(ctx, c, Message{Type: CmdSupportedLanguages})
	if err != nil {
		return nil, err
	}
	return reply.Languages, nil
}

// Start arms recognition on the device. Events are delivered to l until the
// next Start.
func (b *Bridge) Start(ctx context.Context, opts transport.Options, l transport.Listener) error {
	c := b.current()
	if c == nil {
		return transport.ErrTransportUnavailable
	}

	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()

	_, err := b.call(ctx, c, Message{
		Type: CmdStart,
		Options: &StartOptions{
			Language:       opts.Language,
			PartialResults: opts.PartialResults,
			MaxResults:     opts.MaxResults,
		},
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

// Stop asks the device to stop listening. The device reports the stop as a
// listeningState event.
func (b *Bridge) Stop(ctx context.Context) error {
	c := b.current()
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	_, err := b.call(ctx, c, Message{Type: CmdStop})
	return err
}

func (b *Bridge) current() *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Bridge) call(ctx context.Context, c *conn, m Message) (Message, error) {
	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	reply, err := c.call(ctx, m)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("%s: %w", m.Type, ErrTimeout)
		}
		return Message{}, fmt.Errorf("%s: %w", m.Type, err)
	}
	if err := replyError(reply); err != nil {
		return reply, fmt.Errorf("%s: %w", m.Type, err)
	}
	return reply, nil
}

func (b *Bridge) readLoop(c *conn) {
	defer func() {
		c.close()
		b.mu.Lock()
		owned := b.conn == c
		var l transport.Listener
		if owned {
			b.conn = nil
			if b.started {
				l = b.listener
			}
			b.started = false
		}
		b.mu.Unlock()
		// A device that drops mid-session stopped listening on its own.
		if l != nil {
			l.OnListeningState(transport.StatusStopped)
		}
	}()

	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn().Err(err).Msg("Device read failed")
			}
			return
		}

		switch m.Type {
		case TypeReply:
			c.resolve(m)
		case TypePartialResults:
			if l := b.activeListener(); l != nil && len(m.Matches) > 0 {
				l.OnPartialResults(m.Matches)
			}
		case TypeListeningState:
			b.onListeningState(m.Status)
		default:
			b.logger.Debug().Str("type", m.Type).Msg("Ignoring unknown device message")
		}
	}
}

func (b *Bridge) activeListener() transport.Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener
}

func (b *Bridge) onListeningState(status transport.Status) {
	b.mu.Lock()
	l := b.listener
	if status == transport.StatusStopped {
		b.started = false
	}
	b.mu.Unlock()
	if l != nil {
		l.OnListeningState(status)
	}
}

// conn is one device connection with request/reply correlation.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message
	done    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &conn{
		ws:      ws,
		pending: make(map[uint64]chan Message),
		done:    make(chan struct{}),
	}
}

func (c *conn) call(ctx context.Context, m Message) (Message, error) {
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.nextID++
	m.ID = c.nextID
	c.pending[m.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, m.ID)
		c.mu.Unlock()
	}()

	if err := c.write(m); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return Message{}, transport.ErrTransportUnavailable
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *conn) resolve(m Message) {
	c.mu.Lock()
	ch, ok := c.pending[m.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	// Only the first reply for an ID is kept; duplicates must not stall the read loop.
	select {
	case ch <- m:
	default:
	}
}

func (c *conn) write(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(m)
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
