package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultEventBuffer      = 64
)

// Decoder translates one text frame into zero or more events.
// Unknown frame types yield no events and no error.
type Decoder func(data []byte) ([]Event, error)

// ConnConfig holds websocket transport configuration
type ConnConfig struct {
	Vendor           string
	URL              string
	Header           http.Header
	Segmented        bool          // emit ResponseStarted/ResponseEnded
	Decode           Decoder       // defaults to the realtime protocol decoder
	HandshakeTimeout time.Duration // default 10s
	ReadTimeout      time.Duration // default 60s
	EventBuffer      int           // default 64
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Conn is a realtime vendor websocket. It implements every Client method
// except Connect and Configure, which vendors provide on top of Dial.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	closed    bool
	err       error

	events     chan Event
	eventsOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewConn creates an undialed connection
func NewConn(cfg ConnConfig) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Decode == nil {
		segmented := cfg.Segmented
		cfg.Decode = func(data []byte) ([]Event, error) {
			return DecodeRealtime(data, segmented)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		cfg:    cfg,
		logger: cfg.Logger.With("vendor", cfg.Vendor),
		events: make(chan Event, cfg.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Vendor returns the vendor name
func (c *Conn) Vendor() string {
	return c.cfg.Vendor
}

// Dial connects and starts the read loop
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return fmt.Errorf("%s: already connected", c.cfg.Vendor)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		c.logger.Error("failed to connect to voice vendor", "error", err)
		c.cfg.Metrics.RecordVendorError(c.cfg.Vendor)
		return fmt.Errorf("dial %s: %w", c.cfg.Vendor, err)
	}

	c.conn = conn
	c.connected = true
	c.logger.Info("connected to voice vendor")

	// A quiet vendor still answers pings; only a dead peer hits the deadline.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return nil
}

// readLoop decodes vendor frames into events until the connection ends
func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer c.closeEvents()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		events, err := c.cfg.Decode(data)
		if err != nil {
			reason := "vendor_bad_json"
			if errors.Is(err, ErrMalformedAudio) {
				reason = "vendor_bad_audio"
			}
			c.logger.Warn("dropping malformed vendor frame", "error", err)
			c.cfg.Metrics.RecordDrop(reason)
			continue
		}

		for _, ev := range events {
			c.cfg.Metrics.RecordVendorEvent(c.cfg.Vendor, ev.EventType())
			select {
			case c.events <- ev:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// pingLoop keeps the read deadline alive while the vendor has nothing to say
func (c *Conn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReadTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// sendPing sends a keep-alive ping control frame
func (c *Conn) sendPing() error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
}

// finish records why the read loop stopped
func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.closed || c.ctx.Err() != nil || IsNormalClose(err) {
		c.logger.Info("voice vendor connection closed")
		return
	}
	c.err = err
	c.logger.Error("voice vendor read error", "error", err)
	c.cfg.Metrics.RecordVendorError(c.cfg.Vendor)
}

func (c *Conn) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

// WriteJSON serializes one client event; writes are serialized
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	conn, connected, closed := c.conn, c.connected, c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil || !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write to %s: %w", c.cfg.Vendor, err)
	}
	return nil
}

// SendAudio appends caller audio to the vendor input buffer
func (c *Conn) SendAudio(ulaw []byte) error {
	return c.WriteJSON(NewAudioAppend(ulaw))
}

// RequestResponse asks the vendor to respond without waiting for caller speech
func (c *Conn) RequestResponse(opts ResponseOptions) error {
	return c.WriteJSON(NewResponseCreate(opts))
}

// Events returns the event channel; it is closed when the connection ends
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Err returns the terminal read error, nil after a clean close
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsConnected returns whether the connection is active
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close closes the connection and waits for the read loop to exit
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
			conn.Close()
		}

		c.wg.Wait()
		c.closeEvents()
	})
	return nil
}

// IsNormalClose reports whether err means the peer or we closed the socket cleanly
func IsNormalClose(err error) bool {
	if err == nil {
		return false
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed)
}
