// Package multiplex implements the connection multiplexer of spec §4.2: one
// physical WebSocket link carrying N uuid-addressed virtual channels, with
// keepalive ping/pong and timeout-based teardown. It is grounded on
// katagun-webpa-common's device.Manager (ID-keyed, RWMutex-guarded
// connection table) for the registry shape and on the teacher
// (stepherg-blizzardgw/internal/ws) for the read/write-pump and
// ping-ticker pattern.
package multiplex

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/quickhub-go/hubd/internal/codec"
	"github.com/quickhub-go/hubd/internal/metrics"
	"github.com/quickhub-go/hubd/internal/model"
)

// Dispatcher receives every inbound message from every channel of every
// connection, in per-channel FIFO order, and is told when a channel or the
// whole connection goes away so it can detach subscriptions (spec §4.8/§7).
type Dispatcher interface {
	HandleMessage(ch *Channel, msg *model.Message)
	HandleChannelClosed(ch *Channel)
	HandleConnectionClosed(conn *Connection)
}

// KeepAlive configures the ping/pong timeout loop described in spec §4.2.
type KeepAlive struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Connection is one physical WebSocket link. It owns the uuid->Channel
// table (invariant: at most one channel per id) and serializes all writes,
// since a single websocket.Conn cannot be written to concurrently.
type Connection struct {
	conn       *websocket.Conn
	dispatcher Dispatcher
	logger     log.Logger

	writeMu   sync.Mutex
	lastFrame codec.FrameKind

	chMu     sync.RWMutex
	channels map[string]*Channel

	kaMu      sync.Mutex
	keepalive KeepAlive
	pingTimer *time.Timer
	deadTimer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps an upgraded websocket.Conn. Call Serve to run its
// read loop; Serve blocks until the connection closes.
func NewConnection(conn *websocket.Conn, dispatcher Dispatcher, logger log.Logger) *Connection {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	return &Connection{
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger,
		lastFrame:  codec.FrameText,
		channels:   make(map[string]*Channel),
		closed:     make(chan struct{}),
	}
}

// EnableKeepAlive turns on the ping/interval/timeout loop described in
// spec §4.2. Calling it again retunes the interval/timeout (used by device
// registration to switch to a tighter cadence, per spec §4.9).
func (c *Connection) EnableKeepAlive(interval, timeout time.Duration) {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	c.keepalive = KeepAlive{Interval: interval, Timeout: timeout}
	c.resetPingTimerLocked()
}

func (c *Connection) resetPingTimerLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	if c.deadTimer != nil {
		c.deadTimer.Stop()
		c.deadTimer = nil
	}
	if c.keepalive.Interval <= 0 {
		return
	}
	c.pingTimer = time.AfterFunc(c.keepalive.Interval, c.sendPing)
}

func (c *Connection) sendPing() {
	select {
	case <-c.closed:
		return
	default:
	}
	_ = c.write(&model.Message{Command: "ping"})

	c.kaMu.Lock()
	if c.keepalive.Timeout > 0 {
		c.deadTimer = time.AfterFunc(c.keepalive.Timeout, c.onKeepAliveTimeout)
	}
	c.kaMu.Unlock()
}

func (c *Connection) onKeepAliveTimeout() {
	level.Warn(c.logger).Log("msg", "keepalive timeout, disconnecting", "peer", c.conn.RemoteAddr())
	c.Close()
}

// onInboundActivity cancels any pending timeout and restarts the interval
// timer, per spec §4.2 "any inbound message cancels the pending timeout and
// restarts interval".
func (c *Connection) onInboundActivity() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.deadTimer != nil {
		c.deadTimer.Stop()
		c.deadTimer = nil
	}
	c.resetPingTimerLocked()
}

// Serve runs the read loop. It returns once the connection is closed, by
// either peer or keepalive timeout.
func (c *Connection) Serve() {
	defer c.teardown()
	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			c.lastFrame = codec.FrameBinary
		} else {
			c.lastFrame = codec.FrameText
		}

		c.onInboundActivity()

		msg, ok := codec.Decode(c.logger, raw)
		if !ok {
			continue
		}
		c.route(msg)
	}
}

// route implements the dispatch rule of spec §4.2:
//
//	look up uuid; if absent and command == connection:register, create a
//	channel; if command == ping or message empty, reply pong; if uuid is
//	empty and not a control command, broadcast (legacy fan-out).
func (c *Connection) route(msg *model.Message) {
	if msg.UUID != "" {
		if ch := c.getChannel(msg.UUID); ch != nil {
			c.dispatcher.HandleMessage(ch, msg)
			return
		}
		if msg.Command == "connection:register" {
			ch := c.registerChannel(msg.UUID)
			c.dispatcher.HandleMessage(ch, msg)
			return
		}
		level.Debug(c.logger).Log("msg", "message for unknown channel dropped", "uuid", msg.UUID, "command", msg.Command)
		return
	}

	if msg.Command == "ping" || msg.IsEmpty() {
		_ = c.write(&model.Message{Command: "pong"})
		return
	}

	if msg.Command == "" {
		// Legacy broadcast fan-out (spec §4.2, §9 open question: retained
		// but logged since new clients should always register a channel
		// first).
		level.Info(c.logger).Log("msg", "legacy broadcast on empty uuid/command")
		c.broadcastRaw(msg)
		return
	}

	level.Debug(c.logger).Log("msg", "non-control message without uuid dropped", "command", msg.Command)
}

func (c *Connection) getChannel(id string) *Channel {
	c.chMu.RLock()
	defer c.chMu.RUnlock()
	return c.channels[id]
}

func (c *Connection) registerChannel(id string) *Channel {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	if ch, ok := c.channels[id]; ok {
		return ch
	}
	ch := newChannel(id, c)
	ch.setState(StateConnected)
	c.channels[id] = ch
	metrics.ChannelsActive.Inc()
	return ch
}

// CloseChannel tears down one virtual channel explicitly (e.g. on
// "<type>:detach" exhausting the last subscription, or an explicit
// "connection:unregister").
func (c *Connection) CloseChannel(id string) {
	c.chMu.Lock()
	ch, ok := c.channels[id]
	if ok {
		delete(c.channels, id)
	}
	c.chMu.Unlock()
	if ok {
		metrics.ChannelsActive.Dec()
		ch.setState(StateDisconnected)
		c.dispatcher.HandleChannelClosed(ch)
	}
}

func (c *Connection) broadcastRaw(msg *model.Message) {
	c.chMu.RLock()
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.chMu.RUnlock()
	for _, ch := range chans {
		cp := *msg
		cp.UUID = ch.ID
		_ = c.write(&cp)
	}
}

// write serializes msg and sends it using the frame kind last observed
// from the peer, holding the single per-connection write lock (gorilla's
// websocket.Conn forbids concurrent writers).
func (c *Connection) write(msg *model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(int(c.lastFrame), raw)
}

// Close tears down the connection and every channel it owns (spec §3
// "Connection" invariant: "on disconnect, every owned channel is torn
// down.").
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Connection) teardown() {
	c.Close()
	metrics.ConnectionsActive.Dec()

	c.kaMu.Lock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	if c.deadTimer != nil {
		c.deadTimer.Stop()
	}
	c.kaMu.Unlock()

	c.chMu.Lock()
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.channels = make(map[string]*Channel)
	c.chMu.Unlock()

	if len(chans) > 0 {
		metrics.ChannelsActive.Sub(float64(len(chans)))
	}
	for _, ch := range chans {
		ch.setState(StateDisconnected)
		c.dispatcher.HandleChannelClosed(ch)
	}
	c.dispatcher.HandleConnectionClosed(c)
}

// Upgrader adapts an http.Handler to accept WebSocket upgrades and spawn a
// Connection per request, the way the teacher's ws.Handler does.
type Upgrader struct {
	Upgrade    websocket.Upgrader
	Dispatcher Dispatcher
	Logger     log.Logger
}

func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.Upgrade.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(u.Logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	c := NewConnection(conn, u.Dispatcher, u.Logger)
	go c.Serve()
}
