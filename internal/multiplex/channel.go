package multiplex

import (
	"sync/atomic"

	"github.com/quickhub-go/hubd/internal/model"
)

// State is one of the four virtual-channel lifecycle states (spec §3
// "Channel (virtual connection)").
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Channel is one uuid-addressed virtual connection multiplexed over a
// single physical Connection (spec §3). All writes go back through the
// owning Connection so concurrent channels never race on the same
// underlying websocket.Conn.
type Channel struct {
	ID    string
	state int32

	conn *Connection
}

func newChannel(id string, conn *Connection) *Channel {
	ch := &Channel{ID: id, conn: conn}
	atomic.StoreInt32(&ch.state, int32(StateConnecting))
	return ch
}

func (c *Channel) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Channel) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// Send writes msg back to this channel's peer, carrying this channel's
// uuid so the client can route it to the right virtual connection.
func (c *Channel) Send(msg *model.Message) error {
	if msg.UUID == "" {
		msg.UUID = c.ID
	}
	return c.conn.write(msg)
}

// Connection returns the physical connection this channel is multiplexed
// over, so handlers can, e.g., retune keepalive for a device channel
// (spec §4.9 "set the channel's keepalive to a tighter interval").
func (c *Channel) Connection() *Connection { return c.conn }
