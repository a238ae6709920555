package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/calimero-project/calimero/pkg/knxnet"
)

// connectResponseTimeout bounds the wait for a connect response.
const connectResponseTimeout = 10 * time.Second

// ConnState is the state of a sub-connection.
type ConnState int

// Sub-connection states.
const (
	StatePending ConnState = iota
	StateOK
	StateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOK:
		return "ok"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SubConnection is a logical connection multiplexed onto a Connection or
// SecureSession, identified by its communication channel id.
type SubConnection interface {
	// ChannelID returns the channel id assigned by the server, valid once
	// the connection is in StateOK.
	ChannelID() uint8

	// State returns the connection state.
	State() ConnState

	// Close releases the sub-connection, sending a best-effort disconnect
	// request if it is established.
	Close()

	handleService(h knxnet.Header, body []byte)
}

// Endpoint is the transport a sub-connection runs on: either a plain
// Connection or an authenticated SecureSession.
type Endpoint interface {
	open() error
	send(data []byte) error
	registerConnectRequest(sub SubConnection)
	unregisterConnectRequest(sub SubConnection)
	loggerFactory() logging.LoggerFactory
}

// ServiceHandler receives inbound service frames of a sub-connection.
type ServiceHandler func(h knxnet.Header, body []byte)

// connRegistry tracks the established sub-connections of a Connection or
// SecureSession by channel id, plus the FIFO of connect requests awaiting
// their response. The server answers connect requests in order, so the
// first response binds the head of the queue.
type connRegistry struct {
	mu    sync.RWMutex
	conns map[uint8]SubConnection

	pendingMu sync.Mutex
	pending   []SubConnection

	log logging.LeveledLogger
}

func (r *connRegistry) init() {
	r.conns = make(map[uint8]SubConnection)
}

func (r *connRegistry) get(channel uint8) SubConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[channel]
}

func (r *connRegistry) put(sub SubConnection) {
	r.mu.Lock()
	r.conns[sub.ChannelID()] = sub
	r.mu.Unlock()
}

func (r *connRegistry) remove(channel uint8) {
	r.mu.Lock()
	delete(r.conns, channel)
	r.mu.Unlock()
}

func (r *connRegistry) all() []SubConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]SubConnection, 0, len(r.conns))
	for _, sub := range r.conns {
		subs = append(subs, sub)
	}
	return subs
}

func (r *connRegistry) addPending(sub SubConnection) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, sub)
	r.pendingMu.Unlock()
}

func (r *connRegistry) removePending(sub SubConnection) {
	r.pendingMu.Lock()
	for i, p := range r.pending {
		if p == sub {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.pendingMu.Unlock()
}

func (r *connRegistry) popPending() SubConnection {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	sub := r.pending[0]
	r.pending = r.pending[1:]
	return sub
}

func (r *connRegistry) closeAll() {
	r.mu.Lock()
	subs := make([]SubConnection, 0, len(r.conns))
	for _, sub := range r.conns {
		subs = append(subs, sub)
	}
	r.conns = make(map[uint8]SubConnection)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// dispatchService routes a plain service frame to the sub-connections of a
// registry. Search and description responses are broadcast to every
// registered sub-connection; everything else is demultiplexed by channel
// id, falling back to the head of the connect request queue.
func dispatchService(r *connRegistry, h knxnet.Header, body []byte) {
	if h.Service == knxnet.SvcSearchResponse || h.Service == knxnet.SvcDescriptionResponse {
		for _, sub := range r.all() {
			sub.handleService(h, body)
		}
		return
	}

	channel, ok := channelID(h.Service, body)
	if !ok {
		if r.log != nil {
			r.log.Warnf("%s too short for a channel id", h)
		}
		return
	}
	sub := r.get(channel)
	if sub == nil {
		sub = r.popPending()
	}
	if sub == nil {
		if r.log != nil {
			r.log.Warnf("communication channel %d does not exist", channel)
		}
		return
	}
	sub.handleService(h, body)
	if h.Service == knxnet.SvcDisconnectResponse {
		r.remove(channel)
	}
}

// ClientConn is the base of the client sub-connections. It drives the
// connect request/response exchange and fans inbound frames out to the
// registered service handlers.
type ClientConn struct {
	ep  Endpoint
	log logging.LeveledLogger

	mu      sync.Mutex
	channel uint8
	state   ConnState
	seqSend uint8

	connectCh chan uint8

	handlersMu sync.RWMutex
	handlers   []ServiceHandler
}

func newClientConn(ep Endpoint, name string) *ClientConn {
	c := &ClientConn{
		ep:        ep,
		state:     StatePending,
		connectCh: make(chan uint8, 1),
	}
	if factory := ep.loggerFactory(); factory != nil {
		c.log = factory.NewLogger(name)
	}
	return c
}

// ChannelID returns the channel id assigned by the server.
func (c *ClientConn) ChannelID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// State returns the connection state.
func (c *ClientConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnService registers a handler for inbound service frames.
func (c *ClientConn) OnService(handler ServiceHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, handler)
	c.handlersMu.Unlock()
}

// connect sends the connect request with the given connection request
// information and waits for the server's response. The sub-connection is
// queued as pending so the dispatcher can bind the response's channel id.
func (c *ClientConn) connect(cri []byte) error {
	if err := c.ep.open(); err != nil {
		c.setState(StateClosed)
		return err
	}
	req := knxnet.NewConnectRequest(knxnet.HPAITCP(), knxnet.HPAITCP(), cri)

	c.ep.registerConnectRequest(c)
	defer c.ep.unregisterConnectRequest(c)

	if err := c.ep.send(req); err != nil {
		c.setState(StateClosed)
		return err
	}

	select {
	case status := <-c.connectCh:
		if status != 0 {
			c.setState(StateClosed)
			return fmt.Errorf("%w: status 0x%02x", ErrConnectFailed, status)
		}
		if c.log != nil {
			c.log.Debugf("connected channel %d", c.ChannelID())
		}
		return nil
	case <-time.After(connectResponseTimeout):
		c.setState(StateClosed)
		return fmt.Errorf("%w: connect response", ErrResponseTimeout)
	}
}

// Close releases the sub-connection with a best-effort disconnect request.
func (c *ClientConn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasOK := c.state == StateOK
	channel := c.channel
	c.state = StateClosed
	c.mu.Unlock()

	if wasOK {
		req := knxnet.NewDisconnectRequest(channel, knxnet.HPAITCP())
		if err := c.ep.send(req); err != nil && c.log != nil {
			c.log.Debugf("disconnect request: %v", err)
		}
	}
}

func (c *ClientConn) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// nextSeq returns the next send sequence of the connection header,
// wrapping at 256.
func (c *ClientConn) nextSeq() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seqSend
	c.seqSend++
	return seq
}

func (c *ClientConn) handleService(h knxnet.Header, body []byte) {
	switch h.Service {
	case knxnet.SvcConnectResponse:
		if len(body) < 2 {
			if c.log != nil {
				c.log.Warnf("connect response too short")
			}
			return
		}
		channel, status := body[0], body[1]
		c.mu.Lock()
		if c.state == StatePending && status == 0 {
			c.channel = channel
			c.state = StateOK
		}
		c.mu.Unlock()
		select {
		case c.connectCh <- status:
		default:
		}

	case knxnet.SvcDisconnectResponse:
		c.setState(StateClosed)

	default:
		c.handlersMu.RLock()
		handlers := make([]ServiceHandler, len(c.handlers))
		copy(handlers, c.handlers)
		c.handlersMu.RUnlock()
		for _, handler := range handlers {
			handler(h, body)
		}
	}
}
