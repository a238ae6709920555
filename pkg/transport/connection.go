// Package transport implements the client side of the KNXnet/IP transport
// over TCP: one multiplexed connection per server, secure sessions layered
// on top of it, and the logical sub-connections (tunneling, device
// management, object server) identified by their communication channel.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/calimero-project/calimero/pkg/knxnet"
)

// Connection defaults.
const (
	// rcvBufferSize is the receive buffer size; frames exceeding it are
	// skipped on the stream and never dispatched.
	rcvBufferSize = 512

	// DefaultDialTimeout bounds the TCP connect.
	DefaultDialTimeout = 5 * time.Second

	// DefaultSessionSetupTimeout bounds each half of the secure session
	// handshake.
	DefaultSessionSetupTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is the secure session keep-alive period.
	DefaultKeepAliveInterval = 30 * time.Second
)

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// LocalAddr optionally binds the local endpoint, e.g. "192.168.1.2:0".
	LocalAddr string

	// DialTimeout bounds the TCP connect. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// SessionSetupTimeout bounds each half of a secure session handshake
	// on this connection. Defaults to DefaultSessionSetupTimeout.
	SessionSetupTimeout time.Duration

	// KeepAliveInterval is the keep-alive period of secure sessions on
	// this connection. Defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	// Dialer optionally replaces the TCP dial, e.g. with an in-memory
	// pipe for tests.
	Dialer func() (net.Conn, error)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Connection is a TCP connection to one KNXnet/IP server. It owns the
// socket and the receive loop, and demultiplexes inbound frames to secure
// sessions (by session id) and plain sub-connections (by channel id).
//
// The connection dials lazily on the first Connect and is not reusable
// after Close.
type Connection struct {
	server string
	config ConnectionConfig
	log    logging.LeveledLogger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool
	closeCh   chan struct{}
	wg        sync.WaitGroup

	writeMu sync.Mutex

	sessionsMu sync.RWMutex
	sessions   map[uint16]*SecureSession

	registry connRegistry

	// sessionRequestMu serializes secure session setups; only one session
	// may be between session request and response at a time.
	sessionRequestMu sync.Mutex

	stageMu               sync.Mutex
	inSessionRequestStage *SecureSession
}

// NewConnection creates a new TCP connection to a KNXnet/IP server. The
// connection is dialed lazily on the first Connect or session setup.
func NewConnection(server string, config ConnectionConfig) *Connection {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.SessionSetupTimeout <= 0 {
		config.SessionSetupTimeout = DefaultSessionSetupTimeout
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = DefaultKeepAliveInterval
	}

	c := &Connection{
		server:   server,
		config:   config,
		closeCh:  make(chan struct{}),
		sessions: make(map[uint16]*SecureSession),
	}
	c.registry.init()

	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("knxnet-tcp")
		c.registry.log = c.log
	}
	return c
}

// Server returns the server address this connection talks to.
func (c *Connection) Server() string { return c.server }

// LocalAddr returns the bound local endpoint, or nil before the connection
// is established.
func (c *Connection) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Connected reports whether the TCP connection is established and not
// closed.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Connect establishes the TCP connection. It is idempotent: subsequent
// calls while connected are no-ops.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.connected {
		return nil
	}

	var conn net.Conn
	var err error
	if c.config.Dialer != nil {
		conn, err = c.config.Dialer()
	} else {
		d := net.Dialer{Timeout: c.config.DialTimeout}
		if c.config.LocalAddr != "" {
			local, lerr := net.ResolveTCPAddr("tcp", c.config.LocalAddr)
			if lerr != nil {
				return fmt.Errorf("transport: local address %s: %w", c.config.LocalAddr, lerr)
			}
			d.LocalAddr = local
		}
		conn, err = d.Dial("tcp", c.server)
	}
	if err != nil {
		return fmt.Errorf("transport: connecting to %s: %w", c.server, err)
	}

	c.conn = conn
	c.connected = true

	if c.log != nil {
		c.log.Infof("connected %s <=> %s", conn.LocalAddr(), c.server)
	}

	c.wg.Add(1)
	go c.receiveLoop(conn)
	return nil
}

// Send writes one frame to the server. Writes are serialized; the stream is
// flushed per write.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("transport: send to %s: %w", c.server, err)
	}
	return nil
}

// Close closes this connection and all its sub-connections and secure
// sessions. It is idempotent; errors during release are swallowed so every
// downstream resource gets its close call.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.registry.closeAll()

	c.sessionsMu.Lock()
	sessions := make([]*SecureSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	close(c.closeCh)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// receiveLoop reads the TCP stream, frames it, and dispatches each frame.
// A malformed header drops the buffered bytes and the loop continues; an
// oversized frame is skipped on the stream.
func (c *Connection) receiveLoop(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		// tear down everything if the peer closed or the stream failed
		go c.Close()
	}()

	buf := make([]byte, rcvBufferSize)
	offset := 0

	for {
		for offset >= knxnet.HeaderSize {
			h, err := knxnet.ParseHeader(buf[:offset])
			if err != nil {
				if c.log != nil {
					c.log.Warnf("received invalid frame: %v", err)
				}
				offset = 0
				break
			}
			if h.TotalLength <= offset {
				body := make([]byte, h.BodyLength())
				copy(body, buf[knxnet.HeaderSize:h.TotalLength])
				leftover := offset - h.TotalLength
				copy(buf, buf[h.TotalLength:offset])
				offset = leftover
				c.dispatch(h, body)
				continue
			}
			if h.TotalLength > rcvBufferSize {
				// skip bodies which do not fit into the receive buffer
				skip := int64(h.TotalLength - offset)
				if c.log != nil {
					c.log.Warnf("skipping %s exceeding receive buffer", h)
				}
				if _, err := io.CopyN(io.Discard, conn, skip); err != nil {
					return
				}
				offset = 0
			}
			break
		}

		n, err := conn.Read(buf[offset:])
		if err != nil {
			if c.log != nil && !c.isClosed() && !errors.Is(err, io.EOF) {
				c.log.Errorf("receiver communication failure: %v", err)
			}
			return
		}
		offset += n
	}
}

func (c *Connection) dispatch(h knxnet.Header, body []byte) {
	if h.IsSecure() {
		c.dispatchToSession(h, body)
		return
	}
	dispatchService(&c.registry, h, body)
}

func (c *Connection) dispatchToSession(h knxnet.Header, body []byte) {
	if len(body) < 2 {
		if c.log != nil {
			c.log.Warnf("secure frame %s too short for a session id", h)
		}
		return
	}
	sessionID := binary.BigEndian.Uint16(body[:2])

	c.sessionsMu.RLock()
	session := c.sessions[sessionID]
	c.sessionsMu.RUnlock()
	// a session response with id 0 still goes to the pending setup, which
	// rejects it as server-busy
	if session == nil && h.Service == knxnet.SvcSessionResponse {
		session = c.sessionRequestStage()
	}
	if session == nil {
		if c.log != nil {
			c.log.Warnf("session %d does not exist", sessionID)
		}
		return
	}
	session.handleService(h, body)
}

func (c *Connection) bindSession(sessionID uint16, s *SecureSession) {
	c.sessionsMu.Lock()
	c.sessions[sessionID] = s
	c.sessionsMu.Unlock()
}

func (c *Connection) removeSession(sessionID uint16) {
	c.sessionsMu.Lock()
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
}

func (c *Connection) setSessionRequestStage(s *SecureSession) {
	c.stageMu.Lock()
	c.inSessionRequestStage = s
	c.stageMu.Unlock()
}

// clearSessionRequestStage resets the pending setup designation if it still
// points at s.
func (c *Connection) clearSessionRequestStage(s *SecureSession) {
	c.stageMu.Lock()
	if c.inSessionRequestStage == s {
		c.inSessionRequestStage = nil
	}
	c.stageMu.Unlock()
}

func (c *Connection) sessionRequestStage() *SecureSession {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return c.inSessionRequestStage
}

// Endpoint methods: a Connection carries unsecured sub-connections.

func (c *Connection) open() error { return c.Connect() }

func (c *Connection) send(data []byte) error { return c.Send(data) }

func (c *Connection) registerConnectRequest(sub SubConnection) {
	c.registry.addPending(sub)
}

func (c *Connection) unregisterConnectRequest(sub SubConnection) {
	c.registry.removePending(sub)
	if sub.State() == StateOK {
		c.registry.put(sub)
	}
}

func (c *Connection) loggerFactory() logging.LoggerFactory { return c.config.LoggerFactory }

// channelID extracts the communication channel id of a service body. The
// channel id of tunneling and configuration requests sits behind the
// sub-header length byte, unlike connection management services.
func channelID(svc uint16, body []byte) (uint8, bool) {
	idx := 0
	switch svc {
	case knxnet.SvcTunnelingRequest, knxnet.SvcTunnelingAck,
		knxnet.SvcDeviceConfigRequest, knxnet.SvcDeviceConfigAck,
		knxnet.SvcTunnelingFeatureRes, knxnet.SvcTunnelingFeatureInf,
		knxnet.SvcObjectServerRequest, knxnet.SvcObjectServerAck:
		idx = 1
	}
	if len(body) <= idx {
		return 0, false
	}
	return body[idx], true
}
