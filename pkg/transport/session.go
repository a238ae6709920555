package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/calimero-project/calimero/pkg/crypto"
	"github.com/calimero-project/calimero/pkg/knx"
	"github.com/calimero-project/calimero/pkg/knxnet"
	"github.com/calimero-project/calimero/pkg/secure"
)

// SessionState is the lifecycle state of a secure session.
type SessionState int

// Secure session states.
const (
	SessionIdle SessionState = iota
	SessionUnauthenticated
	SessionAuthenticated
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionUnauthenticated:
		return "unauthenticated"
	case SessionAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// statusSetup marks a session with no status received yet during setup.
const statusSetup = 6

// emptyUserPasswordHash is the user key derived from an empty password.
var emptyUserPasswordHash = [crypto.KeySize]byte{
	0xe9, 0xc3, 0x04, 0xb9, 0x14, 0xa3, 0x51, 0x75,
	0xfd, 0x7d, 0x1c, 0x67, 0x3a, 0xb5, 0x2f, 0xe1,
}

// SecureSession is a KNX IP secure session multiplexed over a Connection.
// It authenticates a user against the server, wraps outbound frames of its
// sub-connections, and unwraps and dispatches inbound secure wrappers.
type SecureSession struct {
	conn *Connection
	user uint16

	userKey        [crypto.KeySize]byte
	deviceAuthKey  [crypto.KeySize]byte
	skipDeviceAuth bool

	log logging.LeveledLogger

	privateKey [crypto.PublicKeySize]byte
	publicKey  [crypto.PublicKeySize]byte
	serial     knx.SerialNumber

	mu         sync.Mutex
	sessionID  uint16
	state      SessionState
	status     int
	sessionKey [crypto.KeySize]byte

	// wake is signaled on every state or status change during setup.
	wake chan struct{}

	sendSeq atomic.Uint64
	rcvSeq  atomic.Uint64

	// sendMu serializes wrap-and-write so the sequence numbers on the
	// wire are monotone.
	sendMu sync.Mutex

	keepAliveStop chan struct{}

	registry connRegistry
}

// NewSecureSession creates a secure session on this connection for the
// given user. The user key must be 16 bytes, or empty for the well-known
// empty-password key. A 16-byte device authentication code enables
// verification of the server's session response; an empty or all-zero one
// skips device authentication.
func (c *Connection) NewSecureSession(user int, userKey, deviceAuthCode []byte) (*SecureSession, error) {
	if user < 1 || user > 127 {
		return nil, fmt.Errorf("%w: %d", ErrUserOutOfRange, user)
	}

	s := &SecureSession{
		conn:   c,
		user:   uint16(user),
		state:  SessionIdle,
		status: statusSetup,
		wake:   make(chan struct{}, 1),
	}
	s.registry.init()

	switch len(userKey) {
	case 0:
		s.userKey = emptyUserPasswordHash
	case crypto.KeySize:
		copy(s.userKey[:], userKey)
	default:
		return nil, fmt.Errorf("%w: user key %d bytes", ErrKeyLength, len(userKey))
	}

	switch len(deviceAuthCode) {
	case 0:
		s.skipDeviceAuth = true
	case crypto.KeySize:
		copy(s.deviceAuthKey[:], deviceAuthCode)
		if s.deviceAuthKey == ([crypto.KeySize]byte{}) {
			s.skipDeviceAuth = true
		}
	default:
		return nil, fmt.Errorf("%w: device auth code %d bytes", ErrKeyLength, len(deviceAuthCode))
	}

	if c.config.LoggerFactory != nil {
		s.log = c.config.LoggerFactory.NewLogger("knxip-session")
		s.registry.log = s.log
	}
	return s, nil
}

// ID returns the session identifier assigned by the server.
func (s *SecureSession) ID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// User returns the user this session authenticates.
func (s *SecureSession) User() int { return int(s.user) }

// State returns the session state.
func (s *SecureSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SerialNumber returns the serial number this session sends in its secure
// wrappers, derived from the local NIC.
func (s *SecureSession) SerialNumber() knx.SerialNumber { return s.serial }

// Connection returns the TCP connection this session runs on.
func (s *SecureSession) Connection() *Connection { return s.conn }

// String returns the session id, user, and state for logging.
func (s *SecureSession) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session %d (user %d): %s", s.sessionID, s.user, s.state)
}

// EnsureOpen establishes the secure session if it is not authenticated yet.
// It is idempotent and safe for concurrent use; setups on one connection
// are serialized.
func (s *SecureSession) EnsureOpen() error {
	if s.State() == SessionAuthenticated {
		return nil
	}
	return s.setup()
}

// setup drives the session handshake: session request, session response
// with key agreement and device authentication, wrapped session auth, and
// the final session status. Each handshake half has its own deadline.
func (s *SecureSession) setup() error {
	s.conn.sessionRequestMu.Lock()
	defer s.conn.sessionRequestMu.Unlock()
	defer s.conn.clearSessionRequestStage(s)

	s.mu.Lock()
	if s.state == SessionAuthenticated {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionIdle
	s.status = statusSetup
	s.mu.Unlock()

	s.conn.setSessionRequestStage(s)

	if s.log != nil {
		s.log.Debugf("setup secure session with %s", s.conn.Server())
	}

	private, public, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	s.privateKey, s.publicKey = private, public
	defer func() {
		s.privateKey = [crypto.PublicKeySize]byte{}
		s.publicKey = [crypto.PublicKeySize]byte{}
	}()

	if err := s.conn.Connect(); err != nil {
		return err
	}
	s.serial = deriveSerialNumber(s.conn.LocalAddr())

	req, err := knxnet.NewSessionRequest(knxnet.HPAITCP(), s.publicKey[:])
	if err != nil {
		return err
	}
	if err := s.conn.Send(req); err != nil {
		s.Close()
		s.conn.Close()
		return fmt.Errorf("%w: establishing secure session: %v", ErrConnectionClosed, err)
	}

	if err := s.awaitAuthStatus(); err != nil {
		s.mu.Lock()
		s.state = SessionIdle
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	state, status := s.state, s.status
	s.mu.Unlock()
	if state != SessionAuthenticated || status != knxnet.StatusAuthSuccess {
		s.mu.Lock()
		s.state = SessionIdle
		s.mu.Unlock()
		switch status {
		case knxnet.StatusAuthFailed, knxnet.StatusUnauthenticated:
			return fmt.Errorf("transport: secure session: %s: %w", knxnet.StatusMsg(status), secure.ErrAuthFailed)
		default:
			return fmt.Errorf("transport: secure session: %s", knxnet.StatusMsg(status))
		}
	}

	s.startKeepAlive()
	return nil
}

// awaitAuthStatus waits until the session is authenticated or a status was
// recorded. The deadline covers the session request half; entering the
// authentication half extends it once.
func (s *SecureSession) awaitAuthStatus() error {
	timeout := s.conn.config.SessionSetupTimeout
	deadline := time.Now().Add(timeout)
	inAuth := false

	for {
		s.mu.Lock()
		state, status := s.state, s.status
		s.mu.Unlock()
		if state == SessionAuthenticated || status != statusSetup {
			return nil
		}
		if state == SessionUnauthenticated && !inAuth {
			inAuth = true
			deadline = time.Now().Add(timeout)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: with %s", ErrSetupTimeout, s.conn.Server())
		}
		select {
		case <-s.wake:
		case <-time.After(remaining):
		case <-s.conn.closeCh:
			return ErrConnectionClosed
		}
	}
}

func (s *SecureSession) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close closes the session: it cancels the keep-alive, closes all secured
// sub-connections, removes the session from its connection, and sends a
// best-effort close status while the socket is still open.
func (s *SecureSession) Close() {
	s.mu.Lock()
	if s.state == SessionIdle {
		s.mu.Unlock()
		return
	}
	s.state = SessionIdle
	stop := s.keepAliveStop
	s.keepAliveStop = nil
	sessionID := s.sessionID
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.registry.closeAll()
	s.conn.removeSession(sessionID)

	if s.conn.isClosed() {
		return
	}
	if err := s.wrapAndSend(knxnet.NewSessionStatus(knxnet.StatusClose)); err != nil && s.log != nil {
		s.log.Infof("I/O error closing secure session %d: %v", sessionID, err)
	}
}

func (s *SecureSession) nextSendSeq() uint64 { return s.sendSeq.Add(1) - 1 }

// handleService processes one secure frame dispatched to this session by
// the connection's receive loop.
func (s *SecureSession) handleService(h knxnet.Header, body []byte) {
	if !h.IsSecure() {
		if s.log != nil {
			s.log.Warnf("dispatched insecure %s to %s", h, s)
		}
		return
	}
	// minimum secure frame: header, security info, encapsulated header, MAC
	if h.TotalLength < secure.MinWrapperSize {
		if s.log != nil {
			s.log.Warnf("%s below minimum secure frame size", h)
		}
		return
	}

	switch h.Service {
	case knxnet.SvcSessionResponse:
		s.onSessionResponse(h, body)
	case knxnet.SvcSecureWrapper:
		s.onSecureWrapper(h, body)
	default:
		if s.log != nil {
			s.log.Warnf("received unsupported secure service type 0x%04x - ignore", h.Service)
		}
	}
}

func (s *SecureSession) onSessionResponse(h knxnet.Header, body []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != SessionIdle {
		if s.log != nil {
			s.log.Warnf("received session response in state %s - ignore", state)
		}
		return
	}

	if err := s.acceptSessionResponse(h, body); err != nil {
		s.mu.Lock()
		s.status = knxnet.StatusAuthFailed
		s.mu.Unlock()
		if s.log != nil {
			s.log.Errorf("negotiating session key failed: %v", err)
		}
	}
	s.signal()
}

// acceptSessionResponse performs key agreement, verifies the server's
// device authentication MAC, and answers with the wrapped session auth.
func (s *SecureSession) acceptSessionResponse(h knxnet.Header, body []byte) error {
	if h.TotalLength != 0x38 || len(body) != 2+knxnet.PublicKeySize+knxnet.MACSize {
		return fmt.Errorf("%w: %d for a session response", knxnet.ErrInvalidLength, h.TotalLength)
	}

	sessionID := binary.BigEndian.Uint16(body[:2])
	if sessionID == 0 {
		return fmt.Errorf("%w: no more free secure sessions, or remote endpoint busy", secure.ErrAuthFailed)
	}

	var serverPublicKey [crypto.PublicKeySize]byte
	copy(serverPublicKey[:], body[2:2+knxnet.PublicKeySize])

	sharedSecret, err := crypto.SharedSecret(s.privateKey, serverPublicKey)
	if err != nil {
		return err
	}
	sessionKey := crypto.SessionKey(sharedSecret)

	s.mu.Lock()
	s.sessionID = sessionID
	s.sessionKey = sessionKey
	s.mu.Unlock()

	s.conn.bindSession(sessionID, s)
	s.conn.clearSessionRequestStage(s)

	xored := crypto.XorKeys(serverPublicKey, s.publicKey)
	if s.skipDeviceAuth {
		if s.log != nil {
			s.log.Warnf("skipping device authentication of %s (no device key)", s.conn.Server())
		}
	} else {
		var mac [crypto.KeySize]byte
		copy(mac[:], body[2+knxnet.PublicKeySize:])

		assoc := make([]byte, 0, knxnet.HeaderSize+2+crypto.PublicKeySize)
		assoc = append(assoc, h.Encode()...)
		assoc = binary.BigEndian.AppendUint16(assoc, sessionID)
		assoc = append(assoc, xored[:]...)
		if !secure.VerifyHandshakeMAC(s.deviceAuthKey, assoc, mac) {
			return fmt.Errorf("%w: session response of %s", secure.ErrAuthFailed, s.conn.Server())
		}
	}

	auth := s.newSessionAuth(xored)
	s.mu.Lock()
	s.state = SessionUnauthenticated
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debugf("secure session %d, request access for user %d", sessionID, s.user)
	}
	return s.wrapAndSend(auth)
}

// newSessionAuth builds the plain session auth frame with the user MAC.
func (s *SecureSession) newSessionAuth(xoredKeys [crypto.PublicKeySize]byte) []byte {
	h := knxnet.NewHeader(knxnet.SvcSessionAuth, 2+knxnet.MACSize)

	assoc := make([]byte, 0, knxnet.HeaderSize+2+crypto.PublicKeySize)
	assoc = append(assoc, h.Encode()...)
	assoc = binary.BigEndian.AppendUint16(assoc, s.user)
	assoc = append(assoc, xoredKeys[:]...)

	return knxnet.NewSessionAuth(s.user, secure.HandshakeMAC(s.userKey, assoc))
}

func (s *SecureSession) onSecureWrapper(h knxnet.Header, body []byte) {
	s.mu.Lock()
	sessionID, sessionKey := s.sessionID, s.sessionKey
	s.mu.Unlock()

	w, err := secure.Unwrap(h, body, sessionKey)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("%s: %v", s, err)
		}
		return
	}
	if w.SessionID != sessionID {
		if s.log != nil {
			s.log.Warnf("%v: received ID %d, expected %d", ErrSessionMismatch, w.SessionID, sessionID)
		}
		return
	}
	if expected := s.rcvSeq.Load(); w.Seq < expected {
		if s.log != nil {
			s.log.Errorf("%v: received sequence %d < expected %d", ErrReplay, w.Seq, expected)
		}
		s.Close()
		return
	}
	s.rcvSeq.Store(w.Seq + 1)
	if w.Tag != 0 {
		if s.log != nil {
			s.log.Warnf("expected message tag 0, received %d", w.Tag)
		}
		return
	}

	inner, err := knxnet.ParseHeader(w.Plain)
	if err != nil || inner.TotalLength > len(w.Plain) {
		if s.log != nil {
			s.log.Warnf("encapsulated packet of %s malformed", s)
		}
		return
	}
	innerBody := w.Plain[knxnet.HeaderSize:inner.TotalLength]

	if inner.Service == knxnet.SvcSessionStatus {
		status, err := knxnet.ParseSessionStatus(inner, innerBody)
		if err != nil {
			if s.log != nil {
				s.log.Warnf("%v", err)
			}
			return
		}
		s.onStatus(status)
		return
	}

	dispatchService(&s.registry, inner, innerBody)
}

func (s *SecureSession) onStatus(status int) {
	s.mu.Lock()
	state := s.state
	s.status = status
	if state == SessionUnauthenticated {
		if status == knxnet.StatusAuthSuccess {
			s.state = SessionAuthenticated
		}
		s.mu.Unlock()
		if s.log != nil {
			if status == knxnet.StatusAuthSuccess {
				s.log.Debugf("%s %s", knxnet.StatusMsg(status), s)
			} else {
				s.log.Errorf("%s %s", knxnet.StatusMsg(status), s)
			}
		}
		s.signal()
		return
	}
	s.mu.Unlock()

	switch status {
	case knxnet.StatusTimeout, knxnet.StatusUnauthenticated:
		if s.log != nil {
			s.log.Errorf("%s %s", knxnet.StatusMsg(status), s)
		}
		s.Close()
	case knxnet.StatusKeepAlive:
		// server echoed a keep-alive
	}
}

// startKeepAlive schedules the periodic keep-alive status of an
// authenticated session. Cancellation is cooperative via the stop channel.
func (s *SecureSession) startKeepAlive() {
	stop := make(chan struct{})
	s.mu.Lock()
	s.keepAliveStop = stop
	s.mu.Unlock()

	interval := s.conn.config.KeepAliveInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sendKeepAlive()
			}
		}
	}()
}

func (s *SecureSession) sendKeepAlive() {
	if s.log != nil {
		s.log.Tracef("sending keep-alive")
	}
	if err := s.wrapAndSend(knxnet.NewSessionStatus(knxnet.StatusKeepAlive)); err != nil {
		if s.State() == SessionAuthenticated && !s.conn.isClosed() {
			if s.log != nil {
				s.log.Warnf("error sending keep-alive: %v", err)
			}
			s.Close()
			s.conn.Close()
		}
	}
}

// wrapAndSend wraps a plain packet for this session and writes it. Wrap
// and write run under one mutex so the sequence numbers on the wire are
// monotone even with concurrent senders.
func (s *SecureSession) wrapAndSend(plain []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	sessionID, sessionKey := s.sessionID, s.sessionKey
	s.mu.Unlock()
	return s.conn.Send(secure.Wrap(plain, sessionID, s.nextSendSeq(), s.serial, 0, sessionKey))
}

// Endpoint methods: a SecureSession carries secured sub-connections, whose
// frames are wrapped with the session key.

func (s *SecureSession) open() error { return s.EnsureOpen() }

func (s *SecureSession) send(data []byte) error {
	if s.State() != SessionAuthenticated {
		return ErrSessionClosed
	}
	return s.wrapAndSend(data)
}

func (s *SecureSession) registerConnectRequest(sub SubConnection) {
	s.registry.addPending(sub)
}

func (s *SecureSession) unregisterConnectRequest(sub SubConnection) {
	s.registry.removePending(sub)
	if sub.State() == StateOK {
		s.registry.put(sub)
	}
}

func (s *SecureSession) loggerFactory() logging.LoggerFactory {
	return s.conn.config.LoggerFactory
}

// deriveSerialNumber derives the session's serial number from the hardware
// address of the interface bound to the local endpoint. It returns the zero
// serial when no interface matches.
func deriveSerialNumber(local net.Addr) knx.SerialNumber {
	tcpAddr, ok := local.(*net.TCPAddr)
	if !ok || tcpAddr == nil {
		return knx.SerialNumber{}
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return knx.SerialNumber{}
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.Equal(tcpAddr.IP) {
				return knx.SerialNumberFromMAC(iface.HardwareAddr)
			}
		}
	}
	return knx.SerialNumber{}
}
