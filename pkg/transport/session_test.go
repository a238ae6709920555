package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/calimero-project/calimero/pkg/crypto"
	"github.com/calimero-project/calimero/pkg/knx"
	"github.com/calimero-project/calimero/pkg/knxnet"
	"github.com/calimero-project/calimero/pkg/secure"
)

var (
	testUserKey    = []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	testDeviceAuth = []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
)

// secureServer scripts the server side of a secure session over the test
// pipe, using the same codec and crypto the client uses.
type secureServer struct {
	t    *testing.T
	conn net.Conn

	sessionID     uint16
	deviceAuthKey [crypto.KeySize]byte
	userKey       [crypto.KeySize]byte

	sessionKey [crypto.KeySize]byte
	seq        uint64
}

func newSecureServer(t *testing.T, conn net.Conn, sessionID uint16) *secureServer {
	s := &secureServer{t: t, conn: conn, sessionID: sessionID}
	copy(s.deviceAuthKey[:], testDeviceAuth)
	copy(s.userKey[:], testUserKey)
	return s
}

// handshake serves one session setup and answers the session auth with the
// given status.
func (s *secureServer) handshake(finalStatus uint8) {
	h, body := readFrame(s.t, s.conn)
	if h.Service != knxnet.SvcSessionRequest {
		s.t.Errorf("first frame = %s, want SessionRequest", h)
		return
	}
	var clientPublic [crypto.PublicKeySize]byte
	copy(clientPublic[:], body[knxnet.HPAISize:])

	serverPrivate, serverPublic, err := crypto.GenerateKeyPair()
	if err != nil {
		s.t.Errorf("GenerateKeyPair() error: %v", err)
		return
	}
	shared, err := crypto.SharedSecret(serverPrivate, clientPublic)
	if err != nil {
		s.t.Errorf("SharedSecret() error: %v", err)
		return
	}
	s.sessionKey = crypto.SessionKey(shared)
	xored := crypto.XorKeys(serverPublic, clientPublic)

	s.conn.Write(sessionResponse(s.sessionID, serverPublic, xored, s.deviceAuthKey))

	// expect the wrapped session auth with a valid user MAC
	inner, innerBody := s.readWrapped()
	if inner.Service != knxnet.SvcSessionAuth {
		s.t.Errorf("wrapped frame = %s, want SessionAuth", inner)
		return
	}
	user := binary.BigEndian.Uint16(innerBody[:2])
	var mac [crypto.KeySize]byte
	copy(mac[:], innerBody[2:])

	assoc := make([]byte, 0, knxnet.HeaderSize+2+crypto.PublicKeySize)
	assoc = append(assoc, inner.Encode()...)
	assoc = binary.BigEndian.AppendUint16(assoc, user)
	assoc = append(assoc, xored[:]...)
	status := finalStatus
	if !secure.VerifyHandshakeMAC(s.userKey, assoc, mac) {
		status = knxnet.StatusAuthFailed
	}

	s.sendWrapped(knxnet.NewSessionStatus(status))
}

// readWrapped reads frames until a secure wrapper arrives whose
// encapsulated packet is not a session status (skipping keep-alives), and
// returns the encapsulated header and body.
func (s *secureServer) readWrapped() (knxnet.Header, []byte) {
	for {
		h, body := readFrame(s.t, s.conn)
		if h.Service != knxnet.SvcSecureWrapper {
			continue
		}
		w, err := secure.Unwrap(h, body, s.sessionKey)
		if err != nil {
			s.t.Errorf("Unwrap() error: %v", err)
			return knxnet.Header{}, nil
		}
		inner, err := knxnet.ParseHeader(w.Plain)
		if err != nil {
			s.t.Errorf("ParseHeader(encapsulated) error: %v", err)
			return knxnet.Header{}, nil
		}
		if inner.Service == knxnet.SvcSessionAuth || !inner.IsSecure() {
			return inner, w.Plain[knxnet.HeaderSize:inner.TotalLength]
		}
		// skip keep-alive and close statuses
	}
}

func (s *secureServer) sendWrapped(plain []byte) {
	frame := secure.Wrap(plain, s.sessionID, s.seq, knx.SerialNumber{}, 0, s.sessionKey)
	s.seq++
	writeFrame(s.t, s.conn, frame)
}

// sessionResponse builds a session response with the MAC computed under
// the given device authentication key.
func sessionResponse(sessionID uint16, serverPublic, xored [crypto.PublicKeySize]byte, authKey [crypto.KeySize]byte) []byte {
	h := knxnet.NewHeader(knxnet.SvcSessionResponse, 2+knxnet.PublicKeySize+knxnet.MACSize)

	assoc := make([]byte, 0, knxnet.HeaderSize+2+crypto.PublicKeySize)
	assoc = append(assoc, h.Encode()...)
	assoc = binary.BigEndian.AppendUint16(assoc, sessionID)
	assoc = append(assoc, xored[:]...)
	mac := secure.HandshakeMAC(authKey, assoc)

	frame := make([]byte, 0, h.TotalLength)
	frame = append(frame, h.Encode()...)
	frame = binary.BigEndian.AppendUint16(frame, sessionID)
	frame = append(frame, serverPublic[:]...)
	return append(frame, mac[:]...)
}

func newTestSession(t *testing.T, conn *Connection) *SecureSession {
	t.Helper()
	session, err := conn.NewSecureSession(2, testUserKey, testDeviceAuth)
	if err != nil {
		t.Fatalf("NewSecureSession() error: %v", err)
	}
	return session
}

func TestSecureSessionHandshake(t *testing.T) {
	conn, server := newTestConnection(t)
	session := newTestSession(t, conn)

	srv := newSecureServer(t, server, 0x1234)
	go srv.handshake(knxnet.StatusAuthSuccess)

	if err := session.EnsureOpen(); err != nil {
		t.Fatalf("EnsureOpen() error: %v", err)
	}
	if session.State() != SessionAuthenticated {
		t.Errorf("State() = %s, want authenticated", session.State())
	}
	if session.ID() != 0x1234 {
		t.Errorf("ID() = %d, want 0x1234", session.ID())
	}
	conn.sessionsMu.RLock()
	bound := conn.sessions[0x1234]
	conn.sessionsMu.RUnlock()
	if bound != session {
		t.Error("session not registered under its id")
	}

	// idempotent while authenticated
	if err := session.EnsureOpen(); err != nil {
		t.Errorf("second EnsureOpen() error: %v", err)
	}

	// the keep-alive task sends a wrapped keep-alive status
	done := make(chan int, 1)
	go func() {
		for {
			h, body := readFrame(t, server)
			if h.Service != knxnet.SvcSecureWrapper {
				continue
			}
			w, err := secure.Unwrap(h, body, srv.sessionKey)
			if err != nil {
				continue
			}
			inner, err := knxnet.ParseHeader(w.Plain)
			if err != nil || inner.Service != knxnet.SvcSessionStatus {
				continue
			}
			status, _ := knxnet.ParseSessionStatus(inner, w.Plain[knxnet.HeaderSize:])
			done <- status
			return
		}
	}()
	select {
	case status := <-done:
		if status != knxnet.StatusKeepAlive {
			t.Errorf("keep-alive status = %d, want %d", status, knxnet.StatusKeepAlive)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for keep-alive")
	}
	drain(server)
}

func TestSecureSessionSetupTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConnection("pipe", ConnectionConfig{
		Dialer:              func() (net.Conn, error) { return client, nil },
		SessionSetupTimeout: 60 * time.Millisecond,
	})
	defer conn.Close()
	session := newTestSession(t, conn)

	// server swallows the session request and stays silent
	go func() {
		readFrame(t, server)
		drain(server)
	}()

	start := time.Now()
	err := session.EnsureOpen()
	if !errors.Is(err, ErrSetupTimeout) {
		t.Fatalf("EnsureOpen() error = %v, want ErrSetupTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("EnsureOpen() returned after %v, before the deadline", elapsed)
	}
	if session.State() != SessionIdle {
		t.Errorf("State() = %s, want idle", session.State())
	}
	if conn.sessionRequestStage() != nil {
		t.Error("inSessionRequestStage not cleared after timeout")
	}
}

func TestSecureSessionServerBusy(t *testing.T) {
	conn, server := newTestConnection(t)
	session := newTestSession(t, conn)

	go func() {
		_, body := readFrame(t, server)
		var clientPublic, serverPublic [crypto.PublicKeySize]byte
		copy(clientPublic[:], body[knxnet.HPAISize:])
		var key [crypto.KeySize]byte
		// session id 0: no more free sessions, MAC content irrelevant
		server.Write(sessionResponse(0, serverPublic, clientPublic, key))
		drain(server)
	}()

	if err := session.EnsureOpen(); !errors.Is(err, secure.ErrAuthFailed) {
		t.Fatalf("EnsureOpen() error = %v, want ErrAuthFailed", err)
	}
	if session.State() != SessionIdle {
		t.Errorf("State() = %s, want idle", session.State())
	}
}

func TestSecureSessionDeviceAuthRejected(t *testing.T) {
	conn, server := newTestConnection(t)
	session := newTestSession(t, conn)

	go func() {
		_, body := readFrame(t, server)
		var clientPublic [crypto.PublicKeySize]byte
		copy(clientPublic[:], body[knxnet.HPAISize:])
		_, serverPublic, _ := crypto.GenerateKeyPair()
		xored := crypto.XorKeys(serverPublic, clientPublic)
		// MAC under a key the client does not trust
		var wrongKey [crypto.KeySize]byte
		wrongKey[0] = 0x99
		server.Write(sessionResponse(0x0001, serverPublic, xored, wrongKey))
		drain(server)
	}()

	if err := session.EnsureOpen(); !errors.Is(err, secure.ErrAuthFailed) {
		t.Fatalf("EnsureOpen() error = %v, want ErrAuthFailed", err)
	}
}

func TestSecureSessionAuthRejected(t *testing.T) {
	conn, server := newTestConnection(t)
	session := newTestSession(t, conn)

	srv := newSecureServer(t, server, 0x0007)
	go func() {
		srv.handshake(knxnet.StatusAuthFailed)
		drain(server)
	}()

	if err := session.EnsureOpen(); !errors.Is(err, secure.ErrAuthFailed) {
		t.Fatalf("EnsureOpen() error = %v, want ErrAuthFailed", err)
	}
	if session.State() != SessionIdle {
		t.Errorf("State() = %s, want idle", session.State())
	}
}

func TestReplayDetection(t *testing.T) {
	conn, server := newTestConnection(t)
	session := newTestSession(t, conn)

	srv := newSecureServer(t, server, 0x0042)
	go srv.handshake(knxnet.StatusAuthSuccess)

	if err := session.EnsureOpen(); err != nil {
		t.Fatalf("EnsureOpen() error: %v", err)
	}
	drain(server)

	sub := newTestSub(5)
	session.registry.put(sub)

	request := knxnet.NewServiceFrame(knxnet.SvcTunnelingRequest, 5, 0, []byte{0x29})
	replayed := secure.Wrap(request, 0x0042, 17, knx.SerialNumber{}, 0, srv.sessionKey)

	writeFrame(t, server, replayed)
	waitFor(t, "first frame dispatch", func() bool { return sub.frameCount() == 1 })

	// the identical frame replays sequence 17 and closes the session
	writeFrame(t, server, replayed)
	waitFor(t, "session close on replay", func() bool { return session.State() == SessionIdle })
	if sub.frameCount() != 1 {
		t.Errorf("frames dispatched = %d, want 1", sub.frameCount())
	}

	conn.sessionsMu.RLock()
	bound := conn.sessions[0x0042]
	conn.sessionsMu.RUnlock()
	if bound != nil {
		t.Error("closed session still registered")
	}
}

func TestSecureTunnel(t *testing.T) {
	conn, server := newTestConnection(t)
	session := newTestSession(t, conn)

	srv := newSecureServer(t, server, 0x0010)
	go func() {
		srv.handshake(knxnet.StatusAuthSuccess)

		// serve the wrapped connect request of the secured tunnel
		inner, _ := srv.readWrapped()
		if inner.Service != knxnet.SvcConnectRequest {
			t.Errorf("wrapped frame = %s, want ConnectRequest", inner)
			return
		}
		srv.sendWrapped(connectResponse(3, 0))
		drain(server)
	}()

	tunnel, err := NewTunnel(session, LinkLayerMode)
	if err != nil {
		t.Fatalf("NewTunnel() error: %v", err)
	}
	if tunnel.ChannelID() != 3 {
		t.Errorf("ChannelID() = %d, want 3", tunnel.ChannelID())
	}
	if session.registry.get(3) == nil {
		t.Error("secured tunnel not registered in session")
	}
}

func TestSecureSessionPeerClose(t *testing.T) {
	conn, server := newTestConnection(t)
	session := newTestSession(t, conn)

	srv := newSecureServer(t, server, 0x0099)
	go srv.handshake(knxnet.StatusAuthSuccess)

	if err := session.EnsureOpen(); err != nil {
		t.Fatalf("EnsureOpen() error: %v", err)
	}
	drain(server)

	// a server-initiated timeout status closes the session
	srv.sendWrapped(knxnet.NewSessionStatus(knxnet.StatusTimeout))
	waitFor(t, "session close on timeout status", func() bool {
		return session.State() == SessionIdle
	})
}

func TestSessionConstruction(t *testing.T) {
	conn := NewConnection("localhost:3671", ConnectionConfig{})

	tests := []struct {
		name     string
		user     int
		userKey  []byte
		authCode []byte
		want     error
	}{
		{"user below range", 0, testUserKey, testDeviceAuth, ErrUserOutOfRange},
		{"user above range", 128, testUserKey, testDeviceAuth, ErrUserOutOfRange},
		{"user key too short", 2, testUserKey[:15], testDeviceAuth, ErrKeyLength},
		{"auth code bad length", 2, testUserKey, testDeviceAuth[:8], ErrKeyLength},
		{"empty user key ok", 2, nil, testDeviceAuth, nil},
		{"empty auth code ok", 2, testUserKey, nil, nil},
		{"full keys ok", 127, testUserKey, testDeviceAuth, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := conn.NewSecureSession(tt.user, tt.userKey, tt.authCode)
			if !errors.Is(err, tt.want) {
				t.Fatalf("NewSecureSession() error = %v, want %v", err, tt.want)
			}
			if tt.want == nil && session == nil {
				t.Fatal("NewSecureSession() = nil without error")
			}
		})
	}

	// an empty user key falls back to the empty-password hash
	session, err := conn.NewSecureSession(1, nil, nil)
	if err != nil {
		t.Fatalf("NewSecureSession() error: %v", err)
	}
	if session.userKey != emptyUserPasswordHash {
		t.Error("empty user key does not use the empty-password hash")
	}
	if !session.skipDeviceAuth {
		t.Error("empty device auth code does not skip device authentication")
	}
}

func TestSendSeqMonotonic(t *testing.T) {
	conn := NewConnection("localhost:3671", ConnectionConfig{})
	session := newTestSession(t, conn)

	for want := uint64(0); want < 5; want++ {
		if got := session.nextSendSeq(); got != want {
			t.Fatalf("nextSendSeq() = %d, want %d", got, want)
		}
	}
}
