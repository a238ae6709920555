package transport

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"

	"github.com/calimero-project/calimero/pkg/knxnet"
)

// newTestConnection returns a connection whose dialer hands out one end of
// an in-memory pipe, and the server end of that pipe.
func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	conn := NewConnection("pipe", ConnectionConfig{
		Dialer:              func() (net.Conn, error) { return client, nil },
		SessionSetupTimeout: 500 * time.Millisecond,
		KeepAliveInterval:   40 * time.Millisecond,
	})
	t.Cleanup(func() {
		server.Close()
		conn.Close()
	})
	return conn, server
}

// newBridgeConnection is newTestConnection over the pion test bridge, with
// a pump goroutine delivering queued messages. The bridge preserves write
// boundaries, which makes split-frame delivery deterministic.
func newBridgeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	bridge := test.NewBridge()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bridge.Tick()
			}
		}
	}()

	conn := NewConnection("bridge", ConnectionConfig{
		Dialer: func() (net.Conn, error) { return bridge.GetConn0(), nil },
	})
	server := bridge.GetConn1()
	t.Cleanup(func() {
		close(stop)
		server.Close()
		conn.Close()
	})
	return conn, server
}

// drain consumes the stream so client writes never block on the pipe.
func drain(conn net.Conn) {
	go func() {
		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

// readFrame reads one KNXnet/IP frame from the stream.
func readFrame(t *testing.T, conn net.Conn) (knxnet.Header, []byte) {
	t.Helper()
	head := make([]byte, knxnet.HeaderSize)
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatalf("reading frame header: %v", err)
	}
	h, err := knxnet.ParseHeader(head)
	if err != nil {
		t.Fatalf("parsing frame header: %v", err)
	}
	body := make([]byte, h.BodyLength())
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("reading frame body: %v", err)
	}
	return h, body
}

// writeFrame writes raw frame bytes with a test deadline.
func writeFrame(t *testing.T, conn net.Conn, frame []byte) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// testSub is a scripted sub-connection recording dispatched frames.
type testSub struct {
	channel uint8

	mu     sync.Mutex
	frames [][]byte
	state  ConnState
}

func newTestSub(channel uint8) *testSub {
	return &testSub{channel: channel, state: StateOK}
}

func (s *testSub) ChannelID() uint8 { return s.channel }

func (s *testSub) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *testSub) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

func (s *testSub) handleService(h knxnet.Header, body []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), body...))
	s.mu.Unlock()
}

func (s *testSub) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
