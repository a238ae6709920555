package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/calimero-project/calimero/pkg/knxnet"
)

// Tunneling link layers requested in the connect request.
const (
	// LinkLayerMode tunnels cEMI link-layer frames.
	LinkLayerMode = 0x02

	// BusmonitorMode tunnels busmonitor frames.
	BusmonitorMode = 0x80
)

// tunnelingAckTimeout bounds the wait for a tunneling acknowledge.
const tunnelingAckTimeout = time.Second

// connection type codes of the connect request information block
const (
	criDeviceMgmt   = 0x03
	criTunnel       = 0x04
	criObjectServer = 0xf8
)

// Tunnel is a tunneling sub-connection carrying cEMI frames to and from
// the KNX network. Create it on a Connection for plain tunneling or on an
// authenticated SecureSession for KNX IP secure tunneling.
type Tunnel struct {
	*ClientConn

	ackCh chan uint8

	frameMu sync.RWMutex
	onFrame func(cemi []byte)
}

// NewTunnel opens a tunneling connection on the endpoint using the given
// link layer (LinkLayerMode or BusmonitorMode).
func NewTunnel(ep Endpoint, layer uint8) (*Tunnel, error) {
	t := &Tunnel{
		ClientConn: newClientConn(ep, "knxip-tunnel"),
		ackCh:      make(chan uint8, 1),
	}
	t.OnService(t.onService)

	cri := []byte{4, criTunnel, layer, 0}
	if err := t.connect(cri); err != nil {
		return nil, err
	}
	return t, nil
}

// OnFrame registers the receiver for inbound cEMI frames.
func (t *Tunnel) OnFrame(handler func(cemi []byte)) {
	t.frameMu.Lock()
	t.onFrame = handler
	t.frameMu.Unlock()
}

// Send transmits one cEMI frame in a tunneling request and waits for the
// server's acknowledge.
func (t *Tunnel) Send(cemi []byte) error {
	if t.State() != StateOK {
		return ErrSessionClosed
	}
	seq := t.nextSeq()
	frame := knxnet.NewServiceFrame(knxnet.SvcTunnelingRequest, t.ChannelID(), seq, cemi)

	// drain a stale acknowledge before sending
	select {
	case <-t.ackCh:
	default:
	}
	if err := t.ep.send(frame); err != nil {
		return err
	}

	select {
	case status := <-t.ackCh:
		if status != 0 {
			return fmt.Errorf("%w: tunneling ack status 0x%02x", ErrConnectFailed, status)
		}
		return nil
	case <-time.After(tunnelingAckTimeout):
		return fmt.Errorf("%w: tunneling ack", ErrResponseTimeout)
	}
}

func (t *Tunnel) onService(h knxnet.Header, body []byte) {
	switch h.Service {
	case knxnet.SvcTunnelingRequest:
		if len(body) < knxnet.ConnHeaderSize {
			return
		}
		channel, seq := body[1], body[2]
		// acknowledge before handing the frame to the receiver
		if err := t.ep.send(knxnet.NewServiceAck(knxnet.SvcTunnelingAck, channel, seq, 0)); err != nil && t.log != nil {
			t.log.Warnf("tunneling ack: %v", err)
		}
		t.frameMu.RLock()
		handler := t.onFrame
		t.frameMu.RUnlock()
		if handler != nil {
			handler(body[knxnet.ConnHeaderSize:])
		}

	case knxnet.SvcTunnelingAck:
		if len(body) < knxnet.ConnHeaderSize {
			return
		}
		select {
		case t.ackCh <- body[3]:
		default:
		}
	}
}
