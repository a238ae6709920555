package transport

import (
	"fmt"
	"time"

	"github.com/calimero-project/calimero/pkg/knxnet"
)

// responseTimeout bounds the wait for a device management response.
const responseTimeout = time.Second

// DeviceMgmt is a device configuration sub-connection used for property
// access on the server. Responses arrive through a single-slot inbox; a new
// response replaces an unconsumed one.
type DeviceMgmt struct {
	*ClientConn

	inbox chan []byte
}

// NewDeviceMgmt opens a device management connection on the endpoint.
func NewDeviceMgmt(ep Endpoint) (*DeviceMgmt, error) {
	d := &DeviceMgmt{
		ClientConn: newClientConn(ep, "knxip-devmgmt"),
		inbox:      make(chan []byte, 1),
	}
	d.OnService(d.onService)

	cri := []byte{2, criDeviceMgmt}
	if err := d.connect(cri); err != nil {
		return nil, err
	}
	return d, nil
}

// Send transmits one cEMI device management frame without waiting for a
// response.
func (d *DeviceMgmt) Send(cemi []byte) error {
	if d.State() != StateOK {
		return ErrSessionClosed
	}
	frame := knxnet.NewServiceFrame(knxnet.SvcDeviceConfigRequest, d.ChannelID(), d.nextSeq(), cemi)
	return d.ep.send(frame)
}

// ResponseFor sends a device management request and waits for the server's
// response frame.
func (d *DeviceMgmt) ResponseFor(cemi []byte) ([]byte, error) {
	// empty the slot so a stale response is not mistaken for ours
	select {
	case <-d.inbox:
	default:
	}
	if err := d.Send(cemi); err != nil {
		return nil, err
	}
	select {
	case response := <-d.inbox:
		return response, nil
	case <-time.After(responseTimeout):
		return nil, fmt.Errorf("%w: device management response", ErrResponseTimeout)
	}
}

func (d *DeviceMgmt) onService(h knxnet.Header, body []byte) {
	switch h.Service {
	case knxnet.SvcDeviceConfigRequest:
		if len(body) < knxnet.ConnHeaderSize {
			return
		}
		channel, seq := body[1], body[2]
		if err := d.ep.send(knxnet.NewServiceAck(knxnet.SvcDeviceConfigAck, channel, seq, 0)); err != nil && d.log != nil {
			d.log.Warnf("device configuration ack: %v", err)
		}
		// single slot: a fresh response replaces an unconsumed one
		select {
		case <-d.inbox:
		default:
		}
		d.inbox <- body[knxnet.ConnHeaderSize:]

	case knxnet.SvcDeviceConfigAck:
		// our request got acknowledged
	}
}
