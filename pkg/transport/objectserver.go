package transport

import (
	"sync"

	"github.com/calimero-project/calimero/pkg/knxnet"
)

// Decoder turns an object server protocol body into an application value.
// The decoder is optional; without one, raw bodies are delivered.
type Decoder interface {
	Decode(body []byte) (any, error)
}

// ObjectServer is an object server (BAOS) sub-connection. An optional
// decoder for the object server sub-protocol is injected at construction.
type ObjectServer struct {
	*ClientConn

	decoder Decoder

	eventMu sync.RWMutex
	onEvent func(event any)
}

// NewObjectServer opens an object server connection on the endpoint. The
// decoder may be nil, in which case events carry the raw service body.
func NewObjectServer(ep Endpoint, decoder Decoder) (*ObjectServer, error) {
	o := &ObjectServer{
		ClientConn: newClientConn(ep, "knxip-objectserver"),
		decoder:    decoder,
	}
	o.OnService(o.onService)

	cri := []byte{2, criObjectServer}
	if err := o.connect(cri); err != nil {
		return nil, err
	}
	return o, nil
}

// OnEvent registers the receiver for inbound object server events.
func (o *ObjectServer) OnEvent(handler func(event any)) {
	o.eventMu.Lock()
	o.onEvent = handler
	o.eventMu.Unlock()
}

// Send transmits one object server request body.
func (o *ObjectServer) Send(body []byte) error {
	if o.State() != StateOK {
		return ErrSessionClosed
	}
	frame := knxnet.NewServiceFrame(knxnet.SvcObjectServerRequest, o.ChannelID(), o.nextSeq(), body)
	return o.ep.send(frame)
}

func (o *ObjectServer) onService(h knxnet.Header, body []byte) {
	if h.Service != knxnet.SvcObjectServerRequest || len(body) < knxnet.ConnHeaderSize {
		return
	}
	raw := body[knxnet.ConnHeaderSize:]

	var event any = raw
	if o.decoder != nil {
		decoded, err := o.decoder.Decode(raw)
		if err != nil {
			if o.log != nil {
				o.log.Warnf("object server decode: %v", err)
			}
			return
		}
		event = decoded
	}

	o.eventMu.RLock()
	handler := o.onEvent
	o.eventMu.RUnlock()
	if handler != nil {
		handler(event)
	}
}
