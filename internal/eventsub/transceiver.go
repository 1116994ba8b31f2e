package eventsub

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// FrameKind classifies a received frame for the inbound loop.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameClosed
	FrameError
)

// Frame is what Transceiver.Receive hands back to the caller.
type Frame struct {
	Kind FrameKind
	Data []byte
}

const defaultMessageTimeout = 10 * time.Second

// Transceiver sends and receives frames on the Connector's current
// socket, refreshing activity on any traffic.
type Transceiver struct {
	connector      *Connector
	state          *StateManager
	messageTimeout time.Duration
}

func NewTransceiver(connector *Connector, state *StateManager, messageTimeout time.Duration) *Transceiver {
	if messageTimeout <= 0 {
		messageTimeout = defaultMessageTimeout
	}
	return &Transceiver{connector: connector, state: state, messageTimeout: messageTimeout}
}

// SendJSON marshals data and writes it as a client text frame.
func (t *Transceiver) SendJSON(data any) error {
	conn := t.connector.currentConn()
	if conn == nil {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("websocket not connected")}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}

	if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	t.state.Touch()
	return nil
}

// Receive reads the next frame with a bounded timeout, translating
// close/ping-only conditions into the appropriate FrameKind.
func (t *Transceiver) Receive() (Frame, error) {
	conn := t.connector.currentConn()
	if conn == nil {
		return Frame{}, &ConnectionError{Op: "receive", Err: fmt.Errorf("websocket not connected")}
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.messageTimeout))
	defer conn.SetReadDeadline(time.Time{})

	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Frame{}, &ConnectionError{Op: "receive", Err: fmt.Errorf("websocket receive timeout")}
		}
		return Frame{Kind: FrameError}, &ConnectionError{Op: "receive", Err: err}
	}

	t.state.Touch()

	switch op {
	case ws.OpText:
		return Frame{Kind: FrameText, Data: data}, nil
	case ws.OpClose:
		return Frame{Kind: FrameClosed}, nil
	default:
		return Frame{Kind: FrameText, Data: data}, nil
	}
}
