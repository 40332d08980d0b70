package channelmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palefire/troupnode/channel"
)

// wsTransport implements channel.Transport over a gorilla/websocket
// connection. One instance serves either an outgoing (dial-on-Connect)
// or incoming (already-accepted) channel; which constructor is used
// decides that.
type wsTransport struct {
	url string

	writeMu sync.Mutex
	conn    *websocket.Conn // nil until Connect() succeeds for outgoing

	onData  func([]byte)
	onClose func(code int, reason string)

	started   sync.Once
	closeOnce sync.Once
}

// newOutgoing builds a transport that dials url when Connect is called.
func newOutgoing(url string) *wsTransport {
	return &wsTransport{url: url}
}

// newIncoming builds a transport around an already-upgraded connection.
func newIncoming(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Connect() error {
	if t.conn != nil {
		// Incoming: already connected, start the read loop the Listen
		// call recorded.
		t.startReading()
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(context.Background(), t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	t.conn = conn
	t.startReading()
	return nil
}

func (t *wsTransport) Listen(onData func([]byte), onClose func(code int, reason string)) {
	t.onData = onData
	t.onClose = onClose
	if t.conn != nil {
		// Incoming transports are already connected: start reading now
		// rather than waiting for a Connect call that only Disconnect
		// semantics expect.
		t.startReading()
	}
}

func (t *wsTransport) startReading() {
	t.started.Do(func() {
		go t.readLoop()
	})
}

func (t *wsTransport) readLoop() {
	defer t.notifyClosed(websocket.CloseNormalClosure, "eof")
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if t.onData != nil {
			t.onData(data)
		}
	}
}

func (t *wsTransport) notifyClosed(code int, reason string) {
	t.closeOnce.Do(func() {
		if t.onClose != nil {
			t.onClose(code, reason)
		}
	})
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	err := t.conn.Close()
	t.writeMu.Unlock()
	return err
}

var _ channel.Transport = (*wsTransport)(nil)
