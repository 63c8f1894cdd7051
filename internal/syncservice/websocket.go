package syncservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/internal/protocol"
)

// websocketDialer returns a Dialer that opens a gorilla websocket connection
// to url with the configured sub-protocols.
func (s *Service) websocketDialer(url string) Dialer {
	return func(ctx context.Context) (protocol.Transport, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: s.cfg.handshakeTimeout(),
			Subprotocols:     s.cfg.Protocols,
		}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("syncservice: websocket dial %q: %w", url, err)
		}
		return newWSTransport(conn), nil
	}
}

// wsTransport adapts a websocket connection to the frame transport contract.
// Frames travel as binary messages. Writes are serialised; reads honour
// context cancellation by expiring the read deadline.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("syncservice: websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()
	defer close(stop)

	_, frame, err := t.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("syncservice: websocket read: %w", err)
	}
	return frame, nil
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = t.conn.Close()
	})
	return err
}
