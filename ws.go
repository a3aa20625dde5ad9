package runicrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// StreamTransport delivers streaming updates for a subscription topic. Like
// Transport it is an opaque capability: wire encoding belongs to the
// implementation.
type StreamTransport interface {
	Subscribe(ctx context.Context, endpoint *Endpoint, topic string, params []any) (*Subscription, error)
}

// Subscription is one active topic subscription. Updates are delivered on
// the Updates channel until Unsubscribe is called, the context given to
// Subscribe is cancelled, or the connection fails; the channel is closed
// afterwards and Err reports the terminal error, if any.
type Subscription struct {
	Topic    string
	Endpoint string

	updates chan json.RawMessage
	conn    *websocket.Conn
	cancel  context.CancelFunc
	once    sync.Once

	mu  sync.Mutex
	err error
}

// Updates returns the channel carrying raw update payloads.
func (s *Subscription) Updates() <-chan json.RawMessage { return s.updates }

// Err returns the error that terminated the subscription, if any. Valid
// after the Updates channel closes.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe tears the subscription down. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		// Best-effort unsubscribe frame; the close below is authoritative.
		deadline := time.Now().Add(2 * time.Second)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.cancel()
		s.conn.Close()
	})
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil && err != nil {
		s.err = err
	}
	s.mu.Unlock()
}

// WSTransport implements StreamTransport over WebSocket using a JSON-RPC
// subscribe envelope.
type WSTransport struct {
	dialer *websocket.Dialer
	nextID uint64
}

// NewWSTransport creates a stream transport with default dial settings.
func NewWSTransport() *WSTransport {
	return &WSTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Subscribe dials the endpoint's WebSocket URL, issues a subscribe call for
// the topic and streams every subsequent message to the returned
// Subscription until it ends.
func (t *WSTransport) Subscribe(ctx context.Context, endpoint *Endpoint, topic string, params []any) (*Subscription, error) {
	if endpoint.WSURL == "" {
		return nil, fmt.Errorf("runicrpc: endpoint %s has no WebSocket URL", endpoint.Name)
	}

	conn, _, err := t.dialer.DialContext(ctx, endpoint.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("runicrpc: dial %s: %w", endpoint.Name, err)
	}

	sub := rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&t.nextID, 1),
		Method:  topic,
		Params:  params,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("runicrpc: subscribe %s on %s: %w", topic, endpoint.Name, err)
	}

	// First frame acknowledges the subscription; a provider error here
	// means the topic was rejected.
	var ack rpcResponse
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("runicrpc: subscribe ack from %s: %w", endpoint.Name, err)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, &ProviderError{
			Code:     ack.Error.Code,
			Message:  ack.Error.Message,
			Data:     ack.Error.Data,
			Endpoint: endpoint.Name,
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		Topic:    topic,
		Endpoint: endpoint.Name,
		updates:  make(chan json.RawMessage, 16),
		conn:     conn,
		cancel:   cancel,
	}

	go s.readLoop(streamCtx)
	return s, nil
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.updates)
	defer s.conn.Close()
	// Release the watcher below even when the loop ends for another reason,
	// such as a server-side close.
	defer s.cancel()

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		select {
		case s.updates <- json.RawMessage(payload):
		case <-ctx.Done():
			return
		}
	}
}
