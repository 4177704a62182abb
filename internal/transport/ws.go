package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/status"
	"go.uber.org/zap"
)

// frame is the wire shape of one named event.
type frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Socket is the websocket transport adapter. It emits outbound frames,
// republishes inbound frames on the bus under "transport." kinds, and
// drives the connectivity machine through its reconnect loop.
type Socket struct {
	url     string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewSocket creates a websocket transport against url.
func NewSocket(url string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Socket {
	return &Socket{
		url:     url,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Start runs the connect/read loop until Stop. Reconnects with a
// doubling delay capped at 30 s.
func (s *Socket) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop tears the connection down.
func (s *Socket) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	_ = s.machine.Transition(status.Offline)
}

// Connected reports whether a live connection exists.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Emit sends one named event. Fails when the transport is down; the
// caller keeps the message queued and relies on the reconnect flush.
func (s *Socket) Emit(_ context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("emit %s: transport not connected", kind)
	}
	if err := s.conn.WriteJSON(frame{Kind: kind, Payload: body}); err != nil {
		// The connection exists but writes fail: degraded until the
		// read loop notices and the reconnect cycle takes over.
		_ = s.machine.Transition(status.Degraded)
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	return nil
}

func (s *Socket) run(ctx context.Context) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.machine.Transition(status.Connecting)

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("transport dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if delay *= 2; delay > 30*time.Second {
				delay = 30 * time.Second
			}
			continue
		}
		delay = time.Second

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		_ = s.machine.Transition(status.Online)
		s.logger.Info("transport connected", zap.String("url", s.url))

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("transport disconnected")
		_ = s.machine.Transition(status.Offline)
		_ = s.machine.Transition(status.Connecting)
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			_ = conn.Close()
			return
		}
		s.dispatch(f)
	}
}

// dispatch decodes an inbound frame and republishes it on the bus with
// a typed payload.
func (s *Socket) dispatch(f frame) {
	publish := func(kind string, payload any) {
		s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}

	switch f.Kind {
	case EventAck:
		var evt AckEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			s.logger.Warn("bad ack frame", zap.Error(err))
			return
		}
		publish(bus.KindTransportAck, evt)
	case EventBroadcast:
		var evt BroadcastEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			s.logger.Warn("bad broadcast frame", zap.Error(err))
			return
		}
		publish(bus.KindTransportBroadcast, evt)
	case EventDelivered:
		var evt ReceiptEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			s.logger.Warn("bad receipt frame", zap.Error(err))
			return
		}
		publish(bus.KindTransportDelivered, evt)
	case EventRead:
		var evt ReceiptEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			s.logger.Warn("bad receipt frame", zap.Error(err))
			return
		}
		publish(bus.KindTransportRead, evt)
	case EventTyping:
		var evt TypingEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			s.logger.Warn("bad typing frame", zap.Error(err))
			return
		}
		publish(bus.KindTransportTyping, evt)
	default:
		s.logger.Debug("unhandled transport frame", zap.String("kind", f.Kind))
	}
}
