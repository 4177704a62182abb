package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/status"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

// testServer is a minimal event-socket peer: it records inbound frames
// and can push frames to the client.
type testServer struct {
	*httptest.Server
	frames chan frame
	push   chan frame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		frames: make(chan frame, 16),
		push:   make(chan frame, 16),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for f := range ts.push {
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			}
		}()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ts.frames <- f
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func startSocket(t *testing.T, ts *testServer, b *bus.Bus) (*Socket, *status.Machine) {
	t.Helper()
	machine := status.NewMachine(b)
	s := NewSocket(ts.wsURL(), b, machine, zap.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	deadline := time.After(3 * time.Second)
	for !s.Connected() {
		select {
		case <-deadline:
			t.Fatal("socket did not connect")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return s, machine
}

func TestEmitSendsNamedFrame(t *testing.T) {
	ts := newTestServer(t)
	s, machine := startSocket(t, ts, bus.New())

	if machine.Current() != status.Online {
		t.Errorf("state = %s, want ONLINE", machine.Current())
	}

	err := s.Emit(context.Background(), EventSend, SendEvent{
		ConversationID: "c1", RecipientID: "bob",
		Envelope: `{"v":1}`, Type: "text", TempID: "t1",
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-ts.frames:
		if f.Kind != EventSend {
			t.Errorf("kind = %q, want %q", f.Kind, EventSend)
		}
		var evt SendEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			t.Fatal(err)
		}
		if evt.TempID != "t1" || evt.Envelope != `{"v":1}` {
			t.Errorf("payload = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received no frame")
	}
}

func TestInboundAckRepublishedOnBus(t *testing.T) {
	ts := newTestServer(t)
	b := bus.New()

	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	startSocket(t, ts, b)

	payload, _ := json.Marshal(AckEvent{
		TempID:  "t1",
		Message: WireMessage{ID: "srv-1", ConversationID: "c1", TempID: "t1"},
	})
	ts.push <- frame{Kind: EventAck, Payload: payload}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindTransportAck {
			t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindTransportAck)
		}
		ack, ok := evt.Payload.(AckEvent)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if ack.TempID != "t1" || ack.Message.ID != "srv-1" {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event for inbound ack")
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	machine := status.NewMachine(nil)
	s := NewSocket("ws://127.0.0.1:1/events", bus.New(), machine, zap.NewNop())

	if err := s.Emit(context.Background(), EventSend, SendEvent{}); err == nil {
		t.Error("expected error emitting while disconnected")
	}
}

func TestInboundTypingRepublishedOnBus(t *testing.T) {
	ts := newTestServer(t)
	b := bus.New()

	ch, unsub := b.Subscribe("transport.typing", 10)
	defer unsub()

	startSocket(t, ts, b)

	payload, _ := json.Marshal(TypingEvent{ConversationID: "c1", UserID: "bob"})
	ts.push <- frame{Kind: EventTyping, Payload: payload}

	select {
	case evt := <-ch:
		te, ok := evt.Payload.(TypingEvent)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if te.ConversationID != "c1" || te.UserID != "bob" {
			t.Errorf("typing = %+v", te)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event for inbound typing")
	}
}

func TestEmitFailureDegradesConnection(t *testing.T) {
	ts := newTestServer(t)
	b := bus.New()
	machine := status.NewMachine(b)
	_ = machine.Transition(status.Connecting)
	_ = machine.Transition(status.Online)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSocket(ts.wsURL(), b, machine, zap.NewNop())
	s.conn = conn

	// Kill the connection underneath the socket: the next write fails
	// while the adapter still believes it is connected.
	_ = conn.Close()

	if err := s.Emit(context.Background(), EventSend, SendEvent{TempID: "t1"}); err == nil {
		t.Fatal("emit on a dead connection should fail")
	}
	if got := machine.Current(); got != status.Degraded {
		t.Errorf("state = %s, want DEGRADED", got)
	}
}
