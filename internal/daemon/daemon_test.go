package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/cipher"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/crypto"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/decryptq"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/ledger"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/lock"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/outbox"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/status"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"go.uber.org/zap"
)

type stubDirectory struct {
	keys map[string][]byte
}

func (d *stubDirectory) Fetch(_ context.Context, userID string) ([]byte, error) {
	return d.keys[userID], nil
}

func (d *stubDirectory) Evict(string) {}

type stubIdentity struct {
	pair *crypto.KeyPair
}

func (s *stubIdentity) Pair() *crypto.KeyPair { return s.pair }

type stubEmitter struct{}

func (stubEmitter) Emit(context.Context, string, any) error { return nil }
func (stubEmitter) Connected() bool                         { return false }

type controlClient struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *json.Encoder
}

func dialControl(t *testing.T, socketPath string) *controlClient {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &controlClient{conn: conn, r: bufio.NewReader(conn), enc: json.NewEncoder(conn)}
}

func (c *controlClient) call(t *testing.T, op string, params any) response {
	t.Helper()
	req := map[string]any{"op": op}
	if params != nil {
		req["params"] = params
	}
	if err := c.enc.Encode(req); err != nil {
		t.Fatal(err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("malformed response %q: %v", line, err)
	}
	return resp
}

func TestControlServer(t *testing.T) {
	// Use a short path to avoid the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "zynk-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionDir := filepath.Join(tmpDir, "s")
	socketPath := filepath.Join(tmpDir, "d.sock")
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "zynk.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	local, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	l := ledger.New(db, b, logger)
	ciph := cipher.New(&stubDirectory{keys: map[string][]byte{"bob": peer.Public}}, &stubIdentity{pair: local}, logger)
	coord := outbox.NewCoordinator(db, l, ciph, stubEmitter{}, b, "alice", time.Minute, logger)
	queue := decryptq.New(db, l, ciph, 10, logger)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, logger, coord, l, ciph, machine, queue)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	client := dialControl(t, socketPath)

	// status: fresh daemon, transport down.
	resp := client.call(t, "status", nil)
	if !resp.OK {
		t.Fatalf("status error: %s", resp.Error)
	}
	st := resp.Result.(map[string]any)
	if st["state"] != string(status.Offline) || st["online"] != false {
		t.Errorf("status = %v, want offline", st)
	}

	// send while offline: accepted and queued optimistically.
	resp = client.call(t, "send", map[string]any{
		"conversationId": "c1", "recipientId": "bob", "body": "hello",
	})
	if !resp.OK {
		t.Fatalf("send error: %s", resp.Error)
	}
	tempID := resp.Result.(map[string]any)["tempId"].(string)
	if tempID == "" {
		t.Fatal("empty temp id")
	}

	// messages: the optimistic entry is immediately readable.
	resp = client.call(t, "messages", map[string]any{"conversationId": "c1"})
	if !resp.OK {
		t.Fatalf("messages error: %s", resp.Error)
	}
	msgs := resp.Result.([]any)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0].(map[string]any)
	if m["body"] != "hello" || m["status"] != store.StatusPending || m["optimistic"] != true {
		t.Errorf("message = %v, want pending optimistic hello", m)
	}

	// safety_number: 12 space-separated groups, identical regardless of caller.
	resp = client.call(t, "safety_number", map[string]any{"userId": "bob"})
	if !resp.OK {
		t.Fatalf("safety_number error: %s", resp.Error)
	}
	n := resp.Result.(map[string]any)["safetyNumber"].(string)
	if len(strings.Fields(n)) != 12 {
		t.Errorf("safety number = %q, want 12 groups", n)
	}

	// retry of a pending (not failed) send is rejected.
	resp = client.call(t, "retry", map[string]any{"tempId": tempID})
	if resp.OK {
		t.Error("retry of pending send should fail")
	}

	// failed_sends and undecryptable: both empty.
	resp = client.call(t, "failed_sends", nil)
	if !resp.OK || len(resp.Result.([]any)) != 0 {
		t.Errorf("failed_sends = %+v, want empty", resp)
	}
	resp = client.call(t, "undecryptable", nil)
	if !resp.OK || len(resp.Result.([]any)) != 0 {
		t.Errorf("undecryptable = %+v, want empty", resp)
	}

	// Unknown op and malformed params are errors, not disconnects.
	resp = client.call(t, "bogus", nil)
	if resp.OK {
		t.Error("unknown op should fail")
	}
	resp = client.call(t, "send", map[string]any{"conversationId": "c1"})
	if resp.OK {
		t.Error("send without body should fail")
	}

	// The connection survives all of the above.
	resp = client.call(t, "status", nil)
	if !resp.OK {
		t.Fatalf("status after errors: %s", resp.Error)
	}
}

// The fx graph resolved NewServer only because it takes Params rather
// than bare strings; keep the constructor shape covered.
func TestNewServerCreatesSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "zynk-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	srv, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop(), nil, nil, nil, status.NewMachine(bus.New()), nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	srv.Stop(context.Background())
}
