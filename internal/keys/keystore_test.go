package keys

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"go.uber.org/zap"
)

// mockPublisher records publish calls and returns a configurable error.
type mockPublisher struct {
	calls []publishCall
	err   error
}

type publishCall struct {
	UserID string
	Pub    []byte
}

func (m *mockPublisher) Publish(_ context.Context, userID string, pub []byte) error {
	m.calls = append(m.calls, publishCall{UserID: userID, Pub: pub})
	return m.err
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitializeFirstRun(t *testing.T) {
	db := testDB(t)
	pub := &mockPublisher{}
	ks := New(db, pub, zap.NewNop())

	if err := ks.Initialize(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(pub.calls))
	}
	if ks.Pair() == nil {
		t.Fatal("no pair after initialize")
	}
	if ks.UserID() != "alice" {
		t.Errorf("user id = %q, want alice", ks.UserID())
	}

	persisted, err := db.GetIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	if persisted == nil {
		t.Fatal("identity not persisted")
	}
}

func TestInitializeFirstRunPublishFailureIsFatal(t *testing.T) {
	db := testDB(t)
	pub := &mockPublisher{err: errors.New("directory down")}
	ks := New(db, pub, zap.NewNop())

	if err := ks.Initialize(context.Background(), "alice"); err == nil {
		t.Fatal("expected error when first-run publish fails")
	}

	// No orphaned local key: publish-before-persist.
	persisted, err := db.GetIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	if persisted != nil {
		t.Error("identity persisted despite publish failure")
	}
}

func TestInitializeRepeatLoadsSamePairAndRepublishes(t *testing.T) {
	db := testDB(t)
	pub := &mockPublisher{}
	ks := New(db, pub, zap.NewNop())

	if err := ks.Initialize(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	first := ks.Pair().Public

	ks2 := New(db, pub, zap.NewNop())
	if err := ks2.Initialize(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if string(ks2.Pair().Public) != string(first) {
		t.Error("repeat initialize generated a different pair")
	}
	if len(pub.calls) != 2 {
		t.Errorf("publish calls = %d, want 2 (republish on every init)", len(pub.calls))
	}
}

func TestInitializeRepeatSwallowsPublishFailure(t *testing.T) {
	db := testDB(t)
	ok := &mockPublisher{}
	ks := New(db, ok, zap.NewNop())
	if err := ks.Initialize(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	failing := &mockPublisher{err: errors.New("directory down")}
	ks2 := New(db, failing, zap.NewNop())
	if err := ks2.Initialize(context.Background(), "alice"); err != nil {
		t.Errorf("repeat initialize should swallow publish failure, got %v", err)
	}
	if ks2.Pair() == nil {
		t.Error("pair not loaded despite swallowed publish failure")
	}
}
