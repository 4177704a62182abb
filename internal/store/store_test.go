package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{
		ConversationID: "c1", MsgID: "m1", SenderID: "alice",
		Plaintext: "hello", MessageType: "text", Status: StatusSent,
		CreatedAt: 1000,
	}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Status = StatusDelivered
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestConfirmOptimisticPreservesPlaintext(t *testing.T) {
	db := testDB(t)

	opt := &Message{
		ConversationID: "c1", MsgID: "t1", TempID: "t1",
		Plaintext: "hello", MessageType: "text",
		Status: StatusPending, IsOptimistic: true, CreatedAt: 1000,
	}
	if err := db.InsertMessage(opt); err != nil {
		t.Fatal(err)
	}

	// Echo arrives with ciphertext only: plaintext must survive.
	if err := db.ConfirmOptimistic("t1", &Message{
		MsgID: "srv-1", Ciphertext: `{"v":1}`, Status: StatusSent,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("c1", "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("confirmed message not found under server id")
	}
	if got.IsOptimistic {
		t.Error("message still optimistic after confirm")
	}
	if got.Plaintext != "hello" {
		t.Errorf("plaintext = %q, want hello (preserved)", got.Plaintext)
	}
	if got.TempID != "t1" {
		t.Errorf("temp_id = %q, want t1 (kept for dedup)", got.TempID)
	}

	// A second confirm against the same temp id is a no-op: the row is
	// no longer optimistic.
	if err := db.ConfirmOptimistic("t1", &Message{MsgID: "srv-2", Status: StatusSent}); err != nil {
		t.Fatal(err)
	}
	if again, _ := db.GetMessage("c1", "srv-1"); again == nil {
		t.Error("row disappeared after duplicate confirm")
	}
}

func TestUpdateMessageStatusByEitherID(t *testing.T) {
	db := testDB(t)

	if err := db.InsertMessage(&Message{
		ConversationID: "c1", MsgID: "srv-1", TempID: "t1",
		Status: StatusSent, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateMessageStatus("t1", StatusDelivered); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("c1", "srv-1")
	if got.Status != StatusDelivered {
		t.Errorf("status by temp id = %q, want delivered", got.Status)
	}

	if err := db.UpdateMessageStatus("srv-1", StatusRead); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("c1", "srv-1")
	if got.Status != StatusRead {
		t.Errorf("status by server id = %q, want read", got.Status)
	}
}

func TestPendingSendLifecycle(t *testing.T) {
	db := testDB(t)

	p := &PendingSend{
		TempID: "t1", ConversationID: "c1", RecipientID: "bob",
		Plaintext: "hi", MessageType: "text", Status: "pending",
	}
	if err := db.SavePendingSend(p); err != nil {
		t.Fatal(err)
	}

	pending, err := db.ListPendingSends("pending")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}

	if err := db.MarkPendingFailed("t1", "ack timeout"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetPendingSend("t1")
	if got.Status != "failed" || got.LastError != "ack timeout" {
		t.Errorf("after fail: %+v", got)
	}

	if err := db.MarkPendingRetry("t1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetPendingSend("t1")
	if got.Status != "pending" || got.RetryCount != 1 {
		t.Errorf("after retry: %+v", got)
	}

	if err := db.DeletePendingSend("t1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetPendingSend("t1")
	if got != nil {
		t.Error("pending send survived delete")
	}
}

func TestFailedDecryptionPersistence(t *testing.T) {
	db := testDB(t)

	now := time.Now().UnixMilli()
	f := &FailedDecryption{
		MsgID: "m1", ConversationID: "c1", SenderID: "bob",
		Ciphertext: `{"v":1}`, Attempts: 1,
		FirstFailedAt: now, LastAttemptAt: now, LastError: "aead open",
	}
	if err := db.UpsertFailedDecryption(f); err != nil {
		t.Fatal(err)
	}

	f.Attempts = 2
	f.LastError = "aead open again"
	if err := db.UpsertFailedDecryption(f); err != nil {
		t.Fatal(err)
	}

	all, err := db.ListFailedDecryptions()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d entries, want 1", len(all))
	}
	if all[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", all[0].Attempts)
	}

	if err := db.DeleteFailedDecryption("m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetFailedDecryption("m1")
	if got != nil {
		t.Error("entry survived delete")
	}
}

func TestKeyringSaveAndLoad(t *testing.T) {
	db := testDB(t)

	if id, err := db.GetIdentity("alice"); err != nil || id != nil {
		t.Fatalf("fresh keyring: id=%v err=%v, want nil/nil", id, err)
	}

	if err := db.SaveIdentity(&Identity{
		UserID: "alice", PublicKey: "cHVi", PrivateKey: "cHJpdg==",
	}); err != nil {
		t.Fatal(err)
	}

	id, err := db.GetIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || id.PublicKey != "cHVi" {
		t.Errorf("identity = %+v", id)
	}
}
