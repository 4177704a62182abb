package store

import (
	"database/sql"
	"errors"
	"time"
)

// InsertMessage appends a new ledger row. Idempotent on
// (conversation_id, msg_id): a duplicate insert updates mutable fields
// instead of erroring.
func (db *DB) InsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, temp_id, sender_id, ciphertext, plaintext, message_type, status, is_optimistic, reply_to_id, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			status = excluded.status,
			edited_at = excluded.edited_at`,
		m.ConversationID, m.MsgID, m.TempID, m.SenderID, m.Ciphertext, m.Plaintext,
		m.MessageType, m.Status, m.IsOptimistic, m.ReplyToID, m.CreatedAt, nullableInt(m.EditedAt))
	return err
}

// GetMessage returns a message by conversation and server/optimistic id,
// or nil when absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	return db.scanOne(`
		SELECT id, conversation_id, msg_id, temp_id, sender_id, ciphertext, plaintext, message_type, status, is_optimistic, reply_to_id, created_at, COALESCE(edited_at, 0)
		FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
}

// GetMessageByTempID returns the message correlated to a client temp id,
// or nil when absent.
func (db *DB) GetMessageByTempID(tempID string) (*Message, error) {
	return db.scanOne(`
		SELECT id, conversation_id, msg_id, temp_id, sender_id, ciphertext, plaintext, message_type, status, is_optimistic, reply_to_id, created_at, COALESCE(edited_at, 0)
		FROM messages WHERE temp_id = ?`, tempID)
}

// ConfirmOptimistic replaces an optimistic row in place with its
// server-confirmed form. Locally held plaintext is preserved when the
// incoming plaintext is empty (echo arrived still encrypted). The row
// keeps its temp id for future dedup.
func (db *DB) ConfirmOptimistic(tempID string, confirmed *Message) error {
	_, err := db.Exec(`
		UPDATE messages SET
			msg_id = ?,
			sender_id = CASE WHEN ? != '' THEN ? ELSE sender_id END,
			ciphertext = ?,
			plaintext = CASE WHEN ? != '' THEN ? ELSE plaintext END,
			status = CASE WHEN ? != '' THEN ? ELSE status END,
			is_optimistic = 0,
			edited_at = ?
		WHERE temp_id = ? AND is_optimistic = 1`,
		confirmed.MsgID,
		confirmed.SenderID, confirmed.SenderID,
		confirmed.Ciphertext,
		confirmed.Plaintext, confirmed.Plaintext,
		confirmed.Status, confirmed.Status,
		nullableInt(confirmed.EditedAt),
		tempID)
	return err
}

// AbsorbOptimistic folds an optimistic row into the row already
// appended under the server id for the same logical message: the
// optimistic row is removed, and the server row inherits the temp id
// for dedup plus the optimistic plaintext when its own copy is still
// encrypted.
func (db *DB) AbsorbOptimistic(tempID, conversationID, msgID, plaintext string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE temp_id = ? AND is_optimistic = 1`, tempID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`
		UPDATE messages SET
			temp_id = ?,
			plaintext = CASE WHEN plaintext = '' AND ? != '' THEN ? ELSE plaintext END
		WHERE conversation_id = ? AND msg_id = ?`,
		tempID, plaintext, plaintext, conversationID, msgID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdateMessageStatus transitions a message's status, addressed by
// either its server id or its temp id.
func (db *DB) UpdateMessageStatus(idOrTempID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ? OR temp_id = ?`,
		status, idOrTempID, idOrTempID)
	return err
}

// PatchMessagePlaintext sets the decrypted body of a message without
// touching its position, status or any other field.
func (db *DB) PatchMessagePlaintext(conversationID, msgID, plaintext string) error {
	_, err := db.Exec(`UPDATE messages SET plaintext = ? WHERE conversation_id = ? AND msg_id = ?`,
		plaintext, conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset
// pagination by created_at.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, temp_id, sender_id, ciphertext, plaintext, message_type, status, is_optimistic, reply_to_id, created_at, COALESCE(edited_at, 0)
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (db *DB) scanOne(query string, args ...any) (*Message, error) {
	row := db.QueryRow(query, args...)
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.TempID, &m.SenderID,
		&m.Ciphertext, &m.Plaintext, &m.MessageType, &m.Status, &m.IsOptimistic,
		&m.ReplyToID, &m.CreatedAt, &m.EditedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner, m *Message) error {
	return r.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.TempID, &m.SenderID,
		&m.Ciphertext, &m.Plaintext, &m.MessageType, &m.Status, &m.IsOptimistic,
		&m.ReplyToID, &m.CreatedAt, &m.EditedAt)
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
