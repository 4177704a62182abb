package store

import (
	"database/sql"
	"errors"
)

// UpsertFailedDecryption writes through one decryption-retry entry.
// Called on every mutation so the queue survives restarts.
func (db *DB) UpsertFailedDecryption(f *FailedDecryption) error {
	_, err := db.Exec(`
		INSERT INTO decrypt_queue (msg_id, conversation_id, sender_id, ciphertext, attempts, first_failed_at, last_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error`,
		f.MsgID, f.ConversationID, f.SenderID, f.Ciphertext, f.Attempts,
		f.FirstFailedAt, f.LastAttemptAt, f.LastError)
	return err
}

// GetFailedDecryption returns one entry by message id, or nil.
func (db *DB) GetFailedDecryption(msgID string) (*FailedDecryption, error) {
	row := db.QueryRow(`
		SELECT msg_id, conversation_id, sender_id, ciphertext, attempts, first_failed_at, last_attempt_at, last_error
		FROM decrypt_queue WHERE msg_id = ?`, msgID)
	var f FailedDecryption
	err := row.Scan(&f.MsgID, &f.ConversationID, &f.SenderID, &f.Ciphertext,
		&f.Attempts, &f.FirstFailedAt, &f.LastAttemptAt, &f.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFailedDecryption removes an entry after successful decryption.
func (db *DB) DeleteFailedDecryption(msgID string) error {
	_, err := db.Exec(`DELETE FROM decrypt_queue WHERE msg_id = ?`, msgID)
	return err
}

// ListFailedDecryptions returns the whole queue, oldest failure first.
func (db *DB) ListFailedDecryptions() ([]FailedDecryption, error) {
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, ciphertext, attempts, first_failed_at, last_attempt_at, last_error
		FROM decrypt_queue ORDER BY first_failed_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []FailedDecryption
	for rows.Next() {
		var f FailedDecryption
		if err := rows.Scan(&f.MsgID, &f.ConversationID, &f.SenderID, &f.Ciphertext,
			&f.Attempts, &f.FirstFailedAt, &f.LastAttemptAt, &f.LastError); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
