package store

import (
	"database/sql"
	"errors"
	"time"
)

// SavePendingSend registers an in-flight outbound message. Upserts so a
// flush after restart does not duplicate rows.
func (db *DB) SavePendingSend(p *PendingSend) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO pending_sends (temp_id, conversation_id, recipient_id, plaintext, message_type, reply_to_id, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		p.TempID, p.ConversationID, p.RecipientID, p.Plaintext, p.MessageType,
		p.ReplyToID, p.Status, p.RetryCount, p.LastError, p.CreatedAt, now)
	return err
}

// GetPendingSend returns the pending send for a temp id, or nil.
func (db *DB) GetPendingSend(tempID string) (*PendingSend, error) {
	row := db.QueryRow(`
		SELECT temp_id, conversation_id, recipient_id, plaintext, message_type, reply_to_id, status, retry_count, last_error, created_at, updated_at
		FROM pending_sends WHERE temp_id = ?`, tempID)
	var p PendingSend
	err := row.Scan(&p.TempID, &p.ConversationID, &p.RecipientID, &p.Plaintext,
		&p.MessageType, &p.ReplyToID, &p.Status, &p.RetryCount, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePendingSend removes a pending send after confirmation.
func (db *DB) DeletePendingSend(tempID string) error {
	_, err := db.Exec(`DELETE FROM pending_sends WHERE temp_id = ?`, tempID)
	return err
}

// MarkPendingFailed moves a pending send to the failed state.
func (db *DB) MarkPendingFailed(tempID, errMsg string) error {
	_, err := db.Exec(`
		UPDATE pending_sends SET status = 'failed', last_error = ?, updated_at = ?
		WHERE temp_id = ?`, errMsg, time.Now().UnixMilli(), tempID)
	return err
}

// MarkPendingRetry moves a failed send back to pending and bumps its
// retry count.
func (db *DB) MarkPendingRetry(tempID string) error {
	_, err := db.Exec(`
		UPDATE pending_sends SET status = 'pending', last_error = '', retry_count = retry_count + 1, updated_at = ?
		WHERE temp_id = ?`, time.Now().UnixMilli(), tempID)
	return err
}

// ListPendingSends returns sends in the given state, oldest first.
func (db *DB) ListPendingSends(status string) ([]PendingSend, error) {
	rows, err := db.Query(`
		SELECT temp_id, conversation_id, recipient_id, plaintext, message_type, reply_to_id, status, retry_count, last_error, created_at, updated_at
		FROM pending_sends WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingSend
	for rows.Next() {
		var p PendingSend
		if err := rows.Scan(&p.TempID, &p.ConversationID, &p.RecipientID, &p.Plaintext,
			&p.MessageType, &p.ReplyToID, &p.Status, &p.RetryCount, &p.LastError,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
