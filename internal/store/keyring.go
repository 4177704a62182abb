package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveIdentity persists the local identity key pair. One row per user.
func (db *DB) SaveIdentity(id *Identity) error {
	if id.CreatedAt == 0 {
		id.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO keyring (user_id, public_key, private_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			public_key = excluded.public_key,
			private_key = excluded.private_key`,
		id.UserID, id.PublicKey, id.PrivateKey, id.CreatedAt)
	return err
}

// GetIdentity loads the persisted identity for a user, or nil when the
// user has no local keys yet.
func (db *DB) GetIdentity(userID string) (*Identity, error) {
	row := db.QueryRow(`SELECT user_id, public_key, private_key, created_at FROM keyring WHERE user_id = ?`, userID)
	var id Identity
	err := row.Scan(&id.UserID, &id.PublicKey, &id.PrivateKey, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}
