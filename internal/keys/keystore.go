package keys

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/crypto"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"go.uber.org/zap"
)

// Publisher is the directory surface the keystore needs.
type Publisher interface {
	Publish(ctx context.Context, userID string, pub []byte) error
}

// KeyStore owns the local identity key pair: generates it on first
// login, persists it in the session keyring, and keeps the directory
// in sync with the public half.
type KeyStore struct {
	db     *store.DB
	dir    Publisher
	logger *zap.Logger

	mu     sync.RWMutex
	userID string
	pair   *crypto.KeyPair
}

// New creates a keystore over the session store and directory client.
func New(db *store.DB, dir Publisher, logger *zap.Logger) *KeyStore {
	return &KeyStore{db: db, dir: dir, logger: logger}
}

// Initialize loads or creates the identity for userID. Idempotent.
//
// First run (no persisted pair): generate, publish to the directory,
// then persist. Publish comes first on purpose: a crash between the two
// steps must not leave a local key the server never learned about, and
// a publish failure here is fatal.
//
// Subsequent runs: load the pair and republish unconditionally, which
// self-heals any earlier publish failure. A republish failure is logged
// and swallowed since the local key is already known to be valid.
func (k *KeyStore) Initialize(ctx context.Context, userID string) error {
	persisted, err := k.db.GetIdentity(userID)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	if persisted == nil {
		pair, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
		if err := k.dir.Publish(ctx, userID, pair.Public); err != nil {
			return fmt.Errorf("publish identity: %w", err)
		}
		if err := k.db.SaveIdentity(&store.Identity{
			UserID:     userID,
			PublicKey:  base64.StdEncoding.EncodeToString(pair.Public),
			PrivateKey: base64.StdEncoding.EncodeToString(pair.Private),
		}); err != nil {
			return fmt.Errorf("persist identity: %w", err)
		}
		k.set(userID, pair)
		k.logger.Info("identity created",
			zap.String("user_id", userID),
			zap.String("fingerprint", crypto.Fingerprint(pair.Public)))
		return nil
	}

	pub, err := base64.StdEncoding.DecodeString(persisted.PublicKey)
	if err != nil {
		return fmt.Errorf("decode persisted public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(persisted.PrivateKey)
	if err != nil {
		return fmt.Errorf("decode persisted private key: %w", err)
	}
	pair := &crypto.KeyPair{Public: pub, Private: priv}
	k.set(userID, pair)

	if err := k.dir.Publish(ctx, userID, pair.Public); err != nil {
		k.logger.Warn("identity republish failed", zap.Error(err), zap.String("user_id", userID))
	}
	k.logger.Info("identity loaded",
		zap.String("user_id", userID),
		zap.String("fingerprint", crypto.Fingerprint(pair.Public)))
	return nil
}

func (k *KeyStore) set(userID string, pair *crypto.KeyPair) {
	k.mu.Lock()
	k.userID = userID
	k.pair = pair
	k.mu.Unlock()
}

// Pair returns the identity key pair, or nil before Initialize.
func (k *KeyStore) Pair() *crypto.KeyPair {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.pair
}

// UserID returns the initialized user id, or "".
func (k *KeyStore) UserID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.userID
}
