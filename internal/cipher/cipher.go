package cipher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/crypto"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// ErrNotInitialized is returned when encrypt/decrypt is attempted
// before the local identity exists. Callers must treat this as "cannot
// send": there is no plaintext fallback.
var ErrNotInitialized = errors.New("cipher: identity not initialized")

// ErrKeyAgreement wraps failures to obtain a session key for a peer
// (directory unreachable, unknown identity, bad key material).
var ErrKeyAgreement = errors.New("cipher: key agreement failed")

// Directory is the identity-lookup surface the cipher needs.
type Directory interface {
	Fetch(ctx context.Context, userID string) ([]byte, error)
	Evict(userID string)
}

// IdentitySource yields the local identity key pair.
type IdentitySource interface {
	Pair() *crypto.KeyPair
}

// Cipher derives and caches one symmetric session key per remote peer
// and runs authenticated encryption over it. The cache is owned state,
// never global; it lives for the process and is re-derived lazily after
// restart.
type Cipher struct {
	dir    Directory
	ids    IdentitySource
	logger *zap.Logger

	mu   sync.Mutex
	keys map[string][]byte
}

// New creates a session cipher.
func New(dir Directory, ids IdentitySource, logger *zap.Logger) *Cipher {
	return &Cipher{
		dir:    dir,
		ids:    ids,
		logger: logger,
		keys:   make(map[string][]byte),
	}
}

// Encrypt seals plaintext for remoteID and returns the wire envelope
// string.
func (c *Cipher) Encrypt(ctx context.Context, remoteID, plaintext string) (string, error) {
	pair := c.ids.Pair()
	if pair == nil {
		return "", ErrNotInitialized
	}
	key, err := c.sessionKey(ctx, remoteID, pair)
	if err != nil {
		return "", err
	}
	nonce, ct, err := crypto.Seal(key, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypt for %s: %w", remoteID, err)
	}
	return crypto.NewEnvelope(ct, nonce, pair.Public).Encode()
}

// Decrypt opens an inbound payload from remoteID. A payload that does
// not parse as an envelope is returned unchanged (mixed
// plaintext/ciphertext streams). An envelope that fails to open gets
// exactly one automatic retry with a forcibly refreshed remote key,
// which heals the common stale-key-after-rotation case.
func (c *Cipher) Decrypt(ctx context.Context, remoteID, payload string) (string, error) {
	pair := c.ids.Pair()
	if pair == nil {
		return "", ErrNotInitialized
	}

	parsed := crypto.ParsePayload(payload)
	if parsed.Kind == crypto.PayloadPlaintext {
		return payload, nil
	}

	pt, firstErr := c.open(ctx, remoteID, pair, parsed.Envelope)
	if firstErr == nil {
		return pt, nil
	}

	// Refresh the peer key and try once more.
	c.evictSession(remoteID)
	c.dir.Evict(remoteID)
	c.logger.Info("decrypt retry with refreshed key",
		zap.String("remote_id", remoteID), zap.Error(firstErr))

	pt, err := c.open(ctx, remoteID, pair, parsed.Envelope)
	if err != nil {
		return "", fmt.Errorf("decrypt from %s: %w", remoteID, err)
	}
	return pt, nil
}

// SafetyNumber computes the out-of-band verification fingerprint for
// the pairing (local, remoteID). Both peers compute the same number.
func (c *Cipher) SafetyNumber(ctx context.Context, remoteID string) (string, error) {
	pair := c.ids.Pair()
	if pair == nil {
		return "", ErrNotInitialized
	}
	remote, err := c.dir.Fetch(ctx, remoteID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrKeyAgreement, remoteID, err)
	}
	return crypto.SafetyNumber(pair.Public, remote), nil
}

// SafetyQR renders the safety number as a PNG QR code for in-person
// verification.
func (c *Cipher) SafetyQR(ctx context.Context, remoteID string) ([]byte, error) {
	n, err := c.SafetyNumber(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(n, qrcode.Medium, 256)
}

func (c *Cipher) sessionKey(ctx context.Context, remoteID string, pair *crypto.KeyPair) ([]byte, error) {
	c.mu.Lock()
	if key, ok := c.keys[remoteID]; ok {
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	remote, err := c.dir.Fetch(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyAgreement, remoteID, err)
	}
	key, err := crypto.DeriveSessionKey(pair.Private, remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyAgreement, remoteID, err)
	}

	c.mu.Lock()
	c.keys[remoteID] = key
	c.mu.Unlock()
	return key, nil
}

func (c *Cipher) open(ctx context.Context, remoteID string, pair *crypto.KeyPair, env *crypto.Envelope) (string, error) {
	key, err := c.sessionKey(ctx, remoteID, pair)
	if err != nil {
		return "", err
	}
	ct, err := env.RawCiphertext()
	if err != nil {
		return "", fmt.Errorf("envelope ciphertext: %w", err)
	}
	nonce, err := env.RawNonce()
	if err != nil {
		return "", fmt.Errorf("envelope nonce: %w", err)
	}
	pt, err := crypto.Open(key, nonce, ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (c *Cipher) evictSession(remoteID string) {
	c.mu.Lock()
	delete(c.keys, remoteID)
	c.mu.Unlock()
}
