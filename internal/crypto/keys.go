package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the byte length of X25519 keys and derived session keys.
const KeySize = 32

// KeyPair holds one identity's X25519 key-agreement keys.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair returns a fresh X25519 key pair. The private key is
// clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// sessionInfo is the HKDF info label binding derived keys to this
// protocol version. Both peers must use the same label.
var sessionInfo = []byte("zynk-session-v1")

// DeriveSessionKey computes the symmetric session key for a peer via
// X25519 Diffie-Hellman followed by HKDF-SHA256. Both sides derive the
// same key from (their private, other's public).
func DeriveSessionKey(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(peerPub) != KeySize {
		return nil, fmt.Errorf("bad key size: priv=%d pub=%d", len(priv), len(peerPub))
	}
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}

	h := hkdf.New(sha256.New, shared, nil, sessionInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}
