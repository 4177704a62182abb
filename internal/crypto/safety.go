package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// SafetyNumber returns a human-verifiable fingerprint of two identity
// public keys: twelve space-separated groups of five decimal digits.
// The keys are combined in canonical (lexicographic) order before
// hashing, so both peers compute the same number regardless of which
// side calls this.
func SafetyNumber(pubA, pubB []byte) string {
	lo, hi := pubA, pubB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	first := sha256.Sum256(append(append([]byte{}, lo...), hi...))
	second := sha256.Sum256(append(first[:], append(append([]byte{}, lo...), hi...)...))
	material := append(first[:], second[:]...)

	var groups []string
	for i := 0; i < 12; i++ {
		chunk := material[i*5 : i*5+5]
		var buf [8]byte
		copy(buf[3:], chunk)
		n := binary.BigEndian.Uint64(buf[:]) % 100000
		groups = append(groups, fmt.Sprintf("%05d", n))
	}
	return strings.Join(groups, " ")
}

// Fingerprint returns a short hex-free digest form of a single public
// key, used in logs where the full key would be noise.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum[:8])
}
