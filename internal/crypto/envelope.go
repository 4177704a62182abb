package crypto

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// EnvelopeVersion is the current wire format version tag.
const EnvelopeVersion = 1

// Envelope is the self-describing wire form of one encrypted payload.
type Envelope struct {
	Version    int    `json:"v"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	SenderKey  string `json:"sender_key"`
}

// Encode serializes the envelope to its wire string.
func (e *Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NewEnvelope builds an envelope from raw sealed material.
func NewEnvelope(ciphertext, nonce, senderPub []byte) *Envelope {
	return &Envelope{
		Version:    EnvelopeVersion,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		SenderKey:  base64.StdEncoding.EncodeToString(senderPub),
	}
}

// RawCiphertext decodes the base64 ciphertext.
func (e *Envelope) RawCiphertext() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Ciphertext)
}

// RawNonce decodes the base64 nonce.
func (e *Envelope) RawNonce() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Nonce)
}

// PayloadKind tags the result of parsing an inbound payload string.
type PayloadKind int

const (
	// PayloadPlaintext means the string is not an envelope and must be
	// passed through unchanged (mixed plaintext/ciphertext streams,
	// e.g. raw file metadata or pre-encryption history).
	PayloadPlaintext PayloadKind = iota
	// PayloadEnvelope means the string parsed as a valid envelope.
	PayloadEnvelope
)

// Payload is the tagged result of ParsePayload.
type Payload struct {
	Kind     PayloadKind
	Envelope *Envelope
}

// ParsePayload classifies an inbound payload string. A string only
// counts as an envelope when it decodes to the full envelope shape
// with a known version; everything else is plaintext. There is exactly
// one such check in the codebase.
func ParsePayload(s string) Payload {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return Payload{Kind: PayloadPlaintext}
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return Payload{Kind: PayloadPlaintext}
	}
	if env.Version != EnvelopeVersion || env.Ciphertext == "" || env.Nonce == "" || env.SenderKey == "" {
		return Payload{Kind: PayloadPlaintext}
	}
	return Payload{Kind: PayloadEnvelope, Envelope: &env}
}
