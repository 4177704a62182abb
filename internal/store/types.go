package store

// Message lifecycle statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message is one row in the per-conversation ledger. MsgID equals
// TempID while the message is optimistic; reconciliation rewrites it to
// the server id and keeps TempID for dedup.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	TempID         string
	SenderID       string
	Ciphertext     string
	Plaintext      string
	MessageType    string
	Status         string
	IsOptimistic   bool
	ReplyToID      string
	CreatedAt      int64
	EditedAt       int64
}

// PendingSend is one in-flight (or failed) outbound message. Exactly
// one live row exists per temp id.
type PendingSend struct {
	TempID         string
	ConversationID string
	RecipientID    string
	Plaintext      string
	MessageType    string
	ReplyToID      string
	Status         string // pending | failed
	RetryCount     int
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
}

// FailedDecryption is one durably queued decryption-retry entry.
type FailedDecryption struct {
	MsgID          string
	ConversationID string
	SenderID       string
	Ciphertext     string
	Attempts       int
	FirstFailedAt  int64
	LastAttemptAt  int64
	LastError      string
}

// Identity is the persisted local identity key pair, base64 encoded.
type Identity struct {
	UserID     string
	PublicKey  string
	PrivateKey string
	CreatedAt  int64
}
