package transport

import "context"

// Wire event names exchanged with the server.
const (
	EventSend      = "message:send"
	EventAck       = "message:ack"
	EventBroadcast = "message:broadcast"
	EventDelivered = "receipt:delivered"
	EventRead      = "receipt:read"
	EventTyping    = "typing"
)

// Emitter is the outbound surface the messaging core depends on. The
// core never sees the socket itself, only this contract.
type Emitter interface {
	Emit(ctx context.Context, kind string, payload any) error
	Connected() bool
}

// SendEvent is the outbound message:send payload. The envelope field
// carries ciphertext only; plaintext never crosses this boundary.
type SendEvent struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
	Envelope       string `json:"envelope"`
	Type           string `json:"type"`
	ReplyToID      string `json:"replyToId,omitempty"`
	TempID         string `json:"tempId"`
}

// WireMessage is a server-confirmed message as carried by acks and
// broadcasts.
type WireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Type           string `json:"type"`
	ReplyToID      string `json:"replyToId,omitempty"`
	Status         string `json:"status"`
	TempID         string `json:"tempId,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// AckEvent is the direct acknowledgment of one of our sends.
type AckEvent struct {
	TempID  string      `json:"tempId"`
	Message WireMessage `json:"message"`
}

// BroadcastEvent is the fan-out echo of a message in a conversation we
// participate in, including our own sends.
type BroadcastEvent struct {
	Message WireMessage `json:"message"`
}

// ReceiptEvent reports a delivery or read receipt.
type ReceiptEvent struct {
	ConversationID string `json:"conversationId"`
	MsgID          string `json:"msgId"`
	UserID         string `json:"userId"`
}

// TypingEvent reports that a peer is composing in a conversation.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}
