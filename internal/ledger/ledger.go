package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/crypto"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"go.uber.org/zap"
)

// Ledger is the per-conversation ordered message list and its lifecycle
// state. It owns optimistic creation and the reconciliation of
// server-confirmed messages against optimistic entries.
//
// Confirmations arrive as direct acks and as broadcast echoes, in
// either order, possibly duplicated. All merge logic is keyed by stable
// ids (temp id, server id) and is idempotent, never by arrival order.
type Ledger struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu sync.Mutex
}

// New creates a ledger over the session store.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, bus: b, logger: logger}
}

// CreateOptimistic appends a pending message keyed by a fresh client
// temp id so the UI can render it before any network round-trip. The
// row's msg_id equals the temp id until reconciliation.
func (l *Ledger) CreateOptimistic(conversationID, senderID, plaintext, messageType, replyToID string) (string, error) {
	tempID := uuid.NewString()
	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          tempID,
		TempID:         tempID,
		SenderID:       senderID,
		Plaintext:      plaintext,
		MessageType:    messageType,
		Status:         store.StatusPending,
		IsOptimistic:   true,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now().UnixMilli(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.InsertMessage(msg); err != nil {
		return "", fmt.Errorf("insert optimistic message: %w", err)
	}
	l.publishUpserted(conversationID, tempID)
	return tempID, nil
}

// Reconcile merges a server-confirmed message into the ledger:
//
//  1. temp id matches a live optimistic entry: replace it in place,
//     keeping the temp id for dedup and preserving local plaintext when
//     the incoming body is absent or still encrypted; when an echo
//     without a temp id already appended a row under the server id,
//     the optimistic entry is folded into that row instead;
//  2. server id already present and non-optimistic: duplicate delivery,
//     no-op;
//  3. no correlation: append as a new message (e.g. sent from another
//     device).
//
// Replaying the same confirmation is a no-op after the first
// application.
func (l *Ledger) Reconcile(serverMsg *store.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	normalizeBody(serverMsg)
	if serverMsg.Status == "" {
		serverMsg.Status = store.StatusSent
	}

	if serverMsg.TempID != "" {
		existing, err := l.db.GetMessageByTempID(serverMsg.TempID)
		if err != nil {
			return fmt.Errorf("lookup by temp id: %w", err)
		}
		if existing != nil {
			if !existing.IsOptimistic {
				// Already confirmed via the other path.
				return nil
			}
			confirmed, err := l.db.GetMessage(serverMsg.ConversationID, serverMsg.MsgID)
			if err != nil {
				return fmt.Errorf("lookup by server id: %w", err)
			}
			if confirmed != nil {
				// An echo without a temp id landed first and was
				// appended under the server id. Fold the optimistic row
				// into that row; renaming it would collide.
				if err := l.db.AbsorbOptimistic(serverMsg.TempID, confirmed.ConversationID, confirmed.MsgID, existing.Plaintext); err != nil {
					return fmt.Errorf("absorb optimistic: %w", err)
				}
			} else if err := l.db.ConfirmOptimistic(serverMsg.TempID, serverMsg); err != nil {
				return fmt.Errorf("confirm optimistic: %w", err)
			}
			if err := l.db.DeletePendingSend(serverMsg.TempID); err != nil {
				l.logger.Warn("delete pending send", zap.Error(err), zap.String("temp_id", serverMsg.TempID))
			}
			l.publishUpserted(existing.ConversationID, serverMsg.MsgID)
			return nil
		}
	}

	existing, err := l.db.GetMessage(serverMsg.ConversationID, serverMsg.MsgID)
	if err != nil {
		return fmt.Errorf("lookup by server id: %w", err)
	}
	if existing != nil {
		return nil
	}

	if serverMsg.CreatedAt == 0 {
		serverMsg.CreatedAt = time.Now().UnixMilli()
	}
	if err := l.db.InsertMessage(serverMsg); err != nil {
		return fmt.Errorf("insert confirmed message: %w", err)
	}
	l.publishUpserted(serverMsg.ConversationID, serverMsg.MsgID)
	return nil
}

// UpdateStatus transitions a message's lifecycle status, addressed by
// server id or temp id.
func (l *Ledger) UpdateStatus(idOrTempID, status string) error {
	if err := l.db.UpdateMessageStatus(idOrTempID, status); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// PatchPlaintext sets the decrypted body of a delivered message without
// changing its position or status. Used by the decryption retry queue.
func (l *Ledger) PatchPlaintext(conversationID, msgID, plaintext string) error {
	if err := l.db.PatchMessagePlaintext(conversationID, msgID, plaintext); err != nil {
		return fmt.Errorf("patch plaintext: %w", err)
	}
	l.bus.Publish(bus.Event{
		Kind:      bus.KindMessageDecrypted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID, "msg_id": msgID},
	})
	return nil
}

// Messages returns a page of a conversation, newest first.
func (l *Ledger) Messages(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	return l.db.ListMessages(conversationID, beforeTs, limit)
}

func (l *Ledger) publishUpserted(conversationID, msgID string) {
	l.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID, "msg_id": msgID},
	})
}

// normalizeBody moves a body that is still an envelope into the
// ciphertext field, so "plaintext" never holds undecrypted material.
func normalizeBody(m *store.Message) {
	if m.Plaintext == "" {
		return
	}
	if p := crypto.ParsePayload(m.Plaintext); p.Kind == crypto.PayloadEnvelope {
		if m.Ciphertext == "" {
			m.Ciphertext = m.Plaintext
		}
		m.Plaintext = ""
	}
}
