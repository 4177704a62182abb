package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/ledger"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/transport"
	"go.uber.org/zap"
)

// ErrUnknownTempID is returned by Retry for a temp id with no failed send.
var ErrUnknownTempID = errors.New("outbox: no failed send for temp id")

// Encrypter is the crypto surface the coordinator needs.
type Encrypter interface {
	Encrypt(ctx context.Context, remoteID, plaintext string) (string, error)
}

// Coordinator drives outbound messages through
// encrypt -> emit -> await-ack -> timeout-or-confirm. It owns the
// pending/failed send state and the reconnect flush. Cannot-encrypt is
// treated as cannot-send: no plaintext ever reaches the transport.
type Coordinator struct {
	db      *store.DB
	ledger  *ledger.Ledger
	cipher  Encrypter
	emitter transport.Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	localID    string
	ackTimeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	cancel context.CancelFunc
}

// NewCoordinator creates a send coordinator.
func NewCoordinator(db *store.DB, l *ledger.Ledger, cipher Encrypter, emitter transport.Emitter, b *bus.Bus, localID string, ackTimeout time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:         db,
		ledger:     l,
		cipher:     cipher,
		emitter:    emitter,
		bus:        b,
		logger:     logger,
		localID:    localID,
		ackTimeout: ackTimeout,
		timers:     make(map[string]*time.Timer),
	}
}

// Start subscribes to ack and connectivity events. Acks settle the
// in-flight timer; a transition to online flushes every queued send
// through the normal encrypt-and-emit path.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("transport.", 256)
	connCh, connUnsub := c.bus.Subscribe("conn.", 16)

	go func() {
		defer unsub()
		defer connUnsub()
		for {
			select {
			case evt := <-ch:
				c.handleTransportEvent(evt)
			case evt := <-connCh:
				if evt.Kind == bus.KindConnOnline {
					c.Flush(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the event loop and all in-flight ack timers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for tempID, t := range c.timers {
		t.Stop()
		delete(c.timers, tempID)
	}
	c.mu.Unlock()
}

// Send creates the optimistic ledger entry, registers the pending send,
// and (when the transport is up) encrypts and emits. Returns the client
// temp id for immediate rendering. Encryption or emission failures are
// recorded as a failed send, not returned: the caller sees them via the
// message status and the send_failed event.
func (c *Coordinator) Send(ctx context.Context, conversationID, recipientID, plaintext, messageType, replyToID string) (string, error) {
	tempID, err := c.ledger.CreateOptimistic(conversationID, c.localID, plaintext, messageType, replyToID)
	if err != nil {
		return "", fmt.Errorf("create optimistic entry: %w", err)
	}

	pending := &store.PendingSend{
		TempID:         tempID,
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Plaintext:      plaintext,
		MessageType:    messageType,
		ReplyToID:      replyToID,
		Status:         "pending",
	}
	if err := c.db.SavePendingSend(pending); err != nil {
		return "", fmt.Errorf("register pending send: %w", err)
	}

	if !c.emitter.Connected() {
		c.logger.Info("transport offline, send queued", zap.String("temp_id", tempID))
		return tempID, nil
	}

	c.transmit(ctx, pending)
	return tempID, nil
}

// Retry re-runs a failed send with the same temp id. Keys may have
// rotated since the failure, so the message is re-encrypted. Retries
// are user-triggered and unbounded.
func (c *Coordinator) Retry(ctx context.Context, tempID string) error {
	pending, err := c.db.GetPendingSend(tempID)
	if err != nil {
		return fmt.Errorf("load pending send: %w", err)
	}
	if pending == nil || pending.Status != "failed" {
		return fmt.Errorf("%w: %s", ErrUnknownTempID, tempID)
	}

	if err := c.db.MarkPendingRetry(tempID); err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if err := c.ledger.UpdateStatus(tempID, store.StatusPending); err != nil {
		return err
	}
	pending.Status = "pending"
	pending.RetryCount++

	if !c.emitter.Connected() {
		c.logger.Info("transport offline, retry queued", zap.String("temp_id", tempID))
		return nil
	}
	c.transmit(ctx, pending)
	return nil
}

// Flush re-transmits every queued send, oldest first. Invoked on
// reconnect.
func (c *Coordinator) Flush(ctx context.Context) {
	queued, err := c.db.ListPendingSends("pending")
	if err != nil {
		c.logger.Error("list pending sends", zap.Error(err))
		return
	}
	if len(queued) == 0 {
		return
	}
	c.logger.Info("flushing queued sends", zap.Int("count", len(queued)))
	for i := range queued {
		c.transmit(ctx, &queued[i])
	}
}

// FailedSends lists sends awaiting a user-triggered retry.
func (c *Coordinator) FailedSends() ([]store.PendingSend, error) {
	return c.db.ListPendingSends("failed")
}

// transmit encrypts and emits one pending send, then arms its ack
// timer. Any failure to produce ciphertext marks the send failed
// immediately; plaintext is never emitted as a fallback.
func (c *Coordinator) transmit(ctx context.Context, p *store.PendingSend) {
	envelope, err := c.cipher.Encrypt(ctx, p.RecipientID, p.Plaintext)
	if err != nil {
		c.fail(p.TempID, fmt.Errorf("encrypt: %w", err))
		return
	}

	err = c.emitter.Emit(ctx, transport.EventSend, transport.SendEvent{
		ConversationID: p.ConversationID,
		RecipientID:    p.RecipientID,
		Envelope:       envelope,
		Type:           p.MessageType,
		ReplyToID:      p.ReplyToID,
		TempID:         p.TempID,
	})
	if err != nil {
		c.fail(p.TempID, fmt.Errorf("emit: %w", err))
		return
	}

	c.armTimer(p.TempID)
}

func (c *Coordinator) armTimer(tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.timers[tempID]; ok {
		old.Stop()
	}
	c.timers[tempID] = time.AfterFunc(c.ackTimeout, func() {
		c.onAckTimeout(tempID)
	})
}

// onAckTimeout fires when no confirmation arrived in time. The message
// may still be in flight on the wire; this only transitions local state.
func (c *Coordinator) onAckTimeout(tempID string) {
	c.mu.Lock()
	delete(c.timers, tempID)
	c.mu.Unlock()

	pending, err := c.db.GetPendingSend(tempID)
	if err != nil {
		c.logger.Error("load pending send on timeout", zap.Error(err), zap.String("temp_id", tempID))
		return
	}
	if pending == nil || pending.Status != "pending" {
		// Confirmed or already failed; nothing to do.
		return
	}
	c.fail(tempID, errors.New("ack timeout"))
}

func (c *Coordinator) fail(tempID string, cause error) {
	c.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Error(cause))
	if err := c.db.MarkPendingFailed(tempID, cause.Error()); err != nil {
		c.logger.Error("mark pending failed", zap.Error(err), zap.String("temp_id", tempID))
	}
	if err := c.ledger.UpdateStatus(tempID, store.StatusFailed); err != nil {
		c.logger.Error("mark message failed", zap.Error(err), zap.String("temp_id", tempID))
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload:   map[string]string{"temp_id": tempID, "error": cause.Error()},
	})
}

// settle cancels the ack timer for a confirmed send.
func (c *Coordinator) settle(tempID string) {
	c.mu.Lock()
	if t, ok := c.timers[tempID]; ok {
		t.Stop()
		delete(c.timers, tempID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleTransportEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportAck:
		ack, ok := evt.Payload.(transport.AckEvent)
		if !ok {
			return
		}
		c.settle(ack.TempID)
		c.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			Timestamp: time.Now(),
			Payload:   map[string]string{"temp_id": ack.TempID, "msg_id": ack.Message.ID},
		})
	case bus.KindTransportBroadcast:
		bc, ok := evt.Payload.(transport.BroadcastEvent)
		if !ok {
			return
		}
		if bc.Message.TempID != "" {
			c.settle(bc.Message.TempID)
		}
	}
}
