package ingest

import (
	"context"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/ledger"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/transport"
	"go.uber.org/zap"
)

// Decrypter is the crypto surface the engine needs.
type Decrypter interface {
	Decrypt(ctx context.Context, remoteID, payload string) (string, error)
}

// RetryQueue takes ownership of messages whose decryption failed.
type RetryQueue interface {
	Enqueue(msg *store.Message, cause error) error
}

// Engine handles idempotent ingestion of inbound transport events into
// the ledger: acks and broadcast echoes funnel into reconciliation,
// inbound ciphertext is decrypted (failures are handed to the retry
// queue, never dropped), receipts become status updates.
type Engine struct {
	ledger *ledger.Ledger
	dec    Decrypter
	queue  RetryQueue
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates an ingestion engine.
func NewEngine(l *ledger.Ledger, dec Decrypter, queue RetryQueue, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		ledger: l,
		dec:    dec,
		queue:  queue,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound transport events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("transport.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportAck:
		ack, ok := evt.Payload.(transport.AckEvent)
		if !ok {
			return
		}
		msg := toStoreMessage(&ack.Message)
		if msg.TempID == "" {
			msg.TempID = ack.TempID
		}
		if err := e.IngestMessage(ctx, msg); err != nil {
			e.logger.Error("ingest ack", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindTransportBroadcast:
		bc, ok := evt.Payload.(transport.BroadcastEvent)
		if !ok {
			return
		}
		if err := e.IngestMessage(ctx, toStoreMessage(&bc.Message)); err != nil {
			e.logger.Error("ingest broadcast", zap.Error(err), zap.String("msg_id", bc.Message.ID))
		}
	case bus.KindTransportDelivered:
		if r, ok := evt.Payload.(transport.ReceiptEvent); ok {
			e.ingestReceipt(r, store.StatusDelivered)
		}
	case bus.KindTransportRead:
		if r, ok := evt.Payload.(transport.ReceiptEvent); ok {
			e.ingestReceipt(r, store.StatusRead)
		}
	}
}

// IngestMessage decrypts (when needed) and reconciles one confirmed
// message. Decryption failure does not block ingestion: the message is
// reconciled with ciphertext only and the retry queue takes over.
func (e *Engine) IngestMessage(ctx context.Context, msg *store.Message) error {
	var decryptErr error
	// Echoes of our own sends (correlated by temp id) keep the locally
	// held plaintext through reconciliation; only uncorrelated inbound
	// ciphertext needs decryption here.
	if msg.TempID == "" && msg.Plaintext == "" && msg.Ciphertext != "" {
		pt, err := e.dec.Decrypt(ctx, msg.SenderID, msg.Ciphertext)
		if err != nil {
			decryptErr = err
		} else if pt != msg.Ciphertext {
			msg.Plaintext = pt
		} else {
			// Passthrough: the payload was never encrypted.
			msg.Plaintext = pt
			msg.Ciphertext = ""
		}
	}

	if err := e.ledger.Reconcile(msg); err != nil {
		return err
	}

	if decryptErr != nil {
		e.logger.Warn("decryption failed, queued for retry",
			zap.String("msg_id", msg.MsgID), zap.Error(decryptErr))
		if err := e.queue.Enqueue(msg, decryptErr); err != nil {
			e.logger.Error("enqueue failed decryption", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	}
	return nil
}

func (e *Engine) ingestReceipt(r transport.ReceiptEvent, status string) {
	if err := e.ledger.UpdateStatus(r.MsgID, status); err != nil {
		e.logger.Error("ingest receipt", zap.Error(err), zap.String("msg_id", r.MsgID))
	}
}

// toStoreMessage converts a wire message into its ledger row form,
// classifying the body as plaintext or ciphertext via the envelope
// check in the ledger's reconcile path.
func toStoreMessage(w *transport.WireMessage) *store.Message {
	return &store.Message{
		ConversationID: w.ConversationID,
		MsgID:          w.ID,
		TempID:         w.TempID,
		SenderID:       w.SenderID,
		Ciphertext:     w.Body,
		MessageType:    w.Type,
		Status:         w.Status,
		ReplyToID:      w.ReplyToID,
		CreatedAt:      w.CreatedAt,
	}
}
