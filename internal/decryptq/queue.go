package decryptq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/ledger"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"go.uber.org/zap"
)

// backoffTable is the fixed ascending retry schedule, indexed by the
// number of attempts already made.
var backoffTable = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
}

// tickInterval drives the coarse periodic sweep that catches entries
// whose individually scheduled retry was lost (e.g. across restarts).
const tickInterval = 30 * time.Second

// Decrypter is the crypto surface the queue retries against.
type Decrypter interface {
	Decrypt(ctx context.Context, remoteID, payload string) (string, error)
}

// Queue is the durable decryption-failure queue. Every mutation is
// written through to the store so a restart resumes the backlog; past
// the attempt cap an entry is retained as permanently undecryptable
// rather than silently dropped.
type Queue struct {
	db         *store.DB
	ledger     *ledger.Ledger
	dec        Decrypter
	logger     *zap.Logger
	attemptCap int

	mu     sync.Mutex
	timers map[string]*time.Timer
	cancel context.CancelFunc
}

// New creates a decryption retry queue with the given attempt cap.
func New(db *store.DB, l *ledger.Ledger, dec Decrypter, attemptCap int, logger *zap.Logger) *Queue {
	return &Queue{
		db:         db,
		ledger:     l,
		dec:        dec,
		logger:     logger,
		attemptCap: attemptCap,
		timers:     make(map[string]*time.Timer),
	}
}

// NextDelay returns the backoff interval after the given number of
// attempts. Beyond the table it stays at the last entry.
func NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		return backoffTable[0]
	}
	if attempts > len(backoffTable) {
		return backoffTable[len(backoffTable)-1]
	}
	return backoffTable[attempts-1]
}

// Start reloads the persisted backlog, schedules each live entry, and
// runs the periodic sweep.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	entries, err := q.db.ListFailedDecryptions()
	if err != nil {
		q.logger.Error("load decrypt queue", zap.Error(err))
	} else if len(entries) > 0 {
		q.logger.Info("resuming decrypt queue", zap.Int("entries", len(entries)))
		for _, f := range entries {
			if f.Attempts < q.attemptCap {
				q.schedule(ctx, f.MsgID, q.dueIn(&f))
			}
		}
	}

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep and all scheduled retries.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
}

// Enqueue takes ownership of a message whose decryption failed. The
// first failed attempt has already happened, so the entry starts at
// attempts=1 and its first retry is scheduled at the matching backoff.
func (q *Queue) Enqueue(msg *store.Message, cause error) error {
	if msg.Ciphertext == "" {
		return errors.New("decryptq: nothing to retry, message has no ciphertext")
	}

	existing, err := q.db.GetFailedDecryption(msg.MsgID)
	if err != nil {
		return fmt.Errorf("lookup decrypt entry: %w", err)
	}
	if existing != nil {
		// Already owned by the queue.
		return nil
	}

	now := time.Now().UnixMilli()
	f := &store.FailedDecryption{
		MsgID:          msg.MsgID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Ciphertext:     msg.Ciphertext,
		Attempts:       1,
		FirstFailedAt:  now,
		LastAttemptAt:  now,
		LastError:      cause.Error(),
	}
	if err := q.db.UpsertFailedDecryption(f); err != nil {
		return fmt.Errorf("persist decrypt entry: %w", err)
	}

	q.schedule(context.Background(), msg.MsgID, NextDelay(f.Attempts))
	return nil
}

// Tick retries every queued entry whose backoff has elapsed.
func (q *Queue) Tick(ctx context.Context) {
	entries, err := q.db.ListFailedDecryptions()
	if err != nil {
		q.logger.Error("list decrypt queue", zap.Error(err))
		return
	}
	now := time.Now().UnixMilli()
	for i := range entries {
		f := &entries[i]
		if f.Attempts >= q.attemptCap {
			continue
		}
		if now-f.LastAttemptAt < NextDelay(f.Attempts).Milliseconds() {
			continue
		}
		q.retry(ctx, f)
	}
}

// Exhausted lists entries past the attempt cap: permanently
// undecryptable but still queryable.
func (q *Queue) Exhausted() ([]store.FailedDecryption, error) {
	entries, err := q.db.ListFailedDecryptions()
	if err != nil {
		return nil, err
	}
	var out []store.FailedDecryption
	for _, f := range entries {
		if f.Attempts >= q.attemptCap {
			out = append(out, f)
		}
	}
	return out, nil
}

func (q *Queue) dueIn(f *store.FailedDecryption) time.Duration {
	elapsed := time.Since(time.UnixMilli(f.LastAttemptAt))
	if d := NextDelay(f.Attempts) - elapsed; d > 0 {
		return d
	}
	return 0
}

func (q *Queue) schedule(ctx context.Context, msgID string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.timers[msgID]; ok {
		old.Stop()
	}
	q.timers[msgID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, msgID)
		q.mu.Unlock()

		f, err := q.db.GetFailedDecryption(msgID)
		if err != nil || f == nil {
			return
		}
		if f.Attempts >= q.attemptCap {
			return
		}
		q.retry(ctx, f)
	})
}

// retry attempts one decryption. Success resolves the entry: it leaves
// the queue and the ledger message is patched in place. Failure bumps
// the attempt count, persists, and reschedules until the cap.
func (q *Queue) retry(ctx context.Context, f *store.FailedDecryption) {
	pt, err := q.dec.Decrypt(ctx, f.SenderID, f.Ciphertext)
	if err == nil {
		if err := q.db.DeleteFailedDecryption(f.MsgID); err != nil {
			q.logger.Error("resolve decrypt entry", zap.Error(err), zap.String("msg_id", f.MsgID))
			return
		}
		if err := q.ledger.PatchPlaintext(f.ConversationID, f.MsgID, pt); err != nil {
			q.logger.Error("patch decrypted plaintext", zap.Error(err), zap.String("msg_id", f.MsgID))
			return
		}
		q.logger.Info("queued decryption resolved",
			zap.String("msg_id", f.MsgID), zap.Int("attempts", f.Attempts))
		return
	}

	f.Attempts++
	f.LastAttemptAt = time.Now().UnixMilli()
	f.LastError = err.Error()
	if perr := q.db.UpsertFailedDecryption(f); perr != nil {
		q.logger.Error("persist decrypt entry", zap.Error(perr), zap.String("msg_id", f.MsgID))
	}

	if f.Attempts >= q.attemptCap {
		q.logger.Warn("decryption retries exhausted",
			zap.String("msg_id", f.MsgID), zap.Int("attempts", f.Attempts))
		return
	}
	q.schedule(ctx, f.MsgID, NextDelay(f.Attempts))
}
