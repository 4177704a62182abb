package daemon

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/cipher"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/decryptq"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/ledger"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/outbox"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/session"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/status"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"go.uber.org/zap"
)

// requestTimeout bounds a single control request, including any
// directory round trips on the encrypt path.
const requestTimeout = 15 * time.Second

// Server is the line-oriented JSON control surface on the session's
// Unix domain socket. One request per line, one response per line.
type Server struct {
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	coord   *outbox.Coordinator
	ledger  *ledger.Ledger
	cipher  *cipher.Cipher
	machine *status.Machine
	queue   *decryptq.Queue

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewServer binds the control server to the session's Unix domain
// socket, replacing any stale socket file.
func NewServer(
	p Params,
	logger *zap.Logger,
	coord *outbox.Coordinator,
	l *ledger.Ledger,
	c *cipher.Cipher,
	machine *status.Machine,
	queue *decryptq.Queue,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		coord:      coord,
		ledger:     l,
		cipher:     c,
		machine:    machine,
		queue:      queue,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Start accepts control connections. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serve(conn)
	}
}

// Stop closes the listener and all live connections, then removes the
// socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("control server stopping")
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	_ = s.listener.Close()
	_ = os.Remove(s.socketPath)
}

type request struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		resp := s.dispatch(&req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *request) response {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := s.handle(ctx, req)
	if err != nil {
		s.logger.Warn("control request failed", zap.String("op", req.Op), zap.Error(err))
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: true, Result: result}
}

func (s *Server) handle(ctx context.Context, req *request) (any, error) {
	switch req.Op {
	case "send":
		return s.opSend(ctx, req.Params)
	case "retry":
		return s.opRetry(ctx, req.Params)
	case "messages":
		return s.opMessages(req.Params)
	case "failed_sends":
		return s.opFailedSends()
	case "safety_number":
		return s.opSafetyNumber(ctx, req.Params)
	case "undecryptable":
		return s.opUndecryptable()
	case "status":
		return s.opStatus(), nil
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

type sendParams struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
	Body           string `json:"body"`
	Type           string `json:"type"`
	ReplyToID      string `json:"replyToId"`
}

func (s *Server) opSend(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("send params: %w", err)
	}
	if p.ConversationID == "" || p.RecipientID == "" || p.Body == "" {
		return nil, errors.New("send requires conversationId, recipientId and body")
	}
	if p.Type == "" {
		p.Type = "text"
	}
	tempID, err := s.coord.Send(ctx, p.ConversationID, p.RecipientID, p.Body, p.Type, p.ReplyToID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"tempId": tempID}, nil
}

func (s *Server) opRetry(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TempID string `json:"tempId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("retry params: %w", err)
	}
	if err := s.coord.Retry(ctx, p.TempID); err != nil {
		return nil, err
	}
	return map[string]string{"tempId": p.TempID}, nil
}

// messageView is the readable projection of a ledger row. The body is
// the decrypted plaintext; rows still awaiting decryption carry an
// empty body and decrypted=false, never raw ciphertext.
type messageView struct {
	MsgID          string `json:"msgId"`
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId,omitempty"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Optimistic     bool   `json:"optimistic"`
	Decrypted      bool   `json:"decrypted"`
	ReplyToID      string `json:"replyToId,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	EditedAt       int64  `json:"editedAt,omitempty"`
}

func toView(m *store.Message) messageView {
	return messageView{
		MsgID:          m.MsgID,
		ConversationID: m.ConversationID,
		TempID:         m.TempID,
		SenderID:       m.SenderID,
		Body:           m.Plaintext,
		Type:           m.MessageType,
		Status:         m.Status,
		Optimistic:     m.IsOptimistic,
		Decrypted:      m.Plaintext != "" || m.Ciphertext == "",
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
}

func (s *Server) opMessages(raw json.RawMessage) (any, error) {
	var p struct {
		ConversationID string `json:"conversationId"`
		BeforeTs       int64  `json:"beforeTs"`
		Limit          int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("messages params: %w", err)
	}
	if p.ConversationID == "" {
		return nil, errors.New("messages requires conversationId")
	}
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	msgs, err := s.ledger.Messages(p.ConversationID, p.BeforeTs, p.Limit)
	if err != nil {
		return nil, err
	}
	views := make([]messageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, toView(&msgs[i]))
	}
	return views, nil
}

func (s *Server) opFailedSends() (any, error) {
	failed, err := s.coord.FailedSends()
	if err != nil {
		return nil, err
	}
	type failedView struct {
		TempID         string `json:"tempId"`
		ConversationID string `json:"conversationId"`
		RecipientID    string `json:"recipientId"`
		RetryCount     int    `json:"retryCount"`
		LastError      string `json:"lastError"`
	}
	views := make([]failedView, 0, len(failed))
	for _, f := range failed {
		views = append(views, failedView{
			TempID:         f.TempID,
			ConversationID: f.ConversationID,
			RecipientID:    f.RecipientID,
			RetryCount:     f.RetryCount,
			LastError:      f.LastError,
		})
	}
	return views, nil
}

func (s *Server) opSafetyNumber(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		UserID string `json:"userId"`
		QR     bool   `json:"qr"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("safety_number params: %w", err)
	}
	if p.UserID == "" {
		return nil, errors.New("safety_number requires userId")
	}
	n, err := s.cipher.SafetyNumber(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	result := map[string]string{"safetyNumber": n}
	if p.QR {
		png, err := s.cipher.SafetyQR(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		result["qrPng"] = base64.StdEncoding.EncodeToString(png)
	}
	return result, nil
}

func (s *Server) opUndecryptable() (any, error) {
	entries, err := s.queue.Exhausted()
	if err != nil {
		return nil, err
	}
	type entryView struct {
		MsgID          string `json:"msgId"`
		ConversationID string `json:"conversationId"`
		SenderID       string `json:"senderId"`
		Attempts       int    `json:"attempts"`
		FirstFailedAt  int64  `json:"firstFailedAt"`
		LastError      string `json:"lastError"`
	}
	views := make([]entryView, 0, len(entries))
	for _, f := range entries {
		views = append(views, entryView{
			MsgID:          f.MsgID,
			ConversationID: f.ConversationID,
			SenderID:       f.SenderID,
			Attempts:       f.Attempts,
			FirstFailedAt:  f.FirstFailedAt,
			LastError:      f.LastError,
		})
	}
	return views, nil
}

func (s *Server) opStatus() any {
	state := s.machine.Current()
	return map[string]any{
		"state":  string(state),
		"online": s.machine.IsOnline(),
	}
}
