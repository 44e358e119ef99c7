// Package outbox drains the durable send queue. A composed message is
// queued locally and inserted into the view optimistically; the sender
// delivers it and reconciles the optimistic row with the server-assigned
// identity.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/informedia7/totilove-sub009/internal/api"
	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/store"
	"go.uber.org/zap"
)

// Failure is the bus payload published when a queued message could not be
// delivered.
type Failure struct {
	ClientID       string
	ConversationID string
	Err            string
}

// Sender owns the queue drain loop.
type Sender struct {
	db       *store.DB
	st       *state.Store
	chat     api.ChatAPI
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu      sync.Mutex
	pending map[string]state.Message // clientID -> optimistic message, attachments included
}

// NewSender creates a sender draining the queue every interval.
func NewSender(db *store.DB, st *state.Store, chat api.ChatAPI, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		st:       st,
		chat:     chat,
		bus:      b,
		logger:   logger,
		interval: interval,
		wake:     make(chan struct{}, 1),
		pending:  make(map[string]state.Message),
	}
}

// Queue accepts a composed message: it is written to the durable outbox,
// inserted into the in-memory window optimistically under a fresh client
// id, and the drain loop is woken. Returns the client id.
func (s *Sender) Queue(receiverID, content string, attachments []state.Attachment) (string, error) {
	clientID := uuid.NewString()
	convID := state.ConversationID(s.st.LocalUser(), receiverID)

	if err := s.db.QueueOutbox(clientID, convID, receiverID, content); err != nil {
		return "", err
	}

	msg := state.Message{
		ClientID:       clientID,
		ConversationID: convID,
		SenderID:       s.st.LocalUser(),
		ReceiverID:     receiverID,
		Content:        content,
		Attachments:    attachments,
		Timestamp:      time.Now(),
		Status:         state.StatusSent,
	}
	s.mu.Lock()
	s.pending[clientID] = msg
	s.mu.Unlock()

	s.st.Append(msg)
	s.st.UpsertConversation(state.Conversation{
		ID:                 convID,
		PartnerID:          receiverID,
		LastMessagePreview: content,
		LastMessageAt:      msg.Timestamp,
	})
	s.bus.Emit(bus.KindConversationUpdated, convID)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return clientID, nil
}

// Start launches the drain loop.
func (s *Sender) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.Drain(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.wake:
			}
		}
	}()
}

// Stop halts the drain loop after the in-flight pass finishes.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Drain sends every queued entry once, in user order. A failed entry is
// marked failed and announced; it does not block the entries behind it.
func (s *Sender) Drain(ctx context.Context) {
	entries, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("reading outbox", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("marking outbox sending", zap.Error(err))
		return
	}

	s.mu.Lock()
	optimistic, tracked := s.pending[entry.ClientMsgID]
	s.mu.Unlock()

	req := api.SendRequest{
		ConversationID: entry.ConversationID,
		SenderID:       s.st.LocalUser(),
		ReceiverID:     entry.ReceiverID,
		Content:        entry.Content,
	}
	if tracked {
		req.Attachments = optimistic.Attachments
	}

	receipt, err := s.chat.Send(ctx, req)
	if err != nil {
		s.logger.Warn("send failed",
			zap.String("client_id", entry.ClientMsgID), zap.Error(err))
		if dberr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); dberr != nil {
			s.logger.Error("marking outbox failed", zap.Error(dberr))
		}
		s.bus.Emit(bus.KindMessageSendFailed, Failure{
			ClientID:       entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			Err:            err.Error(),
		})
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, receipt.ID); err != nil {
		s.logger.Error("marking outbox sent", zap.Error(err))
	}
	s.st.Reconcile(entry.ConversationID, entry.ClientMsgID, receipt.ID, receipt.Timestamp)
	s.mu.Lock()
	delete(s.pending, entry.ClientMsgID)
	s.mu.Unlock()

	s.bus.Emit(bus.KindMessageSendAck, Ack{
		ClientID:       entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		MessageID:      receipt.ID,
		Timestamp:      receipt.Timestamp,
	})
}

// Ack is the bus payload published after a send has been reconciled.
type Ack struct {
	ClientID       string
	ConversationID string
	MessageID      int64
	Timestamp      time.Time
}
