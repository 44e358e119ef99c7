package api

import (
	"context"
	"fmt"

	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/store"
)

// Local implements ChatAPI directly against the session's history store,
// letting the daemon and tests run without a remote server.
type Local struct {
	db        *store.DB
	localUser string
}

// NewLocal creates a store-backed ChatAPI for the given local user.
func NewLocal(db *store.DB, localUser string) *Local {
	return &Local{db: db, localUser: localUser}
}

// Conversations implements ChatAPI.
func (l *Local) Conversations(ctx context.Context) ([]state.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.db.ListConversations(l.localUser, 100)
}

// MessageWindow implements ChatAPI.
func (l *Local) MessageWindow(ctx context.Context, convID string, beforeID int64, limit int) ([]state.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return l.db.MessageWindow(convID, l.localUser, beforeID, limit)
}

// History implements ChatAPI.
func (l *Local) History(ctx context.Context, convID string) ([]state.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.db.History(convID, l.localUser)
}

// Send implements ChatAPI.
func (l *Local) Send(ctx context.Context, req SendRequest) (SendReceipt, error) {
	if err := ctx.Err(); err != nil {
		return SendReceipt{}, err
	}
	if req.ReceiverID == "" {
		return SendReceipt{}, fmt.Errorf("send: receiver id required")
	}
	convID := req.ConversationID
	if convID == "" {
		convID = state.ConversationID(req.SenderID, req.ReceiverID)
	}
	id, ts, err := l.db.InsertMessage(state.Message{
		ConversationID: convID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Status:         state.StatusSent,
	})
	if err != nil {
		return SendReceipt{}, fmt.Errorf("send: %w", err)
	}
	return SendReceipt{ID: id, Timestamp: ts}, nil
}
