// Package api defines the boundary contracts between the session core and
// the message store of record. The HTTP/auth layer that normally fronts
// these calls is out of scope; anything implementing ChatAPI can be plugged
// in.
package api

import (
	"context"
	"time"

	"github.com/informedia7/totilove-sub009/internal/state"
)

// SendRequest carries an outgoing message to the store of record.
type SendRequest struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Attachments    []state.Attachment
}

// SendReceipt is the server's acknowledgement of a send: the assigned
// message id and the authoritative timestamp, used to reconcile the
// optimistic local insert.
type SendReceipt struct {
	ID        int64
	Timestamp time.Time
}

// ChatAPI is the request/response surface the session core consumes.
// Every call may fail transiently; callers recover by leaving local state
// intact and surfacing a notification.
type ChatAPI interface {
	// Conversations returns the caller's conversation list, most recent
	// activity first, with last-message previews.
	Conversations(ctx context.Context) ([]state.Conversation, error)
	// MessageWindow returns one page of a conversation's history ending
	// just before beforeID (0 = newest page), oldest to newest, plus a
	// flag indicating whether more history exists.
	MessageWindow(ctx context.Context, convID string, beforeID int64, limit int) ([]state.Message, bool, error)
	// History returns the full visible history of a conversation, oldest
	// to newest. Search queries run over this set.
	History(ctx context.Context, convID string) ([]state.Message, error)
	// Send persists an outgoing message and returns the server-assigned
	// identity.
	Send(ctx context.Context, req SendRequest) (SendReceipt, error)
}
