// Package notify bridges session events to user-facing notifications:
// transient toasts, per-conversation unread counts and the connection
// badge.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/status"
	"go.uber.org/zap"
)

// ToastKind classifies a toast so consumers can style it.
type ToastKind string

const (
	ToastMessage ToastKind = "message"
	ToastError   ToastKind = "error"
)

// Toast is one transient notification. Each toast expires on its own
// clock; a new toast never extends or truncates an existing one.
type Toast struct {
	ID             int64
	Kind           ToastKind
	ConversationID string
	Title          string
	Body           string
	CreatedAt      time.Time
	expiresAt      time.Time
}

// Bridge consumes session bus events and maintains the notification
// surface. It holds no rendering logic; consumers poll Toasts, Unread and
// Badge.
type Bridge struct {
	mu       sync.Mutex
	toasts   []Toast
	unread   map[string]int
	badge    status.State
	nextID   int64
	duration time.Duration
	now      func() time.Time

	st     *state.Store
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge with the given toast lifetime.
func NewBridge(st *state.Store, b *bus.Bus, duration time.Duration, logger *zap.Logger) *Bridge {
	return &Bridge{
		unread:   make(map[string]int),
		badge:    status.Disconnected,
		duration: duration,
		now:      time.Now,
		st:       st,
		bus:      b,
		logger:   logger,
	}
}

// Start subscribes to the bus and consumes events until Stop.
func (br *Bridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	br.cancel = cancel
	br.done = make(chan struct{})

	msgs, unsubMsgs := br.bus.Subscribe("message.", 64)
	fetches, unsubFetches := br.bus.Subscribe("fetch.", 16)
	atts, unsubAtts := br.bus.Subscribe("attachment.", 16)
	chans, unsubChans := br.bus.Subscribe("channel.status", 16)

	go func() {
		defer close(br.done)
		defer unsubMsgs()
		defer unsubFetches()
		defer unsubAtts()
		defer unsubChans()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-msgs:
				br.handleMessage(evt)
			case evt := <-fetches:
				br.handleFailure("Could not load messages", evt)
			case evt := <-atts:
				br.handleFailure("Attachment failed", evt)
			case evt := <-chans:
				br.handleStatus(evt)
			}
		}
	}()
}

// Stop tears down the bus subscriptions.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
		<-br.done
	}
}

func (br *Bridge) handleMessage(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		msg, ok := evt.Payload.(state.Message)
		if !ok {
			return
		}
		// The local user's own messages and the open conversation
		// never toast.
		if msg.SenderID == br.st.LocalUser() {
			return
		}
		if br.st.ActiveConversation() == msg.ConversationID {
			return
		}
		body := msg.Content
		if body == "" && len(msg.Attachments) > 0 {
			body = "[photo]"
		}
		br.mu.Lock()
		br.unread[msg.ConversationID]++
		br.push(ToastMessage, msg.ConversationID, msg.SenderID, body)
		br.mu.Unlock()
	case bus.KindMessageSendFailed:
		br.mu.Lock()
		br.push(ToastError, "", "Message not sent", fmt.Sprint(evt.Payload))
		br.mu.Unlock()
	}
}

func (br *Bridge) handleFailure(title string, evt bus.Event) {
	br.mu.Lock()
	br.push(ToastError, "", title, fmt.Sprint(evt.Payload))
	br.mu.Unlock()
}

func (br *Bridge) handleStatus(evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok {
		return
	}
	br.mu.Lock()
	br.badge = change.To
	br.mu.Unlock()
	br.logger.Debug("connection badge updated", zap.String("state", string(change.To)))
}

// push appends a toast. Caller holds the lock.
func (br *Bridge) push(kind ToastKind, convID, title, body string) {
	br.nextID++
	now := br.now()
	br.toasts = append(br.toasts, Toast{
		ID:             br.nextID,
		Kind:           kind,
		ConversationID: convID,
		Title:          title,
		Body:           body,
		CreatedAt:      now,
		expiresAt:      now.Add(br.duration),
	})
}

// Toasts returns the live toasts, pruning expired ones first.
func (br *Bridge) Toasts() []Toast {
	br.mu.Lock()
	defer br.mu.Unlock()
	now := br.now()
	live := br.toasts[:0]
	for _, t := range br.toasts {
		if t.expiresAt.After(now) {
			live = append(live, t)
		}
	}
	br.toasts = live
	return append([]Toast(nil), live...)
}

// Dismiss removes one toast before its expiry.
func (br *Bridge) Dismiss(id int64) {
	br.mu.Lock()
	defer br.mu.Unlock()
	for i, t := range br.toasts {
		if t.ID == id {
			br.toasts = append(br.toasts[:i], br.toasts[i+1:]...)
			return
		}
	}
}

// Unread returns the unread count for a conversation.
func (br *Bridge) Unread(convID string) int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.unread[convID]
}

// ClearUnread zeroes the unread count, typically when the conversation is
// opened.
func (br *Bridge) ClearUnread(convID string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	delete(br.unread, convID)
}

// Badge returns the connection state shown to the user.
func (br *Bridge) Badge() status.State {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.badge
}
