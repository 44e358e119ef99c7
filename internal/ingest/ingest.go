// Package ingest applies inbound realtime channel events to the local
// stores: delivered messages, typing signals and delivery status updates.
package ingest

import (
	"context"
	"time"

	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/realtime"
	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/store"
	"github.com/informedia7/totilove-sub009/internal/typing"
	"go.uber.org/zap"
)

// Engine consumes the "channel.event" bus stream. Every delivery is
// applied to the database first and the in-memory state second, so a
// crash between the two loses nothing that was acknowledged.
type Engine struct {
	db     *store.DB
	st     *state.Store
	ind    *typing.Indicator
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an ingest engine.
func NewEngine(db *store.DB, st *state.Store, ind *typing.Indicator, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{db: db, st: st, ind: ind, bus: b, logger: logger}
}

// Start subscribes to channel events and applies them until Stop.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	events, unsub := e.bus.Subscribe(bus.KindChannelEvent, 128)
	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				wire, ok := evt.Payload.(realtime.Event)
				if !ok {
					continue
				}
				e.Apply(wire)
			}
		}
	}()
}

// Stop tears down the subscription.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Apply dispatches one wire event. Exported so replay paths and tests can
// drive the engine without a bus.
func (e *Engine) Apply(evt realtime.Event) {
	switch evt.Type {
	case realtime.EventMessage:
		e.applyMessage(evt)
	case realtime.EventTyping:
		e.applyTyping(evt)
	case realtime.EventStatus:
		e.applyStatus(evt)
	default:
		e.logger.Debug("unknown channel event", zap.String("type", string(evt.Type)))
	}
}

func (e *Engine) applyMessage(evt realtime.Event) {
	p := evt.Message
	if p == nil || p.ID == 0 {
		e.logger.Warn("message event without payload or id")
		return
	}
	convID := p.ConversationID
	if convID == "" {
		convID = state.ConversationID(p.SenderID, p.ReceiverID)
	}
	msg := state.Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: convID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		Timestamp:      time.UnixMilli(p.Timestamp),
		Status:         state.StatusSent,
	}

	inserted, err := e.db.UpsertRemoteMessage(msg)
	if err != nil {
		e.logger.Error("persisting delivered message", zap.Int64("id", p.ID), zap.Error(err))
		return
	}
	e.st.Append(msg)

	partner := msg.SenderID
	if partner == e.st.LocalUser() {
		partner = msg.ReceiverID
	}
	e.st.UpsertConversation(state.Conversation{
		ID:                 convID,
		PartnerID:          partner,
		LastMessagePreview: msg.Content,
		LastMessageAt:      msg.Timestamp,
	})

	// A partner who delivers a message is no longer typing.
	if msg.SenderID != e.st.LocalUser() {
		e.ind.Hide(convID)
	}

	if inserted {
		e.bus.Emit(bus.KindMessageUpserted, msg)
		e.bus.Emit(bus.KindConversationUpdated, convID)
	}
}

func (e *Engine) applyTyping(evt realtime.Event) {
	convID := evt.ConversationID
	if convID == "" {
		convID = state.ConversationID(evt.SenderID, evt.ReceiverID)
	}
	// Our own typing signals can echo back on some channels; showing
	// them would indicate the local user to themselves.
	if evt.SenderID == e.st.LocalUser() {
		return
	}
	if evt.IsTyping {
		e.ind.Show(convID, evt.SenderID)
	} else {
		e.ind.Hide(convID)
	}
}

func (e *Engine) applyStatus(evt realtime.Event) {
	st := state.Status(evt.Status)
	if !st.Valid() || evt.MessageID == 0 {
		e.logger.Warn("malformed status event",
			zap.Int64("message_id", evt.MessageID), zap.String("status", evt.Status))
		return
	}
	var readAt time.Time
	if evt.ReadAt != 0 {
		readAt = time.UnixMilli(evt.ReadAt)
	}
	changed, err := e.db.UpdateStatus(evt.MessageID, st, readAt)
	if err != nil {
		e.logger.Error("persisting status update", zap.Int64("id", evt.MessageID), zap.Error(err))
		return
	}
	convID := evt.ConversationID
	if convID != "" {
		e.st.ApplyStatus(convID, evt.MessageID, st, readAt)
	}
	if changed {
		e.bus.Emit(bus.KindMessageStatus, StatusUpdate{
			ConversationID: convID,
			MessageID:      evt.MessageID,
			Status:         st,
			ReadAt:         readAt,
		})
	}
}

// StatusUpdate is the bus payload emitted after a delivery status change
// has been applied.
type StatusUpdate struct {
	ConversationID string
	MessageID      int64
	Status         state.Status
	ReadAt         time.Time
}
