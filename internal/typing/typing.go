// Package typing implements the transient typing-presence protocol:
// at most one active signal per conversation, auto-expiring, best-effort
// and lossy by design.
package typing

import (
	"sync"
	"time"

	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/debounce"
	"github.com/informedia7/totilove-sub009/internal/realtime"
	"github.com/informedia7/totilove-sub009/internal/state"
	"go.uber.org/zap"
)

// Signal is the bus payload for a typing indicator change.
type Signal struct {
	ConversationID string
	FromUserID     string
	IssuedAt       time.Time
}

// Indicator tracks which conversations currently show a typing signal.
// Each conversation is Idle or Showing; a renewed signal restarts the
// display timer, it never stacks a second one.
type Indicator struct {
	mu      sync.Mutex
	timeout time.Duration
	bus     *bus.Bus
	timers  map[string]*time.Timer
}

// NewIndicator creates an indicator with the given display timeout.
func NewIndicator(timeout time.Duration, b *bus.Bus) *Indicator {
	return &Indicator{
		timeout: timeout,
		bus:     b,
		timers:  make(map[string]*time.Timer),
	}
}

// Show transitions a conversation to Showing. An outstanding expiry timer
// for the same conversation is cancelled and replaced; stacked timers
// would fire premature or duplicate hide events.
func (i *Indicator) Show(convID, fromUserID string) {
	i.mu.Lock()
	if t, ok := i.timers[convID]; ok {
		t.Stop()
	}
	i.timers[convID] = time.AfterFunc(i.timeout, func() { i.expire(convID, fromUserID) })
	i.mu.Unlock()

	i.bus.Emit(bus.KindTypingShow, Signal{
		ConversationID: convID,
		FromUserID:     fromUserID,
		IssuedAt:       time.Now(),
	})
}

// Hide transitions a conversation back to Idle on an explicit
// stopped-typing signal.
func (i *Indicator) Hide(convID string) {
	i.mu.Lock()
	t, ok := i.timers[convID]
	if ok {
		t.Stop()
		delete(i.timers, convID)
	}
	i.mu.Unlock()
	if ok {
		i.bus.Emit(bus.KindTypingHide, Signal{ConversationID: convID})
	}
}

// Active reports whether a conversation currently shows a typing signal.
func (i *Indicator) Active(convID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.timers[convID]
	return ok
}

// ActiveCount returns how many conversations are currently Showing.
func (i *Indicator) ActiveCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.timers)
}

// Stop cancels all outstanding timers. Used at session shutdown.
func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, t := range i.timers {
		t.Stop()
		delete(i.timers, id)
	}
}

func (i *Indicator) expire(convID, fromUserID string) {
	i.mu.Lock()
	_, ok := i.timers[convID]
	if ok {
		delete(i.timers, convID)
	}
	i.mu.Unlock()
	if ok {
		i.bus.Emit(bus.KindTypingHide, Signal{ConversationID: convID, FromUserID: fromUserID})
	}
}

// Notifier converts local keystroke activity into outbound typing events.
// Signals are throttled so rapid keystrokes do not flood the channel, and
// are silently dropped when the channel is down: typing presence is never
// queued or retried.
type Notifier struct {
	localUser string
	ch        realtime.Channel
	throttle  *debounce.Throttle
	logger    *zap.Logger
}

// NewNotifier creates a notifier for the local user.
func NewNotifier(localUser string, ch realtime.Channel, throttle *debounce.Throttle, logger *zap.Logger) *Notifier {
	return &Notifier{
		localUser: localUser,
		ch:        ch,
		throttle:  throttle,
		logger:    logger,
	}
}

// Keystroke signals the partner that the local user is typing. No-op when
// the channel is disconnected or inside the throttle interval.
func (n *Notifier) Keystroke(receiverID string) {
	if !n.ch.Connected() {
		return
	}
	if !n.throttle.Allow() {
		return
	}
	evt := realtime.Event{
		Type:           realtime.EventTyping,
		SenderID:       n.localUser,
		ReceiverID:     receiverID,
		ConversationID: state.ConversationID(n.localUser, receiverID),
		IsTyping:       true,
	}
	if err := n.ch.Send(evt); err != nil {
		// Lossy by design; log and move on.
		n.logger.Debug("typing signal dropped", zap.Error(err))
	}
}

// Stopped signals the partner that the local user stopped typing.
func (n *Notifier) Stopped(receiverID string) {
	if !n.ch.Connected() {
		return
	}
	n.throttle.Reset()
	evt := realtime.Event{
		Type:           realtime.EventTyping,
		SenderID:       n.localUser,
		ReceiverID:     receiverID,
		ConversationID: state.ConversationID(n.localUser, receiverID),
		IsTyping:       false,
	}
	if err := n.ch.Send(evt); err != nil {
		n.logger.Debug("typing stop dropped", zap.Error(err))
	}
}
