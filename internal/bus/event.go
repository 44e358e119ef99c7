package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the session core. Subscribers filter by
// namespace prefix ("message.", "typing.", "channel.", ...).
const (
	KindConversationUpdated = "conversation.updated"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageStatus     = "message.status"

	KindTypingShow = "typing.show"
	KindTypingHide = "typing.hide"

	KindChannelStatus = "channel.status_changed"
	KindChannelEvent  = "channel.event"

	KindFetchFailed      = "fetch.failed"
	KindAttachmentFailed = "attachment.failed"
)
