package realtime

// EventType discriminates wire events on the realtime channel.
type EventType string

const (
	EventTyping  EventType = "typing"
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
)

// MessagePayload is the wire form of a delivered message.
type MessagePayload struct {
	ID             int64  `json:"id"`
	ClientID       string `json:"client_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
}

// Event is a single frame on the realtime channel, outbound or inbound.
// Only the fields relevant to the Type are populated.
type Event struct {
	Type EventType `json:"type"`

	// typing
	SenderID       string `json:"sender_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`

	// message
	Message *MessagePayload `json:"message,omitempty"`

	// status
	MessageID int64  `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
	ReadAt    int64  `json:"read_at,omitempty"` // unix milliseconds
}
