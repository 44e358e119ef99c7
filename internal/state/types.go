package state

import (
	"strings"
	"time"
)

// Status is the delivery state of a message as observed by its sender.
// Transitions are monotonic: sent -> delivered -> read, never backward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known delivery status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s orders strictly before other.
func (s Status) Before(other Status) bool {
	return statusRank[s] < statusRank[other]
}

// Attachment is a compressed image reference carried by a message.
type Attachment struct {
	MIMEType       string
	Payload        []byte
	OriginalSize   int
	CompressedSize int
	Quality        int
}

// Message is a single chat message. ID is the server-assigned identifier,
// monotonically increasing by insertion order; zero until an optimistic
// insert has been reconciled. ClientID identifies the optimistic insert.
type Message struct {
	ID             int64
	ClientID       string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Attachments    []Attachment
	Timestamp      time.Time
	Status         Status
	ReadAt         *time.Time

	DeletedBySender   bool
	DeletedByReceiver bool
}

// EligibleForPurge reports whether both parties have deleted the message,
// making it a candidate for physical removal from the store of record.
func (m Message) EligibleForPurge() bool {
	return m.DeletedBySender && m.DeletedByReceiver
}

// Conversation is a two-party thread. ID is derived from the ordered pair
// of participant identifiers, so both parties compute the same key.
type Conversation struct {
	ID                 string
	PartnerID          string
	DisplayName        string
	LastMessagePreview string
	LastMessageAt      time.Time
}

// ConversationID derives the stable thread key for a participant pair.
// The pair is ordered lexicographically so either side produces the same id.
func ConversationID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}
