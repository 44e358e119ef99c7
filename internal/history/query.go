package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/informedia7/totilove-sub009/internal/state"
)

// Sender scopes a search to one side of the conversation.
type Sender string

const (
	SenderAny     Sender = "any"
	SenderMe      Sender = "me"
	SenderPartner Sender = "partner"
)

// Query is an ephemeral search over a conversation's full history: text
// containment, sender scope, and an inclusive date range. A zero From/To
// leaves that bound open.
type Query struct {
	Term   string
	Sender Sender
	From   time.Time
	To     time.Time
}

// Key returns the normalized cache key of the query. The term is trimmed
// and lowercased before comparison, so " Hello" and "hello" are the same
// search; any other difference makes a new key and resets the shown-count
// cursor.
func (q Query) Key() string {
	term := strings.ToLower(strings.TrimSpace(q.Term))
	sender := q.Sender
	if sender == "" {
		sender = SenderAny
	}
	from, to := "", ""
	if !q.From.IsZero() {
		from = fmt.Sprintf("%d", q.From.Unix())
	}
	if !q.To.IsZero() {
		to = fmt.Sprintf("%d", q.To.Unix())
	}
	return term + "|" + string(sender) + "|" + from + "-" + to
}

// matches reports whether a message satisfies the query for the given
// local user.
func (q Query) matches(m state.Message, localUser string) bool {
	term := strings.ToLower(strings.TrimSpace(q.Term))
	if term != "" && !strings.Contains(strings.ToLower(m.Content), term) {
		return false
	}
	switch q.Sender {
	case SenderMe:
		if m.SenderID != localUser {
			return false
		}
	case SenderPartner:
		if m.SenderID == localUser {
			return false
		}
	}
	if !q.From.IsZero() && m.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && m.Timestamp.After(q.To) {
		return false
	}
	return true
}
