package state

import (
	"sort"
	"sync"
	"time"
)

// Store is the single authoritative in-memory representation of all
// conversations and their message windows for the active session. All reads
// for rendering and all writes from network events pass through it.
//
// The store performs no I/O itself; it is a guarded data structure. The
// loading-state set exists specifically to keep duplicate in-flight fetches
// from racing each other's results into a cache.
type Store struct {
	mu        sync.RWMutex
	localUser string
	ttl       time.Duration
	now       func() time.Time

	conversations map[string]*Conversation
	convLoadedAt  time.Time

	messages map[string]*window

	// renderCache holds rendered fragments keyed by caller-chosen keys.
	// It is deliberately not linked to the data caches: invalidating a
	// rendered view does not invalidate the data behind it, and vice versa.
	renderCache map[string]string

	loading map[string]struct{}

	active  string
	cursors map[string]*Cursor
}

// window is the cached message slice of one conversation, ordered oldest
// to newest, plus bookkeeping for pagination and staleness.
type window struct {
	msgs     []Message
	byID     map[int64]int
	byClient map[string]int
	loadedAt time.Time
	hasMore  bool
}

// Cursor is the pagination/search position of one conversation's thread
// view. QueryKey identifies the active search; Shown is how many results
// the view currently displays.
type Cursor struct {
	QueryKey string
	Shown    int
}

// NewStore creates a session state store for the given local user id.
// ttl controls advisory cache staleness.
func NewStore(localUser string, ttl time.Duration) *Store {
	return &Store{
		localUser:     localUser,
		ttl:           ttl,
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*window),
		renderCache:   make(map[string]string),
		loading:       make(map[string]struct{}),
		cursors:       make(map[string]*Cursor),
	}
}

// LocalUser returns the id of the session owner.
func (s *Store) LocalUser() string {
	return s.localUser
}

// UpsertConversation inserts or merges a conversation. Merge is
// last-write-wins on scalar fields; the latest LastMessageAt wins for the
// ordering fields so an out-of-date list fetch cannot roll back a preview.
func (s *Store) UpsertConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conversations[c.ID]
	if !ok {
		cp := c
		s.conversations[c.ID] = &cp
		return
	}
	if c.PartnerID != "" {
		cur.PartnerID = c.PartnerID
	}
	if c.DisplayName != "" {
		cur.DisplayName = c.DisplayName
	}
	if !c.LastMessageAt.Before(cur.LastMessageAt) {
		cur.LastMessageAt = c.LastMessageAt
		cur.LastMessagePreview = c.LastMessagePreview
	}
}

// Conversation returns a copy of the conversation, if known.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Conversations returns all conversations, most recent activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// SetConversationsLoaded records a successful conversation list fetch for
// staleness accounting.
func (s *Store) SetConversationsLoaded() {
	s.mu.Lock()
	s.convLoadedAt = s.now()
	s.mu.Unlock()
}

// ConversationsStale reports whether the conversation list is past its TTL.
func (s *Store) ConversationsStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Sub(s.convLoadedAt) > s.ttl
}

// SetActiveConversation switches the current thread pointer. The cursor of
// the newly active thread is reset so pagination and search state never
// leak from the previously viewed conversation.
func (s *Store) SetActiveConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	delete(s.cursors, id)
}

// ActiveConversation returns the current thread pointer.
func (s *Store) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Cursor returns a copy of the pagination/search cursor for a conversation.
func (s *Store) Cursor(convID string) (Cursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[convID]
	if !ok {
		return Cursor{}, false
	}
	return *c, true
}

// SetCursor stores the pagination/search cursor for a conversation.
func (s *Store) SetCursor(convID string, c Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.cursors[convID] = &cp
}

// SetWindow replaces the cached message window of a conversation with a
// freshly fetched page, oldest to newest.
func (s *Store) SetWindow(convID string, msgs []Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := newWindow()
	for _, m := range msgs {
		w.append(m)
	}
	w.hasMore = hasMore
	w.loadedAt = s.now()
	s.messages[convID] = w
}

// PrependOlder expands the window backward by one fetched page. Messages
// already present (by server id) are skipped, so a duplicated page cannot
// produce duplicate ids. Returns the number of messages actually added.
func (s *Store) PrependOlder(convID string, older []Message, hasMore bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.messages[convID]
	if !ok {
		w = newWindow()
		s.messages[convID] = w
	}
	fresh := make([]Message, 0, len(older))
	for _, m := range older {
		if _, dup := w.byID[m.ID]; dup && m.ID != 0 {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) > 0 {
		w.msgs = append(fresh, w.msgs...)
		w.reindex()
	}
	w.hasMore = hasMore
	w.loadedAt = s.now()
	return len(fresh)
}

// Append adds a message at the newest end of the window: an incoming
// delivery or an optimistic local insert. Appends happen in call order, so
// user-initiated send order is preserved. A message whose server id or
// client id is already present updates the existing entry instead.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.messages[msg.ConversationID]
	if !ok {
		w = newWindow()
		w.loadedAt = s.now()
		s.messages[msg.ConversationID] = w
	}
	if msg.ID != 0 {
		if i, dup := w.byID[msg.ID]; dup {
			w.msgs[i] = msg
			return
		}
	}
	if msg.ClientID != "" {
		if i, dup := w.byClient[msg.ClientID]; dup {
			// Server echo of our own optimistic insert.
			keep := w.msgs[i]
			keep.ID = msg.ID
			keep.Timestamp = msg.Timestamp
			keep.Status = msg.Status
			w.msgs[i] = keep
			w.reindex()
			return
		}
	}
	w.append(msg)
}

// Reconcile replaces an optimistic insert's provisional identity with the
// server-assigned id and authoritative timestamp. The message keeps its
// position: reconciliation never reorders the window.
func (s *Store) Reconcile(convID, clientID string, serverID int64, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.messages[convID]
	if !ok {
		return false
	}
	i, ok := w.byClient[clientID]
	if !ok {
		return false
	}
	w.msgs[i].ID = serverID
	w.msgs[i].Timestamp = ts
	if w.msgs[i].Status.Before(StatusSent) || w.msgs[i].Status == "" {
		w.msgs[i].Status = StatusSent
	}
	w.reindex()
	return true
}

// ApplyStatus advances a message's delivery status. Transitions are
// idempotent and monotonic: applying an older status after a newer one is
// a no-op, which makes out-of-order realtime delivery safe. readAt is
// recorded once, on the first transition to read.
func (s *Store) ApplyStatus(convID string, msgID int64, status Status, readAt time.Time) bool {
	if !status.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.messages[convID]
	if !ok {
		return false
	}
	i, ok := w.byID[msgID]
	if !ok {
		return false
	}
	m := &w.msgs[i]
	if !m.Status.Before(status) {
		return false
	}
	m.Status = status
	if status == StatusRead && m.ReadAt == nil {
		t := readAt
		m.ReadAt = &t
	}
	return true
}

// MarkDeleted records a per-party soft delete. The message stays cached
// until both parties have deleted it.
func (s *Store) MarkDeleted(convID string, msgID int64, bySender bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.messages[convID]
	if !ok {
		return false
	}
	i, ok := w.byID[msgID]
	if !ok {
		return false
	}
	if bySender {
		w.msgs[i].DeletedBySender = true
	} else {
		w.msgs[i].DeletedByReceiver = true
	}
	return true
}

// Messages returns a copy of the cached window, oldest to newest.
func (s *Store) Messages(convID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.messages[convID]
	if !ok {
		return nil
	}
	out := make([]Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// HasMore reports whether older history exists beyond the cached window.
func (s *Store) HasMore(convID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.messages[convID]
	if !ok {
		return true
	}
	return w.hasMore
}

// Stale reports whether a conversation's window is past its TTL. Advisory:
// callers decide whether to force-refresh.
func (s *Store) Stale(convID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.messages[convID]
	if !ok {
		return true
	}
	return s.now().Sub(w.loadedAt) > s.ttl
}

// ClearMessageCache drops the cached window of one conversation. The
// conversation list and render caches are untouched.
func (s *Store) ClearMessageCache(convID string) {
	s.mu.Lock()
	delete(s.messages, convID)
	s.mu.Unlock()
}

// ClearConversationCache drops the conversation list. Message windows and
// render caches are untouched.
func (s *Store) ClearConversationCache() {
	s.mu.Lock()
	s.conversations = make(map[string]*Conversation)
	s.convLoadedAt = time.Time{}
	s.mu.Unlock()
}

// SetRendered caches a rendered fragment under a caller-chosen key.
func (s *Store) SetRendered(key, fragment string) {
	s.mu.Lock()
	s.renderCache[key] = fragment
	s.mu.Unlock()
}

// Rendered returns a cached rendered fragment.
func (s *Store) Rendered(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.renderCache[key]
	return f, ok
}

// ClearRenderCache drops all rendered fragments. Data caches are untouched.
func (s *Store) ClearRenderCache() {
	s.mu.Lock()
	s.renderCache = make(map[string]string)
	s.mu.Unlock()
}

// MarkLoading test-and-sets the loading guard for an operation key.
// Returns false if an operation with the same key is already in flight;
// the caller must then reject the duplicate rather than queue it.
func (s *Store) MarkLoading(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.loading[key]; busy {
		return false
	}
	s.loading[key] = struct{}{}
	return true
}

// ClearLoading releases the loading guard for an operation key.
func (s *Store) ClearLoading(key string) {
	s.mu.Lock()
	delete(s.loading, key)
	s.mu.Unlock()
}

// IsLoading reports whether an operation with the given key is in flight.
func (s *Store) IsLoading(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, busy := s.loading[key]
	return busy
}

func newWindow() *window {
	return &window{
		byID:     make(map[int64]int),
		byClient: make(map[string]int),
	}
}

func (w *window) append(m Message) {
	w.msgs = append(w.msgs, m)
	i := len(w.msgs) - 1
	if m.ID != 0 {
		w.byID[m.ID] = i
	}
	if m.ClientID != "" {
		w.byClient[m.ClientID] = i
	}
}

func (w *window) reindex() {
	w.byID = make(map[int64]int, len(w.msgs))
	w.byClient = make(map[string]int, len(w.msgs))
	for i, m := range w.msgs {
		if m.ID != 0 {
			w.byID[m.ID] = i
		}
		if m.ClientID != "" {
			w.byClient[m.ClientID] = i
		}
	}
}
