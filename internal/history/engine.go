// Package history presents a conversation's message history as a lazily
// expanding, searchable window over the ChatAPI boundary.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/informedia7/totilove-sub009/internal/api"
	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/debounce"
	"github.com/informedia7/totilove-sub009/internal/state"
	"go.uber.org/zap"
)

// ErrSearchInFlight is returned when a search for the same conversation is
// already running. The duplicate is rejected, not queued.
var ErrSearchInFlight = errors.New("search already in flight")

// Engine loads message windows page by page and resolves search queries
// against the full fetched history. All state lives in the session store;
// the engine itself only coordinates fetches.
type Engine struct {
	pageSize int
	api      api.ChatAPI
	st       *state.Store
	bus      *bus.Bus
	logger   *zap.Logger
	searchDe *debounce.Debouncer
}

// NewEngine creates a pagination/search engine.
func NewEngine(chatAPI api.ChatAPI, st *state.Store, b *bus.Bus, logger *zap.Logger, pageSize int, searchDe *debounce.Debouncer) *Engine {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Engine{
		pageSize: pageSize,
		api:      chatAPI,
		st:       st,
		bus:      b,
		logger:   logger,
		searchDe: searchDe,
	}
}

// PageSize returns the configured window page size.
func (e *Engine) PageSize() int { return e.pageSize }

// RefreshConversations fetches the conversation list into the store.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	const key = "conversations"
	if !e.st.MarkLoading(key) {
		return nil
	}
	defer e.st.ClearLoading(key)

	convs, err := e.api.Conversations(ctx)
	if err != nil {
		e.bus.Emit(bus.KindFetchFailed, fmt.Sprintf("conversation list: %v", err))
		return fmt.Errorf("refresh conversations: %w", err)
	}
	for _, c := range convs {
		e.st.UpsertConversation(c)
	}
	e.st.SetConversationsLoaded()
	e.bus.Emit(bus.KindConversationUpdated, nil)
	return nil
}

// LoadInitialWindow fetches the most recent page of a conversation and
// replaces its cached window. The window is ordered oldest to newest.
func (e *Engine) LoadInitialWindow(ctx context.Context, convID string) error {
	key := "initial:" + convID
	if !e.st.MarkLoading(key) {
		return nil
	}
	defer e.st.ClearLoading(key)

	msgs, hasMore, err := e.api.MessageWindow(ctx, convID, 0, e.pageSize)
	if err != nil {
		e.bus.Emit(bus.KindFetchFailed, fmt.Sprintf("load messages: %v", err))
		return fmt.Errorf("load initial window: %w", err)
	}
	e.st.SetWindow(convID, msgs, hasMore)
	e.bus.Emit(bus.KindMessageUpserted, convID)
	return nil
}

// LoadMore expands the window backward by one page from the current oldest
// message. It no-ops when a load for the conversation is already in flight
// or the history is exhausted. A failed fetch leaves the current window
// unchanged and releases the guard so a retry is possible; a truncated
// result is never partially applied.
func (e *Engine) LoadMore(ctx context.Context, convID string) (int, error) {
	if !e.st.HasMore(convID) {
		return 0, nil
	}
	key := "older:" + convID
	if !e.st.MarkLoading(key) {
		// Duplicate concurrent load; the in-flight call wins.
		return 0, nil
	}
	defer e.st.ClearLoading(key)

	beforeID := int64(0)
	if window := e.st.Messages(convID); len(window) > 0 {
		beforeID = window[0].ID
	}
	msgs, hasMore, err := e.api.MessageWindow(ctx, convID, beforeID, e.pageSize)
	if err != nil {
		e.bus.Emit(bus.KindFetchFailed, fmt.Sprintf("load older messages: %v", err))
		return 0, fmt.Errorf("load more: %w", err)
	}
	added := e.st.PrependOlder(convID, msgs, hasMore)
	e.bus.Emit(bus.KindMessageUpserted, convID)
	return added, nil
}

// Search resolves a query against the conversation's full server-fetched
// history and returns the currently displayed slice of results.
//
// The shown-count cursor is keyed by the normalized query: re-running the
// identical query (a re-render) keeps the cursor, while any change of
// term, sender scope, or date range resets it to one page. This is the one
// non-obvious invariant of the engine; see TestSearchCursorSurvivesRerender.
func (e *Engine) Search(ctx context.Context, convID string, q Query) ([]state.Message, error) {
	guard := "search:" + convID
	if !e.st.MarkLoading(guard) {
		return nil, ErrSearchInFlight
	}
	defer e.st.ClearLoading(guard)

	full, err := e.api.History(ctx, convID)
	if err != nil {
		e.bus.Emit(bus.KindFetchFailed, fmt.Sprintf("search: %v", err))
		return nil, fmt.Errorf("search history: %w", err)
	}

	matched := make([]state.Message, 0)
	for _, m := range full {
		if q.matches(m, e.st.LocalUser()) {
			matched = append(matched, m)
		}
	}

	key := q.Key()
	cur, ok := e.st.Cursor(convID)
	if !ok || cur.QueryKey != key {
		cur = state.Cursor{QueryKey: key, Shown: e.pageSize}
		e.st.SetCursor(convID, cur)
	}
	shown := cur.Shown
	if shown > len(matched) {
		shown = len(matched)
	}
	return matched[:shown], nil
}

// ShowMore grows the displayed-result count of the active search by one
// page. The next identical Search returns the larger slice.
func (e *Engine) ShowMore(convID string) {
	cur, ok := e.st.Cursor(convID)
	if !ok {
		return
	}
	cur.Shown += e.pageSize
	e.st.SetCursor(convID, cur)
}

// SearchInput feeds keystroke-driven input through the debouncer: rapid
// keystrokes coalesce into a single query execution, and each new
// keystroke cancels the pending one. Results are delivered to the sink.
func (e *Engine) SearchInput(ctx context.Context, convID string, q Query, deliver func([]state.Message, error)) {
	e.searchDe.Trigger(func() {
		res, err := e.Search(ctx, convID, q)
		if err != nil && !errors.Is(err, ErrSearchInFlight) {
			e.logger.Warn("debounced search failed", zap.String("conversation", convID), zap.Error(err))
		}
		deliver(res, err)
	})
}
