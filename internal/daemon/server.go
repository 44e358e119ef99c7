package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/informedia7/totilove-sub009/internal/attach"
	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/history"
	"github.com/informedia7/totilove-sub009/internal/notify"
	"github.com/informedia7/totilove-sub009/internal/outbox"
	"github.com/informedia7/totilove-sub009/internal/session"
	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/typing"
	"go.uber.org/zap"
)

// Server is the daemon's control surface: an HTTP API on the session's
// Unix domain socket, through which a frontend drives conversations,
// pagination, search, sends, typing and notifications.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	st       *state.Store
	engine   *history.Engine
	sender   *outbox.Sender
	notifier *typing.Notifier
	comp     *attach.Compressor
	bridge   *notify.Bridge
	bus      *bus.Bus
}

// NewServer creates the control server bound to the session's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	st *state.Store,
	engine *history.Engine,
	sender *outbox.Sender,
	notifier *typing.Notifier,
	comp *attach.Compressor,
	bridge *notify.Bridge,
	b *bus.Bus,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		st:         st,
		engine:     engine,
		sender:     sender,
		notifier:   notifier,
		comp:       comp,
		bridge:     bridge,
		bus:        b,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/conversations", s.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/open", s.handleOpen).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/more", s.handleLoadMore).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/search", s.handleSearch).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/search/more", s.handleSearchMore).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/typing", s.handleTyping).Methods(http.MethodPost)
	r.HandleFunc("/v1/notifications", s.handleNotifications).Methods(http.MethodGet)

	s.httpServer = &http.Server{Handler: r}
	return s, nil
}

// Start serves requests until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("control server listening", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("control server shutdown", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}

type conversationView struct {
	ID          string `json:"id"`
	PartnerID   string `json:"partner_id"`
	DisplayName string `json:"display_name,omitempty"`
	Preview     string `json:"preview"`
	LastAt      int64  `json:"last_message_at"`
	Unread      int    `json:"unread"`
}

type messageView struct {
	ID          int64  `json:"id"`
	ClientID    string `json:"client_id,omitempty"`
	SenderID    string `json:"sender_id"`
	Content     string `json:"content"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
	Attachments int    `json:"attachments"`
}

func messageViews(msgs []state.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView{
			ID:          m.ID,
			ClientID:    m.ClientID,
			SenderID:    m.SenderID,
			Content:     m.Content,
			Status:      string(m.Status),
			Timestamp:   m.Timestamp.UnixMilli(),
			Attachments: len(m.Attachments),
		})
	}
	return out
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.st.ConversationsStale() {
		if err := s.engine.RefreshConversations(r.Context()); err != nil {
			s.logger.Warn("conversation refresh failed", zap.Error(err))
		}
	}
	views := make([]conversationView, 0)
	for _, c := range s.st.Conversations() {
		views = append(views, conversationView{
			ID:          c.ID,
			PartnerID:   c.PartnerID,
			DisplayName: c.DisplayName,
			Preview:     c.LastMessagePreview,
			LastAt:      c.LastMessageAt.UnixMilli(),
			Unread:      s.bridge.Unread(c.ID),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	s.st.SetActiveConversation(convID)
	s.bridge.ClearUnread(convID)
	if s.st.Stale(convID) || len(s.st.Messages(convID)) == 0 {
		if err := s.engine.LoadInitialWindow(r.Context(), convID); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messageViews(s.st.Messages(convID)),
		"has_more": s.st.HasMore(convID),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messageViews(s.st.Messages(convID)),
		"has_more": s.st.HasMore(convID),
	})
}

func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	added, err := s.engine.LoadMore(r.Context(), convID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":    added,
		"has_more": s.st.HasMore(convID),
	})
}

type searchRequest struct {
	Term   string `json:"term"`
	Sender string `json:"sender,omitempty"` // any|me|partner
	From   string `json:"from,omitempty"`   // RFC 3339
	To     string `json:"to,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := history.Query{Term: req.Term, Sender: history.Sender(req.Sender)}
	var err error
	if q.From, q.To, err = parseRange(req.From, req.To); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := s.engine.Search(r.Context(), convID, q)
	if err != nil {
		code := http.StatusBadGateway
		if err == history.ErrSearchInFlight {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": messageViews(results)})
}

func (s *Server) handleSearchMore(w http.ResponseWriter, r *http.Request) {
	s.engine.ShowMore(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	Images     []struct {
		Name string `json:"name"`
		Data []byte `json:"data"` // base64 in JSON
	} `json:"images,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("receiver_id required"))
		return
	}
	if req.Content == "" && len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty message"))
		return
	}

	files := make([]attach.File, 0, len(req.Images))
	for _, img := range req.Images {
		files = append(files, attach.File{Name: img.Name, Data: img.Data})
	}
	var attachments []state.Attachment
	var rejected []string
	for _, res := range s.comp.CompressAll(files) {
		if res.Err != nil {
			s.bus.Emit(bus.KindAttachmentFailed, res.Err.Error())
			rejected = append(rejected, res.Name)
			continue
		}
		attachments = append(attachments, res.Attachment)
	}
	if req.Content == "" && len(attachments) == 0 {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("no usable attachments"))
		return
	}

	clientID, err := s.sender.Queue(req.ReceiverID, req.Content, attachments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"client_id":       clientID,
		"conversation_id": state.ConversationID(s.st.LocalUser(), req.ReceiverID),
		"attached":        len(attachments),
		"rejected":        rejected,
	})
}

type typingRequest struct {
	ReceiverID string `json:"receiver_id"`
	Stopped    bool   `json:"stopped,omitempty"`
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("receiver_id required"))
		return
	}
	if req.Stopped {
		s.notifier.Stopped(req.ReceiverID)
	} else {
		s.notifier.Keystroke(req.ReceiverID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	toasts := s.bridge.Toasts()
	views := make([]map[string]any, 0, len(toasts))
	for _, t := range toasts {
		views = append(views, map[string]any{
			"id":              t.ID,
			"kind":            string(t.Kind),
			"conversation_id": t.ConversationID,
			"title":           t.Title,
			"body":            t.Body,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"badge":  string(s.bridge.Badge()),
		"toasts": views,
	})
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	var f, t time.Time
	var err error
	if from != "" {
		if f, err = time.Parse(time.RFC3339, from); err != nil {
			return f, t, fmt.Errorf("from: %w", err)
		}
	}
	if to != "" {
		if t, err = time.Parse(time.RFC3339, to); err != nil {
			return f, t, fmt.Errorf("to: %w", err)
		}
	}
	return f, t, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
