package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/status"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // inbound frames may carry attachments
	sendBuffer     = 64
)

// Socket is a websocket-backed Channel. Inbound frames are decoded and
// published on the bus in arrival order; no causal reordering or buffering
// is attempted. Connection state is driven through the status machine and
// reported to the notification bridge only.
type Socket struct {
	url     string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan Event
	connected bool
	cancel    context.CancelFunc
}

// NewSocket creates an unconnected socket channel for the given endpoint.
func NewSocket(url string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Socket {
	return &Socket{
		url:     url,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Dial connects and starts the read/write pumps. On failure the machine
// returns to Disconnected and the session keeps running without presence.
func (s *Socket) Dial(ctx context.Context) error {
	_ = s.machine.Transition(status.Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		_ = s.machine.Transition(status.Disconnected)
		return fmt.Errorf("dial realtime channel: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.send = make(chan Event, sendBuffer)
	s.connected = true
	s.cancel = cancel
	s.mu.Unlock()

	_ = s.machine.Transition(status.Connected)

	go s.readPump()
	go s.writePump(ctx)
	return nil
}

// Close tears down the connection.
func (s *Socket) Close() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.connected = false
	s.conn = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if s.machine.Current() != status.Disconnected {
		_ = s.machine.Transition(status.Disconnected)
	}
}

// Connected implements Channel.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send implements Channel. Events are dropped, not queued, when the
// channel is down or the send buffer is full.
func (s *Socket) Send(evt Event) error {
	s.mu.Lock()
	connected := s.connected
	ch := s.send
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	select {
	case ch <- evt:
		return nil
	default:
		return fmt.Errorf("realtime send buffer full")
	}
}

func (s *Socket) readPump() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	defer s.markDisconnected()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("realtime read failed", zap.Error(err))
			}
			return
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			// Malformed frame: skip it, never apply partial state.
			s.logger.Warn("malformed realtime frame", zap.Error(err))
			continue
		}
		s.bus.Emit(bus.KindChannelEvent, evt)
	}
}

func (s *Socket) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	s.mu.Lock()
	conn := s.conn
	send := s.send
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		select {
		case evt := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("encode realtime event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("realtime write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Socket) markDisconnected() {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.mu.Unlock()
	if was && s.machine.Current() == status.Connected {
		_ = s.machine.Transition(status.Reconnecting)
	}
}
