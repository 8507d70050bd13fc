package ws

import (
	"net/http"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type EventType string

const (
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventHandRaise         EventType = "hand_raise"
	EventAudioState        EventType = "audio_state"
)

// Event is one roster notification pushed to websocket clients.
type Event struct {
	Type          EventType            `json:"type"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	StreamID      string               `json:"stream_id,omitempty"`
	Raised        *bool                `json:"raised,omitempty"`
	Enabled       *bool                `json:"enabled,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// clientBuffer is the number of events queued per client before it is
// considered too slow and dropped.
const clientBuffer = 32

type client struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// EventHub fans coordinator roster events out to websocket clients.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewEventHub(pingInterval time.Duration, logger *zap.SugaredLogger) *EventHub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:      make(map[*client]struct{}),
		pingInterval: pingInterval,
		readTimeout:  2 * pingInterval,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Observer publishes every roster event after forwarding it to next.
func (h *EventHub) Observer(next ports.Observer) ports.Observer {
	return ports.Observer{
		OnParticipantJoined: func(id domain.ParticipantID, stream *domain.RemoteStream) {
			if next.OnParticipantJoined != nil {
				next.OnParticipantJoined(id, stream)
			}
			ev := Event{Type: EventParticipantJoined, ParticipantID: id}
			if stream != nil {
				ev.StreamID = stream.ID
			}
			h.Publish(ev)
		},
		OnParticipantLeft: func(id domain.ParticipantID) {
			if next.OnParticipantLeft != nil {
				next.OnParticipantLeft(id)
			}
			h.Publish(Event{Type: EventParticipantLeft, ParticipantID: id})
		},
		OnHandRaiseUpdate: func(id domain.ParticipantID, raised bool) {
			if next.OnHandRaiseUpdate != nil {
				next.OnHandRaiseUpdate(id, raised)
			}
			h.Publish(Event{Type: EventHandRaise, ParticipantID: id, Raised: &raised})
		},
		OnAudioStateUpdate: func(id domain.ParticipantID, enabled bool) {
			if next.OnAudioStateUpdate != nil {
				next.OnAudioStateUpdate(id, enabled)
			}
			h.Publish(Event{Type: EventAudioState, ParticipantID: id, Enabled: &enabled})
		},
	}
}

// Publish queues ev for every client without blocking. Clients whose queue
// is full are disconnected.
func (h *EventHub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warnw("dropping slow event client", "remote_addr", c.conn.RemoteAddr().String())
			c.close()
		}
	}
}

func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
}

func (h *EventHub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// HandleWebSocket upgrades the request and streams events until the client
// goes away or the hub closes.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{conn: conn, send: make(chan Event, clientBuffer), done: make(chan struct{})}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		return
	}
	defer h.unregister(c)

	h.logger.Infow("event client connected", "remote_addr", conn.RemoteAddr().String())

	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	// Clients only listen; reads detect the close and process pongs.
	go func() {
		defer c.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debugw("event client read failed", "error", err)
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case ev := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debugw("event write failed", "error", err)
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout))
			h.logger.Infow("event client disconnected", "remote_addr", conn.RemoteAddr().String())
			return
		}
	}
}
