package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"VerseBet/internal/observability"
	"VerseBet/internal/projection"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// StreamMessage is the framing for everything pushed over the websocket.
type StreamMessage struct {
	Type     string          `json:"type"`
	Proposal string          `json:"proposal,omitempty"`
	Sequence int64           `json:"sequence,omitempty"`
	Data     json.RawMessage `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan StreamMessage

	// zero UUID means all proposals
	proposal uuid.UUID
}

// Hub fans engine output out to websocket subscribers. Sends never block
// the broadcaster: a subscriber whose buffer is full loses the message.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*wsClient]struct{}
	sendDepth int

	upgrader websocket.Upgrader
	history  *projection.PriceHistory
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewHub(sendDepth int, history *projection.PriceHistory, metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	if sendDepth <= 0 {
		sendDepth = 64
	}
	return &Hub{
		clients:   make(map[*wsClient]struct{}),
		sendDepth: sendDepth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		history: history,
		metrics: metrics,
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

// ServeWS upgrades the connection and starts the read/write pumps.
// An optional ?proposal=<uuid> filter restricts the stream to one market.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var filter uuid.UUID
	if v := r.URL.Query().Get("proposal"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid proposal filter")
			return
		}
		filter = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan StreamMessage, h.sendDepth),
		proposal: filter,
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	if h.history != nil && filter != uuid.Nil {
		for _, tick := range h.history.Recent(filter, cap(client.send)/2) {
			if msg, ok := tickMessage(tick); ok {
				select {
				case client.send <- msg:
				default:
				}
			}
		}
	}

	go h.writePump(client)
	go h.readPump(client)
}

// BroadcastTick pushes a price tick to every matching subscriber.
func (h *Hub) BroadcastTick(tick projection.PriceTick) {
	msg, ok := tickMessage(tick)
	if !ok {
		return
	}
	h.broadcast(msg, tick.Proposal)
}

// BroadcastEvent pushes an applied-event notification (type name,
// sequence, proposal scope) without the full payload.
func (h *Hub) BroadcastEvent(eventType string, sequence int64, proposal *uuid.UUID, payload []byte) {
	msg := StreamMessage{
		Type:     eventType,
		Sequence: sequence,
		Data:     json.RawMessage(payload),
	}
	scope := uuid.Nil
	if proposal != nil {
		msg.Proposal = proposal.String()
		scope = *proposal
	}
	h.broadcast(msg, scope)
}

func (h *Hub) broadcast(msg StreamMessage, scope uuid.UUID) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.proposal != uuid.Nil && scope != uuid.Nil && c.proposal != scope {
			continue
		}
		select {
		case c.send <- msg:
		default:
			if h.metrics != nil {
				h.metrics.ProjectionDrops.WithLabelValues("websocket").Inc()
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func tickMessage(tick projection.PriceTick) (StreamMessage, bool) {
	data, err := json.Marshal(tick)
	if err != nil {
		return StreamMessage{}, false
	}
	return StreamMessage{
		Type:     "price_tick",
		Proposal: tick.Proposal.String(),
		Sequence: tick.Sequence,
		Data:     data,
	}, true
}
