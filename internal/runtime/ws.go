package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	maxClientMessage = 1 << 20
)

// Narrator is the request front door shared by HTTP, WebSocket and the bus.
type Narrator interface {
	Narrate(ctx context.Context, req protocol.NarrateRequest) (protocol.NarrateReply, error)
	CancelCurrent()
	RequestID(id pipeline.RunID) string
}

// Hub streams run events to WebSocket clients. It is a pipeline Observer;
// sends never block, and a client that falls behind is disconnected.
type Hub struct {
	narrator Narrator
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(n Narrator, log *slog.Logger) *Hub {
	return &Hub{
		narrator: n,
		log:      log.With(slog.String("component", "ws-hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", slog.String("remote", r.RemoteAddr), slog.Int("clients", count))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

func (h *Hub) drop(c *wsClient) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
	})
}

func (h *Hub) readLoop(c *wsClient) {
	defer func() {
		h.drop(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxClientMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", slogError(err))
			}
			return
		}
		var msg protocol.ClientMessage
		if err := protocol.Decode(data, &msg); err != nil {
			h.sendTo(c, protocol.Envelope{Type: "error", Data: err.Error()})
			continue
		}
		switch msg.Type {
		case "narrate":
			if msg.Request == nil {
				h.sendTo(c, protocol.Envelope{Type: "error", Data: "narrate message without request"})
				continue
			}
			reply, _ := h.narrator.Narrate(context.Background(), *msg.Request)
			h.sendTo(c, protocol.Envelope{Type: "narrate.reply", Data: reply})
		case "cancel":
			h.narrator.CancelCurrent()
		default:
			h.sendTo(c, protocol.Envelope{Type: "error", Data: "unknown message type " + msg.Type})
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.log.Warn("websocket write failed", slogError(err))
				}
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) sendTo(c *wsClient, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		h.log.Warn("failed to encode websocket message", slogError(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		go h.drop(c)
	}
}

func (h *Hub) broadcast(env protocol.Envelope) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	data, err := protocol.Encode(env)
	if err != nil {
		h.log.Warn("failed to encode websocket event", slogError(err))
		return
	}
	var slow []*wsClient
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.log.Warn("dropping slow websocket client")
		h.drop(c)
	}
}

func (h *Hub) SummarySentence(id pipeline.RunID, text string) {
	h.broadcast(protocol.Envelope{Type: protocol.SubjectSummarySentence, Data: protocol.SentenceEvent{
		RunID: uint64(id), RequestID: h.narrator.RequestID(id), Text: text, Timestamp: time.Now().UTC(),
	}})
}

func (h *Hub) TranslatedSentence(id pipeline.RunID, text string) {
	h.broadcast(protocol.Envelope{Type: protocol.SubjectTranslatedSentence, Data: protocol.SentenceEvent{
		RunID: uint64(id), RequestID: h.narrator.RequestID(id), Text: text, Timestamp: time.Now().UTC(),
	}})
}

// AudioChunk is not forwarded; clients fetch the recording from /v1/runs/{id}/audio.
func (h *Hub) AudioChunk(pipeline.RunID, []byte) {}

func (h *Hub) Progress(id pipeline.RunID, label string) {
	h.broadcast(protocol.Envelope{Type: protocol.SubjectProgress, Data: protocol.ProgressEvent{
		RunID: uint64(id), RequestID: h.narrator.RequestID(id), Label: label,
	}})
}

func (h *Hub) Complete(id pipeline.RunID, result pipeline.Result) {
	h.broadcast(protocol.Envelope{Type: protocol.SubjectDone, Data: protocol.DoneEvent{
		RunID: uint64(id), RequestID: h.narrator.RequestID(id), Result: result,
	}})
}

func (h *Hub) Error(id pipeline.RunID, err error) {
	evt := protocol.ErrorEvent{RunID: uint64(id), RequestID: h.narrator.RequestID(id), Message: err.Error()}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		evt.Stage = pe.Stage.String()
	}
	h.broadcast(protocol.Envelope{Type: protocol.SubjectError, Data: evt})
}
