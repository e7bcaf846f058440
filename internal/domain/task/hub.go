package task

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	taskEventsChannel = "task:events"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	sendBufferSize = 8
)

type hubEvent struct {
	TaskID  string      `json:"task_id"`
	Payload StatusEvent `json:"payload"`
}

type subscriber struct {
	taskID string
	send   chan []byte
}

// Hub fans task state transitions out to WebSocket subscribers. With a Redis
// client it bridges instances through Pub/Sub so a subscriber connected to one
// instance still sees transitions ingested on another.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]bool

	redis  *redis.Client
	pubsub *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	upgrader websocket.Upgrader
}

// NewHub creates a status hub. redisClient may be nil (local fanout only).
func NewHub(redisClient *redis.Client, allowedOrigins []string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		subscribers: make(map[string]map[*subscriber]bool),
		redis:       redisClient,
		ctx:         ctx,
		cancel:      cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}

	if redisClient != nil {
		h.pubsub = redisClient.Subscribe(ctx, taskEventsChannel)
	}

	return h
}

// Run consumes cross-instance events until Stop is called.
func (h *Hub) Run() {
	if h.pubsub == nil {
		return
	}

	ch := h.pubsub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt hubEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Warn().Err(err).Msg("bad task event on pubsub channel")
				continue
			}
			h.deliverLocal(evt.TaskID, evt.Payload)
		}
	}
}

// Stop shuts the hub down.
func (h *Hub) Stop() {
	h.cancel()
	if h.pubsub != nil {
		h.pubsub.Close()
	}
}

// Publish sends a transition to everyone watching taskID. Called by the
// orchestrator only on real transitions, so duplicate notifications publish
// nothing.
func (h *Hub) Publish(taskID string, event StatusEvent) {
	if h.redis != nil {
		payload, err := json.Marshal(hubEvent{TaskID: taskID, Payload: event})
		if err == nil {
			if err := h.redis.Publish(h.ctx, taskEventsChannel, payload).Err(); err != nil {
				log.Warn().Err(err).Str("task_id", taskID).Msg("task event publish failed, delivering locally")
				h.deliverLocal(taskID, event)
			}
			return
		}
	}

	h.deliverLocal(taskID, event)
}

func (h *Hub) deliverLocal(taskID string, event StatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers[taskID] {
		select {
		case sub.send <- data:
		default:
			// Slow consumer: drop the event rather than block ingestion
		}
	}
}

// ServeWS upgrades the connection and streams transitions for one task.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := &subscriber{
		taskID: taskID,
		send:   make(chan []byte, sendBufferSize),
	}

	h.register(sub)

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[sub.taskID] == nil {
		h.subscribers[sub.taskID] = make(map[*subscriber]bool)
	}
	h.subscribers[sub.taskID][sub] = true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscribers[sub.taskID]; ok {
		if subs[sub] {
			delete(subs, sub)
			close(sub.send)
		}
		if len(subs) == 0 {
			delete(h.subscribers, sub.taskID)
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; it exists to notice closed connections
// and keep the pong deadline fresh.
func (h *Hub) readPump(conn *websocket.Conn, sub *subscriber) {
	defer func() {
		h.unregister(sub)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}
