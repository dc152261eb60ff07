package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/carpool-lifecycle/internal/observability"
)

// sendQueue is how many states may wait for one slow connection before the
// hub gives up on it.
const sendQueue = 16

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// wsSession owns one connection. Only its write loop writes to conn.
type wsSession struct {
	conn Conn
	send chan interface{}
	done chan struct{}
	once sync.Once
}

func (s *wsSession) stop() bool {
	stopped := false
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		stopped = true
	})
	return stopped
}

// Hub holds websocket subscribers grouped by topic (one topic per ride
// session) and pushes state snapshots to them. Publish never waits on a
// connection.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*wsSession]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{topics: make(map[string]map[*wsSession]struct{}), logger: logger}
}

// Add subscribes conn to topic and returns a func that unsubscribes it.
func (h *Hub) Add(topic string, conn Conn) func() {
	s := &wsSession{conn: conn, send: make(chan interface{}, sendQueue), done: make(chan struct{})}
	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*wsSession]struct{})
	}
	h.topics[topic][s] = struct{}{}
	h.mu.Unlock()
	observability.WSSubscribers.Inc()
	go h.writeLoop(topic, s)
	return func() { h.remove(topic, s) }
}

func (h *Hub) writeLoop(topic string, s *wsSession) {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.send:
			if err := s.conn.WriteJSON(v); err != nil {
				h.logger.Warn("ws send error", "topic", topic, "error", err)
				h.remove(topic, s)
				return
			}
		}
	}
}

func (h *Hub) remove(topic string, s *wsSession) {
	h.mu.Lock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	if s.stop() {
		observability.WSSubscribers.Dec()
	}
}

// Publish queues v for every subscriber of topic. A subscriber whose queue
// is full is dropped; it reconnects and reads the current state afresh.
func (h *Hub) Publish(topic string, v interface{}) {
	h.mu.RLock()
	subs := make([]*wsSession, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.send <- v:
		case <-s.done:
		default:
			h.logger.Warn("ws subscriber too slow, dropping", "topic", topic)
			h.remove(topic, s)
		}
	}
}

// CloseTopic disconnects every subscriber of topic.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	subs := h.topics[topic]
	delete(h.topics, topic)
	h.mu.Unlock()
	for s := range subs {
		if s.stop() {
			observability.WSSubscribers.Dec()
		}
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

var _ Conn = (*websocket.Conn)(nil)
