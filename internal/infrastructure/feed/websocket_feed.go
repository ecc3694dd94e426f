package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// feedTopics are the outbound topics mirrored to WebSocket clients.
var feedTopics = []domain.EventType{
	domain.TopicSystemStatus,
	domain.TopicThreatDetected,
	domain.TopicChannelSwitched,
	domain.TopicSystemEvent,
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// StatusFeed pushes live coordinator events to WebSocket subscribers, the
// read path of presentation dashboards and ground-station consoles.
type StatusFeed struct {
	bus    ports.Bus
	logger *zap.SugaredLogger

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*client
	unsubs  []func()
	started bool
}

func NewStatusFeed(bus ports.Bus, logger *zap.SugaredLogger) *StatusFeed {
	return &StatusFeed{
		bus:          bus,
		logger:       logger,
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		clients:      make(map[string]*client),
	}
}

// Start subscribes the feed to the outbound topics.
func (f *StatusFeed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}

	for _, topic := range feedTopics {
		unsub, err := f.bus.Subscribe(topic, f.onEvent)
		if err != nil {
			for _, u := range f.unsubs {
				u()
			}
			f.unsubs = nil
			return err
		}
		f.unsubs = append(f.unsubs, unsub)
	}
	f.started = true
	return nil
}

// Stop unsubscribes from the bus and disconnects every client.
func (f *StatusFeed) Stop() {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs = nil
	f.started = false
	clients := make([]*client, 0, len(f.clients))
	for id, c := range f.clients {
		clients = append(clients, c)
		delete(f.clients, id)
	}
	f.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, c := range clients {
		c.close()
		c.conn.Close()
	}
}

func (f *StatusFeed) onEvent(ctx context.Context, evt domain.Event) {
	f.mu.Lock()
	clients := make([]*client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- evt:
		default:
			f.logger.Warnw("feed client queue full, event dropped",
				"client_id", c.id,
				"topic", evt.Type,
			)
		}
	}
}

// HandleWebSocket upgrades the request and streams events until the client
// disconnects.
func (f *StatusFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan domain.Event, 32),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	f.clients[c.id] = c
	f.mu.Unlock()
	f.logger.Infow("feed client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go f.readPump(c)
	f.writePump(c)

	f.mu.Lock()
	delete(f.clients, c.id)
	f.mu.Unlock()
	conn.Close()
	f.logger.Infow("feed client disconnected", "client_id", c.id)
}

// readPump drains inbound frames so pongs and close frames are processed.
// The feed is one-way; client payloads are discarded.
func (f *StatusFeed) readPump(c *client) {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(f.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(f.pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
	}
}

func (f *StatusFeed) writePump(c *client) {
	pingTicker := time.NewTicker(f.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		case evt := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			if err := c.conn.WriteJSON(evt); err != nil {
				f.logger.Infow("feed write failed", "client_id", c.id, "error", err)
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
