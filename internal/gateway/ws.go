package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowcore-ai/flowcore/internal/bus"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub upgrades WebSocket connections and bridges them onto the event bus.
type Hub struct {
	bus *bus.Bus
	log logger.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates the hub.
func NewHub(b *bus.Bus, log logger.Logger) *Hub {
	return &Hub{bus: b, log: log, clients: make(map[*Client]struct{})}
}

// ServeWS upgrades the request and starts the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.teardown()
		delete(h.clients, c)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// clientMessage is a control message from the browser.
type clientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// frame is the wire format sent to subscribers.
type frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client is one WebSocket connection with its bus subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu   sync.Mutex
	subs []*bus.Subscription
	once sync.Once

	// Executions discovered to belong to a subscribed workflow.
	watchedWorkflow string
	knownExecutions map[string]bool
}

func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendFrame("error", map[string]string{"message": "invalid message"})
			continue
		}
		switch msg.Type {
		case "subscribe:execution":
			c.subscribeExecution(msg.ID)
		case "subscribe:workflow":
			c.subscribeWorkflow(msg.ID)
		case "unsubscribe":
			c.unsubscribeAll()
		default:
			c.sendFrame("error", map[string]string{"message": "unknown message type"})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribeExecution streams every event of one execution.
func (c *Client) subscribeExecution(executionID string) {
	if executionID == "" {
		c.sendFrame("error", map[string]string{"message": "id is required"})
		return
	}
	sub := c.hub.bus.Subscribe(bus.Filter{ExecutionID: executionID})
	c.addSub(sub)
	go c.forward(sub, nil)
	c.sendFrame("subscribed", map[string]string{"execution_id": executionID})
}

// subscribeWorkflow streams events of every execution of one workflow.
// Executions are discovered from workflow_started events; events for
// executions started before the subscription are not replayed.
func (c *Client) subscribeWorkflow(workflowID string) {
	if workflowID == "" {
		c.sendFrame("error", map[string]string{"message": "id is required"})
		return
	}
	c.mu.Lock()
	c.watchedWorkflow = workflowID
	c.knownExecutions = make(map[string]bool)
	c.mu.Unlock()

	sub := c.hub.bus.Subscribe(bus.Filter{})
	c.addSub(sub)
	go c.forward(sub, c.workflowFilter)
	c.sendFrame("subscribed", map[string]string{"workflow_id": workflowID})
}

func (c *Client) workflowFilter(e *model.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Kind == model.EventWorkflowStarted {
		if id, _ := e.Payload["workflow_id"].(string); id == c.watchedWorkflow {
			c.knownExecutions[e.ExecutionID] = true
			return true
		}
		return false
	}
	return c.knownExecutions[e.ExecutionID]
}

// forward pumps a bus subscription into the send channel. A full send
// channel drops the frame; the bus already sheds for slow subscribers.
func (c *Client) forward(sub *bus.Subscription, accept func(*model.Event) bool) {
	for e := range sub.Events() {
		if accept != nil && !accept(e) {
			continue
		}
		raw, err := json.Marshal(frame{Type: string(e.Kind), Data: e, Timestamp: e.Timestamp})
		if err != nil {
			continue
		}
		select {
		case <-c.done:
			return
		case c.send <- raw:
		default:
		}
	}
}

func (c *Client) sendFrame(frameType string, data interface{}) {
	raw, err := json.Marshal(frame{Type: frameType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- raw:
	default:
	}
}

func (c *Client) addSub(sub *bus.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

func (c *Client) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.watchedWorkflow = ""
	c.knownExecutions = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (c *Client) close() {
	c.hub.remove(c)
	c.teardown()
}

func (c *Client) teardown() {
	c.once.Do(func() {
		c.unsubscribeAll()
		close(c.done)
		_ = c.conn.Close()
	})
}
