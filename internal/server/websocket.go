package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kode4food/caravan/topic"
	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
	"github.com/gantryio/gantry/pkg/log"
)

type (
	// Client represents a WebSocket client connection for event streaming
	Client struct {
		conn     *websocket.Conn
		consumer topic.Consumer[*timebox.Event]
		filter   events.EventFilter
		getState StateFunc
		minSeq   int64
		closer   sync.Once
	}

	// StateFunc retrieves the current projected state and next sequence for
	// an execution. The next sequence lets clients detect sequence skew.
	StateFunc func(context.Context, api.ExecutionID) (any, int64, error)
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 512
	wsBufferSize       = 1024
	incomingBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades an HTTP connection to WebSocket and starts
// streaming events based on client subscriptions. The onClose callback, if
// given, fires when the connection winds down.
func HandleWebSocket(
	hub timebox.EventHub, w http.ResponseWriter, r *http.Request,
	st StateFunc, onClose func(*Client),
) *Client {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed",
			log.Error(err))
		return nil
	}

	noopFilter := func(*timebox.Event) bool { return false }
	client := &Client{
		conn:     conn,
		consumer: hub.NewConsumer(),
		filter:   noopFilter,
		getState: st,
	}

	go func() {
		client.run()
		if onClose != nil {
			onClose(client)
		}
	}()
	return client
}

func (s *Server) handleWebSocket(c *gin.Context) {
	client := HandleWebSocket(s.eventHub, c.Writer, c.Request,
		func(ctx context.Context, id api.ExecutionID) (any, int64, error) {
			st, err := s.engine.GetExecution(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			return st, st.Version, nil
		},
		s.unregisterWebSocket,
	)
	if client != nil {
		s.registerWebSocket(client)
	}
}

// Close tears down the connection; the run loop exits on the closed conn
func (c *Client) Close() {
	c.closer.Do(func() {
		c.consumer.Close()
		_ = c.conn.Close()
	})
}

func (c *Client) run() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case message, ok := <-incoming:
			if !ok {
				return
			}
			c.handleSubscribe(message)

		case event, ok := <-c.consumer.Receive():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.sendEventIfMatched(event) {
				return
			}

		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Client) readMessages(incoming chan []byte) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			close(incoming)
			return
		}
		incoming <- message
	}
}

func (c *Client) handleSubscribe(message []byte) {
	var sub api.SubscribeRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		slog.Error("Failed to parse WebSocket message",
			log.Error(err))
		return
	}

	if sub.Type != "subscribe" {
		return
	}

	c.filter = BuildFilter(&sub.Data)

	if sub.Data.ExecutionID != "" {
		c.sendSubscribeState(sub.Data.ExecutionID)
	}
}

func (c *Client) sendSubscribeState(execID api.ExecutionID) {
	if c.getState == nil {
		return
	}

	state, nextSeq, err := c.getState(context.Background(), execID)
	if err != nil {
		slog.Error("Failed to get state for subscription",
			log.ExecutionID(execID),
			log.Error(err))
		return
	}

	data, err := json.Marshal(state)
	if err != nil {
		slog.Error("Failed to marshal state",
			log.ExecutionID(execID),
			log.Error(err))
		return
	}

	c.minSeq = nextSeq

	msg := api.SubscribedResult{
		Type:        "subscribed",
		ExecutionID: execID,
		Data:        data,
		Sequence:    nextSeq,
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Error("WebSocket write failed",
			slog.String("context", "subscribed"),
			log.Error(err))
	}
}

func (c *Client) sendEventIfMatched(event *timebox.Event) bool {
	if event.Sequence < c.minSeq || !c.filter(event) {
		return true
	}

	wsEvent := c.transformEvent(event)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(wsEvent); err != nil {
		slog.Error("WebSocket write failed",
			log.Error(err))
		return false
	}
	return true
}

func (c *Client) transformEvent(ev *timebox.Event) *api.WebSocketEvent {
	return &api.WebSocketEvent{
		Type:        api.EventType(ev.Type),
		Data:        ev.Data,
		Timestamp:   ev.Timestamp.UnixMilli(),
		AggregateID: idToStrings(ev.AggregateID),
		Sequence:    ev.Sequence,
	}
}

func (c *Client) sendPing() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	return err == nil
}

// BuildFilter creates an event filter based on client subscription
// preferences for event types and executions
func BuildFilter(sub *api.ClientSubscription) events.EventFilter {
	var executionFilter events.EventFilter
	if sub.ExecutionID != "" {
		executionFilter = events.FilterExecution(sub.ExecutionID)
	}

	var eventTypeFilter events.EventFilter
	if len(sub.EventTypes) > 0 {
		eventTypeFilter = events.FilterTypes(sub.EventTypes...)
	}

	switch {
	case executionFilter != nil && eventTypeFilter != nil:
		return events.AndFilters(executionFilter, eventTypeFilter)
	case executionFilter != nil:
		return executionFilter
	case eventTypeFilter != nil:
		return eventTypeFilter
	default:
		return func(*timebox.Event) bool { return false }
	}
}

func idToStrings(id timebox.AggregateID) []string {
	res := make([]string, len(id))
	for i, p := range id {
		res[i] = string(p)
	}
	return res
}
