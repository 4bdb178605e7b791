package www

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"agroops/engine"
)

// SSEEvent is the typed envelope sent to SSE clients.
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`

	id    uint64
	order int64 // 0 when the event is not tied to one order
}

// sseClient receives events for one order, or for every order when order is 0.
type sseClient struct {
	order  int64
	events chan SSEEvent
}

func (c *sseClient) wants(evt SSEEvent) bool {
	return c.order == 0 || evt.order == 0 || evt.order == c.order
}

// EventHub fans engine events out to connected browsers.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*sseClient]struct{}
	queue   chan SSEEvent
	done    chan struct{}
	seq     atomic.Uint64
	subID   engine.SubscriberID
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[*sseClient]struct{}),
		queue:   make(chan SSEEvent, 256),
		done:    make(chan struct{}),
	}
}

// Start begins the fan-out loop.
func (h *EventHub) Start() {
	go h.run()
}

func (h *EventHub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast queues evt for delivery. Events are dropped when the queue is full.
func (h *EventHub) Broadcast(evt SSEEvent) {
	evt.id = h.seq.Add(1)
	select {
	case h.queue <- evt:
	default:
	}
}

func (h *EventHub) attach(order int64) *sseClient {
	c := &sseClient{order: order, events: make(chan SSEEvent, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *EventHub) detach(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	close(c.events)
	h.mu.Unlock()
}

func (h *EventHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) run() {
	for {
		select {
		case <-h.done:
			return
		case evt := <-h.queue:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(evt) {
					continue
				}
				select {
				case c.events <- evt:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleSSE streams events until the client disconnects. ?order=<id> limits
// the stream to one order plus the events that concern every order.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var order int64
	if v := r.URL.Query().Get("order"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid order filter")
			return
		}
		order = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.attach(order)
	defer h.detach(client)

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case evt, ok := <-client.events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt.Data)
			if err != nil {
				log.Printf("sse: encode %s: %v", evt.Type, err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.id, evt.Type, data)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// SetupEngineListeners forwards every engine event under its SSE name.
func (h *EventHub) SetupEngineListeners(eng *engine.Engine) {
	h.subID = eng.Events.Subscribe(func(evt engine.Event) {
		h.Broadcast(SSEEvent{Type: evt.Type.Name(), Data: evt.Payload, order: eventOrder(evt)})
	})
}

func eventOrder(evt engine.Event) int64 {
	switch p := evt.Payload.(type) {
	case engine.StageChangedEvent:
		return p.OrderID
	case engine.FinalizedEvent:
		return p.OrderID
	case engine.ActionFailedEvent:
		return p.OrderID
	}
	return 0
}
