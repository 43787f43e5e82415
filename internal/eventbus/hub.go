// Package eventbus is the per-user job-update channel of spec.md §4.6
// ("Event Bus"): an in-process fan-out hub fed by the Ephemeral
// Store's Redis pub/sub, grounded on the teacher's internal/sse.SSEHub
// but narrowed to the three event kinds the spec names.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scribeworks/controlplane/internal/ephemeral"
	"github.com/scribeworks/controlplane/internal/logger"
)

// Event is the only shape the bus carries: "job_id changed this way,
// go re-fetch its state" (spec.md §4.6). Clients are not handed job
// state inline; the SSE stream is a wakeup signal.
type Event struct {
	Kind  ephemeral.EventKind `json:"kind"`
	JobID int64               `json:"job_id"`
}

type client struct {
	id       uuid.UUID
	userID   int64
	outbound chan Event
	done     chan struct{}
}

// Hub fans event notifications out to every locally connected SSE
// client for a user. One Hub serves an entire process; each process
// additionally runs one Redis subscription per user with at least
// one connected client.
type Hub struct {
	mu        sync.RWMutex
	log       *logger.Logger
	store     *ephemeral.Store
	clients   map[int64]map[*client]bool
	subCancel map[int64]context.CancelFunc
}

func NewHub(store *ephemeral.Store, log *logger.Logger) *Hub {
	return &Hub{
		log:       log.With("component", "EventBus"),
		store:     store,
		clients:   make(map[int64]map[*client]bool),
		subCancel: make(map[int64]context.CancelFunc),
	}
}

// Subscribe registers a new local listener for userID and returns a
// channel of events plus an unsubscribe func. The first subscriber
// for a user starts that user's Redis forwarder; the last one to
// leave stops it (spec.md §5 "a subscriber closing its connection
// cancels its pub/sub subscription").
func (h *Hub) Subscribe(ctx context.Context, userID int64) (<-chan Event, func()) {
	c := &client{id: uuid.New(), userID: userID, outbound: make(chan Event, 16), done: make(chan struct{})}

	h.mu.Lock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*client]bool)
		h.clients[userID] = set
	}
	set[c] = true
	if len(set) == 1 {
		h.startForwarder(userID)
	}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		close(c.done)
		if set, ok := h.clients[userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, userID)
				if cancel, ok := h.subCancel[userID]; ok {
					cancel()
					delete(h.subCancel, userID)
				}
			}
		}
	}
	return c.outbound, unsubscribe
}

func (h *Hub) startForwarder(userID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	h.subCancel[userID] = cancel

	go func() {
		pubsub := h.store.Subscribe(ctx, userID)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				kind, jobID, err := ephemeral.DecodeEvent(msg.Payload)
				if err != nil {
					h.log.Warn("malformed job_events payload", "user_id", userID, "payload", msg.Payload)
					continue
				}
				h.broadcast(userID, Event{Kind: kind, JobID: jobID})
			}
		}
	}()
}

func (h *Hub) broadcast(userID int64, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.outbound <- evt:
		case <-c.done:
		default:
			h.log.Warn("dropping event for slow SSE client", "user_id", userID, "client_id", c.id)
		}
	}
}

// WriteSSE renders an Event as a single text/event-stream frame
// (spec.md §6 "event: job_updated\ndata: <integer job id>\n\n").
func WriteSSE(evt Event) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %d\n\n", evt.Kind, evt.JobID))
}

// HeartbeatInterval matches the teacher's SSE keepalive cadence so
// intermediate proxies don't time out an idle connection.
const HeartbeatInterval = 25 * time.Second
