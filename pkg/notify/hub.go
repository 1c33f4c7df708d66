// Package notify tracks attached foreground instances of the application
// and broadcasts control messages to them.
// An instance is one open client of the gateway (typically a browser tab
// holding an event-stream connection). The hub knows how many are attached
// and can tell all of them to act at once.
package notify

import (
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Message is one control message delivered to every attached instance.
type Message struct {
	Type string `json:"type"`
}

// SyncNow tells every instance to flush its queued work immediately,
// e.g. when connectivity returns. The gateway only relays the signal;
// what to flush is the instance's business.
var SyncNow = Message{Type: "SYNC_NOW"}

const instanceBuffer = 8

// Instance is one attached client. Messages arrive on C until Detach.
type Instance struct {
	ID string
	C  <-chan Message
}

type Hub struct {
	log       zerolog.Logger
	mutex     sync.Mutex
	instances map[string]chan Message
	onEmpty   func()
}

func NewHub(logger *zerolog.Logger) *Hub {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Hub{
		log:       log,
		instances: make(map[string]chan Message),
	}
}

// Attach registers a new instance and returns it.
func (h *Hub) Attach() Instance {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	id := xid.New().String()
	ch := make(chan Message, instanceBuffer)
	h.instances[id] = ch
	h.log.Debug().Str("instance", id).Int("count", len(h.instances)).Msg("Instance attached")
	return Instance{ID: id, C: ch}
}

// Detach removes an instance. When the last one goes away, the on-empty
// callback fires (outside the hub lock).
func (h *Hub) Detach(id string) {
	h.mutex.Lock()
	ch, ok := h.instances[id]
	if ok {
		delete(h.instances, id)
		close(ch)
	}
	empty := ok && len(h.instances) == 0
	onEmpty := h.onEmpty
	h.mutex.Unlock()
	if !ok {
		return
	}
	h.log.Debug().Str("instance", id).Msg("Instance detached")
	if empty && onEmpty != nil {
		onEmpty()
	}
}

// OnEmpty sets the callback invoked whenever the last instance detaches.
func (h *Hub) OnEmpty(fn func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onEmpty = fn
}

// Instances returns the number of currently attached instances.
func (h *Hub) Instances() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.instances)
}

// Broadcast delivers the message to every attached instance and returns
// the number of instances it reached. Delivery is non-blocking: an
// instance that has fallen behind misses the message.
func (h *Hub) Broadcast(m Message) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delivered := 0
	for id, ch := range h.instances {
		select {
		case ch <- m:
			delivered++
		default:
			h.log.Warn().Str("instance", id).Str("type", m.Type).Msg("Instance not keeping up, message dropped")
		}
	}
	h.log.Debug().Str("type", m.Type).Int("delivered", delivered).Msg("Broadcast")
	return delivered
}
