package vmengine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// channel is a single named message queue: a bounded buffer plus at most
// one attached listener.
type channel struct {
	queue    chan Message
	listener bool
	lastUsed time.Time
}

// MessageHub is a per-context, in-memory publish/subscribe hub. Each
// channel is created by msgNew, has at most one active listener, and is
// destroyed when that listener detaches.
//
// Unlike the channel this is grounded on (which drops a channel and
// errors out when its bounded queue overflows), this hub buffers up to
// Config.MsgQueueDepth messages and returns ErrQueueFull on overflow
// without touching the channel — a deliberate choice recorded in
// DESIGN.md.
type MessageHub struct {
	mu       sync.Mutex
	channels map[string]*channel
	depth    int
}

// NewMessageHub constructs an empty hub with the given per-channel queue
// depth.
func NewMessageHub(depth int) *MessageHub {
	if depth <= 0 {
		depth = 32
	}
	return &MessageHub{
		channels: make(map[string]*channel),
		depth:    depth,
	}
}

// New creates a fresh channel and returns its msgId.
func (h *MessageHub) New() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.New().String()
	h.channels[id] = &channel{
		queue:    make(chan Message, h.depth),
		lastUsed: time.Now(),
	}
	return id
}

// List returns the msgIds of all currently live channels.
func (h *MessageHub) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	return ids
}

// Send enqueues a message on the channel addressed by msgId. It returns
// ErrNotFound if the channel does not exist and ErrQueueFull if the
// channel's bounded buffer is already full.
func (h *MessageHub) Send(msgID string, data []byte) error {
	h.mu.Lock()
	ch, ok := h.channels[msgID]
	if !ok {
		h.mu.Unlock()
		return ErrNotFound("no channel with msgId " + msgID)
	}
	ch.lastUsed = time.Now()
	h.mu.Unlock()

	select {
	case ch.queue <- Message{MsgID: msgID, Data: data}:
		return nil
	default:
		return ErrQueueFull("channel " + msgID + " queue is full")
	}
}

// Listen attaches the caller as the channel's single listener, returning
// a receive-only channel of messages and a detach function. It returns
// ErrNotFound if the channel does not exist and ErrAlreadySubscribed if
// another listener is already attached.
func (h *MessageHub) Listen(msgID string) (<-chan Message, func(), error) {
	h.mu.Lock()
	ch, ok := h.channels[msgID]
	if !ok {
		h.mu.Unlock()
		return nil, nil, ErrNotFound("no channel with msgId " + msgID)
	}
	if ch.listener {
		h.mu.Unlock()
		return nil, nil, ErrAlreadySubscribed("channel " + msgID + " already has a listener")
	}
	ch.listener = true
	h.mu.Unlock()

	detach := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.channels, msgID)
	}
	return ch.queue, detach, nil
}

// Prune removes channels that have never been listened to and have sat
// idle past maxIdle. A channel with an active listener is never pruned;
// it is destroyed only by its listener detaching.
func (h *MessageHub) Prune(maxIdle time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for id, ch := range h.channels {
		if !ch.listener && now.Sub(ch.lastUsed) > maxIdle {
			delete(h.channels, id)
		}
	}
}
