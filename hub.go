package muster

import (
	"sync"
	"sync/atomic"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"
)

type (
	// Hub fans notifications out to in-process subscribers. Backends without
	// a native pub/sub facility publish through a Hub after their
	// transaction commits
	Hub struct {
		inner    topic.Topic[*hubMessage]
		producer topic.Producer[*hubMessage]
		registry *registry
		seq      atomic.Uint64
		bufSize  int
		mu       sync.Mutex
		closed   bool
	}

	// hubMessage stamps a notification with its position in the Hub, so a
	// consumer only sees what was published after it subscribed
	hubMessage struct {
		seq uint64
		n   *Notification
	}

	// consumer filters the topic down to a single event
	consumer struct {
		inner   topic.Consumer[*hubMessage]
		eventID ID
		after   uint64
		out     chan *Notification
		done    chan struct{}
	}

	// registry counts active subscriptions per event
	registry struct {
		mu     sync.RWMutex
		counts map[ID]int64
	}
)

// DefaultHubBufferSize is the per-subscriber notification buffer. A
// subscriber that falls this far behind misses notifications
const DefaultHubBufferSize = 64

// NewHub creates a Hub whose subscribers buffer up to bufSize notifications
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultHubBufferSize
	}
	inner := caravan.NewTopic[*hubMessage]()
	return &Hub{
		inner:    inner,
		producer: inner.NewProducer(),
		registry: &registry{
			counts: map[ID]int64{},
		},
		bufSize: bufSize,
	}
}

// Subscribe registers a consumer for the event's notifications
func (h *Hub) Subscribe(eventID ID) *Subscription {
	c := &consumer{
		inner:   h.inner.NewConsumer(),
		eventID: eventID,
		after:   h.seq.Load(),
		out:     make(chan *Notification, h.bufSize),
		done:    make(chan struct{}),
	}
	h.registry.register(eventID)
	go c.forward()

	return NewSubscription(c.out, func() error {
		h.registry.unregister(eventID)
		close(c.done)
		c.inner.Close()
		return nil
	})
}

// Publish delivers the notification to the event's current subscribers.
// It returns false if nobody was listening
func (h *Hub) Publish(eventID ID, n *Notification) bool {
	if !h.registry.hasSubscribers(eventID) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	msg := *n
	msg.EventID = eventID
	h.producer.Send() <- &hubMessage{
		seq: h.seq.Add(1),
		n:   &msg,
	}
	return true
}

// Close stops the Hub's producer. Later publishes are discarded
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.producer.Close()
}

// forward copies matching messages to the subscriber. A subscriber whose
// buffer is full misses the message
func (c *consumer) forward() {
	defer close(c.out)
	in := c.inner.Receive()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if !c.matches(msg) {
				continue
			}
			select {
			case c.out <- msg.n:
			case <-c.done:
				return
			default:
			}
		}
	}
}

func (c *consumer) matches(msg *hubMessage) bool {
	return msg.seq > c.after && msg.n.EventID == c.eventID
}

func (r *registry) register(eventID ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[eventID]++
}

func (r *registry) unregister(eventID ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[eventID]--
	if r.counts[eventID] <= 0 {
		delete(r.counts, eventID)
	}
}

func (r *registry) hasSubscribers(eventID ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[eventID] > 0
}
