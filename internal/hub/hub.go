// Package hub fans committed events out to live subscribers by topic.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ijoka-dev/ijoka/internal/logging"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

// TopicAll receives every event.
const TopicAll = "events"

// ProjectTopic names the topic for events of one project.
func ProjectTopic(path string) string { return "project:" + path }

// FeatureTopic names the topic for events attributed to one feature.
func FeatureTopic(id string) string { return "feature:" + id }

// SessionTopic names the topic for events of one session.
func SessionTopic(id string) string { return "session:" + id }

// Topics returns every topic an event is published on.
func Topics(e *model.Event) []string {
	topics := []string{TopicAll, ProjectTopic(e.ProjectPath), SessionTopic(e.SessionID)}
	if id, ok := e.Attribution.FeatureID(); ok {
		topics = append(topics, FeatureTopic(id))
	}
	return topics
}

// Options tunes a Hub. Zero values pick defaults.
type Options struct {
	// Buffer is the per-subscriber channel capacity.
	Buffer int
	// SendTimeout is how long a publish waits on a full subscriber before
	// dropping it.
	SendTimeout time.Duration
	// QueueSize bounds changes waiting for the dispatcher.
	QueueSize int
}

// Hub delivers events to the subscribers connected when they are published.
// Nothing is replayed to late subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}

	queue       chan *model.Event
	buffer      int
	sendTimeout time.Duration
	dropped     atomic.Int64
	log         *logrus.Entry
}

var _ store.Sink = (*Hub)(nil)

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscription]struct{}),
		queue:       make(chan *model.Event, opts.QueueSize),
		buffer:      opts.Buffer,
		sendTimeout: opts.SendTimeout,
		log:         logging.NewLogger("hub"),
	}
}

// Subscription is one subscriber's stream. Done is closed when the
// subscription ends, either by Close or because the subscriber stalled.
type Subscription struct {
	Topic string
	C     <-chan *model.Event

	ch   chan *model.Event
	done chan struct{}
	hub  *Hub
	once sync.Once
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Subscribe registers a subscriber on topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan *model.Event, h.buffer)
	sub := &Subscription{Topic: topic, C: ch, ch: ch, done: make(chan struct{}), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.subscribers[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if subs, ok := h.subscribers[sub.Topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, sub.Topic)
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.done) })
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

// Dropped returns how many events were discarded because the dispatch queue
// was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish delivers e to every current subscriber of topic. A subscriber whose
// buffer stays full past the send timeout is unsubscribed.
func (h *Hub) Publish(topic string, e *model.Event) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subscribers[topic]))
	for sub := range h.subscribers[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var stalled []*Subscription
	for _, sub := range subs {
		if !h.send(sub, e) {
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		h.log.WithField("topic", topic).Warn("dropping stalled subscriber")
		h.remove(sub)
	}
}

func (h *Hub) send(sub *Subscription, e *model.Event) bool {
	select {
	case sub.ch <- e:
		return true
	case <-sub.done:
		return true
	default:
	}
	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- e:
		return true
	case <-sub.done:
		return true
	case <-timer.C:
		return false
	}
}

// Notify queues committed events for dispatch without blocking. Non-event
// changes are ignored. When the queue is full the event is dropped for live
// subscribers; it remains in the store.
func (h *Hub) Notify(c store.Change) {
	if c.Kind != store.ChangeEvent || c.Event == nil {
		return
	}
	select {
	case h.queue <- c.Event:
	default:
		h.dropped.Add(1)
		h.log.WithField("event", c.Event.ID).Warn("broadcast queue full, dropping event")
	}
}

// Run dispatches queued events until ctx is cancelled. A single dispatcher
// keeps per-topic delivery in commit order.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-h.queue:
			for _, topic := range Topics(e) {
				h.Publish(topic, e)
			}
		}
	}
}
