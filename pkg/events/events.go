package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event. Types are dotted so that a prefix such
// as "exapp.deploy" selects a family.
type EventType string

const (
	EventDeployProgress     EventType = "exapp.deploy.progress"
	EventExAppDeployed      EventType = "exapp.deployed"
	EventDeployFailed       EventType = "exapp.deploy.failed"
	EventExAppUpdated       EventType = "exapp.updated"
	EventExAppRemoved       EventType = "exapp.removed"
	EventExAppEnabled       EventType = "exapp.enabled"
	EventExAppDisabled      EventType = "exapp.disabled"
	EventExAppInitTimedOut  EventType = "exapp.init.timeout"
	EventDaemonRegistered   EventType = "daemon.registered"
	EventDaemonUnregistered EventType = "daemon.unregistered"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is an ExApp or daemon lifecycle event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	AppID     string            `json:"appid,omitempty"`
	Daemon    string            `json:"daemon,omitempty"`
	Progress  int               `json:"progress,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher is what the manager needs from the broker
type Publisher interface {
	Publish(event *Event)
}

// Filter selects the events a subscriber receives. The zero Filter matches
// everything.
type Filter struct {
	AppID      string
	TypePrefix string
}

// Match reports whether event passes f
func (f Filter) Match(event *Event) bool {
	if f.AppID != "" && event.AppID != f.AppID {
		return false
	}
	return strings.HasPrefix(string(event.Type), f.TypePrefix)
}

// Subscriber receives the events matching its filter
type Subscriber chan *Event

// Broker fans published events out to subscribers. Publishing never blocks:
// a full queue or a slow subscriber loses events, counted by Dropped.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]Filter
	queue       chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]Filter),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the distribution loop until Stop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case event := <-b.queue:
				b.broadcast(event)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop ends distribution. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber. Without a filter every event is
// delivered; with several, only the first is used.
func (b *Broker) Subscribe(filter ...Filter) Subscriber {
	var f Filter
	if len(filter) > 0 {
		f = filter[0]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = f
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish stamps event with an id and time when missing and queues it
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.queue <- event:
	case <-b.stopCh:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub, filter := range b.subscribers {
		if !filter.Match(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were lost to full buffers
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
