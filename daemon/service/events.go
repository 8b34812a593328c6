package service

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// EventType classifies bundle events.
type EventType int

const (
	EventBundleAdded EventType = iota + 1
	EventBundleImported
	EventBundleDeleted
	EventFetchStarted
	EventFetchCompleted
	EventFetchFailed
)

func (e EventType) String() string {
	switch e {
	case EventBundleAdded:
		return "BUNDLE_ADDED"
	case EventBundleImported:
		return "BUNDLE_IMPORTED"
	case EventBundleDeleted:
		return "BUNDLE_DELETED"
	case EventFetchStarted:
		return "FETCH_STARTED"
	case EventFetchCompleted:
		return "FETCH_COMPLETED"
	case EventFetchFailed:
		return "FETCH_FAILED"
	default:
		return "UNKNOWN"
	}
}

// BundleEvent is one notification about a bundle.
type BundleEvent struct {
	Type      EventType
	BundleID  string
	Version   int64
	FileSize  int64
	Name      string
	Service   string
	Peer      string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// EventSubscription represents an active event subscription.
type EventSubscription struct {
	ID             string
	BundleIDFilter string
	Channel        chan *BundleEvent
}

// EventPublisher manages event subscriptions and broadcasting.
type EventPublisher struct {
	subscriptions map[string]*EventSubscription
	mu            sync.RWMutex
	bufferSize    int
	now           func() time.Time
}

func NewEventPublisher(bufferSize int) *EventPublisher {
	return &EventPublisher{
		subscriptions: make(map[string]*EventSubscription),
		bufferSize:    bufferSize,
		now:           time.Now,
	}
}

// Subscribe creates a subscription. A non-empty filter limits it to one
// bundle ID.
func (p *EventPublisher) Subscribe(bundleIDFilter string) *EventSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &EventSubscription{
		ID:             uuid.NewString(),
		BundleIDFilter: bundleIDFilter,
		Channel:        make(chan *BundleEvent, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (p *EventPublisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, exists := p.subscriptions[subscriptionID]; exists {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts an event to all matching subscribers. Subscribers whose
// buffer is full miss the event.
func (p *EventPublisher) Publish(event *BundleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.BundleIDFilter != "" && sub.BundleIDFilter != event.BundleID {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
		}
	}
}

func entryEvent(t EventType, e *store.Entry, peer string) *BundleEvent {
	m := e.Manifest
	return &BundleEvent{
		Type:     t,
		BundleID: m.ID.String(),
		Version:  m.Version,
		FileSize: m.FileSize,
		Name:     m.Name,
		Service:  m.Service,
		Peer:     peer,
		Metadata: map[string]string{"rowid": strconv.FormatInt(e.RowID, 10)},
	}
}

func (p *EventPublisher) PublishAdded(e *store.Entry) {
	ev := entryEvent(EventBundleAdded, e, "")
	ev.Message = "Bundle added"
	p.Publish(ev)
}

func (p *EventPublisher) PublishImported(e *store.Entry, peer string) {
	ev := entryEvent(EventBundleImported, e, peer)
	ev.Message = "Bundle imported"
	p.Publish(ev)
}

func (p *EventPublisher) PublishDeleted(id rhizome.BundleID) {
	p.Publish(&BundleEvent{Type: EventBundleDeleted, BundleID: id.String(), Message: "Bundle deleted"})
}

func (p *EventPublisher) PublishFetchStarted(m *rhizome.Manifest, peer string) {
	p.Publish(&BundleEvent{
		Type:     EventFetchStarted,
		BundleID: m.ID.String(),
		Version:  m.Version,
		FileSize: m.FileSize,
		Name:     m.Name,
		Service:  m.Service,
		Peer:     peer,
		Message:  "Fetch started",
	})
}

func (p *EventPublisher) PublishFetchCompleted(e *store.Entry, peer string, elapsed time.Duration) {
	ev := entryEvent(EventFetchCompleted, e, peer)
	ev.Message = "Fetch completed"
	ev.Metadata["duration_ms"] = strconv.FormatInt(elapsed.Milliseconds(), 10)
	p.Publish(ev)
}

func (p *EventPublisher) PublishFetchFailed(m *rhizome.Manifest, peer string, err error) {
	p.Publish(&BundleEvent{
		Type:     EventFetchFailed,
		BundleID: m.ID.String(),
		Version:  m.Version,
		FileSize: m.FileSize,
		Name:     m.Name,
		Service:  m.Service,
		Peer:     peer,
		Message:  err.Error(),
	})
}

// GetSubscriptionCount returns the number of active subscriptions.
func (p *EventPublisher) GetSubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}
