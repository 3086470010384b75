package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of structured event published on the broker.
type EventType string

const (
	EventAgentSpawned     EventType = "agent.spawned"
	EventAgentStopped     EventType = "agent.stopped"
	EventAgentRestarted   EventType = "agent.restarted"
	EventAgentFatal       EventType = "agent.fatal"
	EventMigrationStarted EventType = "migration.started"
	EventMigrationDone    EventType = "migration.done"
	EventMigrationFailed  EventType = "migration.failed"
	EventDirectoryLeader  EventType = "directory.leader_changed"
	EventDirectoryApplied EventType = "directory.entry_applied"
)

// Event is a structured, subscribable notification. Fatal agent errors
// populate AgentID, NodeID, and CauseChain per the error-handling
// visibility requirement: every fatal error emits an event carrying
// enough context to locate the agent and reconstruct why it stopped.
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	Message    string
	AgentID    string
	NodeID     string
	CauseChain []string
	Metadata   map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes events to subscribers. Publish waits only while the
// broker's 100-event queue is full (or until Stop); a full subscriber
// buffer drops the event for that subscriber rather than stall
// distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishFatal is a convenience wrapper for the one event kind the
// error-handling design requires regardless of what else a deployment
// subscribes to: an agent's fatal stop.
func (b *Broker) PublishFatal(agentID, nodeID, message string, causeChain []string) {
	b.Publish(&Event{
		Type:       EventAgentFatal,
		Message:    message,
		AgentID:    agentID,
		NodeID:     nodeID,
		CauseChain: causeChain,
	})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
