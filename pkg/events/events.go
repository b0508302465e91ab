package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type classifies bus events.
type Type string

const (
	TypeStreamStarted     Type = "stream.started"
	TypeStreamEnded       Type = "stream.ended"
	TypeEngineProvisioned Type = "engine.provisioned"
	TypeEngineStopped     Type = "engine.stopped"
	TypeVPNTransition     Type = "vpn.transition"
	TypeVPNPortChange     Type = "vpn.port_change"
	TypeScaleTriggered    Type = "scale.triggered"
)

// Event is one bus record. Details ride in flat string fields so subscribers
// never share mutable state with publishers.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Fields    map[string]string
}

// Subscriber receives published events.
type Subscriber chan *Event

const (
	// pumpBuffer absorbs publish bursts while the pump fans out.
	pumpBuffer = 100
	// subscriberBuffer is each subscriber's private queue.
	subscriberBuffer = 50
)

// Broker fans events out to subscribers. Delivery is best effort end to end:
// a saturated pump drops the event, a full subscriber queue skips that
// subscriber. Control flow never waits on telemetry.
type Broker struct {
	mu      sync.RWMutex
	subs    map[Subscriber]struct{}
	pump    chan *Event
	stopCh  chan struct{}
	stop    sync.Once
	dropped atomic.Int64
}

// NewBroker creates a broker; call Start to begin distribution.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[Subscriber]struct{}),
		pump:   make(chan *Event, pumpBuffer),
		stopCh: make(chan struct{}),
	}
}

// Start begins the distribution pump.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution and discards queued events. Safe to call more
// than once.
func (b *Broker) Stop() {
	b.stop.Do(func() { close(b.stopCh) })
}

// Subscribe registers a buffered subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes the channel. Unknown subscribers are a
// no-op, so unsubscribing twice is safe.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub)
}

// Publish queues an event for distribution, stamping ID and timestamp when
// unset. Events published after Stop, or while the pump is saturated, are
// dropped and counted.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		b.dropped.Add(1)
	case b.pump <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.pump:
			b.mu.RLock()
			for sub := range b.subs {
				select {
				case sub <- event:
				default:
					b.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		case <-b.stopCh:
			return
		}
	}
}

// SubscriberCount reports active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to a stopped broker, a full
// pump, or full subscriber queues.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
