package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventProjectUpdated = "project-updated"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "lexisync-backend"
	defaultHeartbeatInterval    = 25 * time.Second
)

type RealtimeMessage struct {
	ProjectID string
	EventType string
	Added     int
	Timestamp time.Time
}

// RealtimeDispatcher fans project change notifications out to subscribed event streams.
// Slow subscribers miss messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, projectID string) (<-chan RealtimeMessage, func()) {
	if projectID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(projectID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(projectID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ProjectID == "" || message.EventType == "" {
		return
	}
	for _, subscriber := range d.subscribersOf(message.ProjectID) {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open streams of a project.
func (d *RealtimeDispatcher) SubscriberCount(projectID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[projectID])
}

// subscribersOf copies a project's subscribers so delivery happens outside the lock.
func (d *RealtimeDispatcher) subscribersOf(projectID string) []*realtimeSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subscribers := d.subscribers[projectID]
	if len(subscribers) == 0 {
		return nil
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	return copies
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(projectID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[projectID]; !ok {
		d.subscribers[projectID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[projectID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(projectID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[projectID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, projectID)
		}
	}
	d.mu.Unlock()
}
