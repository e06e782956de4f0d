package events

import (
	"sync"
)

// Topic enumerates bus channels shared across kegleveld subsystems.
type Topic string

const (
	TopicSensorUpdate      Topic = "sensor_update"
	TopicCalibrationPulse  Topic = "calibration_pulse"
	TopicCalibrationSample Topic = "calibration_sample"
	TopicPourCompleted     Topic = "pour_completed"
	TopicModeChanged       Topic = "mode_changed"
	TopicKegChanged        Topic = "keg_changed"
)

// StreamTopics lists the topics forwarded to presentation clients.
var StreamTopics = []Topic{
	TopicSensorUpdate,
	TopicCalibrationPulse,
	TopicCalibrationSample,
	TopicPourCompleted,
	TopicModeChanged,
	TopicKegChanged,
}

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// ModeChanged announces an engine mode transition.
type ModeChanged struct {
	Mode string `json:"mode"`
	Tap  int    `json:"tap"`
}

// KegChanged announces that a keg record or tap assignment was edited.
type KegChanged struct {
	KegID string `json:"keg_id,omitempty"`
	Tap   int    `json:"tap"`
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeMany registers one channel for several topics.
func (b *Bus) SubscribeMany(buffer int, topics ...Topic) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], ch)
	}
	return ch
}

// Unsubscribe detaches ch from every topic and closes it.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var owned chan Event
	for topic, chans := range b.subs {
		kept := chans[:0]
		for _, c := range chans {
			if (<-chan Event)(c) == ch {
				owned = c
				continue
			}
			kept = append(kept, c)
		}
		b.subs[topic] = kept
	}
	if owned != nil {
		close(owned)
	}
}

// Publish broadcasts an event to all subscribers. It never blocks.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is saturated; listeners should size buffers appropriately.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[chan Event]struct{})
	for _, chans := range b.subs {
		for _, ch := range chans {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			close(ch)
		}
	}
	b.subs = nil
}
