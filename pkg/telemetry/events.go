package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a notification event emitted by the engine. Events feed
// the notification sink: breaker transitions, high/critical drift, cycle
// outcomes.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Project is the associated project, if applicable.
	Project string `json:"project,omitempty"`

	// CycleID is the associated reconciliation cycle, if applicable.
	CycleID string `json:"cycle_id,omitempty"`

	// ResourceID is the associated resource, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants.
const (
	EventTypeCycleStarted      = "cycle.started"
	EventTypeCycleCompleted    = "cycle.completed"
	EventTypeCycleAborted      = "cycle.aborted"
	EventTypeDriftDetected     = "drift.detected"
	EventTypeProposalRaised    = "proposal.raised"
	EventTypeBreakerTransition = "breaker.transition"
	EventTypeEdgeRejected      = "graph.edge_rejected"
)

// Event level constants.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventPublisher fans events out to registered subscribers through a
// buffered channel so publishing never blocks the reconciliation path.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]EventSubscriber, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep, nil
}

// Subscribe registers a subscriber for all events.
func (ep *EventPublisher) Subscribe(sub EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, sub)
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishDriftDetected publishes a drift detection event. Only high and
// critical detections are expected to reach the notification sink; the
// caller applies that filter.
func (ep *EventPublisher) PublishDriftDetected(project, resourceID, kind, severity string) error {
	return ep.Publish(Event{
		Type:       EventTypeDriftDetected,
		Source:     "drift",
		Project:    project,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("%s drift (%s) detected on resource %s", kind, severity, resourceID),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"kind":     kind,
			"severity": severity,
		},
	})
}

// PublishBreakerTransition publishes a circuit breaker state transition.
func (ep *EventPublisher) PublishBreakerTransition(project, from, to, reason string) error {
	level := EventLevelInfo
	if to == "open" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeBreakerTransition,
		Source:  "breaker",
		Project: project,
		Message: fmt.Sprintf("circuit breaker %s -> %s: %s", from, to, reason),
		Level:   level,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishCycleCompleted publishes a cycle completion event.
func (ep *EventPublisher) PublishCycleCompleted(project, cycleID, outcome string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleCompleted,
		Source:  "engine",
		Project: project,
		CycleID: cycleID,
		Message: fmt.Sprintf("cycle %s completed: %s", cycleID, outcome),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"duration": duration.Seconds(),
		},
	})
}

// PublishCycleAborted publishes a cycle abort event.
func (ep *EventPublisher) PublishCycleAborted(project, cycleID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleAborted,
		Source:  "engine",
		Project: project,
		CycleID: cycleID,
		Message: fmt.Sprintf("cycle %s aborted: %s", cycleID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// processEvents delivers buffered events to subscribers.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain remaining events before exit
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subs := make([]EventSubscriber, len(ep.subscribers))
	copy(subs, ep.subscribers)
	ep.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}

// Close stops the publisher and waits for in-flight events to be delivered.
func (ep *EventPublisher) Close() {
	if ep.cancel == nil {
		return
	}
	ep.cancel()
	ep.wg.Wait()
}
