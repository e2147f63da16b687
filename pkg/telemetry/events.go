package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a deployment lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	RunID   string `json:"run_id,omitempty"`
	PlanID  string `json:"plan_id,omitempty"`
	StageID string `json:"stage_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeDeployStarted        = "deploy.started"
	EventTypeDeployCompleted      = "deploy.completed"
	EventTypeDeployFailed         = "deploy.failed"
	EventTypeDeployAborted        = "deploy.aborted"
	EventTypeStageStarted         = "stage.started"
	EventTypeStageSucceeded       = "stage.succeeded"
	EventTypeStageFailed          = "stage.failed"
	EventTypeStageSkipped         = "stage.skipped"
	EventTypeStageRetrying        = "stage.retrying"
	EventTypeSnapshotPartial      = "snapshot.partial"
	EventTypeDriftDetected        = "drift.detected"
	EventTypeInconsistency        = "consistency.violation"
	EventTypeIdempotenceCompleted = "idempotence.completed"
	EventTypeGuardrailViolation   = "guardrail.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. In synchronous
// mode subscribers run on the publishing goroutine, in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishDeployStarted publishes a deploy started event.
func (ep *EventPublisher) PublishDeployStarted(planID, runID string, resumed bool) error {
	return ep.Publish(Event{
		Type:    EventTypeDeployStarted,
		Source:  "orchestrator",
		PlanID:  planID,
		RunID:   runID,
		Message: fmt.Sprintf("deployment %s started", planID),
		Data:    map[string]interface{}{"resumed": resumed},
	})
}

// PublishDeployFinished publishes the terminal event of a deployment run.
// status is one of completed, failed or aborted.
func (ep *EventPublisher) PublishDeployFinished(planID, runID, status, reason string, duration time.Duration) error {
	event := Event{
		Source:  "orchestrator",
		PlanID:  planID,
		RunID:   runID,
		Message: fmt.Sprintf("deployment %s %s", planID, status),
		Data:    map[string]interface{}{"duration_ms": duration.Milliseconds()},
	}
	switch status {
	case "completed":
		event.Type = EventTypeDeployCompleted
	case "aborted":
		event.Type = EventTypeDeployAborted
		event.Level = EventLevelWarning
	default:
		event.Type = EventTypeDeployFailed
		event.Level = EventLevelError
	}
	if reason != "" {
		event.Data["reason"] = reason
	}
	return ep.Publish(event)
}

// PublishStage publishes a stage lifecycle event.
func (ep *EventPublisher) PublishStage(eventType, planID, runID, stageID, message string, data map[string]interface{}) error {
	level := EventLevelInfo
	switch eventType {
	case EventTypeStageFailed:
		level = EventLevelError
	case EventTypeStageRetrying, EventTypeStageSkipped:
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "executor",
		PlanID:  planID,
		RunID:   runID,
		StageID: stageID,
		Message: message,
		Level:   level,
		Data:    data,
	})
}

// PublishDriftDetected publishes a drift detected event.
func (ep *EventPublisher) PublishDriftDetected(planID, runID, stageID string, items, high int) error {
	return ep.Publish(Event{
		Type:    EventTypeDriftDetected,
		Source:  "drift",
		PlanID:  planID,
		RunID:   runID,
		StageID: stageID,
		Message: fmt.Sprintf("%d drift items detected", items),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"items": items,
			"high":  high,
		},
	})
}

// PublishGuardrailViolation publishes a guardrail violation event.
func (ep *EventPublisher) PublishGuardrailViolation(planID, stageID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeGuardrailViolation,
		Source:  "policy",
		PlanID:  planID,
		StageID: stageID,
		Message: reason,
		Level:   EventLevelError,
	})
}

// Subscribe adds a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in order until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
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
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains pending events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPlanID creates a filter that only allows events for a specific plan.
func FilterByPlanID(planID string) EventFilter {
	return func(event Event) bool {
		return event.PlanID == planID
	}
}
