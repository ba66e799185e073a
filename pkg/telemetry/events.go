package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Event is a lifecycle notification delivered to subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ExecutionID is the associated execution, if applicable.
	ExecutionID string `json:"execution_id,omitempty"`

	// ResourceID is the target resource, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data. Result events carry the
	// *engine.ExecutionResult under the "result" key.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeExecutionSubmitted    = "execution.submitted"
	EventTypeExecutionTransitioned = "execution.transitioned"
	EventTypeExecutionCompleted    = "execution.completed"
	EventTypeExecutionFailed       = "execution.failed"
	EventTypeExecutionRolledBack   = "execution.rolled_back"
	EventTypeExecutionCancelled    = "execution.cancelled"
	EventTypePolicyViolation       = "policy.violation"
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

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
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
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishTransition implements engine.EventSink. Submissions are always
// published; intermediate transitions only when PublishTransitions is set.
func (ep *EventPublisher) PublishTransition(_ context.Context, exec *engine.Execution, from engine.ExecutionStatus) {
	event := Event{
		Source:      "engine",
		ExecutionID: exec.ID,
		ResourceID:  exec.Proposal.TargetResourceID,
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"from":    string(from),
			"to":      string(exec.Status),
			"action":  string(exec.Proposal.ActionType),
			"dry_run": exec.DryRun,
		},
	}
	switch {
	case from == "":
		event.Type = EventTypeExecutionSubmitted
		event.Message = fmt.Sprintf("Execution %s submitted: %s on %s", exec.ID, exec.Proposal.ActionType, exec.Proposal.TargetResourceID)
		if exec.SubmittedBy != "" {
			event.Data["user"] = exec.SubmittedBy
		}
	case ep.config.PublishTransitions:
		event.Type = EventTypeExecutionTransitioned
		event.Message = fmt.Sprintf("Execution %s moved from %s to %s", exec.ID, from, exec.Status)
	default:
		return
	}
	ep.publishDropped(event)
}

// PublishResult implements engine.EventSink.
func (ep *EventPublisher) PublishResult(_ context.Context, result *engine.ExecutionResult) {
	event := Event{
		Source:      "engine",
		ExecutionID: result.ExecutionID,
		ResourceID:  result.TargetResourceID,
		Data: map[string]interface{}{
			"result":   result,
			"duration": result.Duration.Seconds(),
		},
	}
	switch result.FinalStatus {
	case engine.StatusCompleted:
		event.Type, event.Level = EventTypeExecutionCompleted, EventLevelInfo
	case engine.StatusRolledBack:
		event.Type, event.Level = EventTypeExecutionRolledBack, EventLevelWarning
	case engine.StatusCancelled:
		event.Type, event.Level = EventTypeExecutionCancelled, EventLevelWarning
	default:
		event.Type, event.Level = EventTypeExecutionFailed, EventLevelError
	}
	event.Message = fmt.Sprintf("Execution %s finished with status: %s", result.ExecutionID, result.FinalStatus)
	if result.Error != nil {
		event.Message += " (" + result.Error.Error() + ")"
	}
	ep.publishDropped(event)
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(executionID, resourceID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy_engine",
		ExecutionID: executionID,
		ResourceID:  resourceID,
		Message:     fmt.Sprintf("Policy violation on resource %s: %s - %s", resourceID, policyName, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// publishDropped publishes from the engine's sink path, where a full buffer
// must not stall the execution. Dropped events are logged.
func (ep *EventPublisher) publishDropped(event Event) {
	if err := ep.Publish(event); err != nil {
		log.Warn().Err(err).Str("type", event.Type).Str("execution_id", event.ExecutionID).Msg("Event dropped")
	}
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents batches buffered events and delivers a batch when it is
// full or when the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain what is already buffered before shutting down
		drain:
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// FilterByExecutionID creates a filter that only allows events for a specific execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}

// FilterByResourceID creates a filter that only allows events for a specific resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event Event) bool {
		return event.ResourceID == resourceID
	}
}
