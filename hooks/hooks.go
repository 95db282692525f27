package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stratadb/strata/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Cycle lifecycle events.
	EventPreCompactionCycle  EventType = "PreCompactionCycle"
	EventPostCompactionCycle EventType = "PostCompactionCycle"

	// Job lifecycle events.
	EventPreCompactionJob  EventType = "PreCompactionJob"
	EventPostCompactionJob EventType = "PostCompactionJob"

	// Object lifecycle events.
	EventPostSegmentCreate EventType = "PostSegmentCreate"
	EventPreSegmentDelete  EventType = "PreSegmentDelete"

	// Catalog events.
	EventPostCatalogCommit EventType = "PostCatalogCommit"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreCompactionCyclePayload is currently empty but can be extended.
type PreCompactionCyclePayload struct{}

// NewPreCompactionCycleEvent creates an event for before a planning cycle runs.
func NewPreCompactionCycleEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCompactionCycle, payload: PreCompactionCyclePayload{}}
}

// PostCompactionCyclePayload contains the outcome of one full cycle.
type PostCompactionCyclePayload struct {
	JobsPlanned   int
	JobsSucceeded int
	JobsFailed    int
	Duration      time.Duration
}

// NewPostCompactionCycleEvent creates an event for after a planning cycle finishes.
func NewPostCompactionCycleEvent(payload PostCompactionCyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompactionCycle, payload: payload}
}

// PreCompactionJobPayload contains the job about to execute.
type PreCompactionJobPayload struct {
	Job *core.CompactionJob
}

// NewPreCompactionJobEvent creates an event for before a job executes.
// Returning an error from a listener cancels the job.
func NewPreCompactionJobEvent(payload PreCompactionJobPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompactionJob, payload: payload}
}

// PostCompactionJobPayload contains the result of one executed job.
type PostCompactionJobPayload struct {
	Job      core.CompactionJob
	Outputs  []core.FileMetadata
	Duration time.Duration
	Error    error
}

// NewPostCompactionJobEvent creates an event for after a job has executed.
func NewPostCompactionJobEvent(payload PostCompactionJobPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompactionJob, payload: payload}
}

// SegmentPayload contains information about a segment object for
// create/delete events.
type SegmentPayload struct {
	Path  string
	Level core.GenerationLevel
	Size  int64
	Rows  int64
}

// NewPostSegmentCreateEvent creates an event for after a segment has been written.
func NewPostSegmentCreateEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentCreate, payload: payload}
}

// NewPreSegmentDeleteEvent creates an event for before a segment object is deleted.
func NewPreSegmentDeleteEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPreSegmentDelete, payload: payload}
}

// CatalogCommitPayload contains information about a successful commit.
type CatalogCommitPayload struct {
	Version    uint64
	NewFiles   int
	Tombstoned int
}

// NewPostCatalogCommitEvent creates an event for after a catalog commit succeeds.
func NewPostCatalogCommitEvent(payload CatalogCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCatalogCommit, payload: payload}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook can cancel the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority for sorted insertion.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// sort.Search finds the first index i where l[i].priority >= item.priority.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
