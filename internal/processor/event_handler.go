// Package processor routes persisted webhook events to the sync engine and
// settles their status once the dispatch completes.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mecconnect/grist-connect/internal/db"
	"github.com/mecconnect/grist-connect/internal/models"
	"github.com/mecconnect/grist-connect/pkg/metrics"
)

// EventStore defines the persistence contract for events and configurations
type EventStore interface {
	GetEvent(ctx context.Context, id int64) (*models.WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, id int64) error
	MarkEventFailed(ctx context.Context, id int64, detail string) error
	ListEnabledConfigs(ctx context.Context) ([]models.GristConfig, error)
}

// Dispatcher defines the sync engine entry points the router fans out to
type Dispatcher interface {
	ProcessProjectEvent(ctx context.Context, configs []models.GristConfig, event *models.WebhookEvent) error
	ProcessSurveyAnswerEvent(ctx context.Context, configs []models.GristConfig, event *models.WebhookEvent) error
}

// EventHandler orchestrates the processing of one webhook event end to end
type EventHandler struct {
	store  EventStore
	syncer Dispatcher
	logger *slog.Logger
}

func NewEventHandler(store EventStore, syncer Dispatcher, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		store:  store,
		syncer: syncer,
		logger: logger,
	}
}

// IsFatal reports whether an error is non-retryable. Fatal errors follow the
// "FATAL:" message convention and mean the delivery must not be requeued.
func IsFatal(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "FATAL:")
}

// ProcessEvent executes the complete routing cycle for a persisted event.
// The event is marked Processed after a dispatch that returns no error, even
// when zero configurations performed a write; a fatal error marks it Failed.
// Transient errors leave the event Pending for the at-least-once executor.
func (h *EventHandler) ProcessEvent(ctx context.Context, eventID int64) (err error) {
	start := time.Now()
	objectType := "unknown"

	defer func() {
		status := "processed"
		if err != nil {
			if IsFatal(err) {
				status = "fatal_error"
			} else {
				status = "transient_error"
			}
		}
		metrics.EventsProcessed.WithLabelValues(status, objectType).Inc()
		metrics.EventDuration.WithLabelValues(status, objectType).Observe(time.Since(start).Seconds())
	}()

	event, err := h.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.logger.Error("WebhookEvent does not exist", "event_id", eventID)
			return fmt.Errorf("FATAL: webhook event %d does not exist", eventID)
		}
		return fmt.Errorf("event lookup failed: %w", err)
	}
	objectType = string(event.ObjectType)

	l := h.logger.With("event_id", event.ID, "object_type", event.ObjectType, "object_id", event.ObjectID)

	if event.Status == models.EventStatusProcessed {
		l.Info("Event already processed, skipping to ACK")
		return nil
	}

	configs, err := h.store.ListEnabledConfigs(ctx)
	if err != nil {
		return fmt.Errorf("configuration snapshot failed: %w", err)
	}

	switch event.ObjectType {
	case models.ObjectTypeProject:
		err = h.syncer.ProcessProjectEvent(ctx, configs, event)
	case models.ObjectTypeSurveyAnswer:
		err = h.syncer.ProcessSurveyAnswerEvent(ctx, configs, event)
	default:
		// The receiver only persists known object types; reaching this
		// branch is an invariant violation, not an input error.
		err = fmt.Errorf("FATAL: unknown object type %q on event %d", event.ObjectType, event.ID)
	}

	if err != nil {
		if IsFatal(err) {
			l.Error("Event processing failed permanently", "error", err)
			if markErr := h.store.MarkEventFailed(ctx, event.ID, err.Error()); markErr != nil {
				l.Error("Failed to mark event as failed", "error", markErr)
			}
			return err
		}
		// Left Pending on purpose: the broker redelivers and we re-enter
		return err
	}

	if err := h.store.MarkEventProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}

	l.Info("Event successfully synchronized to Grist")
	return nil
}
