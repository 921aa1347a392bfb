// Package webhook receives inbound webhook deliveries, authenticates them,
// persists them as events and hands them to the broker for asynchronous
// processing.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/mecconnect/grist-connect/internal/broker"
	"github.com/mecconnect/grist-connect/internal/models"
)

// maxBodyBytes bounds inbound payloads; upstream objects are a few KB
const maxBodyBytes = 1 << 20

// EventStore persists inbound events before they are dispatched
type EventStore interface {
	InsertEvent(ctx context.Context, event *models.WebhookEvent) (int64, error)
}

// Publisher hands a persisted event to the at-least-once executor
type Publisher interface {
	Publish(ctx context.Context, message broker.EventMessage) error
}

// envelope is the outer shape of a django-webhook delivery
type envelope struct {
	Topic       string          `json:"topic"`
	ObjectType  string          `json:"object_type"`
	WebhookUUID string          `json:"webhook_uuid"`
	Object      json.RawMessage `json:"object"`
}

type Handler struct {
	secret    string
	store     EventStore
	publisher Publisher
	logger    *slog.Logger
}

func NewHandler(secret string, store EventStore, publisher Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		secret:    secret,
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Register mounts the webhook route on the given mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webhook", h.handleWebhook)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.secret, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body) {
		h.logger.Warn("Rejected webhook with invalid signature", "remote_ip", remoteIP(r))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	webhookUUID, err := uuid.Parse(env.WebhookUUID)
	if err != nil {
		http.Error(w, "malformed webhook uuid", http.StatusBadRequest)
		return
	}

	var objectHeader struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(env.Object, &objectHeader); err != nil || objectHeader.ID.String() == "" {
		http.Error(w, "payload object has no id", http.StatusBadRequest)
		return
	}

	headers, _ := json.Marshal(r.Header)
	event := &models.WebhookEvent{
		WebhookUUID: webhookUUID,
		Topic:       env.Topic,
		ObjectID:    objectHeader.ID.String(),
		ObjectType:  models.ObjectType(env.ObjectType),
		RemoteIP:    remoteIP(r),
		Headers:     headers,
		Payload:     body,
	}

	l := h.logger.With("webhook_uuid", webhookUUID, "topic", env.Topic, "object_type", env.ObjectType)

	switch event.ObjectType {
	case models.ObjectTypeProject, models.ObjectTypeSurveyAnswer:
	default:
		l.Warn("Unknown object type, delivery ignored")
		http.Error(w, "unknown object type", http.StatusBadRequest)
		return
	}

	eventID, err := h.store.InsertEvent(r.Context(), event)
	if err != nil {
		l.Error("Failed to persist webhook event", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	message := broker.EventMessage{
		EventID:     eventID,
		ObjectType:  env.ObjectType,
		WebhookUUID: env.WebhookUUID,
	}
	if err := h.publisher.Publish(r.Context(), message); err != nil {
		// The event is persisted; the sender will retry the delivery and the
		// duplicate insert converges through the idempotent processor
		l.Error("Failed to publish event to broker", "event_id", eventID, "error", err)
		http.Error(w, "broker failure", http.StatusInternalServerError)
		return
	}

	l.Info("Webhook event accepted", "event_id", eventID)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"event_id": %d}`, eventID)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
