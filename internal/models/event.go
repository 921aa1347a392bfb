package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStatus tracks the processing lifecycle of a webhook event
type EventStatus string

const (
	EventStatusPending   EventStatus = "PENDING"
	EventStatusProcessed EventStatus = "PROCESSED"
	EventStatusInvalid   EventStatus = "INVALID"
	EventStatusFailed    EventStatus = "FAILED"
)

// ObjectType identifies the kind of upstream object a webhook event refers to
type ObjectType string

const (
	ObjectTypeProject      ObjectType = "projects.Project"
	ObjectTypeSurveyAnswer ObjectType = "survey.Answer"
)

// WebhookEvent is a persisted inbound webhook delivery. It is created by the
// receiver and mutated exactly once by the worker, to PROCESSED or FAILED.
type WebhookEvent struct {
	ID          int64           `db:"id"`
	WebhookUUID uuid.UUID       `db:"webhook_uuid"`
	Topic       string          `db:"topic"`
	ObjectID    string          `db:"object_id"`
	ObjectType  ObjectType      `db:"object_type"`
	RemoteIP    string          `db:"remote_ip"`
	Headers     json.RawMessage `db:"headers"`
	Payload     json.RawMessage `db:"payload"`
	Status      EventStatus     `db:"status"`
	Failure     string          `db:"failure"`
	CreatedAt   time.Time       `db:"created_at"`
}

// ObjectData returns the "object" member of the webhook payload envelope
func (e *WebhookEvent) ObjectData() (json.RawMessage, error) {
	var envelope struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(e.Payload, &envelope); err != nil {
		return nil, err
	}
	return envelope.Object, nil
}
