package mapper

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mecconnect/grist-connect/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const projectPayload = `{
	"id": 9,
	"name": "Pôle Santé",
	"description": "Le projet consiste à créer un pôle santé",
	"location": "rue des hirondelles",
	"tags": ["tag1", "tag2"],
	"commune": {
		"name": "MONNIERES",
		"postal": "44690",
		"insee": "44100",
		"department": {
			"name": "Loire-Atlantique",
			"code": "44"
		}
	}
}`

func TestMapProject(t *testing.T) {
	fields := MapProject(discardLogger(), []byte(projectPayload), nil)

	assert.Equal(t, models.FieldMap{
		"name":            "Pôle Santé",
		"context":         "Le projet consiste à créer un pôle santé",
		"city":            "MONNIERES",
		"postal_code":     44690,
		"insee":           44100,
		"department":      "Loire-Atlantique",
		"department_code": 44,
		"location":        "rue des hirondelles",
		"tags":            "tag1,tag2",
	}, fields)
}

func TestMapProjectOptionalFieldsOmitted(t *testing.T) {
	payload := `{
		"id": 9,
		"name": "Pôle Santé",
		"description": "desc",
		"commune": {
			"name": "MONNIERES",
			"postal": "44690",
			"insee": "44100",
			"department": {"name": "Loire-Atlantique", "code": "44"}
		}
	}`
	fields := MapProject(discardLogger(), []byte(payload), nil)

	assert.NotContains(t, fields, "location")
	assert.NotContains(t, fields, "tags")
	assert.Equal(t, "Pôle Santé", fields["name"])
}

func TestMapProjectBareNumericCodes(t *testing.T) {
	payload := `{
		"id": 9,
		"name": "n",
		"description": "d",
		"commune": {
			"name": "c",
			"postal": 44690,
			"insee": 44100,
			"department": {"name": "dep", "code": 44}
		}
	}`
	fields := MapProject(discardLogger(), []byte(payload), nil)

	assert.Equal(t, 44690, fields["postal_code"])
	assert.Equal(t, 44, fields["department_code"])
}

func TestMapProjectMissingRequiredField(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"no name", `{"id": 1, "description": "d", "commune": {"name": "c", "postal": "1", "insee": "1", "department": {"name": "dep", "code": "1"}}}`},
		{"no description", `{"id": 1, "name": "n", "commune": {"name": "c", "postal": "1", "insee": "1", "department": {"name": "dep", "code": "1"}}}`},
		{"no commune", `{"id": 1, "name": "n", "description": "d"}`},
		{"no department", `{"id": 1, "name": "n", "description": "d", "commune": {"name": "c", "postal": "1", "insee": "1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := MapProject(discardLogger(), []byte(tt.payload), nil)
			assert.Empty(t, fields)
		})
	}
}

func TestMapProjectBadNumericCast(t *testing.T) {
	payload := `{
		"id": 1,
		"name": "n",
		"description": "d",
		"commune": {
			"name": "c",
			"postal": "not a number",
			"insee": "44100",
			"department": {"name": "dep", "code": "44"}
		}
	}`
	fields := MapProject(discardLogger(), []byte(payload), nil)
	assert.Empty(t, fields)
}

func TestMapProjectMalformedJSON(t *testing.T) {
	fields := MapProject(discardLogger(), []byte(`{"name": [}`), nil)
	assert.Empty(t, fields)
}

func TestMapProjectAllowedColumnFiltering(t *testing.T) {
	allowed := []string{"name", "city", "department_code"}

	fields := MapProject(discardLogger(), []byte(projectPayload), allowed)
	assert.Equal(t, models.FieldMap{
		"name":            "Pôle Santé",
		"city":            "MONNIERES",
		"department_code": 44,
	}, fields)

	// Filtering an already-filtered map by the same key set is a no-op
	assert.Equal(t, fields, fields.Filter(allowed))
}
