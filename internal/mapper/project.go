// Package mapper translates upstream Recoco payloads into flat field maps
// keyed by Grist column id. Mapping is hardcoded per upstream object type:
// this is deliberately not a generic ETL layer.
package mapper

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mecconnect/grist-connect/internal/models"
)

// looseInt accepts both quoted ("44690") and bare (44690) numbers, which the
// upstream API emits interchangeably depending on the endpoint
type looseInt string

func (l *looseInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 1 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = looseInt(s)
		return nil
	}
	*l = looseInt(b)
	return nil
}

func (l *looseInt) Int() (int, error) {
	if l == nil {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(strings.TrimSpace(string(*l)))
}

// ProjectPayload is the subset of the upstream project object the connector
// mirrors. Optional fields are pointers so that absence is an explicit case
// rather than a zero-value surprise.
type ProjectPayload struct {
	ID          int64           `json:"id"`
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Location    *string         `json:"location"`
	Tags        []string        `json:"tags"`
	Commune     *CommunePayload `json:"commune"`
}

type CommunePayload struct {
	Name       *string            `json:"name"`
	Postal     *looseInt          `json:"postal"`
	Insee      *looseInt          `json:"insee"`
	Department *DepartmentPayload `json:"department"`
}

type DepartmentPayload struct {
	Name *string   `json:"name"`
	Code *looseInt `json:"code"`
}

// MapProject maps a raw project payload object to a field map. A missing
// required field or a failed numeric cast makes the whole mapping fail soft:
// the object is skipped with an empty map and a log line, never an error to
// the caller. allowed limits the result to the given column ids; nil means
// no filtering.
func MapProject(logger *slog.Logger, raw json.RawMessage, allowed []string) models.FieldMap {
	var obj ProjectPayload
	if err := json.Unmarshal(raw, &obj); err != nil {
		logger.Error("Skipping malformed project payload", "error", err)
		return models.FieldMap{}
	}

	l := logger.With("project_id", obj.ID)

	if obj.Name == nil || obj.Description == nil || obj.Commune == nil {
		l.Error("Skipping project: missing required field")
		return models.FieldMap{}
	}
	commune := obj.Commune
	if commune.Name == nil || commune.Department == nil || commune.Department.Name == nil {
		l.Error("Skipping project: incomplete commune data")
		return models.FieldMap{}
	}

	postal, err := commune.Postal.Int()
	if err != nil {
		l.Error("Skipping project: postal code is not an integer")
		return models.FieldMap{}
	}
	insee, err := commune.Insee.Int()
	if err != nil {
		l.Error("Skipping project: insee code is not an integer")
		return models.FieldMap{}
	}
	departmentCode, err := commune.Department.Code.Int()
	if err != nil {
		l.Error("Skipping project: department code is not an integer")
		return models.FieldMap{}
	}

	data := models.FieldMap{
		"name":            *obj.Name,
		"context":         *obj.Description,
		"city":            *commune.Name,
		"postal_code":     postal,
		"insee":           insee,
		"department":      *commune.Department.Name,
		"department_code": departmentCode,
	}
	if obj.Location != nil {
		data["location"] = *obj.Location
	}
	if obj.Tags != nil {
		data["tags"] = strings.Join(obj.Tags, ",")
	}

	return data.Filter(allowed)
}
