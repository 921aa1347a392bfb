package mapper

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mecconnect/grist-connect/internal/models"
)

// questionKind partitions the known survey questions into their five output
// shapes. The kind, not the slug, decides which answer fields end up in the
// field map.
type questionKind int

const (
	// kindChoices emits the joined choice texts plus a _comment column
	kindChoices questionKind = iota
	// kindNumeric emits the comment cast to a float, or nothing on cast failure
	kindNumeric
	// kindAttachment emits the comment plus an _attachment column
	kindAttachment
	// kindBoolean emits whether the first selected value is the literal "Oui"
	kindBoolean
	// kindComment emits the free-text comment only
	kindComment
)

type questionSpec struct {
	colID string
	kind  questionKind
}

// questionSpecs is the dispatch table from upstream question slug to target
// column and output shape. Unknown slugs are ignored, not errors: the survey
// gains questions faster than this connector does.
var questionSpecs = map[string]questionSpec{
	"autres-programmes-et-contrats":    {colID: "dependencies", kind: kindChoices},
	"boussole":                         {colID: "ecological_transition_compass", kind: kindComment},
	"budget-previsionnel":              {colID: "budget", kind: kindNumeric},
	"calendrier":                       {colID: "calendar", kind: kindAttachment},
	"description-de-laction":           {colID: "action", kind: kindComment},
	"diagnostic-anct":                  {colID: "diagnostic_anct", kind: kindAttachment},
	"indicateurs-de-suivi-et-deval":    {colID: "evaluation_indicator", kind: kindComment},
	"maitre-douvrage-2":                {colID: "ownership", kind: kindComment},
	"maturite-du-projet":               {colID: "maturity", kind: kindChoices},
	"partage-a-la-commune":             {colID: "diagnostic_is_shared", kind: kindBoolean},
	"partenaires-2":                    {colID: "partners", kind: kindComment},
	"perimetre":                        {colID: "perimeter", kind: kindChoices},
	"plan-de-financement-definitif":    {colID: "final_financing_plan", kind: kindAttachment},
	"plan-de-financement-previsionnel": {colID: "forecast_financing_plan", kind: kindAttachment},
	"procedures-administratives":       {colID: "administrative_procedures", kind: kindComment},
	"thematiques-2":                    {colID: "topics", kind: kindChoices},
}

// AnswerPayload is the upstream survey answer shape
type AnswerPayload struct {
	ID         int64          `json:"id"`
	Project    *looseInt      `json:"project"`
	Comment    string         `json:"comment"`
	Values     []string       `json:"values"`
	Attachment string         `json:"attachment"`
	Choices    []AnswerChoice `json:"choices"`
	Question   struct {
		Slug      string `json:"slug"`
		TextShort string `json:"text_short"`
	} `json:"question"`
}

type AnswerChoice struct {
	Text string `json:"text"`
}

// ProjectID returns the id of the project the answer belongs to. Survey
// answers are mirrored into their project's row, so a missing project id
// makes the answer unroutable.
func (a *AnswerPayload) ProjectID() (int64, error) {
	if a.Project == nil {
		return 0, strconv.ErrSyntax
	}
	id, err := a.Project.Int()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

func (a *AnswerPayload) joinedChoices() string {
	texts := make([]string, 0, len(a.Choices))
	for _, c := range a.Choices {
		texts = append(texts, c.Text)
	}
	return strings.Join(texts, ",")
}

// MapSurveyAnswer maps a raw survey answer payload to a field map, dispatched
// on the answer's question slug. Same soft-failure and filtering contract as
// MapProject.
func MapSurveyAnswer(logger *slog.Logger, raw json.RawMessage, allowed []string) models.FieldMap {
	var obj AnswerPayload
	if err := json.Unmarshal(raw, &obj); err != nil {
		logger.Error("Skipping malformed survey answer payload", "error", err)
		return models.FieldMap{}
	}

	spec, known := questionSpecs[obj.Question.Slug]
	if !known {
		logger.Info("Unhandled question", "slug", obj.Question.Slug, "question", obj.Question.TextShort)
		return models.FieldMap{}
	}

	data := models.FieldMap{}
	switch spec.kind {
	case kindChoices:
		data[spec.colID] = obj.joinedChoices()
		data[spec.colID+"_comment"] = obj.Comment

	case kindNumeric:
		// A non-numeric comment is a silent skip, not a failure: operators
		// routinely type prose into the budget question.
		if v, err := strconv.ParseFloat(strings.TrimSpace(obj.Comment), 64); err == nil {
			data[spec.colID] = v
		}

	case kindAttachment:
		data[spec.colID] = obj.Comment
		data[spec.colID+"_attachment"] = obj.Attachment

	case kindBoolean:
		data[spec.colID] = len(obj.Values) > 0 && obj.Values[0] == "Oui"

	case kindComment:
		data[spec.colID] = obj.Comment
	}

	return data.Filter(allowed)
}
