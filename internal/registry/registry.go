// Package registry holds the catalog of Grist columns the connector knows
// how to fill, and resolves a configuration's column references into an
// ordered column list.
package registry

import (
	"sort"

	"github.com/mecconnect/grist-connect/internal/models"
)

// DefaultColumns is the well-known column set used to seed new
// configurations. Order here is the seeding order; positions are assigned in
// steps of 10 so operators can insert columns in between without renumbering.
var DefaultColumns = []models.Column{
	{ColID: "object_id", Label: "ID", Type: models.ColumnTypeText},
	{ColID: "name", Label: "Nom du projet", Type: models.ColumnTypeText},
	{ColID: "context", Label: "Contexte", Type: models.ColumnTypeText},
	{ColID: "city", Label: "Commune", Type: models.ColumnTypeText},
	{ColID: "postal_code", Label: "Code postal", Type: models.ColumnTypeInteger},
	{ColID: "insee", Label: "Code INSEE", Type: models.ColumnTypeInteger},
	{ColID: "department", Label: "Département", Type: models.ColumnTypeText},
	{ColID: "department_code", Label: "Code département", Type: models.ColumnTypeInteger},
	{ColID: "location", Label: "Adresse", Type: models.ColumnTypeText},
	{ColID: "tags", Label: "Étiquettes", Type: models.ColumnTypeChoiceList},
	{ColID: "topics", Label: "Thématiques", Type: models.ColumnTypeChoiceList},
	{ColID: "topics_comment", Label: "Commentaire thématiques", Type: models.ColumnTypeText},
	{ColID: "perimeter", Label: "Périmètre", Type: models.ColumnTypeChoiceList},
	{ColID: "perimeter_comment", Label: "Commentaire périmètre", Type: models.ColumnTypeText},
	{ColID: "diagnostic_anct", Label: "Diagnostic ANCT", Type: models.ColumnTypeText},
	{ColID: "diagnostic_anct_attachment", Label: "PJ Diagnostic ANCT", Type: models.ColumnTypeText},
	{ColID: "diagnostic_is_shared", Label: "Le diagnostic a-t-il été partagé à la commune ?", Type: models.ColumnTypeBool},
	{ColID: "maturity", Label: "Niveau de maturité", Type: models.ColumnTypeChoiceList},
	{ColID: "maturity_comment", Label: "Commentaire niveau de maturité", Type: models.ColumnTypeText},
	{ColID: "ownership", Label: "Maître d'ouvrage", Type: models.ColumnTypeText},
	{ColID: "action", Label: "Description de l'action", Type: models.ColumnTypeText},
	{ColID: "partners", Label: "Partenaires", Type: models.ColumnTypeText},
	{ColID: "budget", Label: "Budget prévisionnel", Type: models.ColumnTypeNumeric},
	{ColID: "budget_attachment", Label: "PJ Budget prévisionnel", Type: models.ColumnTypeText},
	{ColID: "forecast_financing_plan", Label: "Plan de financement prévisionnel", Type: models.ColumnTypeText},
	{ColID: "forecast_financing_plan_attachment", Label: "PJ Financement prévisionnel", Type: models.ColumnTypeText},
	{ColID: "final_financing_plan", Label: "Plan de financement définitif", Type: models.ColumnTypeText},
	{ColID: "final_financing_plan_attachment", Label: "PJ Financement définitif", Type: models.ColumnTypeText},
	{ColID: "calendar", Label: "Calendrier", Type: models.ColumnTypeText},
	{ColID: "calendar_attachment", Label: "Pièce jointe calendrier", Type: models.ColumnTypeText},
	{ColID: "administrative_procedures", Label: "Procédures administratives", Type: models.ColumnTypeText},
	{ColID: "dependencies", Label: "Liens avec d'autres programmes et contrats", Type: models.ColumnTypeChoiceList},
	{ColID: "dependencies_comment", Label: "Commentaire liens avec d'autres programmes et contrats", Type: models.ColumnTypeText},
	{ColID: "evaluation_indicator", Label: "Indicateur de suivi et d'évaluation", Type: models.ColumnTypeText},
	{ColID: "ecological_transition_compass", Label: "Boussole de transition écologique", Type: models.ColumnTypeText},
}

// ResolveColumns returns the configuration's columns sorted by position,
// with col_id as a stable tie-break. The input configuration is not mutated.
func ResolveColumns(config *models.GristConfig) []models.Column {
	refs := make([]models.ColumnRef, len(config.Columns))
	copy(refs, config.Columns)

	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Position != refs[j].Position {
			return refs[i].Position < refs[j].Position
		}
		return refs[i].Column.ColID < refs[j].Column.ColID
	})

	columns := make([]models.Column, 0, len(refs))
	for _, ref := range refs {
		columns = append(columns, ref.Column)
	}
	return columns
}
