package models

import "github.com/google/uuid"

// ColumnType enumerates the Grist column types the connector knows how to write
type ColumnType string

const (
	ColumnTypeAttachments ColumnType = "attachments"
	ColumnTypeBool        ColumnType = "boolean"
	ColumnTypeChoice      ColumnType = "choice"
	ColumnTypeChoiceList  ColumnType = "choice_list"
	ColumnTypeDate        ColumnType = "date"
	ColumnTypeInteger     ColumnType = "integer"
	ColumnTypeNumeric     ColumnType = "numeric"
	ColumnTypeText        ColumnType = "text"
)

// GristLabel translates the internal type identifier to the label the Grist
// API expects in a column definition
func (t ColumnType) GristLabel() string {
	switch t {
	case ColumnTypeAttachments:
		return "Attachments"
	case ColumnTypeBool:
		return "Bool"
	case ColumnTypeChoice:
		return "Choice"
	case ColumnTypeChoiceList:
		return "ChoiceList"
	case ColumnTypeDate:
		return "Date"
	case ColumnTypeInteger:
		return "Int"
	case ColumnTypeNumeric:
		return "Numeric"
	default:
		return "Text"
	}
}

// Column is a target column definition. Identity is ColID, immutable once
// referenced by data in a remote table.
type Column struct {
	ColID string     `db:"col_id"`
	Label string     `db:"label"`
	Type  ColumnType `db:"type"`
}

// ColumnRef attaches a column to a configuration at a given position.
// Position drives the export column order.
type ColumnRef struct {
	Column   Column `db:"-"`
	Position int    `db:"position"`
}

// GristConfig is an operator-defined synchronization target: one Grist
// document/table plus the ordered set of columns mirrored into it
type GristConfig struct {
	ID         uuid.UUID   `db:"id"`
	Name       string      `db:"name"`
	DocID      string      `db:"doc_id"`
	TableID    string      `db:"table_id"`
	Enabled    bool        `db:"enabled"`
	APIBaseURL string      `db:"api_base_url"`
	APIKey     string      `db:"api_key"`
	Columns    []ColumnRef `db:"-"`
}

// ColumnIDs returns the configuration's column ids in export order
func (c *GristConfig) ColumnIDs() []string {
	ids := make([]string, 0, len(c.Columns))
	for _, ref := range c.Columns {
		ids = append(ids, ref.Column.ColID)
	}
	return ids
}
