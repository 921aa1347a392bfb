// Package grist is the HTTP adapter to the Grist document API. It performs
// no retries and surfaces any non-2xx response as a hard error: retry policy
// belongs to the task layer that invoked the sync.
package grist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mecconnect/grist-connect/internal/models"
	"github.com/mecconnect/grist-connect/pkg/metrics"
)

// Client talks to a single Grist document
type Client struct {
	apiBaseURL string
	apiKey     string
	docID      string
	http       *http.Client
}

// NewClient builds a client for the given document
func NewClient(apiKey, apiBaseURL, docID string) *Client {
	return &Client{
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		apiKey:     apiKey,
		docID:      docID,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// FromConfig builds a client from a sync configuration's credentials
func FromConfig(config *models.GristConfig) *Client {
	return NewClient(config.APIKey, config.APIBaseURL, config.DocID)
}

// Table is a remote table descriptor
type Table struct {
	ID string `json:"id"`
}

// ColumnDef is the wire shape of a Grist column definition
type ColumnDef struct {
	ID     string          `json:"id"`
	Fields ColumnDefFields `json:"fields"`
}

type ColumnDefFields struct {
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Record is a remote row: an id assigned by Grist plus its field map. The
// connector never invents record ids, it only discovers them.
type Record struct {
	ID     int64           `json:"id"`
	Fields models.FieldMap `json:"fields"`
}

// ColumnDefsFor converts resolved column definitions to their wire shape
func ColumnDefsFor(columns []models.Column) []ColumnDef {
	defs := make([]ColumnDef, 0, len(columns))
	for _, col := range columns {
		defs = append(defs, ColumnDef{
			ID: col.ColID,
			Fields: ColumnDefFields{
				Label: col.Label,
				Type:  col.Type.GristLabel(),
			},
		})
	}
	return defs
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload, out any) error {
	endpoint := fmt.Sprintf("%s/docs/%s/%s", c.apiBaseURL, c.docID, path)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to serialize grist request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GristRequests.WithLabelValues(method, "transport_error").Inc()
		return fmt.Errorf("grist request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.GristRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("grist api error %d on %s %s: %s",
			resp.StatusCode, method, path, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode grist response: %w", err)
		}
	}
	return nil
}

// GetTables lists the tables of the document
func (c *Client) GetTables(ctx context.Context) ([]Table, error) {
	var resp struct {
		Tables []Table `json:"tables"`
	}
	if err := c.do(ctx, http.MethodGet, "tables/", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// TableExists reports whether the given table exists in the document.
// CreateTable is not idempotent on the Grist side, so callers must check
// this first.
func (c *Client) TableExists(ctx context.Context, tableID string) (bool, error) {
	tables, err := c.GetTables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t.ID == tableID {
			return true, nil
		}
	}
	return false, nil
}

// CreateTable creates a table with the given columns
func (c *Client) CreateTable(ctx context.Context, tableID string, columns []ColumnDef) error {
	payload := map[string]any{
		"tables": []map[string]any{
			{"id": tableID, "columns": columns},
		},
	}
	return c.do(ctx, http.MethodPost, "tables/", nil, payload, nil)
}

// GetTableColumns fetches the remote column definitions of a table
func (c *Client) GetTableColumns(ctx context.Context, tableID string) ([]ColumnDef, error) {
	var resp struct {
		Columns []ColumnDef `json:"columns"`
	}
	if err := c.do(ctx, http.MethodGet, "tables/"+tableID+"/columns/", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Columns, nil
}

// GetRecords returns the records matching an equality filter, e.g.
// {"object_id": ["42"]}
func (c *Client) GetRecords(ctx context.Context, tableID string, filter map[string][]any) ([]Record, error) {
	params := url.Values{}
	if len(filter) > 0 {
		b, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize record filter: %w", err)
		}
		params.Set("filter", string(b))
	}

	var resp struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "tables/"+tableID+"/records/", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// CreateRecords appends new rows to the table
func (c *Client) CreateRecords(ctx context.Context, tableID string, records []models.FieldMap) error {
	wire := make([]map[string]any, 0, len(records))
	for _, fields := range records {
		wire = append(wire, map[string]any{"fields": fields})
	}
	payload := map[string]any{"records": wire}
	return c.do(ctx, http.MethodPost, "tables/"+tableID+"/records/", nil, payload, nil)
}

// UpdateRecords patches the fields of existing rows, keyed by record id
func (c *Client) UpdateRecords(ctx context.Context, tableID string, records map[int64]models.FieldMap) error {
	wire := make([]map[string]any, 0, len(records))
	for id, fields := range records {
		wire = append(wire, map[string]any{"id": id, "fields": fields})
	}
	payload := map[string]any{"records": wire}
	return c.do(ctx, http.MethodPatch, "tables/"+tableID+"/records/", nil, payload, nil)
}
