package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mecconnect/grist-connect/internal/grist"
	"github.com/mecconnect/grist-connect/internal/models"
	"github.com/mecconnect/grist-connect/internal/recoco"
)

// fakeTableClient is an in-memory stand-in for the Grist adapter
type fakeTableClient struct {
	tables  map[string][]grist.ColumnDef
	records map[string][]grist.Record
	nextID  int64

	createdBatches [][]models.FieldMap
	updated        map[int64]models.FieldMap

	failWith error
}

func newFakeTableClient() *fakeTableClient {
	return &fakeTableClient{
		tables:  make(map[string][]grist.ColumnDef),
		records: make(map[string][]grist.Record),
		updated: make(map[int64]models.FieldMap),
	}
}

func (f *fakeTableClient) TableExists(_ context.Context, tableID string) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	_, ok := f.tables[tableID]
	return ok, nil
}

func (f *fakeTableClient) CreateTable(_ context.Context, tableID string, columns []grist.ColumnDef) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.tables[tableID] = columns
	return nil
}

func (f *fakeTableClient) GetTableColumns(_ context.Context, tableID string) ([]grist.ColumnDef, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.tables[tableID], nil
}

func (f *fakeTableClient) GetRecords(_ context.Context, tableID string, filter map[string][]any) ([]grist.Record, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	wanted := filter["object_id"]
	var out []grist.Record
	for _, rec := range f.records[tableID] {
		for _, w := range wanted {
			if fmt.Sprint(rec.Fields["object_id"]) == fmt.Sprint(w) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (f *fakeTableClient) CreateRecords(_ context.Context, tableID string, records []models.FieldMap) error {
	if f.failWith != nil {
		return f.failWith
	}
	batch := make([]models.FieldMap, len(records))
	copy(batch, records)
	f.createdBatches = append(f.createdBatches, batch)
	for _, fields := range records {
		f.nextID++
		f.records[tableID] = append(f.records[tableID], grist.Record{ID: f.nextID, Fields: fields})
	}
	return nil
}

func (f *fakeTableClient) UpdateRecords(_ context.Context, tableID string, records map[int64]models.FieldMap) error {
	if f.failWith != nil {
		return f.failWith
	}
	for id, fields := range records {
		f.updated[id] = fields
	}
	return nil
}

// fakeSource serves canned upstream projects and answers
type fakeSource struct {
	projects []json.RawMessage
	sessions map[int64][]recoco.SurveySession
	answers  map[int64][]json.RawMessage
}

func (f *fakeSource) ForEachProject(_ context.Context, fn func(json.RawMessage) error) error {
	for _, p := range f.projects {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) GetSurveySessions(_ context.Context, projectID int64) ([]recoco.SurveySession, error) {
	return f.sessions[projectID], nil
}

func (f *fakeSource) ForEachSessionAnswer(_ context.Context, sessionID int64, fn func(json.RawMessage) error) error {
	for _, a := range f.answers[sessionID] {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(tableID string) models.GristConfig {
	return models.GristConfig{
		ID:      uuid.New(),
		Name:    "test",
		DocID:   "doc1",
		TableID: tableID,
		Enabled: true,
		Columns: []models.ColumnRef{
			{Column: models.Column{ColID: "object_id", Label: "ID", Type: models.ColumnTypeText}, Position: 0},
			{Column: models.Column{ColID: "name", Label: "Nom du projet", Type: models.ColumnTypeText}, Position: 10},
			{Column: models.Column{ColID: "context", Label: "Contexte", Type: models.ColumnTypeText}, Position: 20},
			{Column: models.Column{ColID: "city", Label: "Commune", Type: models.ColumnTypeText}, Position: 30},
			{Column: models.Column{ColID: "postal_code", Label: "Code postal", Type: models.ColumnTypeInteger}, Position: 40},
			{Column: models.Column{ColID: "insee", Label: "Code INSEE", Type: models.ColumnTypeInteger}, Position: 50},
			{Column: models.Column{ColID: "department", Label: "Département", Type: models.ColumnTypeText}, Position: 60},
			{Column: models.Column{ColID: "department_code", Label: "Code département", Type: models.ColumnTypeInteger}, Position: 70},
			{Column: models.Column{ColID: "topics", Label: "Thématiques", Type: models.ColumnTypeChoiceList}, Position: 80},
			{Column: models.Column{ColID: "topics_comment", Label: "Commentaire", Type: models.ColumnTypeText}, Position: 90},
		},
	}
}

func projectJSON(id int64, name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"id": %d,
		"name": %q,
		"description": "desc",
		"commune": {
			"name": "MONNIERES",
			"postal": "44690",
			"insee": "44100",
			"department": {"name": "Loire-Atlantique", "code": "44"}
		}
	}`, id, name))
}

func projectEvent(t *testing.T, objectID string) *models.WebhookEvent {
	t.Helper()
	payload := fmt.Sprintf(`{"topic": "projects.Project/update", "object": %s}`, projectJSON(9, "Pôle Santé"))
	return &models.WebhookEvent{
		ID:         1,
		ObjectID:   objectID,
		ObjectType: models.ObjectTypeProject,
		Payload:    json.RawMessage(payload),
	}
}

func singleClientSyncer(client TableClient, source ProjectSource) *Syncer {
	return NewSyncer(func(*models.GristConfig) TableClient { return client }, source, testLogger())
}

func TestUpsertRecordCreates(t *testing.T) {
	client := newFakeTableClient()
	s := singleClientSyncer(client, &fakeSource{})

	err := s.UpsertRecord(context.Background(), client, "t1", 9, models.FieldMap{"name": "Pôle Santé"})
	require.NoError(t, err)

	require.Len(t, client.createdBatches, 1)
	require.Len(t, client.createdBatches[0], 1)
	assert.Equal(t, models.FieldMap{"object_id": int64(9), "name": "Pôle Santé"}, client.createdBatches[0][0])
	assert.Empty(t, client.updated)
}

func TestUpsertRecordUpdatesFirstMatchOnly(t *testing.T) {
	client := newFakeTableClient()
	// Two duplicate rows for the same object id
	client.records["t1"] = []grist.Record{
		{ID: 7, Fields: models.FieldMap{"object_id": int64(9), "name": "old"}},
		{ID: 8, Fields: models.FieldMap{"object_id": int64(9), "name": "dup"}},
	}
	s := singleClientSyncer(client, &fakeSource{})

	err := s.UpsertRecord(context.Background(), client, "t1", 9, models.FieldMap{"name": "new"})
	require.NoError(t, err)

	assert.Empty(t, client.createdBatches)
	assert.Equal(t, models.FieldMap{"name": "new"}, client.updated[7])
	assert.NotContains(t, client.updated, int64(8))
}

func TestProcessProjectEventCreatesRecord(t *testing.T) {
	client := newFakeTableClient()
	s := singleClientSyncer(client, &fakeSource{})

	configs := []models.GristConfig{testConfig("t1")}
	err := s.ProcessProjectEvent(context.Background(), configs, projectEvent(t, "9"))
	require.NoError(t, err)

	require.Len(t, client.createdBatches, 1)
	created := client.createdBatches[0][0]
	assert.Equal(t, int64(9), created["object_id"])
	assert.Equal(t, "Pôle Santé", created["name"])
	assert.Equal(t, 44690, created["postal_code"])
	// Columns absent from the configuration never reach the remote store
	assert.NotContains(t, created, "location")
}

func TestProcessProjectEventSkipsDisabledConfigs(t *testing.T) {
	client := newFakeTableClient()
	s := singleClientSyncer(client, &fakeSource{})

	disabled := testConfig("t1")
	disabled.Enabled = false

	err := s.ProcessProjectEvent(context.Background(), []models.GristConfig{disabled}, projectEvent(t, "9"))
	require.NoError(t, err)
	assert.Empty(t, client.createdBatches)
}

func TestProcessProjectEventConfigIsolation(t *testing.T) {
	broken := newFakeTableClient()
	broken.failWith = errors.New("grist api error 502")
	healthy := newFakeTableClient()

	configs := []models.GristConfig{testConfig("t1"), testConfig("t2")}
	clients := map[string]TableClient{"t1": broken, "t2": healthy}

	s := NewSyncer(func(c *models.GristConfig) TableClient { return clients[c.TableID] }, &fakeSource{}, testLogger())

	err := s.ProcessProjectEvent(context.Background(), configs, projectEvent(t, "9"))
	require.Error(t, err)

	// The second configuration was still written despite the first failing
	require.Len(t, healthy.createdBatches, 1)
}

func TestProcessProjectEventNonNumericObjectID(t *testing.T) {
	s := singleClientSyncer(newFakeTableClient(), &fakeSource{})

	err := s.ProcessProjectEvent(context.Background(), []models.GristConfig{testConfig("t1")}, projectEvent(t, "abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FATAL:")
}

func TestProcessSurveyAnswerEventTargetsProjectRow(t *testing.T) {
	client := newFakeTableClient()
	client.records["t1"] = []grist.Record{
		{ID: 3, Fields: models.FieldMap{"object_id": int64(9), "name": "Pôle Santé"}},
	}
	s := singleClientSyncer(client, &fakeSource{})

	payload := `{
		"topic": "survey.Answer/update",
		"object": {
			"id": 42,
			"project": 9,
			"comment": "mon commentaire",
			"choices": [{"text": "Commerce rural"}],
			"question": {"slug": "thematiques-2"}
		}
	}`
	event := &models.WebhookEvent{
		ID:         2,
		ObjectID:   "42",
		ObjectType: models.ObjectTypeSurveyAnswer,
		Payload:    json.RawMessage(payload),
	}

	err := s.ProcessSurveyAnswerEvent(context.Background(), []models.GristConfig{testConfig("t1")}, event)
	require.NoError(t, err)

	// The answer updated the project's row, keyed by the project id
	assert.Equal(t, models.FieldMap{
		"topics":         "Commerce rural",
		"topics_comment": "mon commentaire",
	}, client.updated[3])
}

func TestProcessSurveyAnswerEventMissingProjectID(t *testing.T) {
	s := singleClientSyncer(newFakeTableClient(), &fakeSource{})

	event := &models.WebhookEvent{
		ID:         2,
		ObjectID:   "42",
		ObjectType: models.ObjectTypeSurveyAnswer,
		Payload:    json.RawMessage(`{"object": {"id": 42, "question": {"slug": "boussole"}}}`),
	}

	err := s.ProcessSurveyAnswerEvent(context.Background(), []models.GristConfig{testConfig("t1")}, event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FATAL:")
}

func TestPopulateTableRejectsExistingTable(t *testing.T) {
	client := newFakeTableClient()
	client.tables["t1"] = nil
	s := singleClientSyncer(client, &fakeSource{})

	config := testConfig("t1")
	err := s.PopulateTable(context.Background(), &config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestPopulateTableRejectsEmptyColumnSet(t *testing.T) {
	s := singleClientSyncer(newFakeTableClient(), &fakeSource{})

	config := testConfig("t1")
	config.Columns = nil
	err := s.PopulateTable(context.Background(), &config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns")
}

func TestPopulateTableBatchesWrites(t *testing.T) {
	client := newFakeTableClient()
	source := &fakeSource{}
	for i := int64(1); i <= 250; i++ {
		source.projects = append(source.projects, projectJSON(i, fmt.Sprintf("Projet %d", i)))
	}
	s := singleClientSyncer(client, source)

	config := testConfig("t1")
	err := s.PopulateTable(context.Background(), &config)
	require.NoError(t, err)

	// Table created with the configuration's resolved columns
	require.Contains(t, client.tables, "t1")
	assert.Len(t, client.tables["t1"], len(config.Columns))

	// 250 projects flush as 100 + 100 + a trailing partial batch of 50
	require.Len(t, client.createdBatches, 3)
	assert.Len(t, client.createdBatches[0], 100)
	assert.Len(t, client.createdBatches[1], 100)
	assert.Len(t, client.createdBatches[2], 50)
}

func TestPopulateTableMergesFirstSessionAnswers(t *testing.T) {
	client := newFakeTableClient()
	source := &fakeSource{
		projects: []json.RawMessage{projectJSON(9, "Pôle Santé")},
		sessions: map[int64][]recoco.SurveySession{9: {{ID: 77}, {ID: 78}}},
		answers: map[int64][]json.RawMessage{
			77: {json.RawMessage(`{
				"project": 9,
				"comment": "mon commentaire",
				"choices": [{"text": "Commerce rural"}],
				"question": {"slug": "thematiques-2"}
			}`)},
			78: {json.RawMessage(`{
				"project": 9,
				"comment": "ignored, second session",
				"question": {"slug": "boussole"}
			}`)},
		},
	}
	s := singleClientSyncer(client, source)

	config := testConfig("t1")
	err := s.PopulateTable(context.Background(), &config)
	require.NoError(t, err)

	require.Len(t, client.createdBatches, 1)
	row := client.createdBatches[0][0]
	assert.Equal(t, int64(9), row["object_id"])
	assert.Equal(t, "Pôle Santé", row["name"])
	assert.Equal(t, "Commerce rural", row["topics"])
	// Only the first session's answers are merged
	assert.NotContains(t, row, "ecological_transition_compass")
}

func TestRefreshTableUpserts(t *testing.T) {
	client := newFakeTableClient()
	client.records["t1"] = []grist.Record{
		{ID: 5, Fields: models.FieldMap{"object_id": int64(1), "name": "stale"}},
	}
	source := &fakeSource{
		projects: []json.RawMessage{projectJSON(1, "Projet 1"), projectJSON(2, "Projet 2")},
	}
	s := singleClientSyncer(client, source)

	config := testConfig("t1")
	err := s.RefreshTable(context.Background(), &config)
	require.NoError(t, err)

	// Known object updated in place, new object created
	assert.Equal(t, "Projet 1", client.updated[5]["name"])
	require.Len(t, client.createdBatches, 1)
	assert.Equal(t, int64(2), client.createdBatches[0][0]["object_id"])
}

func TestCheckColumnsConsistency(t *testing.T) {
	client := newFakeTableClient()
	config := testConfig("t1")
	client.tables["t1"] = grist.ColumnDefsFor([]models.Column{
		{ColID: "object_id", Label: "ID", Type: models.ColumnTypeText},
	})

	s := singleClientSyncer(client, &fakeSource{})

	consistent, err := s.CheckColumnsConsistency(context.Background(), &config)
	require.NoError(t, err)
	assert.False(t, consistent)

	// Align the remote table with the configuration
	cols := make([]models.Column, 0, len(config.Columns))
	for _, ref := range config.Columns {
		cols = append(cols, ref.Column)
	}
	client.tables["t1"] = grist.ColumnDefsFor(cols)

	consistent, err = s.CheckColumnsConsistency(context.Background(), &config)
	require.NoError(t, err)
	assert.True(t, consistent)
}
