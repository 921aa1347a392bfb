// Package service contains the sync engine: it reconciles mapped field maps
// against remote Grist tables through an upsert protocol, for every enabled
// configuration independently.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mecconnect/grist-connect/internal/grist"
	"github.com/mecconnect/grist-connect/internal/mapper"
	"github.com/mecconnect/grist-connect/internal/models"
	"github.com/mecconnect/grist-connect/internal/recoco"
	"github.com/mecconnect/grist-connect/internal/registry"
	"github.com/mecconnect/grist-connect/pkg/metrics"
)

// PopulateBatchSize is the number of rows buffered per create call during
// full table population. A trailing partial batch is always flushed.
const PopulateBatchSize = 100

// TableClient defines the contract to the remote tabular store
type TableClient interface {
	TableExists(ctx context.Context, tableID string) (bool, error)
	CreateTable(ctx context.Context, tableID string, columns []grist.ColumnDef) error
	GetTableColumns(ctx context.Context, tableID string) ([]grist.ColumnDef, error)
	GetRecords(ctx context.Context, tableID string, filter map[string][]any) ([]grist.Record, error)
	CreateRecords(ctx context.Context, tableID string, records []models.FieldMap) error
	UpdateRecords(ctx context.Context, tableID string, records map[int64]models.FieldMap) error
}

// ClientFactory builds a table client from a configuration's credentials.
// Injected so tests can swap the HTTP client for a fake.
type ClientFactory func(config *models.GristConfig) TableClient

// ProjectSource defines the upstream enumeration contract used by
// population and refresh runs
type ProjectSource interface {
	ForEachProject(ctx context.Context, fn func(json.RawMessage) error) error
	GetSurveySessions(ctx context.Context, projectID int64) ([]recoco.SurveySession, error)
	ForEachSessionAnswer(ctx context.Context, sessionID int64, fn func(json.RawMessage) error) error
}

// Syncer orchestrates the movement of mapped upstream data into Grist tables
type Syncer struct {
	clients ClientFactory
	source  ProjectSource
	logger  *slog.Logger
}

func NewSyncer(clients ClientFactory, source ProjectSource, logger *slog.Logger) *Syncer {
	return &Syncer{
		clients: clients,
		source:  source,
		logger:  logger,
	}
}

// UpsertRecord converges the remote row for objectID toward the given field
// map: the first record matching object_id is updated, otherwise a new record
// is created. Re-running for the same event is safe. Two concurrent upserts
// for a never-seen object id can both observe zero matches and both create;
// callers needing strict consistency must serialize per object id externally.
func (s *Syncer) UpsertRecord(ctx context.Context, client TableClient, tableID string, objectID int64, fields models.FieldMap) error {
	records, err := client.GetRecords(ctx, tableID, map[string][]any{
		"object_id": {objectID},
	})
	if err != nil {
		return fmt.Errorf("record lookup failed for object %d: %w", objectID, err)
	}

	if len(records) > 0 {
		// First match only; duplicates are not de-duplicated here
		return client.UpdateRecords(ctx, tableID, map[int64]models.FieldMap{
			records[0].ID: fields,
		})
	}

	row := models.FieldMap{"object_id": objectID}
	row.Merge(fields)
	return client.CreateRecords(ctx, tableID, []models.FieldMap{row})
}

// ProcessProjectEvent mirrors a project webhook event into every enabled
// configuration. One configuration's failure never aborts the others; the
// failures are joined and surfaced together for the task layer to retry.
func (s *Syncer) ProcessProjectEvent(ctx context.Context, configs []models.GristConfig, event *models.WebhookEvent) error {
	objectID, err := strconv.ParseInt(event.ObjectID, 10, 64)
	if err != nil {
		return fmt.Errorf("FATAL: project event %d has non-numeric object id %q", event.ID, event.ObjectID)
	}

	objectData, err := event.ObjectData()
	if err != nil {
		return fmt.Errorf("FATAL: event %d payload envelope is malformed: %w", event.ID, err)
	}

	var errs []error
	for i := range configs {
		config := &configs[i]
		if !config.Enabled {
			continue
		}

		fields := mapper.MapProject(s.logger, objectData, config.ColumnIDs())
		if err := s.UpsertRecord(ctx, s.clients(config), config.TableID, objectID, fields); err != nil {
			s.logger.Error("Project sync failed for configuration",
				"config", config.ID, "object_id", objectID, "error", err)
			errs = append(errs, fmt.Errorf("config %s: %w", config.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ProcessSurveyAnswerEvent mirrors a survey answer webhook event. The answer
// updates the row of its parent project, not a row of its own.
func (s *Syncer) ProcessSurveyAnswerEvent(ctx context.Context, configs []models.GristConfig, event *models.WebhookEvent) error {
	objectData, err := event.ObjectData()
	if err != nil {
		return fmt.Errorf("FATAL: event %d payload envelope is malformed: %w", event.ID, err)
	}

	var answer mapper.AnswerPayload
	if err := json.Unmarshal(objectData, &answer); err != nil {
		return fmt.Errorf("FATAL: event %d survey answer payload is malformed: %w", event.ID, err)
	}
	projectID, err := answer.ProjectID()
	if err != nil {
		return fmt.Errorf("FATAL: event %d survey answer has no usable project id", event.ID)
	}

	var errs []error
	for i := range configs {
		config := &configs[i]
		if !config.Enabled {
			continue
		}

		fields := mapper.MapSurveyAnswer(s.logger, objectData, config.ColumnIDs())
		if err := s.UpsertRecord(ctx, s.clients(config), config.TableID, projectID, fields); err != nil {
			s.logger.Error("Survey answer sync failed for configuration",
				"config", config.ID, "object_id", projectID, "error", err)
			errs = append(errs, fmt.Errorf("config %s: %w", config.ID, err))
		}
	}
	return errors.Join(errs...)
}

// PopulateTable creates the remote table from the configuration's resolved
// column set and streams every upstream project into it in batches. The
// table must not already exist: an operator has to reset it explicitly
// before re-populating.
func (s *Syncer) PopulateTable(ctx context.Context, config *models.GristConfig) error {
	start := time.Now()
	defer func() {
		metrics.PopulateDuration.Observe(time.Since(start).Seconds())
	}()

	if !config.Enabled {
		return fmt.Errorf("configuration %s is not enabled", config.ID)
	}
	columns := registry.ResolveColumns(config)
	if len(columns) == 0 {
		return fmt.Errorf("configuration %s has no columns", config.ID)
	}

	client := s.clients(config)

	exists, err := client.TableExists(ctx, config.TableID)
	if err != nil {
		return fmt.Errorf("table lookup failed: %w", err)
	}
	if exists {
		return fmt.Errorf("table %s already exists, reset it before populating", config.TableID)
	}

	if err := client.CreateTable(ctx, config.TableID, grist.ColumnDefsFor(columns)); err != nil {
		return fmt.Errorf("table creation failed: %w", err)
	}

	l := s.logger.With("config", config.ID, "table", config.TableID)
	headers := config.ColumnIDs()

	batch := make([]models.FieldMap, 0, PopulateBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		metrics.PopulateBatchSize.Observe(float64(len(batch)))
		if err := client.CreateRecords(ctx, config.TableID, batch); err != nil {
			return fmt.Errorf("batch write failed: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	var count int
	err = s.source.ForEachProject(ctx, func(raw json.RawMessage) error {
		projectID, fields, err := s.buildProjectRow(ctx, raw, headers)
		if err != nil {
			return err
		}

		row := models.FieldMap{"object_id": projectID}
		row.Merge(fields)
		batch = append(batch, row)
		count++

		if len(batch) >= PopulateBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	l.Info("Table population complete", "records", count, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// RefreshTable re-enumerates the upstream source and routes every project
// through the upsert protocol. Meant for re-sync of an already populated
// table, so no batching and no table creation.
func (s *Syncer) RefreshTable(ctx context.Context, config *models.GristConfig) error {
	if !config.Enabled {
		return fmt.Errorf("configuration %s is not enabled", config.ID)
	}

	client := s.clients(config)
	headers := config.ColumnIDs()
	l := s.logger.With("config", config.ID, "table", config.TableID)

	var count int
	err := s.source.ForEachProject(ctx, func(raw json.RawMessage) error {
		projectID, fields, err := s.buildProjectRow(ctx, raw, headers)
		if err != nil {
			return err
		}
		if err := s.UpsertRecord(ctx, client, config.TableID, projectID, fields); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	l.Info("Table refresh complete", "records", count)
	return nil
}

// CheckColumnsConsistency compares the remote table's columns against the
// configuration's resolved column set, ignoring order
func (s *Syncer) CheckColumnsConsistency(ctx context.Context, config *models.GristConfig) (bool, error) {
	remote, err := s.clients(config).GetTableColumns(ctx, config.TableID)
	if err != nil {
		return false, fmt.Errorf("remote column lookup failed: %w", err)
	}

	expected := make(map[string]grist.ColumnDefFields)
	for _, def := range grist.ColumnDefsFor(registry.ResolveColumns(config)) {
		expected[def.ID] = def.Fields
	}

	if len(remote) != len(expected) {
		return false, nil
	}
	for _, def := range remote {
		want, ok := expected[def.ID]
		if !ok || want != def.Fields {
			return false, nil
		}
	}
	return true, nil
}

// buildProjectRow maps one upstream project and merges in the answers of its
// first survey session, the way single-event processing would over time
func (s *Syncer) buildProjectRow(ctx context.Context, raw json.RawMessage, headers []string) (int64, models.FieldMap, error) {
	var header struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, nil, fmt.Errorf("upstream project has no id: %w", err)
	}

	fields := mapper.MapProject(s.logger, raw, headers)

	sessions, err := s.source.GetSurveySessions(ctx, header.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("session lookup failed for project %d: %w", header.ID, err)
	}
	if len(sessions) > 0 {
		err := s.source.ForEachSessionAnswer(ctx, sessions[0].ID, func(rawAnswer json.RawMessage) error {
			fields.Merge(mapper.MapSurveyAnswer(s.logger, rawAnswer, headers))
			return nil
		})
		if err != nil {
			return 0, nil, fmt.Errorf("answer lookup failed for project %d: %w", header.ID, err)
		}
	}

	return header.ID, fields, nil
}
