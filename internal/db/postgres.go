package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mecconnect/grist-connect/internal/models"
)

// ErrNotFound is returned when a referenced entity does not exist in storage
var ErrNotFound = errors.New("entity not found")

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres pool config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		return nil, fmt.Errorf("no response from postgres: %w", err)
	}

	return &PostgresRepository{pool: p}, nil
}

// InsertEvent persists a freshly received webhook delivery and returns its id
func (r *PostgresRepository) InsertEvent(ctx context.Context, event *models.WebhookEvent) (int64, error) {
	query := `
		INSERT INTO webhook_event
			(webhook_uuid, topic, object_id, object_type, remote_ip, headers, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	var id int64
	err := r.pool.QueryRow(ctx, query,
		event.WebhookUUID,
		event.Topic,
		event.ObjectID,
		event.ObjectType,
		event.RemoteIP,
		event.Headers,
		event.Payload,
		models.EventStatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) GetEvent(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	query := `
		SELECT id, webhook_uuid, topic, object_id, object_type, remote_ip,
		       headers, payload, status, failure, created_at
		FROM webhook_event
		WHERE id = $1
	`
	var event models.WebhookEvent
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&event.ID,
		&event.WebhookUUID,
		&event.Topic,
		&event.ObjectID,
		&event.ObjectType,
		&event.RemoteIP,
		&event.Headers,
		&event.Payload,
		&event.Status,
		&event.Failure,
		&event.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch webhook event: %w", err)
	}
	return &event, nil
}

func (r *PostgresRepository) MarkEventProcessed(ctx context.Context, id int64) error {
	query := `
		UPDATE webhook_event
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, models.EventStatusProcessed)
	return err
}

func (r *PostgresRepository) MarkEventFailed(ctx context.Context, id int64, detail string) error {
	query := `
		UPDATE webhook_event
		SET status = $2, failure = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, models.EventStatusFailed, detail)
	return err
}

// CountPendingEvents reports the current backlog for the lag gauge
func (r *PostgresRepository) CountPendingEvents(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_event WHERE status = $1`,
		models.EventStatusPending,
	).Scan(&count)
	return count, err
}

// ListEnabledConfigs returns a snapshot of every enabled configuration with
// its column references in export order
func (r *PostgresRepository) ListEnabledConfigs(ctx context.Context) ([]models.GristConfig, error) {
	query := `
		SELECT id, name, doc_id, table_id, enabled, api_base_url, api_key
		FROM grist_config
		WHERE enabled = TRUE
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled configurations: %w", err)
	}
	defer rows.Close()

	var configs []models.GristConfig
	for rows.Next() {
		var config models.GristConfig
		err := rows.Scan(
			&config.ID,
			&config.Name,
			&config.DocID,
			&config.TableID,
			&config.Enabled,
			&config.APIBaseURL,
			&config.APIKey,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		configs = append(configs, config)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range configs {
		if err := r.loadConfigColumns(ctx, &configs[i]); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// GetConfig fetches one configuration by id, columns included
func (r *PostgresRepository) GetConfig(ctx context.Context, id uuid.UUID) (*models.GristConfig, error) {
	query := `
		SELECT id, name, doc_id, table_id, enabled, api_base_url, api_key
		FROM grist_config
		WHERE id = $1
	`
	var config models.GristConfig
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&config.ID,
		&config.Name,
		&config.DocID,
		&config.TableID,
		&config.Enabled,
		&config.APIBaseURL,
		&config.APIKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch configuration: %w", err)
	}

	if err := r.loadConfigColumns(ctx, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (r *PostgresRepository) loadConfigColumns(ctx context.Context, config *models.GristConfig) error {
	query := `
		SELECT c.col_id, c.label, c.type, cc.position
		FROM grist_column_config cc
		JOIN grist_column c ON c.col_id = cc.col_id
		WHERE cc.config_id = $1
		ORDER BY cc.position ASC, c.col_id ASC
	`
	rows, err := r.pool.Query(ctx, query, config.ID)
	if err != nil {
		return fmt.Errorf("failed to load columns for configuration %s: %w", config.ID, err)
	}
	defer rows.Close()

	config.Columns = nil
	for rows.Next() {
		var ref models.ColumnRef
		if err := rows.Scan(&ref.Column.ColID, &ref.Column.Label, &ref.Column.Type, &ref.Position); err != nil {
			return fmt.Errorf("failed to scan column config: %w", err)
		}
		config.Columns = append(config.Columns, ref)
	}
	return rows.Err()
}

// UpsertColumn creates or refreshes one entry of the column catalog
func (r *PostgresRepository) UpsertColumn(ctx context.Context, column models.Column) error {
	query := `
		INSERT INTO grist_column (col_id, label, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (col_id) DO UPDATE SET label = $2, type = $3
	`
	_, err := r.pool.Exec(ctx, query, column.ColID, column.Label, column.Type)
	return err
}

// UpsertColumnConfig attaches a catalog column to a configuration at the
// given position
func (r *PostgresRepository) UpsertColumnConfig(ctx context.Context, configID uuid.UUID, colID string, position int) error {
	query := `
		INSERT INTO grist_column_config (config_id, col_id, position)
		VALUES ($1, $2, $3)
		ON CONFLICT (config_id, col_id) DO UPDATE SET position = $3
	`
	_, err := r.pool.Exec(ctx, query, configID, colID, position)
	return err
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}
