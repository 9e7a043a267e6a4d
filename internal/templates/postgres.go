package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"voiceform/internal/domain"
	"voiceform/internal/ports"
)

// blocks is a json column rather than jsonb so block and field order
// survive storage.
const schema = `
CREATE TABLE IF NOT EXISTS form_templates (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	blocks     JSON NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const selectColumns = `SELECT id::text, name, blocks, created_at, updated_at FROM form_templates`

// PostgresStore persists templates in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create template table: %w", err)
	}

	return &PostgresStore{pool: pool, log: logger.With().Str("component", "templates").Logger()}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.TemplateRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.TemplateRecord{}, ports.ErrTemplateNotFound
	}
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]domain.TemplateRecord, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TemplateRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, name string, spec domain.TemplateSpec) (domain.TemplateRecord, error) {
	name, spec, err := prepare(name, spec)
	if err != nil {
		return domain.TemplateRecord{}, err
	}
	return s.insert(ctx, name, spec)
}

func (s *PostgresStore) Update(ctx context.Context, id string, name string, spec domain.TemplateSpec) (domain.TemplateRecord, error) {
	name, spec, err := prepare(name, spec)
	if err != nil {
		return domain.TemplateRecord{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return domain.TemplateRecord{}, ports.ErrTemplateNotFound
	}
	blocks, err := json.Marshal(spec)
	if err != nil {
		return domain.TemplateRecord{}, fmt.Errorf("encode blocks: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE form_templates SET name = $2, blocks = $3::json, updated_at = now()
		WHERE id = $1
		RETURNING id::text, name, blocks, created_at, updated_at`,
		id, name, string(blocks))
	return scanRecord(row)
}

func (s *PostgresStore) Duplicate(ctx context.Context, id string) (domain.TemplateRecord, error) {
	source, err := s.Get(ctx, id)
	if err != nil {
		return domain.TemplateRecord{}, err
	}
	return s.insert(ctx, source.Name+copySuffix, source.Spec)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ports.ErrTemplateNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM form_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrTemplateNotFound
	}
	s.log.Debug().Str("template", id).Msg("template deleted")
	return nil
}

func (s *PostgresStore) insert(ctx context.Context, name string, spec domain.TemplateSpec) (domain.TemplateRecord, error) {
	blocks, err := json.Marshal(spec)
	if err != nil {
		return domain.TemplateRecord{}, fmt.Errorf("encode blocks: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO form_templates (id, name, blocks)
		VALUES ($1, $2, $3::json)
		RETURNING id::text, name, blocks, created_at, updated_at`,
		uuid.NewString(), name, string(blocks))
	record, err := scanRecord(row)
	if err != nil {
		return domain.TemplateRecord{}, err
	}
	s.log.Debug().Str("template", record.ID).Str("name", record.Name).Msg("template stored")
	return record, nil
}

func scanRecord(row pgx.Row) (domain.TemplateRecord, error) {
	var (
		record domain.TemplateRecord
		blocks []byte
	)
	if err := row.Scan(&record.ID, &record.Name, &blocks, &record.CreatedAt, &record.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TemplateRecord{}, ports.ErrTemplateNotFound
		}
		return domain.TemplateRecord{}, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal(blocks, &record.Spec); err != nil {
		return domain.TemplateRecord{}, fmt.Errorf("decode blocks: %w", err)
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}
