package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ehr/charting/internal/platform/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps documents in the tenant's chart_document table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// writer returns where Upload and Delete should run. Uploads can run on a renderer
// goroutine that outlives its caller's wait, so with a tenant known they go
// through the pool against the schema-qualified table instead of sharing the
// request's pinned connection.
func (s *PGStore) writer(ctx context.Context) (querier, string) {
	if tenant := db.TenantFromContext(ctx); tenant != "" && db.TxFromContext(ctx) == nil {
		return s.pool, pgx.Identifier{db.SchemaFor(tenant), "chart_document"}.Sanitize()
	}
	return s.conn(ctx), "chart_document"
}

func (s *PGStore) Upload(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}
	q, table := s.writer(ctx)
	_, err = q.Exec(ctx, `
		INSERT INTO `+table+` (id, record_id, file_name, content_type, size, hash, content, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		meta.ID, meta.RecordID, meta.FileName, meta.ContentType, meta.Size, meta.Hash, data, meta.CreatedAt, meta.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("blobstore.Upload: %w", err)
	}
	return &meta, nil
}

func (s *PGStore) Download(ctx context.Context, id string) (io.ReadCloser, *Metadata, error) {
	var m Metadata
	var data []byte
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, record_id, file_name, content_type, size, hash, created_at, created_by, content
		FROM chart_document WHERE id = $1`, id).
		Scan(&m.ID, &m.RecordID, &m.FileName, &m.ContentType, &m.Size, &m.Hash, &m.CreatedAt, &m.CreatedBy, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("blobstore.Download: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), &m, nil
}

func (s *PGStore) GetMetadata(ctx context.Context, id string) (*Metadata, error) {
	var m Metadata
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, record_id, file_name, content_type, size, hash, created_at, created_by
		FROM chart_document WHERE id = $1`, id).
		Scan(&m.ID, &m.RecordID, &m.FileName, &m.ContentType, &m.Size, &m.Hash, &m.CreatedAt, &m.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("blobstore.GetMetadata: %w", err)
	}
	return &m, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	q, table := s.writer(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id); err != nil {
		return fmt.Errorf("blobstore.Delete: %w", err)
	}
	return nil
}
