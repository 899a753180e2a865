package chart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/charting/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, subject_id, owner_id, state, content,
	signed_at, signed_by, closed_at, closed_by, document_ref,
	cosign_required, cosigned_at, cosigned_by,
	scheduled_at, encounter_ended_at, last_modified_at,
	version, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.SubjectID, &rec.OwnerID, &rec.State, &rec.Content,
		&rec.SignedAt, &rec.SignedBy, &rec.ClosedAt, &rec.ClosedBy, &rec.DocumentRef,
		&rec.CosignRequired, &rec.CosignedAt, &rec.CosignedBy,
		&rec.ScheduledAt, &rec.EncounterEndedAt, &rec.LastModifiedAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO chart_record (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		rec.ID, rec.SubjectID, rec.OwnerID, rec.State, rec.Content,
		rec.SignedAt, rec.SignedBy, rec.ClosedAt, rec.ClosedBy, rec.DocumentRef,
		rec.CosignRequired, rec.CosignedAt, rec.CosignedBy,
		rec.ScheduledAt, rec.EncounterEndedAt, rec.LastModifiedAt,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("chartRepo.Create: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM chart_record WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chartRepo.GetByID: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("chartRepo.GetByID: %w", err)
	}
	return rec, nil
}

func filterClause(f RecordFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.OwnerID != nil {
		args = append(args, *f.OwnerID)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if f.SubjectID != nil {
		args = append(args, *f.SubjectID)
		conds = append(conds, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if f.State != nil {
		args = append(args, *f.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	where, args := filterClause(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM chart_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("chartRepo.List: count: %w", err)
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM chart_record`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("chartRepo.List: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("chartRepo.List: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("chartRepo.List: %w", err)
	}
	return out, total, nil
}

func (r *repoPG) CompareAndSwap(ctx context.Context, next *Record, expectedState State, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chart_record SET
			state=$4, content=$5,
			signed_at=$6, signed_by=$7, closed_at=$8, closed_by=$9, document_ref=$10,
			cosign_required=$11, cosigned_at=$12, cosigned_by=$13,
			scheduled_at=$14, encounter_ended_at=$15, last_modified_at=$16,
			version=$17, updated_at=$18
		WHERE id = $1 AND state = $2 AND version = $3`,
		next.ID, expectedState, expectedVersion,
		next.State, next.Content,
		next.SignedAt, next.SignedBy, next.ClosedAt, next.ClosedBy, next.DocumentRef,
		next.CosignRequired, next.CosignedAt, next.CosignedBy,
		next.ScheduledAt, next.EncounterEndedAt, next.LastModifiedAt,
		next.Version, next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("chartRepo.CompareAndSwap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chartRepo.CompareAndSwap: record %s no longer %s at version %d: %w",
			next.ID, expectedState, expectedVersion, ErrConcurrencyConflict)
	}
	return nil
}

const auditCols = `seq, id, record_id, action, actor_name, actor_role, reason_text,
	from_state, to_state, details, occurred_at, prev_hash, hash`

func scanAudit(row pgx.Row) (*AuditEntry, error) {
	var e AuditEntry
	var raw []byte
	err := row.Scan(&e.Seq, &e.ID, &e.RecordID, &e.Action, &e.ActorName, &e.ActorRole, &e.ReasonText,
		&e.FromState, &e.ToState, &raw, &e.OccurredAt, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	d, err := DecodeDetails(e.Action, raw)
	if err != nil {
		return nil, err
	}
	e.Details = d
	return &e, nil
}

func (r *repoPG) AppendAudit(ctx context.Context, e *AuditEntry) error {
	details, err := EncodeDetails(e.Details)
	if err != nil {
		return fmt.Errorf("chartRepo.AppendAudit: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chart_audit (id, record_id, action, actor_name, actor_role, reason_text,
			from_state, to_state, details, occurred_at, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING seq`,
		e.ID, e.RecordID, e.Action, e.ActorName, e.ActorRole, e.ReasonText,
		e.FromState, e.ToState, []byte(details), e.OccurredAt, e.PrevHash, e.Hash,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("chartRepo.AppendAudit: %w", err)
	}
	return nil
}

func (r *repoPG) LastAudit(ctx context.Context, recordID uuid.UUID) (*AuditEntry, error) {
	e, err := scanAudit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+auditCols+` FROM chart_audit WHERE record_id = $1 ORDER BY occurred_at DESC, seq DESC LIMIT 1`,
		recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("chartRepo.LastAudit: %w", err)
	}
	return e, nil
}

func (r *repoPG) ListAudit(ctx context.Context, recordID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+auditCols+` FROM chart_audit WHERE record_id = $1 ORDER BY occurred_at, seq`, recordID)
	if err != nil {
		return nil, fmt.Errorf("chartRepo.ListAudit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("chartRepo.ListAudit: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chartRepo.ListAudit: %w", err)
	}
	return out, nil
}

func (r *repoPG) CreateAddendum(ctx context.Context, a *AddendumEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO chart_addendum (id, record_id, kind, body, reason, author_name, author_role, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.RecordID, a.Kind, a.Body, a.Reason, a.AuthorName, a.AuthorRole, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chartRepo.CreateAddendum: %w", err)
	}
	return nil
}

func (r *repoPG) ListAddenda(ctx context.Context, recordID uuid.UUID) ([]*AddendumEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, record_id, kind, body, reason, author_name, author_role, created_at
		FROM chart_addendum WHERE record_id = $1 ORDER BY created_at, id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("chartRepo.ListAddenda: %w", err)
	}
	defer rows.Close()

	var out []*AddendumEntry
	for rows.Next() {
		var a AddendumEntry
		if err := rows.Scan(&a.ID, &a.RecordID, &a.Kind, &a.Body, &a.Reason, &a.AuthorName, &a.AuthorRole, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("chartRepo.ListAddenda: scan: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chartRepo.ListAddenda: %w", err)
	}
	return out, nil
}
