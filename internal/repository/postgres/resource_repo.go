package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"formapilot/collecte/internal/collect"
	"formapilot/collecte/internal/errs"
	"formapilot/collecte/internal/repository"
)

// ResourceRepo implements repository.ResourceRepository using PostgreSQL.
// Entries live in their own table keyed (resource_id, entry_key); the
// resource row carries the frozen required set and the derived status.
type ResourceRepo struct{ db *DB }

// NewResourceRepo constructs a resource repository.
func NewResourceRepo(db *DB) *ResourceRepo { return &ResourceRepo{db: db} }

const resourceColumns = `id, token, kind, status, required_keys, expires_at, completed_at, created_at, updated_at`

const (
	selByToken = `SELECT ` + resourceColumns + ` FROM resources WHERE token=$1`
	selByID    = `SELECT ` + resourceColumns + ` FROM resources WHERE id=$1`
	selLocked  = `SELECT ` + resourceColumns + ` FROM resources WHERE id=$1 FOR UPDATE`

	selEntries = `SELECT entry_key, value, draft, contact, submitted_at FROM entries WHERE resource_id=$1`

	insResource = `INSERT INTO resources (id, token, kind, status, required_keys, expires_at, completed_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	updResource = `UPDATE resources SET status=$2, required_keys=$3, completed_at=$4, updated_at=$5 WHERE id=$1`

	upsertEntry = `INSERT INTO entries (resource_id, entry_key, value, draft, contact, submitted_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (resource_id, entry_key) DO UPDATE SET value=$3, draft=$4, contact=$5, submitted_at=$6`

	updExpired = `UPDATE resources SET status='expired', updated_at=$1 WHERE expires_at < $1 AND status NOT IN ('complete','expired')`
)

// Create stores a freshly opened resource. Entries are always empty at
// creation; the first upsert happens through Mutate.
func (r *ResourceRepo) Create(ctx context.Context, res *collect.Resource) error {
	keys, err := marshalKeys(res.Required)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, insResource,
		res.ID, res.Token, string(res.Kind), string(res.Status), keys,
		res.ExpiresAt, res.CompletedAt, res.CreatedAt, res.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create resource: %w", errs.ErrEntryConflict)
	}
	return err
}

// GetByToken loads the aggregate through the unique token index.
func (r *ResourceRepo) GetByToken(ctx context.Context, token string) (*collect.Resource, error) {
	return r.get(ctx, selByToken, token)
}

// GetByID loads the aggregate by resource id.
func (r *ResourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*collect.Resource, error) {
	return r.get(ctx, selByID, id)
}

func (r *ResourceRepo) get(ctx context.Context, query string, arg any) (*collect.Resource, error) {
	res, err := scanResource(r.db.Pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	rows, err := r.db.Pool.Query(ctx, selEntries, res.ID)
	if err != nil {
		return nil, err
	}
	res.Entries, err = scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Mutate runs fn against the aggregate inside one transaction holding a
// row lock on the resource, so concurrent submissions for the same
// resource serialize and none is lost.
func (r *ResourceRepo) Mutate(ctx context.Context, id uuid.UUID, fn repository.MutateFunc) (res *collect.Resource, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
			res = nil
		}
	}()

	res, err = scanResource(tx.QueryRow(ctx, selLocked, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	rows, err := tx.Query(ctx, selEntries, id)
	if err != nil {
		return nil, err
	}
	if res.Entries, err = scanEntries(rows); err != nil {
		return nil, err
	}

	changed, err := fn(res)
	if err != nil {
		return nil, err
	}

	for _, key := range changed {
		entry, ok := res.Entries[key]
		if !ok {
			return nil, fmt.Errorf("mutate: changed key %s has no entry", key)
		}
		if _, err = tx.Exec(ctx, upsertEntry,
			res.ID, key.String(), []byte(entry.Value), entry.Draft, entry.Contact, entry.SubmittedAt); err != nil {
			return nil, err
		}
	}
	keys, err := marshalKeys(res.Required)
	if err != nil {
		return nil, err
	}
	if _, err = tx.Exec(ctx, updResource,
		res.ID, string(res.Status), keys, res.CompletedAt, res.UpdatedAt); err != nil {
		return nil, err
	}
	return res, nil
}

// MarkExpired flips overdue, not yet complete resources to expired.
func (r *ResourceRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, updExpired, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Scan helpers

func scanResource(row pgx.Row) (*collect.Resource, error) {
	var (
		res       collect.Resource
		kind      string
		status    string
		rawKeys   []byte
		expiresAt time.Time
		completed *time.Time
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&res.ID, &res.Token, &kind, &status, &rawKeys, &expiresAt, &completed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	required, err := unmarshalKeys(rawKeys)
	if err != nil {
		return nil, err
	}
	res.Kind = collect.Kind(kind)
	res.Status = collect.Status(status)
	res.Required = required
	res.Entries = make(map[collect.EntryKey]collect.Entry)
	res.ExpiresAt = expiresAt
	res.CompletedAt = completed
	res.CreatedAt = createdAt
	res.UpdatedAt = updatedAt
	return &res, nil
}

func scanEntries(rows pgx.Rows) (map[collect.EntryKey]collect.Entry, error) {
	defer rows.Close()
	entries := make(map[collect.EntryKey]collect.Entry)
	for rows.Next() {
		var (
			keyText     string
			value       []byte
			draft       bool
			contact     string
			submittedAt time.Time
		)
		if err := rows.Scan(&keyText, &value, &draft, &contact, &submittedAt); err != nil {
			return nil, err
		}
		key, err := collect.ParseEntryKey(keyText)
		if err != nil {
			return nil, err
		}
		entries[key] = collect.Entry{
			Key:         key,
			Value:       json.RawMessage(value),
			Draft:       draft,
			Contact:     contact,
			SubmittedAt: submittedAt,
		}
	}
	return entries, rows.Err()
}

func marshalKeys(keys []collect.EntryKey) ([]byte, error) {
	return json.Marshal(collect.KeyStrings(keys))
}

func unmarshalKeys(raw []byte) ([]collect.EntryKey, error) {
	var texts []string
	if err := json.Unmarshal(raw, &texts); err != nil {
		return nil, err
	}
	return collect.ParseEntryKeys(texts)
}
