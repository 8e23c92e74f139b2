package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLReadStore implements ReadStoreInterface on a single documents table.
type SQLReadStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLReadStore creates a new SQL-backed read store
func NewSQLReadStore(db *sql.DB, dialect Dialect) *SQLReadStore {
	return &SQLReadStore{db: db, dialect: dialect}
}

func (rs *SQLReadStore) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	query := rs.dialect.rebind(rs.dialect.upsert("read_models", []string{"collection", "id", "doc"}, []string{"collection", "id"}))
	if _, err := rs.db.ExecContext(ctx, query, collection, id, string(raw)); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (rs *SQLReadStore) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	var raw string
	err := rs.db.QueryRowContext(ctx,
		rs.dialect.rebind("SELECT doc FROM read_models WHERE collection = ? AND id = ?"),
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (rs *SQLReadStore) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := rs.db.QueryContext(ctx,
		rs.dialect.rebind("SELECT doc FROM read_models WHERE collection = ? ORDER BY id"),
		collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	items := []json.RawMessage{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		items = append(items, json.RawMessage(raw))
	}
	return items, rows.Err()
}

func (rs *SQLReadStore) Delete(ctx context.Context, collection, id string) error {
	_, err := rs.db.ExecContext(ctx,
		rs.dialect.rebind("DELETE FROM read_models WHERE collection = ? AND id = ?"), collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (rs *SQLReadStore) Clear(ctx context.Context, collection string) error {
	_, err := rs.db.ExecContext(ctx,
		rs.dialect.rebind("DELETE FROM read_models WHERE collection = ?"), collection)
	if err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	return nil
}
