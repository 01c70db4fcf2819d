package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// MySQL driver registered for database/sql.
	_ "github.com/go-sql-driver/mysql"
)

// SQL implements Store over a single key/value table in MySQL.
// Example:
//
//	handle, err := sql.Open("mysql", dsn)
//	store := kvstore.NewSQL(handle, "datom_store")
//	if err := store.EnsureSchema(ctx); err != nil { ... }
type SQL struct {
	db    *sql.DB
	table string
}

var _ Store = (*SQL)(nil)

// NewSQL creates a SQL-backed store on the given table.
func NewSQL(db *sql.DB, table string) *SQL {
	return &SQL{db: db, table: table}
}

func (s *SQL) Backend() Backend { return BackendSQL }

// EnsureSchema creates the backing table if it does not exist.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		k VARBINARY(512) NOT NULL PRIMARY KEY,
		v LONGBLOB NOT NULL,
		updated_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3)
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := fmt.Sprintf("SELECT v FROM %s WHERE k = ?", s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	stmt := fmt.Sprintf(
		"INSERT INTO %s (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)", s.table)
	if _, err := s.db.ExecContext(ctx, stmt, key, value); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Keys(ctx context.Context) ([]KeyInfo, error) {
	query := fmt.Sprintf("SELECT k, LENGTH(v), updated_at FROM %s", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []KeyInfo
	for rows.Next() {
		var info KeyInfo
		var updatedAt time.Time
		if err := rows.Scan(&info.Key, &info.Size, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		info.LastModified = updatedAt
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return infos, nil
}

func (s *SQL) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	stmt := fmt.Sprintf("DELETE FROM %s WHERE k IN (%s)", s.table, placeholders)
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to delete %d keys: %w", len(keys), err)
	}
	return nil
}
