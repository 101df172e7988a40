package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"querywatch/core"

	"go.uber.org/zap"
)

// SQLiteQueryStore is a QueryStore backed by SQLite, used for local runs and tests.
type SQLiteQueryStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteQueryStore creates the queries table if needed.
func NewSQLiteQueryStore(db *SQLite, logger *zap.SugaredLogger) (*SQLiteQueryStore, error) {
	store := &SQLiteQueryStore{
		db:     db,
		logger: logger,
	}

	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure queries table: %w", err)
	}

	return store, nil
}

func (s *SQLiteQueryStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS queries (
		start_date TEXT NOT NULL,
		start_timestamp TEXT NOT NULL,
		query_execution_id TEXT NOT NULL,
		query_state TEXT NOT NULL,
		executing_user TEXT NOT NULL DEFAULT '',
		data_scanned INTEGER NOT NULL DEFAULT 0,
		query_sql TEXT,
		PRIMARY KEY (start_date, start_timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_queries_state ON queries(start_date, query_state);
	`

	_, err := s.db.WriteDB.Exec(query)
	return err
}

// Insert writes q, replacing any record with the same key.
func (s *SQLiteQueryStore) Insert(ctx context.Context, q *core.Query) error {
	if err := validateKey(q); err != nil {
		return err
	}

	query := `
	INSERT OR REPLACE INTO queries (
		start_date, start_timestamp, query_execution_id, query_state,
		executing_user, data_scanned, query_sql
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.WriteDB.ExecContext(ctx, query,
		q.StartDate, q.StartTimestamp, q.ExecutionID, string(q.State),
		q.ExecutingUser, q.DataScanned, nullableSQL(q.QuerySQL),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query %s: %w", q.ExecutionID, err)
	}
	return nil
}

// UpdateTerminal overwrites the mutable fields of an existing record.
func (s *SQLiteQueryStore) UpdateTerminal(ctx context.Context, q *core.Query) error {
	if err := validateKey(q); err != nil {
		return err
	}

	query := `
	UPDATE queries
	SET query_state = ?, data_scanned = ?, executing_user = ?, query_sql = ?
	WHERE start_date = ? AND start_timestamp = ?
	`

	result, err := s.db.WriteDB.ExecContext(ctx, query,
		string(q.State), q.DataScanned, q.ExecutingUser, nullableSQL(q.QuerySQL),
		q.StartDate, q.StartTimestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to update query %s: %w", q.ExecutionID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s/%s", ErrQueryNotFound, q.StartDate, q.StartTimestamp)
	}
	return nil
}

// ListRunning returns RUNNING queries of the partition started at or after since.
func (s *SQLiteQueryStore) ListRunning(ctx context.Context, partitionDate, since time.Time) ([]*core.Query, error) {
	query := `
	SELECT start_date, start_timestamp, query_execution_id, query_state,
		executing_user, data_scanned, query_sql
	FROM queries
	WHERE start_date = ? AND start_timestamp >= ? AND query_state = ?
	ORDER BY start_timestamp
	`

	rows, err := s.db.ReadDB.QueryContext(ctx, query,
		core.PartitionKey(partitionDate), core.SortKey(since), string(core.QueryStateRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list running queries: %w", err)
	}
	defer rows.Close()

	queries := make([]*core.Query, 0)
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queries: %w", err)
	}
	return queries, nil
}

// Get returns the record stored under the given key.
func (s *SQLiteQueryStore) Get(ctx context.Context, startDate, startTimestamp string) (*core.Query, error) {
	query := `
	SELECT start_date, start_timestamp, query_execution_id, query_state,
		executing_user, data_scanned, query_sql
	FROM queries
	WHERE start_date = ? AND start_timestamp = ?
	`

	q, err := scanQuery(s.db.ReadDB.QueryRowContext(ctx, query, startDate, startTimestamp))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrQueryNotFound, startDate, startTimestamp)
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuery(row rowScanner) (*core.Query, error) {
	var (
		q     core.Query
		state string
		sqlNS sql.NullString
	)
	if err := row.Scan(&q.StartDate, &q.StartTimestamp, &q.ExecutionID, &state,
		&q.ExecutingUser, &q.DataScanned, &sqlNS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan query: %w", err)
	}
	q.State = core.QueryState(state)
	if sqlNS.Valid {
		q.SetSQL(sqlNS.String)
	}
	return &q, nil
}

func nullableSQL(sqlText *string) sql.NullString {
	if sqlText == nil || *sqlText == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *sqlText, Valid: true}
}
