package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the connection pools of a local query store database.
// Writes go through a single-connection pool; reads use a separate query_only pool.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// NewSQLite opens (creating if needed) the database at dbPath.
// ":memory:" opens a private in-memory database shared by both pools.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dsn := dbPath
	if dbPath == ":memory:" {
		// Each store gets its own named shared-cache database so tests do not see each other's rows.
		dsn = fmt.Sprintf("file:querywatch-%s?mode=memory&cache=shared", uuid.NewString())
	} else if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	wal := dbPath != ":memory:"
	writeDB, err := openPool(dsn, wal, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0) // in-memory databases vanish with their last connection

	readDB, err := openPool(dsn, wal, true)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read pool: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	logger.Infow("SQLite database opened", "path", dbPath)
	return &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}, nil
}

// openPool applies pragmas through the DSN so every pooled connection gets them.
func openPool(dsn string, wal, readOnly bool) (*sql.DB, error) {
	pragmas := []string{"busy_timeout(5000)"}
	if wal {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	if readOnly {
		pragmas = append(pragmas, "query_only(1)")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return db, nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}
