package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteSink writes interaction rows to a local SQLite database.
type SQLiteSink struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewSQLiteSink(path string, logger *logrus.Logger) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sink := &SQLiteSink{db: db, logger: logger}
	if err := sink.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.WithField("path", path).Info("SQLite analytics sink ready")
	return sink, nil
}

func (s *SQLiteSink) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT,
		user_id TEXT,
		channel TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		user_badges TEXT,
		color TEXT,
		interaction_type TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_channel ON interactions(channel);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upload inserts rows in a single transaction.
func (s *SQLiteSink) Upload(ctx context.Context, rows []InteractionRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO interactions (message_id, user_id, channel, content, timestamp, user_badges, color, interaction_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.MessageID, r.UserID, r.Channel, r.Content,
			r.Timestamp, r.UserBadges, r.Color, r.InteractionType); err != nil {
			return fmt.Errorf("failed to insert interaction %s: %w", r.MessageID, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of stored rows of an interaction type, or of all
// rows when interactionType is empty.
func (s *SQLiteSink) Count(ctx context.Context, interactionType string) (int, error) {
	var n int
	var err error
	if interactionType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE interaction_type = ?`, interactionType).Scan(&n)
	}
	return n, err
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
