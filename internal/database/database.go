package database

import (
	"database/sql"
	"fmt"
	"time"

	"encore/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database wraps a *sql.DB holding the play history. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Entry

	// Prepared statements for the hot paths
	insertPlayStmt  *sql.Stmt
	recentPlaysStmt *sql.Stmt
	countPlaysStmt  *sql.Stmt
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. Caller should Close() it
// when finished.
func NewDatabase(dbPath string, logger *logrus.Entry) (*Database, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - adjusted for SQLite
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables creates tables and indices if they do not already exist, then
// executes any migrations. This is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	playsTable := `
	CREATE TABLE IF NOT EXISTS plays (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guild_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		title TEXT NOT NULL,
		duration INTEGER DEFAULT 0,
		requested_by TEXT,
		played_at DATETIME NOT NULL
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_plays_guild_time ON plays(guild_id, played_at);",
	}

	if _, err := db.conn.Exec(playsTable); err != nil {
		return err
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return db.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// should be idempotent and safe to re-run.
func (db *Database) runMigrations() error {
	// Migration 1: thumbnail column for history embeds
	var columnExists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('plays')
		WHERE name = 'thumbnail'`).Scan(&columnExists)
	if err != nil {
		return err
	}

	if !columnExists {
		if _, err := db.conn.Exec("ALTER TABLE plays ADD COLUMN thumbnail TEXT"); err != nil {
			return err
		}
		db.logger.Info("Added thumbnail column to plays table")
	}

	return nil
}

// prepareStatements prepares commonly used SQL statements
func (db *Database) prepareStatements() error {
	var err error

	db.insertPlayStmt, err = db.conn.Prepare(`
		INSERT INTO plays (guild_id, source_url, title, duration, requested_by, thumbnail, played_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert play statement: %w", err)
	}

	db.recentPlaysStmt, err = db.conn.Prepare(`
		SELECT id, guild_id, source_url, title, duration, COALESCE(requested_by, ''), COALESCE(thumbnail, ''), played_at
		FROM plays
		WHERE guild_id = ?
		ORDER BY played_at DESC, id DESC
		LIMIT ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare recent plays statement: %w", err)
	}

	db.countPlaysStmt, err = db.conn.Prepare(`
		SELECT COUNT(*) FROM plays WHERE guild_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare count plays statement: %w", err)
	}

	return nil
}

// RecordPlay stores that track started playing in guildID.
func (db *Database) RecordPlay(guildID string, track models.Track, playedAt time.Time) (int64, error) {
	result, err := db.insertPlayStmt.Exec(
		guildID,
		track.SourceURL,
		track.DisplayTitle(),
		int(track.Duration.Seconds()),
		track.RequestedBy,
		track.Thumbnail,
		playedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record play: %w", err)
	}
	return result.LastInsertId()
}

// RecentPlays returns up to limit plays in guildID, newest first.
func (db *Database) RecentPlays(guildID string, limit int) ([]models.PlayRecord, error) {
	rows, err := db.recentPlaysStmt.Query(guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plays []models.PlayRecord
	for rows.Next() {
		var p models.PlayRecord
		if err := rows.Scan(&p.ID, &p.GuildID, &p.SourceURL, &p.Title, &p.Duration, &p.RequestedBy, &p.Thumbnail, &p.PlayedAt); err != nil {
			return nil, err
		}
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

// CountPlays returns how many plays guildID has on record.
func (db *Database) CountPlays(guildID string) (int, error) {
	var count int
	if err := db.countPlaysStmt.QueryRow(guildID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Ping checks the database is reachable.
func (db *Database) Ping() error {
	return db.conn.Ping()
}

// Close closes the underlying database connection and prepared statements.
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.insertPlayStmt,
		db.recentPlaysStmt,
		db.countPlaysStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
