// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package casememory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/metrics"
	"github.com/tomtom215/excubitor/internal/mitigation"
)

// OpenDB opens the DuckDB database holding the case log. The parent
// directory is created if missing.
func OpenDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	// Disable auto-install/auto-load to prevent hangs in restricted
	// network environments
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, cfg.MaxMemory)

	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DuckDB is embedded; one writer connection avoids lock contention
	db.SetMaxOpenConns(1)

	return db, nil
}

// Store persists calibrated cases in DuckDB.
type Store struct {
	db *sql.DB
}

// NewStore creates a case store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the case table and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS calibrated_cases (
			id VARCHAR PRIMARY KEY,
			actor_key VARCHAR NOT NULL,
			category VARCHAR NOT NULL,
			suggested_level VARCHAR NOT NULL,
			applied_level VARCHAR NOT NULL,
			rationale VARCHAR NOT NULL,
			confidence DOUBLE NOT NULL DEFAULT 0,
			batch_id BIGINT NOT NULL,
			fingerprint BLOB,
			feedback VARCHAR NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			feedback_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_actor_key ON calibrated_cases(actor_key)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_category ON calibrated_cases(category)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_feedback ON calibrated_cases(feedback)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_created_at ON calibrated_cases(created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// SaveCase persists a decided case.
func (s *Store) SaveCase(ctx context.Context, c *Case) error {
	fingerprint, err := json.Marshal(c.Fingerprint)
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}

	query := `INSERT INTO calibrated_cases
		(id, actor_key, category, suggested_level, applied_level, rationale,
		 confidence, batch_id, fingerprint, feedback, created_at, feedback_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.Actor.Key(),
		c.Category,
		c.SuggestedLevel.String(),
		c.AppliedLevel.String(),
		c.Rationale,
		c.Confidence,
		int64(c.BatchID),
		fingerprint,
		string(c.Feedback),
		c.CreatedAt,
		c.FeedbackAt,
	)
	if err != nil {
		metrics.CaseStoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("failed to insert case: %w", err)
	}

	metrics.CaseStoreWrites.WithLabelValues("save").Inc()
	return nil
}

// GetCase retrieves a case by ID. Returns ErrCaseNotFound when absent.
func (s *Store) GetCase(ctx context.Context, id string) (*Case, error) {
	query := `SELECT id, actor_key, category, suggested_level, applied_level, rationale,
		confidence, batch_id, fingerprint, feedback, created_at, feedback_at
		FROM calibrated_cases WHERE id = ?`

	c, err := scanCase(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}

	return c, nil
}

// AttachFeedback sets the feedback label on a case. Returns
// ErrCaseNotFound when the case does not exist. Re-submitting the same
// label is allowed; the latest submission wins.
func (s *Store) AttachFeedback(ctx context.Context, id string, fb Feedback, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE calibrated_cases SET feedback = ?, feedback_at = ? WHERE id = ?`,
		string(fb), at, id)
	if err != nil {
		metrics.CaseStoreErrors.WithLabelValues("feedback").Inc()
		return fmt.Errorf("failed to attach feedback: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check feedback update: %w", err)
	}
	if affected == 0 {
		return ErrCaseNotFound
	}

	metrics.CaseStoreWrites.WithLabelValues("feedback").Inc()
	return nil
}

// CaseFilter narrows ListCases results.
type CaseFilter struct {
	ActorKey       string
	Category       string
	AppliedLevels  []string
	Feedback       *Feedback
	StartDate      *time.Time
	EndDate        *time.Time
	OrderBy        string
	OrderDirection string
	Limit          int
	Offset         int
}

// ListCases retrieves cases with optional filtering.
// Security: values use parameterized queries (?) and ORDER BY columns are
// whitelisted via validCaseOrderColumns.
func (s *Store) ListCases(ctx context.Context, filter CaseFilter) ([]Case, error) {
	query, args := s.buildCaseQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, *c)
	}
	return cases, rows.Err()
}

// CountCases returns the number of cases matching a filter, ignoring
// pagination.
func (s *Store) CountCases(ctx context.Context, filter CaseFilter) (int, error) {
	query := `SELECT COUNT(*) FROM calibrated_cases WHERE 1=1`
	query, args := s.applyCaseFilters(query, nil, filter)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cases: %w", err)
	}
	return count, nil
}

// LoadIndexEntries streams the fields the similarity index needs,
// newest first, capped at limit. Used to rebuild the index at startup.
func (s *Store) LoadIndexEntries(ctx context.Context, limit int) ([]IndexEntry, error) {
	if limit <= 0 {
		limit = 10000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, applied_level, feedback, fingerprint
		 FROM calibrated_cases ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load index entries: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var (
			e           IndexEntry
			applied     string
			feedback    string
			fingerprint []byte
		)
		if err := rows.Scan(&e.ID, &e.Category, &applied, &feedback, &fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		if e.Applied, err = parseStoredLevel(applied); err != nil {
			return nil, err
		}
		e.Feedback = Feedback(feedback)
		if len(fingerprint) > 0 {
			if err := json.Unmarshal(fingerprint, &e.Vector); err != nil {
				return nil, fmt.Errorf("failed to decode fingerprint for case %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) buildCaseQuery(filter CaseFilter) (string, []interface{}) {
	query := `SELECT id, actor_key, category, suggested_level, applied_level, rationale,
		confidence, batch_id, fingerprint, feedback, created_at, feedback_at
		FROM calibrated_cases WHERE 1=1`
	args := make([]interface{}, 0)

	query, args = s.applyCaseFilters(query, args, filter)
	query = s.applyCaseOrdering(query, filter)
	query, args = s.applyCasePagination(query, args, filter)

	return query, args
}

func (s *Store) applyCaseFilters(query string, args []interface{}, filter CaseFilter) (string, []interface{}) {
	if filter.ActorKey != "" {
		query += " AND actor_key = ?"
		args = append(args, filter.ActorKey)
	}

	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}

	if len(filter.AppliedLevels) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.AppliedLevels)), ", ")
		query += fmt.Sprintf(" AND applied_level IN (%s)", placeholders)
		for _, level := range filter.AppliedLevels {
			args = append(args, level)
		}
	}

	if filter.Feedback != nil {
		query += " AND feedback = ?"
		args = append(args, string(*filter.Feedback))
	}

	if filter.StartDate != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.StartDate)
	}

	if filter.EndDate != nil {
		query += " AND created_at <= ?"
		args = append(args, *filter.EndDate)
	}

	return query, args
}

// validCaseOrderColumns whitelists ORDER BY columns to prevent SQL
// injection through the management API.
var validCaseOrderColumns = map[string]bool{
	"id":            true,
	"actor_key":     true,
	"category":      true,
	"applied_level": true,
	"confidence":    true,
	"feedback":      true,
	"created_at":    true,
}

func (s *Store) applyCaseOrdering(query string, filter CaseFilter) string {
	orderBy := "created_at"
	if filter.OrderBy != "" && validCaseOrderColumns[filter.OrderBy] {
		orderBy = filter.OrderBy
	}

	orderDir := "DESC"
	if filter.OrderDirection != "" {
		upperDir := strings.ToUpper(filter.OrderDirection)
		if upperDir == "ASC" || upperDir == "DESC" {
			orderDir = upperDir
		}
	}

	return query + fmt.Sprintf(" ORDER BY %s %s", orderBy, orderDir)
}

func (s *Store) applyCasePagination(query string, args []interface{}, filter CaseFilter) (string, []interface{}) {
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return query, args
}

// scanCase reads one case row from either *sql.Row or *sql.Rows.
func scanCase(scanner interface{ Scan(...interface{}) error }) (*Case, error) {
	var (
		c           Case
		actorKey    string
		suggested   string
		applied     string
		feedback    string
		fingerprint []byte
		batchID     int64
		feedbackAt  sql.NullTime
	)

	err := scanner.Scan(
		&c.ID, &actorKey, &c.Category, &suggested, &applied, &c.Rationale,
		&c.Confidence, &batchID, &fingerprint, &feedback, &c.CreatedAt, &feedbackAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := actor.ParseKey(actorKey)
	if err != nil {
		return nil, fmt.Errorf("stored case %s has malformed actor key: %w", c.ID, err)
	}
	c.Actor = id

	if c.SuggestedLevel, err = parseStoredLevel(suggested); err != nil {
		return nil, err
	}
	if c.AppliedLevel, err = parseStoredLevel(applied); err != nil {
		return nil, err
	}
	c.Feedback = Feedback(feedback)
	c.BatchID = uint64(batchID)
	if feedbackAt.Valid {
		t := feedbackAt.Time
		c.FeedbackAt = &t
	}
	if len(fingerprint) > 0 {
		if err := json.Unmarshal(fingerprint, &c.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to decode fingerprint for case %s: %w", c.ID, err)
		}
	}

	return &c, nil
}

func parseStoredLevel(s string) (mitigation.Level, error) {
	level, err := mitigation.ParseLevel(s)
	if err != nil {
		return mitigation.None, fmt.Errorf("stored case has unknown level: %w", err)
	}
	return level, nil
}
