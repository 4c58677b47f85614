package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for an execution id
	ErrNotFound = errors.New("execution record not found")

	// ErrDuplicate is returned when a record for the execution id already exists
	ErrDuplicate = errors.New("execution record already exists")
)

// ExecutionRecord is the persisted trace of one execution
type ExecutionRecord struct {
	ExecutionID string                `json:"execution_id"`
	Operation   string                `json:"operation"`
	ExecutorID  string                `json:"executor_id"`
	State       model.ExecutionState  `json:"state"`
	Status      model.ExecutionStatus `json:"status,omitempty"`
	Message     string                `json:"message,omitempty"`
	Descriptor  json.RawMessage       `json:"descriptor,omitempty"`
	Result      json.RawMessage       `json:"result,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Duration    time.Duration         `json:"duration,omitempty"`
}

// Filter narrows List and Count. Empty fields match everything.
type Filter struct {
	Operation string
	State     model.ExecutionState
	Status    model.ExecutionStatus
}

func (f Filter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.Operation != "" {
		clauses = append(clauses, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ExecutionHistory defines the interface for execution history storage
type ExecutionHistory interface {
	// Store inserts a new record; ErrDuplicate if the id was seen before
	Store(ctx context.Context, record *ExecutionRecord) error

	// UpdateState records a lifecycle transition
	UpdateState(ctx context.Context, executionID string, state model.ExecutionState) error

	// Complete records the final result
	Complete(ctx context.Context, result *model.ExecutionResult) error

	// Get retrieves a record by execution id
	Get(ctx context.Context, executionID string) (*ExecutionRecord, error)

	// List retrieves records with pagination and filters, newest first
	List(ctx context.Context, filter Filter, offset, limit int) ([]*ExecutionRecord, error)

	// Count returns the total number of records matching the filter
	Count(ctx context.Context, filter Filter) (int, error)

	// DeleteBefore deletes terminal records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// SQLiteHistory implements ExecutionHistory using SQLite
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHistory opens (or creates) the history database at dbPath
func NewSQLiteHistory(dbPath string, logger *zap.Logger) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			execution_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			executor_id TEXT NOT NULL,
			state TEXT NOT NULL,
			status TEXT,
			message TEXT,
			descriptor TEXT,
			result TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_operation ON execution_history(operation);
		CREATE INDEX IF NOT EXISTS idx_execution_history_state ON execution_history(state);
		CREATE INDEX IF NOT EXISTS idx_execution_history_started_at ON execution_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements ExecutionHistory.Store
func (s *SQLiteHistory) Store(ctx context.Context, record *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			execution_id, operation, executor_id, state, descriptor, started_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		record.ExecutionID,
		record.Operation,
		record.ExecutorID,
		string(record.State),
		nullString(string(record.Descriptor)),
		record.StartedAt.UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicate, record.ExecutionID)
		}
		return fmt.Errorf("failed to store execution history: %w", err)
	}
	return nil
}

// UpdateState implements ExecutionHistory.UpdateState
func (s *SQLiteHistory) UpdateState(ctx context.Context, executionID string, state model.ExecutionState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_history SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE execution_id = ?`,
		string(state),
		executionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution state: %w", err)
	}
	return requireRow(res, executionID)
}

// Complete implements ExecutionHistory.Complete
func (s *SQLiteHistory) Complete(ctx context.Context, result *model.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_history SET
			state = ?,
			status = ?,
			message = ?,
			result = ?,
			completed_at = ?,
			duration = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE execution_id = ?`,
		string(model.TerminalState(result.Status)),
		string(result.Status),
		nullString(result.Message),
		string(data),
		result.CompletedAt.UTC(),
		int64(result.Duration),
		result.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete execution history: %w", err)
	}
	return requireRow(res, result.ExecutionID)
}

const selectColumns = `
	SELECT execution_id, operation, executor_id, state, status, message,
		descriptor, result, started_at, completed_at, duration
	FROM execution_history`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*ExecutionRecord, error) {
	var (
		record                              ExecutionRecord
		state                               string
		status, message, descriptor, result sql.NullString
		completedAt                         sql.NullTime
		duration                            sql.NullInt64
	)

	err := row.Scan(
		&record.ExecutionID,
		&record.Operation,
		&record.ExecutorID,
		&state,
		&status,
		&message,
		&descriptor,
		&result,
		&record.StartedAt,
		&completedAt,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	record.State = model.ExecutionState(state)
	record.Status = model.ExecutionStatus(status.String)
	record.Message = message.String
	if descriptor.Valid && descriptor.String != "" {
		record.Descriptor = json.RawMessage(descriptor.String)
	}
	if result.Valid && result.String != "" {
		record.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		record.Duration = time.Duration(duration.Int64)
	}
	return &record, nil
}

// Get implements ExecutionHistory.Get
func (s *SQLiteHistory) Get(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE execution_id = ?", executionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to scan execution history: %w", err)
	}
	return record, nil
}

// List implements ExecutionHistory.List
func (s *SQLiteHistory) List(ctx context.Context, filter Filter, offset, limit int) ([]*ExecutionRecord, error) {
	where, args := filter.where()
	query := selectColumns + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution history: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Count implements ExecutionHistory.Count
func (s *SQLiteHistory) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count execution history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements ExecutionHistory.DeleteBefore. Records of
// executions still in flight are kept.
func (s *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM execution_history WHERE started_at < ? AND state IN (?, ?, ?)",
		before.UTC(),
		string(model.StateCompleted),
		string(model.StateFailed),
		string(model.StateTimedOut),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, executionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
