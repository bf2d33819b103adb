package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcron/pkg/schema"
)

// timeLayout is fixed width so that text comparison in SQL orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowcron.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	steps, err := json.Marshal(stepsOrEmpty(wf.Steps))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	cfg, err := nullableMap(wf.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	status := wf.Status
	if status == "" {
		status = schema.WorkflowStatusDraft
	}
	created := timeOrNow(wf.CreatedAt)
	updated := wf.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, steps, status, config, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), string(steps), string(status), cfg,
		nullStr(wf.CreatedBy), encodeTime(created), encodeTime(updated),
	)
	if err != nil {
		return conflictOr(err, "workflow", wf.ID)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, steps, status, config, created_by, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}

	query := `SELECT id, name, description, steps, status, config, created_by, created_at, updated_at FROM workflows` +
		whereClause(where) + ` ORDER BY created_at ASC, id ASC` + limitClause(filter.Limit, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(sc scanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		description, cfg, createdBy sql.NullString
		steps, status               string
		created, updated            string
	)
	if err := sc.Scan(&wf.ID, &wf.Name, &description, &steps, &status, &cfg, &createdBy, &created, &updated); err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.CreatedBy = createdBy.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("decode workflow %s steps: %w", wf.ID, err)
	}
	if cfg.Valid {
		if err := json.Unmarshal([]byte(cfg.String), &wf.Config); err != nil {
			return nil, fmt.Errorf("decode workflow %s config: %w", wf.ID, err)
		}
	}
	var err error
	if wf.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return wf, nil
}

// --- Schedules ---

const scheduleColumns = `id, workflow_id, name, description, cron_expression, status, config,
	error_count, last_error, last_run, next_run, metadata, created_by, created_at, updated_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *schema.Schedule) error {
	cfg, err := json.Marshal(sch.Config)
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	meta, err := nullableMap(sch.Metadata)
	if err != nil {
		return fmt.Errorf("marshal schedule metadata: %w", err)
	}
	status := sch.Status
	if status == "" {
		status = schema.ScheduleStatusActive
	}
	created := timeOrNow(sch.CreatedAt)
	updated := sch.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, sch.Name, nullStr(sch.Description), sch.Cron, string(status), string(cfg),
		sch.ErrorCount, nullStr(sch.LastError), nullTime(sch.LastRun), nullTime(sch.NextRun), meta,
		nullStr(sch.CreatedBy), encodeTime(created), encodeTime(updated),
	)
	if err != nil {
		return conflictOr(err, "schedule", sch.ID)
	}
	return nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	query := `SELECT ` + scheduleColumns + ` FROM schedules` + whereClause(where) +
		` ORDER BY created_at ASC, id ASC` + limitClause(filter.Limit, &args)
	return s.querySchedules(ctx, query, args...)
}

// ListDueSchedules is a pure read. Schedules with no next_run sort first.
func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*schema.Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = ? AND (next_run IS NULL OR next_run <= ?)
		 ORDER BY next_run ASC, id ASC`,
		string(schema.ScheduleStatusActive), encodeTime(now),
	)
}

func (s *LibSQLStore) querySchedules(ctx context.Context, query string, args ...any) ([]*schema.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateRunMetadata(ctx context.Context, id string, meta RunMetadata) error {
	sets := []string{"updated_at = ?"}
	args := []any{encodeTime(time.Now())}
	if meta.LastRun != nil {
		sets = append(sets, "last_run = ?")
		args = append(args, encodeTime(*meta.LastRun))
	}
	if meta.NextRun != nil {
		sets = append(sets, "next_run = ?")
		args = append(args, encodeTime(*meta.NextRun))
	}
	if meta.ErrorCount != nil {
		if *meta.ErrorCount < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "error_count must be >= 0, got %d", *meta.ErrorCount)
		}
		sets = append(sets, "error_count = ?")
		args = append(args, *meta.ErrorCount)
	}
	if meta.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*meta.LastError))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// IncrementErrorCount performs the read-modify-write inside one UPDATE statement.
func (s *LibSQLStore) IncrementErrorCount(ctx context.Context, id, message string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE schedules SET error_count = error_count + 1, last_error = ?, updated_at = ?
		 WHERE id = ? RETURNING error_count`,
		nullStr(message), encodeTime(time.Now()), id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storeNotFound("schedule", id)
	}
	return count, err
}

func (s *LibSQLStore) RecordOutcome(ctx context.Context, id string, outcome Outcome) (int, error) {
	if !outcome.Success {
		return s.IncrementErrorCount(ctx, id, outcome.Error)
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE schedules SET error_count = 0, last_error = NULL, updated_at = ?
		 WHERE id = ? RETURNING error_count`,
		encodeTime(timeOrNow(outcome.At)), id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storeNotFound("schedule", id)
	}
	return count, err
}

func (s *LibSQLStore) UpdateScheduleStatus(ctx context.Context, id string, status schema.ScheduleStatus) error {
	if !status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), encodeTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// ClaimSchedule is a compare-and-set on the lease columns. An expired lease, or one
// already held by owner, can be taken.
func (s *LibSQLStore) ClaimSchedule(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET claimed_by = ?, claimed_until = ?
		 WHERE id = ? AND (claimed_until IS NULL OR claimed_until <= ? OR claimed_by = ?)`,
		owner, encodeTime(now.Add(ttl)), id, encodeTime(now), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, storeNotFound("schedule", id)
	}
	return false, err
}

func (s *LibSQLStore) ReleaseSchedule(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET claimed_by = NULL, claimed_until = NULL WHERE id = ? AND claimed_by = ?`,
		id, owner,
	)
	return err
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc scanner) (*schema.Schedule, error) {
	sch := &schema.Schedule{}
	var (
		description, lastError, meta, createdBy sql.NullString
		lastRun, nextRun                        sql.NullString
		status, cfg, created, updated           string
	)
	if err := sc.Scan(
		&sch.ID, &sch.WorkflowID, &sch.Name, &description, &sch.Cron, &status, &cfg,
		&sch.ErrorCount, &lastError, &lastRun, &nextRun, &meta, &createdBy, &created, &updated,
	); err != nil {
		return nil, err
	}
	sch.Description = description.String
	sch.LastError = lastError.String
	sch.CreatedBy = createdBy.String
	sch.Status = schema.ScheduleStatus(status)
	if err := json.Unmarshal([]byte(cfg), &sch.Config); err != nil {
		return nil, fmt.Errorf("decode schedule %s config: %w", sch.ID, err)
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &sch.Metadata); err != nil {
			return nil, fmt.Errorf("decode schedule %s metadata: %w", sch.ID, err)
		}
	}
	var err error
	if sch.LastRun, err = decodeNullTime(lastRun); err != nil {
		return nil, err
	}
	if sch.NextRun, err = decodeNullTime(nextRun); err != nil {
		return nil, err
	}
	if sch.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if sch.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return sch, nil
}

// --- Execution logs ---

func (s *LibSQLStore) AppendExecutionLog(ctx context.Context, log *schema.ExecutionLog) error {
	if log.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution log requires workflow_id")
	}
	if log.ExecutionTime.IsZero() {
		log.ExecutionTime = time.Now().UTC()
	}
	var step any
	if log.StepIndex != nil {
		step = *log.StepIndex
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO execution_logs (workflow_id, schedule_id, run_id, step_index, step_id, status, result, error, execution_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		log.WorkflowID, nullStr(log.ScheduleID), nullStr(log.RunID), step, nullStr(log.StepID),
		string(log.Status), nullRaw(log.Result), nullStr(log.Error), encodeTime(log.ExecutionTime),
	).Scan(&log.ID)
}

func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, filter LogFilter) ([]*schema.ExecutionLog, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT id, workflow_id, schedule_id, run_id, step_index, step_id, status, result, error, execution_time
		FROM execution_logs` + whereClause(where) + ` ORDER BY id ASC` + limitClause(filter.Limit, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ExecutionLog
	for rows.Next() {
		l := &schema.ExecutionLog{}
		var (
			scheduleID, runID, stepID, result, errMsg sql.NullString
			step                                      sql.NullInt64
			status, execTime                          string
		)
		if err := rows.Scan(&l.ID, &l.WorkflowID, &scheduleID, &runID, &step, &stepID, &status, &result, &errMsg, &execTime); err != nil {
			return nil, err
		}
		l.ScheduleID = scheduleID.String
		l.RunID = runID.String
		l.StepID = stepID.String
		l.Error = errMsg.String
		l.Status = schema.LogStatus(status)
		l.Result = rawOrNil(result)
		if step.Valid {
			idx := int(step.Int64)
			l.StepIndex = &idx
		}
		if l.ExecutionTime, err = decodeTime(execTime); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// conflictOr maps primary key violations to CONFLICT and passes other errors through.
func conflictOr(err error, resource, id string) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id).WithCause(err)
	}
	return err
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit int, args *[]any) string {
	if limit <= 0 {
		return ""
	}
	*args = append(*args, limit)
	return " LIMIT ?"
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older tooling may use plain RFC 3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", s, err)
	}
	return t, nil
}

func decodeNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func stepsOrEmpty(steps []schema.WorkflowStep) []schema.WorkflowStep {
	if steps == nil {
		return []schema.WorkflowStep{}
	}
	return steps
}
