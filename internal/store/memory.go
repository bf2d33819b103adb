package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/rendis/flowcron/pkg/schema"
)

const (
	tableWorkflows = "workflows"
	tableSchedules = "schedules"
	tableLogs      = "execution_logs"
)

// scheduleRow carries the lease columns alongside the schedule.
// Rows are immutable once inserted; updates insert a modified copy.
type scheduleRow struct {
	ID           string
	WorkflowID   string
	Schedule     schema.Schedule
	ClaimedBy    string
	ClaimedUntil time.Time
}

type workflowRow struct {
	ID       string
	Workflow schema.Workflow
}

type logRow struct {
	ID         int64
	WorkflowID string
	ScheduleID string
	RunID      string
	Log        schema.ExecutionLog
}

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableWorkflows: {
			Name: tableWorkflows,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		},
		tableSchedules: {
			Name: tableSchedules,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"workflow": {Name: "workflow", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}},
			},
		},
		tableLogs: {
			Name: tableLogs,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				"workflow": {Name: "workflow", Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}},
				"schedule": {Name: "schedule", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "ScheduleID"}},
				"run":      {Name: "run", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "RunID"}},
			},
		},
	},
}

// MemoryStore implements Store on an in-memory go-memdb database.
// Write transactions are serialized by memdb, which makes each counter update atomic.
type MemoryStore struct {
	db     *memdb.MemDB
	nextID atomic.Int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

// Migrate is a no-op; the schema is fixed at construction.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	cp, err := cloneWorkflow(wf)
	if err != nil {
		return err
	}
	if cp.Status == "" {
		cp.Status = schema.WorkflowStatusDraft
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt).UTC()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	cp.Steps = stepsOrEmpty(cp.Steps)

	txn := m.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tableWorkflows, "id", cp.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", cp.ID)
	}
	if err := txn.Insert(tableWorkflows, &workflowRow{ID: cp.ID, Workflow: *cp}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableWorkflows, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("workflow", id)
	}
	return cloneWorkflow(&raw.(*workflowRow).Workflow)
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableWorkflows, "id")
	if err != nil {
		return nil, err
	}
	var out []*schema.Workflow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		wf := &obj.(*workflowRow).Workflow
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.CreatedBy != "" && wf.CreatedBy != filter.CreatedBy {
			continue
		}
		cp, err := cloneWorkflow(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	slices.SortStableFunc(out, func(a, b *schema.Workflow) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return truncate(out, filter.Limit), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(tableWorkflows, "id", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("workflow", id)
	}
	txn.Commit()
	return nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, s *schema.Schedule) error {
	cp := cloneSchedule(s)
	if cp.Status == "" {
		cp.Status = schema.ScheduleStatusActive
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt).UTC()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tableSchedules, "id", cp.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", cp.ID)
	}
	if err := txn.Insert(tableSchedules, &scheduleRow{ID: cp.ID, WorkflowID: cp.WorkflowID, Schedule: *cp}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*schema.Schedule, error) {
	row, err := firstSchedule(m.db.Txn(false), id)
	if err != nil {
		return nil, err
	}
	return cloneSchedule(&row.Schedule), nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*schema.Schedule, error) {
	out, err := m.collectSchedules(func(s *schema.Schedule) bool {
		if filter.Status != nil && s.Status != *filter.Status {
			return false
		}
		return filter.WorkflowID == "" || s.WorkflowID == filter.WorkflowID
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *schema.Schedule) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return truncate(out, filter.Limit), nil
}

func (m *MemoryStore) ListDueSchedules(_ context.Context, now time.Time) ([]*schema.Schedule, error) {
	out, err := m.collectSchedules(func(s *schema.Schedule) bool { return s.IsDue(now) })
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *schema.Schedule) int {
		switch {
		case a.NextRun == nil && b.NextRun == nil:
			return 0
		case a.NextRun == nil:
			return -1
		case b.NextRun == nil:
			return 1
		}
		return a.NextRun.Compare(*b.NextRun)
	})
	return out, nil
}

func (m *MemoryStore) collectSchedules(keep func(*schema.Schedule) bool) ([]*schema.Schedule, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableSchedules, "id")
	if err != nil {
		return nil, err
	}
	var out []*schema.Schedule
	for obj := it.Next(); obj != nil; obj = it.Next() {
		s := &obj.(*scheduleRow).Schedule
		if keep(s) {
			out = append(out, cloneSchedule(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateRunMetadata(_ context.Context, id string, meta RunMetadata) error {
	if meta.ErrorCount != nil && *meta.ErrorCount < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "error_count must be >= 0, got %d", *meta.ErrorCount)
	}
	_, err := m.mutateSchedule(id, func(row *scheduleRow) {
		s := &row.Schedule
		if meta.LastRun != nil {
			t := meta.LastRun.UTC()
			s.LastRun = &t
		}
		if meta.NextRun != nil {
			t := meta.NextRun.UTC()
			s.NextRun = &t
		}
		if meta.ErrorCount != nil {
			s.ErrorCount = *meta.ErrorCount
		}
		if meta.LastError != nil {
			s.LastError = *meta.LastError
		}
	})
	return err
}

func (m *MemoryStore) IncrementErrorCount(_ context.Context, id, message string) (int, error) {
	row, err := m.mutateSchedule(id, func(row *scheduleRow) {
		row.Schedule.ErrorCount++
		row.Schedule.LastError = message
	})
	if err != nil {
		return 0, err
	}
	return row.Schedule.ErrorCount, nil
}

func (m *MemoryStore) RecordOutcome(ctx context.Context, id string, outcome Outcome) (int, error) {
	if !outcome.Success {
		return m.IncrementErrorCount(ctx, id, outcome.Error)
	}
	row, err := m.mutateSchedule(id, func(row *scheduleRow) {
		row.Schedule.ErrorCount = 0
		row.Schedule.LastError = ""
	})
	if err != nil {
		return 0, err
	}
	return row.Schedule.ErrorCount, nil
}

func (m *MemoryStore) UpdateScheduleStatus(_ context.Context, id string, status schema.ScheduleStatus) error {
	if !status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule status %q", status)
	}
	_, err := m.mutateSchedule(id, func(row *scheduleRow) { row.Schedule.Status = status })
	return err
}

func (m *MemoryStore) ClaimSchedule(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := firstSchedule(txn, id)
	if err != nil {
		return false, err
	}
	if row.ClaimedBy != "" && row.ClaimedBy != owner && now.Before(row.ClaimedUntil) {
		return false, nil
	}
	next := *row
	next.ClaimedBy = owner
	next.ClaimedUntil = now.Add(ttl)
	if err := txn.Insert(tableSchedules, &next); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func (m *MemoryStore) ReleaseSchedule(_ context.Context, id, owner string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := firstSchedule(txn, id)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil
		}
		return err
	}
	if row.ClaimedBy != owner {
		return nil
	}
	next := *row
	next.ClaimedBy = ""
	next.ClaimedUntil = time.Time{}
	if err := txn.Insert(tableSchedules, &next); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(tableSchedules, "id", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("schedule", id)
	}
	txn.Commit()
	return nil
}

// mutateSchedule applies fn to a copy of the row inside one write transaction.
func (m *MemoryStore) mutateSchedule(id string, fn func(*scheduleRow)) (*scheduleRow, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	row, err := firstSchedule(txn, id)
	if err != nil {
		return nil, err
	}
	next := *row
	next.Schedule = *cloneSchedule(&row.Schedule)
	fn(&next)
	next.Schedule.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableSchedules, &next); err != nil {
		return nil, err
	}
	txn.Commit()
	return &next, nil
}

func firstSchedule(txn *memdb.Txn, id string) (*scheduleRow, error) {
	raw, err := txn.First(tableSchedules, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, storeNotFound("schedule", id)
	}
	return raw.(*scheduleRow), nil
}

// --- Execution logs ---

func (m *MemoryStore) AppendExecutionLog(_ context.Context, log *schema.ExecutionLog) error {
	if log.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution log requires workflow_id")
	}
	if log.ExecutionTime.IsZero() {
		log.ExecutionTime = time.Now().UTC()
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	id := m.nextID.Add(1)
	cp := cloneLog(log)
	cp.ID = id
	row := &logRow{ID: id, WorkflowID: cp.WorkflowID, ScheduleID: cp.ScheduleID, RunID: cp.RunID, Log: *cp}
	if err := txn.Insert(tableLogs, row); err != nil {
		return err
	}
	txn.Commit()
	log.ID = id
	return nil
}

func (m *MemoryStore) ListExecutionLogs(_ context.Context, filter LogFilter) ([]*schema.ExecutionLog, error) {
	txn := m.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.RunID != "":
		it, err = txn.Get(tableLogs, "run", filter.RunID)
	case filter.ScheduleID != "":
		it, err = txn.Get(tableLogs, "schedule", filter.ScheduleID)
	case filter.WorkflowID != "":
		it, err = txn.Get(tableLogs, "workflow", filter.WorkflowID)
	default:
		it, err = txn.Get(tableLogs, "id")
	}
	if err != nil {
		return nil, err
	}

	var out []*schema.ExecutionLog
	for obj := it.Next(); obj != nil; obj = it.Next() {
		l := &obj.(*logRow).Log
		if filter.WorkflowID != "" && l.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.ScheduleID != "" && l.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.RunID != "" && l.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		out = append(out, cloneLog(l))
	}
	slices.SortFunc(out, func(a, b *schema.ExecutionLog) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return truncate(out, filter.Limit), nil
}

// --- Copy helpers ---

func cloneWorkflow(wf *schema.Workflow) (*schema.Workflow, error) {
	b, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("copy workflow %s: %w", wf.ID, err)
	}
	var cp schema.Workflow
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("copy workflow %s: %w", wf.ID, err)
	}
	cp.CreatedAt = wf.CreatedAt
	cp.UpdatedAt = wf.UpdatedAt
	return &cp, nil
}

func cloneSchedule(s *schema.Schedule) *schema.Schedule {
	cp := *s
	if s.LastRun != nil {
		t := *s.LastRun
		cp.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		cp.NextRun = &t
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneLog(l *schema.ExecutionLog) *schema.ExecutionLog {
	cp := *l
	if l.StepIndex != nil {
		idx := *l.StepIndex
		cp.StepIndex = &idx
	}
	if l.Result != nil {
		cp.Result = append([]byte(nil), l.Result...)
	}
	return &cp
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
