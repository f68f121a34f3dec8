// Package queuetest provides an in-memory SQLExecutor implementing the job
// and credential table semantics, including the conditional claim update,
// for tests that need real state transitions without a database.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"alttext/internal/domain"
	"alttext/internal/sqlinline"
)

type JobRow struct {
	ID          int64
	SubjectID   string
	Status      domain.JobStatus
	Attempts    int
	Source      domain.JobSource
	LastError   string
	ResultText  string
	EnqueuedAt  time.Time
	LockedAt    *time.Time
	CompletedAt *time.Time
}

// Executor is a mutex-guarded fake of the two core tables. Conditional
// updates behave like the real schema: a claim on a non-pending row affects
// zero rows.
type Executor struct {
	mu     sync.Mutex
	nextID int64
	Jobs   []*JobRow
	Creds  map[string]string

	// ExecErr, when set, fails every statement; used to exercise storage
	// failure propagation.
	ExecErr error
}

func NewExecutor() *Executor {
	return &Executor{Creds: map[string]string{}}
}

// JobBySubject returns a copy of the newest row for the subject.
func (e *Executor) JobBySubject(subjectID string) (JobRow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.Jobs) - 1; i >= 0; i-- {
		if e.Jobs[i].SubjectID == subjectID {
			return *e.Jobs[i], true
		}
	}
	return JobRow{}, false
}

// JobByID returns a copy of the row with the given id.
func (e *Executor) JobByID(id int64) (JobRow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, row := range e.Jobs {
		if row.ID == id {
			return *row, true
		}
	}
	return JobRow{}, false
}

// SetLockedAt rewrites a row's lock timestamp, for stale-recovery tests.
func (e *Executor) SetLockedAt(id int64, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, row := range e.Jobs {
		if row.ID == id {
			locked := t
			row.LockedAt = &locked
		}
	}
}

// SetCompletedAt rewrites a row's completion timestamp, for retention tests.
func (e *Executor) SetCompletedAt(id int64, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, row := range e.Jobs {
		if row.ID == id {
			completed := t
			row.CompletedAt = &completed
		}
	}
}

// Seed inserts a row directly, bypassing dedup.
func (e *Executor) Seed(row JobRow) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	row.ID = e.nextID
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = time.Now()
	}
	e.Jobs = append(e.Jobs, &row)
	return row.ID
}

func tag(op string, n int) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("%s %d", op, n))
}

func (e *Executor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ExecErr != nil {
		return pgconn.CommandTag{}, e.ExecErr
	}

	switch query {
	case sqlinline.QInsertJobIfAbsent:
		subject := args[0].(string)
		source := args[1].(string)
		for _, row := range e.Jobs {
			if row.SubjectID == subject &&
				(row.Status == domain.JobStatusPending || row.Status == domain.JobStatusProcessing) {
				return tag("INSERT", 0), nil
			}
		}
		e.nextID++
		e.Jobs = append(e.Jobs, &JobRow{
			ID:         e.nextID,
			SubjectID:  subject,
			Status:     domain.JobStatusPending,
			Source:     domain.JobSource(source),
			EnqueuedAt: time.Now(),
		})
		return tag("INSERT", 1), nil

	case sqlinline.QDeleteJobsForSubjects:
		subjects := args[0].([]string)
		drop := map[string]bool{}
		for _, s := range subjects {
			drop[s] = true
		}
		kept := e.Jobs[:0]
		deleted := 0
		for _, row := range e.Jobs {
			if drop[row.SubjectID] {
				deleted++
				continue
			}
			kept = append(kept, row)
		}
		e.Jobs = kept
		return tag("DELETE", deleted), nil

	case sqlinline.QMarkComplete:
		n := e.update(args[0].(int64), func(row *JobRow) {
			now := time.Now()
			row.Status = domain.JobStatusCompleted
			row.LockedAt = nil
			row.CompletedAt = &now
			row.LastError = ""
			row.ResultText = args[1].(string)
		})
		return tag("UPDATE", n), nil

	case sqlinline.QMarkRetry:
		n := e.update(args[0].(int64), func(row *JobRow) {
			row.Status = domain.JobStatusPending
			row.LockedAt = nil
			row.LastError = args[1].(string)
		})
		return tag("UPDATE", n), nil

	case sqlinline.QMarkFailed:
		n := e.update(args[0].(int64), func(row *JobRow) {
			row.Status = domain.JobStatusFailed
			row.LockedAt = nil
			row.LastError = args[1].(string)
		})
		return tag("UPDATE", n), nil

	case sqlinline.QResetStale:
		cutoff := args[0].(time.Time)
		n := 0
		for _, row := range e.Jobs {
			if row.Status == domain.JobStatusProcessing && row.LockedAt != nil && row.LockedAt.Before(cutoff) {
				row.Status = domain.JobStatusPending
				row.LockedAt = nil
				n++
			}
		}
		return tag("UPDATE", n), nil

	case sqlinline.QRetryFailed:
		n := 0
		for _, row := range e.Jobs {
			if row.Status == domain.JobStatusFailed {
				row.Status = domain.JobStatusPending
				row.LockedAt = nil
				row.LastError = ""
				n++
			}
		}
		return tag("UPDATE", n), nil

	case sqlinline.QClearCompleted:
		cutoff := args[0].(time.Time)
		kept := e.Jobs[:0]
		deleted := 0
		for _, row := range e.Jobs {
			if row.Status == domain.JobStatusCompleted && row.CompletedAt != nil && row.CompletedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, row)
		}
		e.Jobs = kept
		return tag("DELETE", deleted), nil

	case sqlinline.QRetryJob:
		n := e.update(args[0].(int64), func(row *JobRow) {
			row.Status = domain.JobStatusPending
			row.LockedAt = nil
			row.LastError = ""
		})
		return tag("UPDATE", n), nil

	case sqlinline.QUpsertCredential:
		e.Creds[args[0].(string)] = args[1].(string)
		return tag("INSERT", 1), nil

	case sqlinline.QDeleteCredential:
		key := args[0].(string)
		if _, ok := e.Creds[key]; ok {
			delete(e.Creds, key)
			return tag("DELETE", 1), nil
		}
		return tag("DELETE", 0), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("queuetest: unhandled exec %q", firstLine(query))
}

func (e *Executor) update(id int64, fn func(*JobRow)) int {
	for _, row := range e.Jobs {
		if row.ID == id {
			fn(row)
			return 1
		}
	}
	return 0
}

func (e *Executor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ExecErr != nil {
		return nil, e.ExecErr
	}

	switch query {
	case sqlinline.QSelectClaimCandidates:
		limit := args[0].(int)
		pending := make([]*JobRow, 0)
		for _, row := range e.Jobs {
			if row.Status == domain.JobStatusPending {
				pending = append(pending, row)
			}
		}
		sortByEnqueue(pending)
		var values [][]any
		for i, row := range pending {
			if i >= limit {
				break
			}
			values = append(values, []any{row.ID})
		}
		return &fakeRows{values: values}, nil

	case sqlinline.QRecentJobs:
		return e.listRows(args[0].(int), func(*JobRow) bool { return true }), nil

	case sqlinline.QFailedJobs:
		return e.listRows(args[0].(int), func(r *JobRow) bool { return r.Status == domain.JobStatusFailed }), nil
	}
	return nil, fmt.Errorf("queuetest: unhandled query %q", firstLine(query))
}

func (e *Executor) listRows(limit int, keep func(*JobRow) bool) pgx.Rows {
	var values [][]any
	for i := len(e.Jobs) - 1; i >= 0 && len(values) < limit; i-- {
		row := e.Jobs[i]
		if keep(row) {
			values = append(values, jobValues(row))
		}
	}
	return &fakeRows{values: values}
}

func (e *Executor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ExecErr != nil {
		return simpleRow{err: e.ExecErr}
	}

	switch query {
	case sqlinline.QClaimJob:
		id := args[0].(int64)
		for _, row := range e.Jobs {
			if row.ID == id && row.Status == domain.JobStatusPending {
				now := time.Now()
				row.Status = domain.JobStatusProcessing
				row.LockedAt = &now
				row.Attempts++
				return simpleRow{values: jobValues(row)}
			}
		}
		return simpleRow{err: pgx.ErrNoRows}

	case sqlinline.QQueueStats:
		var pending, processing, failed, completed, recent int64
		dayAgo := time.Now().Add(-24 * time.Hour)
		for _, row := range e.Jobs {
			switch row.Status {
			case domain.JobStatusPending:
				pending++
			case domain.JobStatusProcessing:
				processing++
			case domain.JobStatusFailed:
				failed++
			case domain.JobStatusCompleted:
				completed++
				if row.CompletedAt != nil && row.CompletedAt.After(dayAgo) {
					recent++
				}
			}
		}
		return simpleRow{values: []any{pending, processing, failed, completed, recent}}

	case sqlinline.QSelectCredential:
		if v, ok := e.Creds[args[0].(string)]; ok {
			return simpleRow{values: []any{v}}
		}
		return simpleRow{err: pgx.ErrNoRows}
	}
	return simpleRow{err: fmt.Errorf("queuetest: unhandled query_row %q", firstLine(query))}
}

func jobValues(row *JobRow) []any {
	return []any{
		row.ID, row.SubjectID, row.Status, row.Attempts, row.Source,
		row.LastError, row.ResultText, row.EnqueuedAt, row.LockedAt, row.CompletedAt,
	}
}

func sortByEnqueue(rows []*JobRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0; j-- {
			a, b := rows[j-1], rows[j]
			if a.EnqueuedAt.Before(b.EnqueuedAt) || (a.EnqueuedAt.Equal(b.EnqueuedAt) && a.ID < b.ID) {
				break
			}
			rows[j-1], rows[j] = b, a
		}
	}
}

func firstLine(q string) string {
	for i := 0; i < len(q); i++ {
		if q[i] == '\n' {
			return q[:i]
		}
	}
	return q
}
