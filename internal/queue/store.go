package queue

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"alttext/internal/domain"
	"alttext/internal/infra"
	"alttext/internal/sqlinline"
)

const (
	// maxErrorLen bounds last_error messages before storage.
	maxErrorLen = 500

	// claimScanFactor oversizes the candidate scan relative to the batch
	// limit so races with concurrent claimers still fill the batch.
	claimScanFactor = 3
)

// Store provides durable, concurrency-safe bookkeeping for generation jobs.
// All mutual exclusion happens at the row level through conditional updates;
// the store holds no in-memory locks, so any number of worker processes may
// share one table.
type Store struct {
	sql   infra.SQLExecutor
	waker func()
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// OnEnqueue registers a callback invoked after a successful enqueue, used to
// wake the scheduler early when it runs in the same process.
func (s *Store) OnEnqueue(fn func()) {
	s.waker = fn
}

// Enqueue inserts a pending job for the subject unless an active (pending or
// processing) row already exists, in which case it is a no-op success.
// Reports whether a new row was inserted.
func (s *Store) Enqueue(ctx context.Context, subjectID string, source domain.JobSource) (bool, error) {
	if subjectID == "" {
		return false, fmt.Errorf("enqueue: subject id is required")
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QInsertJobIfAbsent, subjectID, string(source))
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", subjectID, err)
	}
	inserted := tag.RowsAffected() == 1
	if inserted && s.waker != nil {
		s.waker()
	}
	return inserted, nil
}

// EnqueueMany enqueues a batch of subjects and returns how many new rows were
// inserted. A regenerate source first deletes every existing row (any status)
// for the subjects so a stale completed or failed row cannot block the fresh
// attempt.
func (s *Store) EnqueueMany(ctx context.Context, subjectIDs []string, source domain.JobSource) (int, error) {
	if len(subjectIDs) == 0 {
		return 0, nil
	}
	if source.Regenerate() {
		if _, err := s.sql.Exec(ctx, sqlinline.QDeleteJobsForSubjects, subjectIDs); err != nil {
			return 0, fmt.Errorf("clear rows for regenerate: %w", err)
		}
	}
	count := 0
	for _, id := range subjectIDs {
		if id == "" {
			continue
		}
		tag, err := s.sql.Exec(ctx, sqlinline.QInsertJobIfAbsent, id, string(source))
		if err != nil {
			return count, fmt.Errorf("enqueue %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			count++
		}
	}
	if count > 0 && s.waker != nil {
		s.waker()
	}
	return count, nil
}

// ClaimBatch atomically moves up to limit pending jobs to processing and
// returns them, oldest first. It scans limit*3 candidates and attempts a
// conditional update per candidate; a candidate whose update affects zero
// rows was claimed by a concurrent worker and is skipped silently.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.sql.Query(ctx, sqlinline.QSelectClaimCandidates, limit*claimScanFactor)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}

	claimed := make([]domain.Job, 0, limit)
	for _, id := range candidates {
		if len(claimed) >= limit {
			break
		}
		job, err := s.claimOne(ctx, id)
		if err != nil {
			return claimed, err
		}
		if job != nil {
			claimed = append(claimed, *job)
		}
	}
	return claimed, nil
}

func (s *Store) claimOne(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QClaimJob, id)
	job, err := scanJob(row)
	if err != nil {
		if infra.IsNoRows(err) {
			// Lost the race; another claimer won this row.
			return nil, nil
		}
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	return job, nil
}

// MarkComplete records a successful generation, storing the produced alt
// text and clearing the lock and any previous error.
func (s *Store) MarkComplete(ctx context.Context, jobID int64, resultText string) error {
	_, err := s.sql.Exec(ctx, sqlinline.QMarkComplete, jobID, resultText)
	if err != nil {
		return fmt.Errorf("mark complete %d: %w", jobID, err)
	}
	return nil
}

// MarkRetry reverts a job to pending so a later tick claims it again. It does
// not touch the attempts counter (incremented at claim time) and enforces no
// ceiling; the worker's policy decides when to stop and fail instead.
func (s *Store) MarkRetry(ctx context.Context, jobID int64, message string) error {
	_, err := s.sql.Exec(ctx, sqlinline.QMarkRetry, jobID, truncateError(message))
	if err != nil {
		return fmt.Errorf("mark retry %d: %w", jobID, err)
	}
	return nil
}

// MarkFailed moves a job to the terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, jobID int64, message string) error {
	_, err := s.sql.Exec(ctx, sqlinline.QMarkFailed, jobID, truncateError(message))
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", jobID, err)
	}
	return nil
}

// ResetStale reverts processing rows whose lock is older than timeout back
// to pending. Run every scheduler tick to recover jobs orphaned by crashed
// or hung workers.
func (s *Store) ResetStale(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	tag, err := s.sql.Exec(ctx, sqlinline.QResetStale, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns aggregate queue counts.
func (s *Store) Stats(ctx context.Context) (domain.QueueStats, error) {
	var st domain.QueueStats
	row := s.sql.QueryRow(ctx, sqlinline.QQueueStats)
	if err := row.Scan(&st.Pending, &st.Processing, &st.Failed, &st.Completed, &st.CompletedRecent); err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

// RetryFailed re-queues every failed job and returns how many were moved.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QRetryFailed)
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 && s.waker != nil {
		s.waker()
	}
	return n, nil
}

// ClearCompleted deletes completed rows older than age, or all completed
// rows when age is zero.
func (s *Store) ClearCompleted(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now()
	if age > 0 {
		cutoff = cutoff.Add(-age)
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QClearCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetryJob re-queues a single job regardless of its current status.
func (s *Store) RetryJob(ctx context.Context, jobID int64) error {
	tag, err := s.sql.Exec(ctx, sqlinline.QRetryJob, jobID)
	if err != nil {
		return fmt.Errorf("retry job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	if s.waker != nil {
		s.waker()
	}
	return nil
}

// RecentJobs lists the most recently enqueued jobs for display.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.listJobs(ctx, sqlinline.QRecentJobs, limit)
}

// FailedJobs lists the most recent failed jobs for display.
func (s *Store) FailedJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.listJobs(ctx, sqlinline.QFailedJobs, limit)
}

func (s *Store) listJobs(ctx context.Context, query string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.sql.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.SubjectID,
		&job.Status,
		&job.Attempts,
		&job.Source,
		&job.LastError,
		&job.ResultText,
		&job.EnqueuedAt,
		&job.LockedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	cut := message[:maxErrorLen]
	// Drop any trailing partial rune so the stored text is valid UTF-8.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
