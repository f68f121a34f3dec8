package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"alttext/internal/apiclient"
	"alttext/internal/domain"
	"alttext/internal/queue"
)

// SubjectResolver turns an opaque subject id into the image payload for the
// remote call. The queue core never interprets subject ids itself; resolution
// is the caller's concern (media lookup, encoding and resizing live outside
// this system).
type SubjectResolver interface {
	Resolve(ctx context.Context, subjectID string) (apiclient.GenerateRequest, error)
}

// ResolveFunc adapts a plain function to SubjectResolver.
type ResolveFunc func(ctx context.Context, subjectID string) (apiclient.GenerateRequest, error)

func (f ResolveFunc) Resolve(ctx context.Context, subjectID string) (apiclient.GenerateRequest, error) {
	return f(ctx, subjectID)
}

type Options struct {
	Store        *queue.Store
	Client       *apiclient.Client
	Resolver     SubjectResolver
	Logger       zerolog.Logger
	PollInterval time.Duration
	BatchSize    int
	LockTimeout  time.Duration

	// MaxAttempts is the cross-tick ceiling: a job claimed this many times
	// stops being re-queued on transient failures. This is the coarse retry
	// tier on top of the client's per-call retries.
	MaxAttempts int
}

// Worker is the scheduling loop. One logical scheduler per process; multiple
// processes may run against the same store because claims are conditional
// updates, not in-memory locks.
type Worker struct {
	store        *queue.Store
	client       *apiclient.Client
	resolver     SubjectResolver
	logger       zerolog.Logger
	pollInterval time.Duration
	batchSize    int
	lockTimeout  time.Duration
	maxAttempts  int

	wake chan struct{}
}

func New(opts Options) *Worker {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 45 * time.Second
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Minute
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		store:        opts.Store,
		client:       opts.Client,
		resolver:     opts.Resolver,
		logger:       opts.Logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		lockTimeout:  lockTimeout,
		maxAttempts:  maxAttempts,
		wake:         make(chan struct{}, 1),
	}
}

// Wake requests an earlier tick. The buffered channel of one makes the
// request idempotent: two pending wake-ups never stack.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.pollInterval).
		Int("batch_size", w.batchSize).
		Msg("worker: started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		w.Tick(ctx)
		timer.Reset(w.pollInterval)
	}
}

// Tick runs one scheduler pass: recover stale locks, claim a batch, process
// each claimed job and record its outcome.
func (w *Worker) Tick(ctx context.Context) {
	recovered, err := w.store.ResetStale(ctx, w.lockTimeout)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: stale recovery failed")
	} else if recovered > 0 {
		w.logger.Warn().Int64("count", recovered).Msg("worker: recovered stale jobs")
	}

	jobs, err := w.store.ClaimBatch(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: claim failed")
		return
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	log := w.logger.With().
		Int64("job_id", job.ID).
		Str("subject_id", job.SubjectID).
		Str("source", string(job.Source)).
		Int("attempt", job.Attempts).
		Logger()

	req, err := w.resolver.Resolve(ctx, job.SubjectID)
	if err != nil {
		log.Error().Err(err).Msg("worker: subject resolution failed")
		w.markFailed(ctx, job, "resolve subject: "+err.Error())
		return
	}
	req.Regenerate = job.Source.Regenerate()

	altText, err := w.client.GenerateAltText(ctx, req)
	if err == nil {
		if err := w.store.MarkComplete(ctx, job.ID, altText); err != nil {
			log.Error().Err(err).Msg("worker: mark complete failed")
			return
		}
		log.Info().Msg("worker: job completed")
		return
	}

	w.recordFailure(ctx, job, err, log)
}

// recordFailure maps a generation error onto the coarse retry tier. Terminal
// taxonomy kinds fail the job outright; transient ones leave it pending for
// the next tick until the attempts ceiling is reached. Rate limits land in
// the transient bucket because the next tick is already further away than
// the 60s pacing hint most of the time.
func (w *Worker) recordFailure(ctx context.Context, job domain.Job, genErr error, log zerolog.Logger) {
	apiErr, ok := apiclient.AsAPIError(genErr)
	if ok && apiclient.Terminal(apiErr.Kind) {
		log.Error().Str("kind", string(apiErr.Kind)).Msg("worker: job failed permanently")
		w.markFailed(ctx, job, genErr.Error())
		return
	}

	if job.Attempts >= w.maxAttempts {
		log.Error().Int("max_attempts", w.maxAttempts).Msg("worker: job exhausted attempts")
		w.markFailed(ctx, job, genErr.Error())
		return
	}

	log.Warn().Err(genErr).Msg("worker: job will retry next tick")
	if err := w.store.MarkRetry(ctx, job.ID, genErr.Error()); err != nil {
		log.Error().Err(err).Msg("worker: mark retry failed")
	}
}

func (w *Worker) markFailed(ctx context.Context, job domain.Job, message string) {
	if err := w.store.MarkFailed(ctx, job.ID, message); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("worker: mark failed failed")
	}
}
