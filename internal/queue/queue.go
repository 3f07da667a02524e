package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/transcribegate/transcribegate/internal/blob"
	"github.com/transcribegate/transcribegate/internal/config"
	"github.com/transcribegate/transcribegate/internal/job"
	"github.com/transcribegate/transcribegate/internal/transcribe"
)

// ErrBusy is returned by Submit when every queue slot is taken.
var ErrBusy = errors.New("transcription queue is full")

// SSEEvent represents a Server-Sent Events event.
type SSEEvent struct {
	Event string // "status", "result"
	Data  string // JSON string
}

// Notifier receives every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, c job.Completion)
}

// Request asks for one resource to be transcribed.
type Request struct {
	JobID       string
	Resource    string
	CallbackURL string
}

type task struct {
	Request
	attempt string
	started time.Time
}

// Queue schedules transcriptions on a bounded pool of workers.
type Queue struct {
	tasks     chan task
	slots     *semaphore.Weighted
	store     *job.Store
	blobs     blob.Store
	engine    transcribe.Engine
	notifiers []Notifier
	subs      map[string][]chan SSEEvent
	mu        sync.RWMutex
	cfg       *config.Config
	now       func() time.Time
	wg        sync.WaitGroup
}

// New creates a Queue. Up to cfg.QueueSize jobs wait while cfg.Concurrency run.
func New(cfg *config.Config, store *job.Store, blobs blob.Store, engine transcribe.Engine, notifiers ...Notifier) *Queue {
	capacity := cfg.QueueSize + cfg.Concurrency
	return &Queue{
		tasks:     make(chan task, capacity),
		slots:     semaphore.NewWeighted(int64(capacity)),
		store:     store,
		blobs:     blobs,
		engine:    engine,
		notifiers: notifiers,
		subs:      make(map[string][]chan SSEEvent),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Submit starts a transcription unless one is already running for the job.
// It never waits for the engine.
func (q *Queue) Submit(ctx context.Context, req Request) (job.StartOutcome, error) {
	if !q.slots.TryAcquire(1) {
		if rec, err := q.store.Status(ctx, req.JobID); err == nil && rec.Status == job.StatusProcessing {
			return job.AlreadyInFlight, nil
		}
		return 0, ErrBusy
	}

	t := task{Request: req, attempt: uuid.NewString(), started: q.now().UTC()}
	outcome, err := q.store.TryStart(ctx, req.JobID, job.StatusRecord{
		Resource:    req.Resource,
		Attempt:     t.attempt,
		StartedAt:   &t.started,
		CallbackURL: req.CallbackURL,
	})
	if err != nil || outcome != job.Started {
		q.slots.Release(1)
		return outcome, err
	}

	q.notify(req.JobID, SSEEvent{Event: "status", Data: `{"status":"processing"}`})
	// Cannot block: the channel holds as many tasks as there are slots.
	q.tasks <- t
	return job.Started, nil
}

// Start launches N workers (cfg.Concurrency) as goroutines.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.Concurrency {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker(ctx)
		}()
	}
}

// Wait blocks until every worker started by Start has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (q *Queue) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan SSEEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	for i, c := range chans {
		if c == ch {
			q.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

// Recovery fails jobs left processing by a previous process and publishes them.
// Nothing is running yet when it is called, so every processing record is orphaned.
func (q *Queue) Recovery(ctx context.Context) error {
	failed, err := q.store.FailProcessing(ctx, "interrupted by restart")
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	for _, c := range failed {
		slog.Warn("recovery: marked interrupted job as failed", "job_id", c.JobID)
		q.publish(ctx, c)
	}
	return nil
}

// StartReaper periodically fails jobs whose worker has been running longer than
// cfg.StaleAfter. Time spent waiting in the queue does not count.
func (q *Queue) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.reap(ctx)
			}
		}
	}()
}

func (q *Queue) reap(ctx context.Context) {
	msg := fmt.Sprintf("no result after %s", q.cfg.StaleAfter)
	failed, err := q.store.FailStale(ctx, q.now().Add(-q.cfg.StaleAfter), msg)
	if err != nil {
		slog.Error("reaper: fail stale jobs", "error", err)
	}
	for _, c := range failed {
		slog.Warn("reaper: marked stale job as failed", "job_id", c.JobID)
		q.publish(ctx, c)
	}
}

// runWorker is a worker loop: dequeues tasks and processes them.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.processJob(ctx, t)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, t task) {
	defer q.slots.Release(1)
	// Commits must land even when the server is shutting down.
	commitCtx := context.WithoutCancel(ctx)

	// The job may have changed hands while queued. Claiming the run
	// also starts the staleness clock.
	ok, err := q.store.MarkRunning(commitCtx, t.JobID, t.attempt)
	if err != nil {
		q.fail(commitCtx, t, fmt.Errorf("mark running: %w", err))
		return
	}
	if !ok {
		slog.Warn("worker: job no longer owned, skipping", "job_id", t.JobID)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	res, err := q.transcribe(jobCtx, t)
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", q.cfg.JobTimeout, err)
		}
		q.fail(commitCtx, t, err)
		return
	}
	q.complete(commitCtx, t, res)
}

func (q *Queue) transcribe(ctx context.Context, t task) (transcribe.Result, error) {
	path, release, err := q.blobs.Fetch(ctx, t.Resource)
	if errors.Is(err, blob.ErrNotFound) {
		return transcribe.Result{}, fmt.Errorf("resource %s not found", t.Resource)
	}
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("fetch resource: %w", err)
	}
	defer release()

	res, err := q.engine.Transcribe(ctx, path)
	if err != nil {
		return transcribe.Result{}, err
	}
	res.Text = strings.TrimSpace(res.Text)
	if res.Text == "" {
		return transcribe.Result{}, errors.New("engine returned an empty transcript")
	}
	res.LanguageProbability = min(max(res.LanguageProbability, 0), 1)
	res.Duration = max(res.Duration, 0)
	return res, nil
}

// owned reports whether the job is still processing under this task's attempt.
func (q *Queue) owned(ctx context.Context, t task) bool {
	rec, err := q.store.Status(ctx, t.JobID)
	return err == nil && rec.Status == job.StatusProcessing && rec.Attempt == t.attempt
}

// complete commits a successful run: metadata, transcript, then the status.
// Readers that see completed can rely on the other two documents.
func (q *Queue) complete(ctx context.Context, t task, res transcribe.Result) {
	if !q.owned(ctx, t) {
		slog.Warn("worker: job superseded or deleted, dropping result", "job_id", t.JobID)
		return
	}

	finished := q.now().UTC()
	elapsed := job.Seconds(finished.Sub(t.started))
	originalName := t.Resource
	if r, err := q.store.Resource(ctx, t.JobID); err == nil && r.OriginalName != "" {
		originalName = r.OriginalName
	}

	meta := job.Metadata{
		OriginalFilename:    originalName,
		Language:            res.Language,
		LanguageProbability: res.LanguageProbability,
		Duration:            res.Duration,
		ProcessingTime:      elapsed,
		SegmentsCount:       res.Segments,
		TranscriptionFile:   job.TranscriptFile(t.JobID),
		CompletedAt:         finished,
	}
	if err := q.store.PutMetadata(ctx, t.JobID, meta); err != nil {
		q.fail(ctx, t, fmt.Errorf("save metadata: %w", err))
		return
	}
	if err := q.store.PutTranscript(ctx, t.JobID, res.Text); err != nil {
		q.fail(ctx, t, fmt.Errorf("save transcript: %w", err))
		return
	}

	ok, err := q.store.Transition(ctx, t.JobID, t.attempt, job.StatusRecord{
		Status:         job.StatusCompleted,
		Resource:       t.Resource,
		Attempt:        t.attempt,
		StartedAt:      &t.started,
		CompletedAt:    &finished,
		ProcessingTime: elapsed,
		CallbackURL:    t.CallbackURL,
	})
	if err != nil {
		q.fail(ctx, t, fmt.Errorf("save status: %w", err))
		return
	}
	if !ok {
		slog.Warn("worker: job superseded before completion", "job_id", t.JobID)
		q.discard(ctx, t)
		return
	}

	if err := q.blobs.Delete(ctx, t.Resource); err != nil {
		slog.Error("worker: delete resource blob", "job_id", t.JobID, "error", err)
	}
	if err := q.store.DeleteResource(ctx, t.JobID); err != nil {
		slog.Error("worker: delete resource record", "job_id", t.JobID, "error", err)
	}

	slog.Info("transcription completed", "job_id", t.JobID, "language", res.Language,
		"duration", res.Duration, "processing_time", elapsed)
	q.publish(ctx, job.Completion{
		JobID:          t.JobID,
		Resource:       t.Resource,
		Status:         job.StatusCompleted,
		Language:       res.Language,
		Duration:       res.Duration,
		ProcessingTime: elapsed,
		CompletedAt:    finished,
		CallbackURL:    t.CallbackURL,
	})
}

// discard removes the metadata and transcript written by a run that lost ownership,
// unless a later attempt has already completed the job with its own.
func (q *Queue) discard(ctx context.Context, t task) {
	rec, err := q.store.Status(ctx, t.JobID)
	if err == nil && rec.Attempt != t.attempt && rec.Status == job.StatusCompleted {
		return
	}
	if err != nil && !errors.Is(err, job.ErrNotFound) && !errors.Is(err, job.ErrCorrupt) {
		slog.Error("worker: read status before discard", "job_id", t.JobID, "error", err)
		return
	}
	if err := q.store.DeleteResult(ctx, t.JobID); err != nil {
		slog.Error("worker: discard result", "job_id", t.JobID, "error", err)
	}
}

// fail records the error status. The resource is kept so the job can be retried.
// A failure to record it is only logged.
func (q *Queue) fail(ctx context.Context, t task, cause error) {
	finished := q.now().UTC()
	elapsed := job.Seconds(finished.Sub(t.started))
	slog.Error("transcription failed", "job_id", t.JobID, "error", cause)

	ok, err := q.store.Transition(ctx, t.JobID, t.attempt, job.StatusRecord{
		Status:         job.StatusError,
		Resource:       t.Resource,
		Attempt:        t.attempt,
		StartedAt:      &t.started,
		CompletedAt:    &finished,
		ProcessingTime: elapsed,
		Error:          cause.Error(),
		CallbackURL:    t.CallbackURL,
	})
	if err != nil {
		slog.Error("worker: record failure", "job_id", t.JobID, "error", err)
		return
	}
	if !ok {
		slog.Warn("worker: job superseded or deleted, failure not recorded", "job_id", t.JobID)
		return
	}

	q.publish(ctx, job.Completion{
		JobID:          t.JobID,
		Resource:       t.Resource,
		Status:         job.StatusError,
		Error:          cause.Error(),
		ProcessingTime: elapsed,
		CompletedAt:    finished,
		CallbackURL:    t.CallbackURL,
	})
}

// publish closes SSE streams for the job and hands the completion to notifiers.
func (q *Queue) publish(ctx context.Context, c job.Completion) {
	data, _ := json.Marshal(c)
	q.notifyAndClose(c.JobID, SSEEvent{Event: "result", Data: string(data)})
	for _, n := range q.notifiers {
		n.Notify(ctx, c)
	}
}

// notify sends an event to all subscribers of a job without blocking.
// The read lock is held while sending so notifyAndClose cannot close a channel mid-send.
func (q *Queue) notify(jobID string, event SSEEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event SSEEvent) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
