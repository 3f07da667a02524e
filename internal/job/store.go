package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrCorrupt wraps documents that exist but cannot be decoded.
	ErrCorrupt = errors.New("corrupt document")
	// ErrContention is returned when a compare-and-swap loop keeps losing races.
	ErrContention = errors.New("too many concurrent updates")
)

// Documents is the persistence primitive behind Store. Every operation is atomic
// for a single document; there is no atomicity across documents.
type Documents interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, key Key) ([]byte, error)
	// Put replaces the document. Readers see either the old or the new body.
	Put(ctx context.Context, key Key, body []byte) error
	// Create stores body only if the document does not exist yet.
	Create(ctx context.Context, key Key, body []byte) (bool, error)
	// CompareAndSwap replaces the document only if its current body equals old.
	CompareAndSwap(ctx context.Context, key Key, old, body []byte) (bool, error)
	// Remove deletes the document. Removing a missing document is not an error.
	Remove(ctx context.Context, key Key) error
	// Keys lists every stored document.
	Keys(ctx context.Context) ([]Key, error)
	Close() error
}

// StartOutcome is the result of TryStart.
type StartOutcome int

const (
	Started StartOutcome = iota
	AlreadyInFlight
)

func (o StartOutcome) String() string {
	if o == AlreadyInFlight {
		return "already_in_flight"
	}
	return "started"
}

const casAttempts = 16

// Store gives typed access to the documents of each job.
type Store struct {
	docs Documents
	now  func() time.Time
}

// NewStore wraps a Documents backend.
func NewStore(docs Documents) *Store {
	return &Store{docs: docs, now: time.Now}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.docs.Close()
}

// Keys lists every stored document.
func (s *Store) Keys(ctx context.Context) ([]Key, error) {
	return s.docs.Keys(ctx)
}

func key(jobID string, kind Kind) (Key, error) {
	k := Key{JobID: jobID, Kind: kind}
	return k, k.Validate()
}

func (s *Store) getJSON(ctx context.Context, jobID string, kind Kind, v any) ([]byte, error) {
	k, err := key(jobID, kind)
	if err != nil {
		return nil, err
	}
	body, err := s.docs.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return body, fmt.Errorf("%w: %s: %v", ErrCorrupt, k, err)
	}
	return body, nil
}

func (s *Store) putJSON(ctx context.Context, jobID string, kind Kind, v any) error {
	k, err := key(jobID, kind)
	if err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if err := s.docs.Put(ctx, k, body); err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}
	return nil
}

// CreateResource records an uploaded resource under jobID unless the job id is taken.
func (s *Store) CreateResource(ctx context.Context, jobID string, r Resource) (bool, error) {
	k, err := key(jobID, KindResource)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", k, err)
	}
	ok, err := s.docs.Create(ctx, k, body)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", k, err)
	}
	return ok, nil
}

func (s *Store) Resource(ctx context.Context, jobID string) (*Resource, error) {
	var r Resource
	if _, err := s.getJSON(ctx, jobID, KindResource, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) DeleteResource(ctx context.Context, jobID string) error {
	k, err := key(jobID, KindResource)
	if err != nil {
		return err
	}
	return s.docs.Remove(ctx, k)
}

func (s *Store) Status(ctx context.Context, jobID string) (*StatusRecord, error) {
	var rec StatusRecord
	if _, err := s.getJSON(ctx, jobID, KindStatus, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutStatus overwrites the status document without any ownership check.
func (s *Store) PutStatus(ctx context.Context, jobID string, rec StatusRecord) error {
	return s.putJSON(ctx, jobID, KindStatus, rec)
}

func (s *Store) Metadata(ctx context.Context, jobID string) (*Metadata, error) {
	var m Metadata
	if _, err := s.getJSON(ctx, jobID, KindMetadata, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) PutMetadata(ctx context.Context, jobID string, m Metadata) error {
	return s.putJSON(ctx, jobID, KindMetadata, m)
}

func (s *Store) Transcript(ctx context.Context, jobID string) (string, error) {
	k, err := key(jobID, KindTranscript)
	if err != nil {
		return "", err
	}
	body, err := s.docs.Get(ctx, k)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (s *Store) PutTranscript(ctx context.Context, jobID, text string) error {
	k, err := key(jobID, KindTranscript)
	if err != nil {
		return err
	}
	if err := s.docs.Put(ctx, k, []byte(text)); err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}
	return nil
}

// DeleteResult removes the metadata and transcript of jobID.
func (s *Store) DeleteResult(ctx context.Context, jobID string) error {
	for _, kind := range []Kind{KindMetadata, KindTranscript} {
		k, err := key(jobID, kind)
		if err != nil {
			return err
		}
		if err := s.docs.Remove(ctx, k); err != nil {
			return fmt.Errorf("remove %s: %w", k, err)
		}
	}
	return nil
}

// Exists reports whether any document is stored for jobID.
func (s *Store) Exists(ctx context.Context, jobID string) (bool, error) {
	if !ValidID(jobID) {
		return false, nil
	}
	for _, kind := range Kinds {
		_, err := s.docs.Get(ctx, Key{JobID: jobID, Kind: kind})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

// Delete removes every document of the job. Deleting an unknown job succeeds.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if !ValidID(jobID) {
		return nil
	}
	for _, kind := range Kinds {
		if err := s.docs.Remove(ctx, Key{JobID: jobID, Kind: kind}); err != nil {
			return fmt.Errorf("delete job %s: %w", jobID, err)
		}
	}
	return nil
}

// TryStart moves the job to processing unless it is already processing.
// Concurrent callers for the same job id never both get Started.
func (s *Store) TryStart(ctx context.Context, jobID string, rec StatusRecord) (StartOutcome, error) {
	k, err := key(jobID, KindStatus)
	if err != nil {
		return 0, err
	}
	rec.Status = StatusProcessing
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", k, err)
	}

	for range casAttempts {
		cur, err := s.docs.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			ok, err := s.docs.Create(ctx, k, body)
			if err != nil {
				return 0, fmt.Errorf("create %s: %w", k, err)
			}
			if ok {
				return Started, nil
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("get %s: %w", k, err)
		}

		// An undecodable status is treated as finished so the job can be restarted.
		var existing StatusRecord
		if json.Unmarshal(cur, &existing) == nil && existing.Status == StatusProcessing {
			return AlreadyInFlight, nil
		}

		ok, err := s.docs.CompareAndSwap(ctx, k, cur, body)
		if err != nil {
			return 0, fmt.Errorf("swap %s: %w", k, err)
		}
		if ok {
			return Started, nil
		}
	}
	return 0, fmt.Errorf("start %s: %w", jobID, ErrContention)
}

// Transition replaces the processing record owned by attempt with next.
// It returns false when the job is gone or no longer owned by attempt.
func (s *Store) Transition(ctx context.Context, jobID, attempt string, next StatusRecord) (bool, error) {
	_, ok, err := s.swapOwned(ctx, jobID, attempt, func(StatusRecord) StatusRecord { return next })
	return ok, err
}

// MarkRunning stamps RunningSince on the processing record owned by attempt.
// A false result means another attempt or a delete got to the job first.
func (s *Store) MarkRunning(ctx context.Context, jobID, attempt string) (bool, error) {
	_, ok, err := s.swapOwned(ctx, jobID, attempt, func(rec StatusRecord) StatusRecord {
		now := s.now().UTC()
		rec.RunningSince = &now
		return rec
	})
	return ok, err
}

// swapOwned applies update to the processing record of jobID while attempt owns it.
func (s *Store) swapOwned(ctx context.Context, jobID, attempt string, update func(StatusRecord) StatusRecord) (StatusRecord, bool, error) {
	k, err := key(jobID, KindStatus)
	if err != nil {
		return StatusRecord{}, false, err
	}

	for range casAttempts {
		cur, err := s.docs.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			return StatusRecord{}, false, nil
		}
		if err != nil {
			return StatusRecord{}, false, fmt.Errorf("get %s: %w", k, err)
		}
		var rec StatusRecord
		if err := json.Unmarshal(cur, &rec); err != nil {
			return StatusRecord{}, false, nil
		}
		if rec.Status != StatusProcessing || rec.Attempt != attempt {
			return StatusRecord{}, false, nil
		}
		next := update(rec)
		body, err := json.Marshal(next)
		if err != nil {
			return StatusRecord{}, false, fmt.Errorf("encode %s: %w", k, err)
		}
		ok, err := s.docs.CompareAndSwap(ctx, k, cur, body)
		if err != nil {
			return StatusRecord{}, false, fmt.Errorf("swap %s: %w", k, err)
		}
		if ok {
			return next, true, nil
		}
	}
	return StatusRecord{}, false, fmt.Errorf("update %s: %w", jobID, ErrContention)
}

// Abandon marks a processing job as failed with message, whoever owns it.
func (s *Store) Abandon(ctx context.Context, jobID, message string) (bool, error) {
	rec, err := s.Status(ctx, jobID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status != StatusProcessing {
		return false, nil
	}
	_, ok, err := s.swapOwned(ctx, jobID, rec.Attempt, func(cur StatusRecord) StatusRecord {
		return s.failed(cur, message)
	})
	return ok, err
}

// FailStale marks every job whose worker has been running since before the cutoff
// as failed. Queued jobs are left alone. It returns the resulting completions.
func (s *Store) FailStale(ctx context.Context, before time.Time, message string) ([]Completion, error) {
	return s.failMatching(ctx, message, func(rec StatusRecord) bool {
		return rec.RunningSince != nil && rec.RunningSince.Before(before)
	})
}

// FailProcessing marks every processing job as failed, queued or running.
func (s *Store) FailProcessing(ctx context.Context, message string) ([]Completion, error) {
	return s.failMatching(ctx, message, func(StatusRecord) bool { return true })
}

func (s *Store) failMatching(ctx context.Context, message string, match func(StatusRecord) bool) ([]Completion, error) {
	keys, err := s.docs.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	var failed []Completion
	for _, k := range keys {
		if k.Kind != KindStatus {
			continue
		}
		rec, err := s.Status(ctx, k.JobID)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
			continue
		}
		if err != nil {
			return failed, err
		}
		if rec.Status != StatusProcessing || !match(*rec) {
			continue
		}
		next, ok, err := s.swapOwned(ctx, k.JobID, rec.Attempt, func(cur StatusRecord) StatusRecord {
			return s.failed(cur, message)
		})
		if err != nil {
			return failed, err
		}
		if ok {
			failed = append(failed, next.Completion(k.JobID))
		}
	}
	return failed, nil
}

func (s *Store) failed(rec StatusRecord, message string) StatusRecord {
	now := s.now().UTC()
	rec.Status = StatusError
	rec.Error = message
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.ProcessingTime = Seconds(now.Sub(*rec.StartedAt))
	}
	return rec
}

// Seconds converts d to seconds rounded to two decimals.
func Seconds(d time.Duration) float64 {
	return float64(d.Round(10*time.Millisecond)) / float64(time.Second)
}

// sameBody is used by backends that compare documents in process.
func sameBody(a, b []byte) bool {
	return bytes.Equal(a, b)
}
