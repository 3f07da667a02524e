package job

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

type Status string

const (
	// StatusUploaded is never persisted. Listings report it for resources with no job yet.
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Kind names one of the independently stored documents of a job.
type Kind string

const (
	KindResource   Kind = "resource"
	KindStatus     Kind = "status"
	KindMetadata   Kind = "metadata"
	KindTranscript Kind = "transcript"
)

// Kinds lists every document kind in a stable order.
var Kinds = []Kind{KindResource, KindStatus, KindMetadata, KindTranscript}

func (k Kind) Valid() bool {
	switch k {
	case KindResource, KindStatus, KindMetadata, KindTranscript:
		return true
	}
	return false
}

// Key addresses a single document.
type Key struct {
	JobID string
	Kind  Kind
}

func (k Key) String() string {
	return k.JobID + "/" + string(k.Kind)
}

var ErrInvalidKey = errors.New("invalid document key")

// Validate rejects keys that cannot be stored safely by every backend.
func (k Key) Validate() error {
	if !ValidID(k.JobID) {
		return fmt.Errorf("%w: job id %q", ErrInvalidKey, k.JobID)
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidKey, k.Kind)
	}
	return nil
}

// ValidID reports whether id can be used as a job id.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 255 {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

// IDFor derives the job id of a resource by stripping its final extension:
// "a(1).wav" belongs to job "a(1)".
func IDFor(resource string) string {
	if id := strings.TrimSuffix(resource, path.Ext(resource)); id != "" {
		return id
	}
	return resource
}

// Resource describes an uploaded input file.
type Resource struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type,omitempty"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// StatusRecord is the status document of a job. Its presence means the job was started.
// RunningSince is set when a worker picks the job up; a queued job has none.
type StatusRecord struct {
	Status         Status     `json:"status"`
	Resource       string     `json:"resource,omitempty"`
	Attempt        string     `json:"attempt,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	RunningSince   *time.Time `json:"running_since,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessingTime float64    `json:"processing_time,omitempty"`
	Error          string     `json:"error,omitempty"`
	CallbackURL    string     `json:"callback_url,omitempty"`
}

// Completion describes rec as a terminal event of jobID.
func (rec StatusRecord) Completion(jobID string) Completion {
	c := Completion{
		JobID:          jobID,
		Resource:       rec.Resource,
		Status:         rec.Status,
		Error:          rec.Error,
		ProcessingTime: rec.ProcessingTime,
		CallbackURL:    rec.CallbackURL,
	}
	if rec.CompletedAt != nil {
		c.CompletedAt = *rec.CompletedAt
	}
	return c
}

// Metadata is written once, when a job completes.
type Metadata struct {
	OriginalFilename    string    `json:"original_filename"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	Duration            float64   `json:"duration"`
	ProcessingTime      float64   `json:"processing_time"`
	SegmentsCount       int       `json:"segments_count"`
	TranscriptionFile   string    `json:"transcription_file"`
	CompletedAt         time.Time `json:"completed_at"`
}

// TranscriptFile is the name under which a job's transcript is exposed.
func TranscriptFile(jobID string) string {
	return jobID + ".txt"
}

// Completion is published when a job reaches a terminal state.
type Completion struct {
	JobID          string    `json:"job_id"`
	Resource       string    `json:"filename"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Language       string    `json:"language,omitempty"`
	Duration       float64   `json:"duration,omitempty"`
	ProcessingTime float64   `json:"processing_time"`
	CompletedAt    time.Time `json:"completed_at"`
	CallbackURL    string    `json:"-"`
}
