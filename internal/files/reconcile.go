package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/transcribegate/transcribegate/internal/blob"
	"github.com/transcribegate/transcribegate/internal/job"
)

// View is the merged state of one job as reported by GET /files.
type View struct {
	ID                  string     `json:"id"`
	Filename            string     `json:"filename"`
	OriginalName        string     `json:"original_name,omitempty"`
	Size                int64      `json:"size,omitempty"`
	UploadedAt          *time.Time `json:"uploaded_at,omitempty"`
	Status              job.Status `json:"status"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ProcessingTime      *float64   `json:"processing_time,omitempty"`
	Language            string     `json:"language,omitempty"`
	LanguageProbability *float64   `json:"language_probability,omitempty"`
	Duration            *float64   `json:"duration,omitempty"`
	SegmentsCount       *int       `json:"segments_count,omitempty"`
	Error               string     `json:"error,omitempty"`
	TranscriptionFile   string     `json:"transcription_file,omitempty"`
}

// List merges every stored document and blob into one view per job, sorted by id.
// It only reads, so it may run while jobs are mid-transition.
func (s *Service) List(ctx context.Context) ([]View, error) {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	infos, err := s.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	kinds := make(map[string]map[job.Kind]bool)
	for _, k := range keys {
		if kinds[k.JobID] == nil {
			kinds[k.JobID] = make(map[job.Kind]bool)
		}
		kinds[k.JobID][k.Kind] = true
	}
	blobs := make(map[string]blob.Info)
	for _, info := range infos {
		id := job.IDFor(info.Name)
		if prev, ok := blobs[id]; !ok || info.Name < prev.Name {
			blobs[id] = info
		}
		if kinds[id] == nil {
			kinds[id] = make(map[job.Kind]bool)
		}
	}

	views := make([]View, 0, len(kinds))
	for id, present := range kinds {
		var b *blob.Info
		if info, ok := blobs[id]; ok {
			b = &info
		}
		v, ok, err := s.view(ctx, id, present, b)
		if err != nil {
			return nil, err
		}
		if ok {
			views = append(views, v)
		}
	}
	slices.SortFunc(views, func(a, b View) int { return strings.Compare(a.ID, b.ID) })
	return views, nil
}

// Get returns the view of the job named by ref.
func (s *Service) Get(ctx context.Context, ref string) (View, error) {
	views, err := s.List(ctx)
	if err != nil {
		return View{}, err
	}
	for _, c := range refCandidates(ref) {
		for _, v := range views {
			if v.ID == c {
				return v, nil
			}
		}
	}
	for _, v := range views {
		if v.Filename == ref || v.TranscriptionFile == ref {
			return v, nil
		}
	}
	return View{}, fmt.Errorf("job %s: %w", ref, ErrNotFound)
}

// view builds the view of one job. Status is decided by the most advanced
// document present: status, then transcript, then resource or blob.
func (s *Service) view(ctx context.Context, id string, present map[job.Kind]bool, b *blob.Info) (View, bool, error) {
	var (
		res  *job.Resource
		rec  *job.StatusRecord
		meta *job.Metadata
		err  error
	)
	if present[job.KindResource] {
		if res, err = s.store.Resource(ctx, id); !usable(id, job.KindResource, err) {
			if err = fatal(err); err != nil {
				return View{}, false, err
			}
			res = nil
		}
	}
	if present[job.KindStatus] {
		if rec, err = s.store.Status(ctx, id); !usable(id, job.KindStatus, err) {
			if err = fatal(err); err != nil {
				return View{}, false, err
			}
			rec = nil
		}
	}
	if present[job.KindMetadata] {
		if meta, err = s.store.Metadata(ctx, id); !usable(id, job.KindMetadata, err) {
			if err = fatal(err); err != nil {
				return View{}, false, err
			}
			meta = nil
		}
	}
	hasTranscript := present[job.KindTranscript]

	v := View{ID: id, Filename: id}
	switch {
	case rec != nil:
		v.Status = rec.Status
	case hasTranscript:
		v.Status = job.StatusCompleted
	case res != nil || b != nil:
		v.Status = job.StatusUploaded
	default:
		return View{}, false, nil
	}

	if b != nil {
		v.Filename = b.Name
		v.Size = b.Size
		mod := b.ModTime.UTC()
		v.UploadedAt = &mod
	}
	if rec != nil {
		if rec.Resource != "" {
			v.Filename = rec.Resource
		}
		v.StartedAt = rec.StartedAt
		v.CompletedAt = rec.CompletedAt
		if rec.Status.IsTerminal() {
			pt := rec.ProcessingTime
			v.ProcessingTime = &pt
		}
		if rec.Status == job.StatusError {
			v.Error = rec.Error
		}
	}
	if res != nil {
		v.Filename = res.ID
		v.OriginalName = res.OriginalName
		v.Size = res.Size
		uploaded := res.UploadedAt
		v.UploadedAt = &uploaded
	}
	if meta != nil && v.Status == job.StatusCompleted {
		if v.OriginalName == "" {
			v.OriginalName = meta.OriginalFilename
		}
		v.Language = meta.Language
		v.LanguageProbability = &meta.LanguageProbability
		v.Duration = &meta.Duration
		v.SegmentsCount = &meta.SegmentsCount
		if v.ProcessingTime == nil {
			v.ProcessingTime = &meta.ProcessingTime
		}
		if v.CompletedAt == nil {
			completed := meta.CompletedAt
			v.CompletedAt = &completed
		}
	}
	if hasTranscript {
		v.TranscriptionFile = job.TranscriptFile(id)
	}
	return v, true, nil
}

// usable reports whether a document read succeeded. Corrupt documents are logged.
func usable(id string, kind job.Kind, err error) bool {
	if errors.Is(err, job.ErrCorrupt) {
		slog.Warn("listing: ignoring undecodable document", "job_id", id, "kind", kind, "error", err)
	}
	return err == nil
}

// fatal drops the errors a listing tolerates: documents that vanished or do not decode.
func fatal(err error) error {
	if errors.Is(err, job.ErrNotFound) || errors.Is(err, job.ErrCorrupt) {
		return nil
	}
	return err
}
