// Package files implements the resource and job operations behind the HTTP API.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/transcribegate/transcribegate/internal/blob"
	"github.com/transcribegate/transcribegate/internal/job"
	"github.com/transcribegate/transcribegate/internal/naming"
	"github.com/transcribegate/transcribegate/internal/queue"
)

// Scheduler starts transcriptions. *queue.Queue implements it.
type Scheduler interface {
	Submit(ctx context.Context, req queue.Request) (job.StartOutcome, error)
}

// Service ties the document store, blob store and scheduler together.
type Service struct {
	store *job.Store
	blobs blob.Store
	sched Scheduler
	now   func() time.Time
}

func NewService(store *job.Store, blobs blob.Store, sched Scheduler) *Service {
	return &Service{store: store, blobs: blobs, sched: sched, now: time.Now}
}

// audioExts covers clients that send application/octet-stream for audio parts.
var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true,
	".ogg": true, ".opus": true, ".webm": true, ".aac": true,
}

// CheckAudio accepts audio/* content types. Parts without a useful type are
// judged by their extension.
func CheckAudio(filename, contentType string) error {
	mt, _, _ := mime.ParseMediaType(contentType)
	mt = strings.ToLower(mt)
	if strings.HasPrefix(mt, "audio/") {
		return nil
	}
	if mt == "" || mt == "application/octet-stream" {
		ext := strings.ToLower(path.Ext(filename))
		if audioExts[ext] || strings.HasPrefix(mime.TypeByExtension(ext), "audio/") {
			return nil
		}
	}
	if contentType == "" {
		contentType = "no content type"
	}
	return &ValidationError{Field: "files", Message: fmt.Sprintf("%s is not an audio file (%s)", filename, contentType)}
}

// Upload is one file part of an upload request.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Validate checks an upload without reading its body and returns the sanitized name.
func Validate(u Upload) (string, error) {
	if err := CheckAudio(u.Filename, u.ContentType); err != nil {
		return "", err
	}
	name, err := naming.Sanitize(u.Filename)
	if err != nil {
		return "", &ValidationError{Field: "filename", Message: err.Error()}
	}
	return name, nil
}

// Upload stores the body under a collision-free name and records the resource.
func (s *Service) Upload(ctx context.Context, u Upload) (job.Resource, error) {
	name, err := Validate(u)
	if err != nil {
		return job.Resource{}, err
	}

	staged, err := s.blobs.Stage(ctx, u.Body)
	if err != nil {
		return job.Resource{}, fmt.Errorf("stage upload: %w", err)
	}

	res := job.Resource{
		OriginalName: u.Filename,
		ContentType:  u.ContentType,
		Size:         staged.Size,
		UploadedAt:   s.now().UTC(),
	}
	final, err := naming.Resolve(ctx, name, func(ctx context.Context, candidate string) (bool, error) {
		return s.claim(ctx, candidate, res)
	})
	if err != nil {
		s.blobs.Discard(context.WithoutCancel(ctx), staged) //nolint:errcheck
		return job.Resource{}, fmt.Errorf("resolve name: %w", err)
	}
	res.ID = final

	id := job.IDFor(final)
	if err := s.blobs.Commit(ctx, staged, final); err != nil {
		cleanup := context.WithoutCancel(ctx)
		s.blobs.Discard(cleanup, staged) //nolint:errcheck
		if derr := s.store.DeleteResource(cleanup, id); derr != nil {
			slog.Error("upload: release claimed name", "filename", final, "error", derr)
		}
		return job.Resource{}, fmt.Errorf("commit upload: %w", err)
	}

	slog.Info("file uploaded", "filename", final, "original_name", u.Filename, "size", res.Size)
	return res, nil
}

// claim reserves candidate when neither its job id nor the blob name is in use.
// Only CreateResource brings a job id into existence, so two claims for the same
// id cannot both succeed.
func (s *Service) claim(ctx context.Context, candidate string, res job.Resource) (bool, error) {
	id := job.IDFor(candidate)
	if !job.ValidID(id) {
		return false, &ValidationError{Field: "filename", Message: fmt.Sprintf("cannot derive a job id from %q", candidate)}
	}
	exists, err := s.store.Exists(ctx, id)
	if err != nil || exists {
		return false, err
	}
	if _, err := s.blobs.Stat(ctx, candidate); err == nil {
		return false, nil
	} else if !errors.Is(err, blob.ErrNotFound) {
		return false, err
	}
	res.ID = candidate
	return s.store.CreateResource(ctx, id, res)
}

// refCandidates lists the job ids a client reference may name, in precedence order:
// the reference as a job id verbatim, then as a resource filename, then as a
// transcript file ("<id>.txt" or "<filename>.txt"). So with jobs "a" and "a.txt"
// both present, "a.txt" names the job "a.txt".
func refCandidates(ref string) []string {
	var out []string
	add := func(id string) {
		if !job.ValidID(id) {
			return
		}
		for _, c := range out {
			if c == id {
				return
			}
		}
		out = append(out, id)
	}
	add(ref)
	add(job.IDFor(ref))
	if base, ok := strings.CutSuffix(ref, ".txt"); ok {
		add(base)
		add(job.IDFor(base))
	}
	return out
}

// Transcribe starts a transcription of the resource named by ref.
// It returns the resource filename and whether a run was started or already running.
func (s *Service) Transcribe(ctx context.Context, ref, callbackURL string) (string, job.StartOutcome, error) {
	for _, id := range refCandidates(ref) {
		res, err := s.store.Resource(ctx, id)
		if errors.Is(err, job.ErrNotFound) || errors.Is(err, job.ErrCorrupt) {
			continue
		}
		if err != nil {
			return "", 0, err
		}

		if _, err := s.blobs.Stat(ctx, res.ID); errors.Is(err, blob.ErrNotFound) {
			return "", 0, fmt.Errorf("resource %s: %w", res.ID, ErrNotFound)
		} else if err != nil {
			return "", 0, err
		}

		outcome, err := s.sched.Submit(ctx, queue.Request{JobID: id, Resource: res.ID, CallbackURL: callbackURL})
		if err != nil {
			return "", 0, err
		}
		slog.Info("transcription requested", "job_id", id, "outcome", outcome.String())
		return res.ID, outcome, nil
	}
	return "", 0, fmt.Errorf("resource %s: %w", ref, ErrNotFound)
}

// Transcript returns the job id and transcript text for ref.
func (s *Service) Transcript(ctx context.Context, ref string) (string, string, error) {
	for _, id := range refCandidates(ref) {
		text, err := s.store.Transcript(ctx, id)
		if errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		return id, text, nil
	}
	return "", "", fmt.Errorf("transcription %s: %w", ref, ErrNotFound)
}

// Delete removes the blob, the resource record and every document of the job
// named by ref. Deleting something that does not exist succeeds.
func (s *Service) Delete(ctx context.Context, ref string) error {
	id := ""
	for _, c := range refCandidates(ref) {
		ok, err := s.store.Exists(ctx, c)
		if err != nil {
			return err
		}
		if ok {
			id = c
			break
		}
	}
	if id == "" {
		id = job.IDFor(ref)
	}

	names := map[string]bool{ref: true}
	if res, err := s.store.Resource(ctx, id); err == nil {
		names[res.ID] = true
	}
	if rec, err := s.store.Status(ctx, id); err == nil && rec.Resource != "" {
		names[rec.Resource] = true
	}
	infos, err := s.blobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	for _, info := range infos {
		if job.IDFor(info.Name) == id {
			names[info.Name] = true
		}
	}

	for name := range names {
		if !job.ValidID(name) || strings.HasPrefix(name, ".") {
			continue
		}
		if err := s.blobs.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete blob %s: %w", name, err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("job deleted", "job_id", id)
	return nil
}
