package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/transcribegate/transcribegate/internal/config"
	"github.com/transcribegate/transcribegate/internal/files"
	"github.com/transcribegate/transcribegate/internal/job"
	"github.com/transcribegate/transcribegate/internal/queue"
	"github.com/transcribegate/transcribegate/internal/webhook"
)

// multipartMemory is the part of an upload kept in memory; the rest spills to temp files.
const multipartMemory = 32 << 20

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	files *files.Service
	queue *queue.Queue
	cfg   *config.Config
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(svc *files.Service, q *queue.Queue, cfg *config.Config) *Handler {
	return &Handler{files: svc, queue: q, cfg: cfg}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Info)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /upload", h.Upload)
	mux.HandleFunc("POST /transcribe/{id}", h.Transcribe)
	mux.HandleFunc("GET /files", h.ListFiles)
	mux.HandleFunc("GET /files/{id}/events", h.StreamSSE)
	mux.HandleFunc("DELETE /files/{id}", h.DeleteFile)
	mux.HandleFunc("GET /transcription/{id}", h.Transcription)
}

// Info handles GET / with the service name and the configured engine.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	model := h.cfg.EngineModel
	if h.cfg.Engine == "whisper-cli" {
		model = filepath.Base(h.cfg.ModelPath)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "transcribegate is running",
		"engine":  h.cfg.Engine,
		"model":   model,
	})
}

// Health handles GET /health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadedFile struct {
	Filename     string    `json:"filename"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	UploadTime   time.Time `json:"upload_time"`
}

// Upload handles POST /upload. Every part is checked before any is stored, and a
// failure storing one part removes the parts stored before it.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	parts := append(r.MultipartForm.File["files"], r.MultipartForm.File["file"]...)
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}
	for _, p := range parts {
		if _, err := files.Validate(files.Upload{Filename: p.Filename, ContentType: p.Header.Get("Content-Type")}); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	out := make([]uploadedFile, 0, len(parts))
	for _, p := range parts {
		res, err := h.store(r, p)
		if err != nil {
			h.rollback(r, out)
			h.fail(w, r, err)
			return
		}
		out = append(out, uploadedFile{
			Filename:     res.ID,
			OriginalName: res.OriginalName,
			Size:         res.Size,
			UploadTime:   res.UploadedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%d file(s) uploaded", len(out)),
		"files":   out,
	})
}

func (h *Handler) rollback(r *http.Request, stored []uploadedFile) {
	ctx := context.WithoutCancel(r.Context())
	for _, f := range stored {
		if err := h.files.Delete(ctx, f.Filename); err != nil {
			slog.Error("upload: roll back stored file", "filename", f.Filename, "error", err,
				"request_id", RequestIDFrom(r.Context()))
		}
	}
}

func (h *Handler) store(r *http.Request, p *multipart.FileHeader) (job.Resource, error) {
	f, err := p.Open()
	if err != nil {
		return job.Resource{}, fmt.Errorf("open part %s: %w", p.Filename, err)
	}
	defer f.Close()
	return h.files.Upload(r.Context(), files.Upload{
		Filename:    p.Filename,
		ContentType: p.Header.Get("Content-Type"),
		Body:        f,
	})
}

type transcribeRequest struct {
	CallbackURL string `json:"callback_url"`
}

// Transcribe handles POST /transcribe/{id} and responds 202 without waiting for the engine.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CallbackURL != "" {
		if err := webhook.ValidateURL(req.CallbackURL); err != nil {
			writeError(w, http.StatusBadRequest, "callback_url: "+err.Error())
			return
		}
	}

	name, outcome, err := h.files.Transcribe(r.Context(), r.PathValue("id"), req.CallbackURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	msg := "transcription started"
	if outcome == job.AlreadyInFlight {
		msg = "transcription already in progress"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":  msg,
		"filename": name,
		"status":   string(job.StatusProcessing),
	})
}

// ListFiles handles GET /files with the merged state of every job.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	views, err := h.files.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": views})
}

// Transcription handles GET /transcription/{id}.
func (h *Handler) Transcription(w http.ResponseWriter, r *http.Request) {
	id, text, err := h.files.Transcript(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"filename":      job.TranscriptFile(id),
		"transcription": text,
	})
}

// DeleteFile handles DELETE /files/{id}. Deleting an unknown file succeeds.
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("id")
	if err := h.files.Delete(r.Context(), ref); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": ref + " deleted"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
