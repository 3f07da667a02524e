package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// HTTPEngine calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// (faster-whisper-server, whisper.cpp server, hosted APIs).
type HTTPEngine struct {
	endpoint string
	apiKey   string
	model    string
	language string
	http     *http.Client
}

var _ Engine = (*HTTPEngine)(nil)

// NewHTTPEngine creates a client for endpoint, the server base URL.
// The client has no timeout of its own; the caller's context bounds each request.
func NewHTTPEngine(endpoint, apiKey, model, language string) *HTTPEngine {
	if language == "auto" {
		language = ""
	}
	return &HTTPEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		language: language,
		http:     &http.Client{},
	}
}

type verboseJSON struct {
	Text                string   `json:"text"`
	Language            string   `json:"language"`
	LanguageProbability *float64 `json:"language_probability"`
	Duration            float64  `json:"duration"`
	Segments            []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

func (c *HTTPEngine) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return Result{}, &Error{Stage: StagePreprocess, Message: "open audio", Err: err}
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(c.writeForm(mw, f, filepath.Base(audioPath)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/audio/transcriptions", pr)
	if err != nil {
		pr.Close()
		return Result{}, &Error{Stage: StageTranscribe, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		pr.Close()
		return Result{}, &Error{Stage: StageTranscribe, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &Error{
			Stage:   StageTranscribe,
			Message: fmt.Sprintf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var out verboseJSON
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &Error{Stage: StageParse, Message: "decode response", Err: err}
	}

	result := Result{
		Text:                strings.TrimSpace(out.Text),
		Language:            out.Language,
		LanguageProbability: 1,
		Duration:            out.Duration,
		Segments:            len(out.Segments),
	}
	if out.LanguageProbability != nil {
		result.LanguageProbability = *out.LanguageProbability
	}
	return result, nil
}

func (c *HTTPEngine) writeForm(mw *multipart.Writer, audio io.Reader, filename string) error {
	fields := map[string]string{
		"model":           c.model,
		"response_format": "verbose_json",
	}
	if c.language != "" {
		fields["language"] = c.language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}
