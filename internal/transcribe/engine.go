// Package transcribe turns audio files into text through an external engine.
package transcribe

import (
	"context"
	"fmt"
)

// Result is the output of one transcription.
type Result struct {
	Text                string
	Language            string
	LanguageProbability float64
	Duration            float64 // seconds
	Segments            int
}

// Engine transcribes a local audio file. Implementations must honour ctx cancellation.
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}

// Stages reported in Error.
const (
	StagePreprocess = "preprocess"
	StageTranscribe = "transcribe"
	StageParse      = "parse"
)

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stderr   string   `json:"stderr"`
}

// Error is a stage-aware engine failure.
type Error struct {
	Stage   string
	Message string
	Command CommandLog
	Err     error
}

func (e *Error) Error() string {
	if e.Command.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.Command.Command, e.Command.ExitCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}
