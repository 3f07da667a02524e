package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// 16 kHz mono 16-bit PCM, as produced by the preprocess stage.
const (
	wavHeaderBytes = 44
	wavBytesPerSec = 16000 * 2
)

var detectedLanguageRe = regexp.MustCompile(`auto-detected language: ([a-z]+) \(p = ([0-9.]+)\)`)

// WhisperConfig configures the whisper.cpp engine.
type WhisperConfig struct {
	FFmpegPath  string
	WhisperPath string
	ModelPath   string
	// Language is an ISO code, or "" / "auto" for detection.
	Language string
	BeamSize int
}

// Whisper converts audio with ffmpeg and transcribes it with the whisper.cpp CLI.
type Whisper struct {
	cfg       WhisperConfig
	runner    commandRunner
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	readFile  func(name string) ([]byte, error)
	stat      func(name string) (os.FileInfo, error)
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	return &Whisper{
		cfg:       cfg,
		runner:    execRunner{},
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		readFile:  os.ReadFile,
		stat:      os.Stat,
	}
}

// whisperOutput is the subset of whisper.cpp's -oj file we read.
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (w *Whisper) forcedLanguage() string {
	if w.cfg.Language == "auto" {
		return ""
	}
	return w.cfg.Language
}

func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	dir, err := w.mkdirTemp("", "transcribegate-*")
	if err != nil {
		return Result{}, &Error{Stage: StagePreprocess, Message: "create temp dir", Err: err}
	}
	defer w.removeAll(dir)

	wav := filepath.Join(dir, "audio.wav")
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", audioPath, "-vn", "-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le", wav}
	if err := w.run(ctx, StagePreprocess, w.cfg.FFmpegPath, args); err != nil {
		return Result{}, err
	}

	base := filepath.Join(dir, "transcript")
	args = []string{"-m", w.cfg.ModelPath, "-f", wav, "-of", base, "-oj", "-np"}
	if lang := w.forcedLanguage(); lang != "" {
		args = append(args, "-l", lang)
	} else {
		args = append(args, "-l", "auto")
	}
	if w.cfg.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(w.cfg.BeamSize))
	}
	res, err := w.runner.Run(ctx, w.cfg.WhisperPath, args...)
	if err != nil {
		return Result{}, w.commandError(StageTranscribe, w.cfg.WhisperPath, args, res, err)
	}

	data, err := w.readFile(base + ".json")
	if err != nil {
		return Result{}, &Error{Stage: StageParse, Message: "read whisper output", Err: err}
	}
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, &Error{Stage: StageParse, Message: "decode whisper output", Err: err}
	}

	parts := make([]string, 0, len(out.Transcription))
	for _, seg := range out.Transcription {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}

	result := Result{
		Text:     strings.Join(parts, " "),
		Language: out.Result.Language,
		Segments: len(out.Transcription),
	}
	if lang := w.forcedLanguage(); lang != "" {
		result.LanguageProbability = 1
		if result.Language == "" {
			result.Language = lang
		}
	} else if m := detectedLanguageRe.FindStringSubmatch(res.Stderr); m != nil {
		if result.Language == "" {
			result.Language = m[1]
		}
		result.LanguageProbability, _ = strconv.ParseFloat(m[2], 64)
	}

	if fi, err := w.stat(wav); err == nil && fi.Size() > wavHeaderBytes {
		result.Duration = float64(fi.Size()-wavHeaderBytes) / wavBytesPerSec
	} else if n := len(out.Transcription); n > 0 {
		result.Duration = float64(out.Transcription[n-1].Offsets.To) / 1000
	}
	return result, nil
}

func (w *Whisper) run(ctx context.Context, stage, name string, args []string) error {
	res, err := w.runner.Run(ctx, name, args...)
	if err != nil {
		return w.commandError(stage, name, args, res, err)
	}
	return nil
}

func (w *Whisper) commandError(stage, name string, args []string, res commandResult, err error) error {
	msg := fmt.Sprintf("%s failed", filepath.Base(name))
	if res.Stderr != "" {
		msg += ": " + strings.TrimSpace(tail(res.Stderr, 512))
	}
	return &Error{
		Stage:   stage,
		Message: msg,
		Command: CommandLog{Command: name, Args: args, ExitCode: res.ExitCode, Stderr: tail(res.Stderr, 4096)},
		Err:     err,
	}
}
