package main

import (
	"log/slog"
	"os"
	"os/exec"

	"github.com/transcribegate/transcribegate/internal/config"
)

// checkEngine reports missing engine prerequisites at startup.
//
// It only warns: the server still accepts uploads, and jobs fail with a
// preprocess or transcribe error until the tools are installed.
func checkEngine(cfg *config.Config) {
	if cfg.Engine != "whisper-cli" {
		slog.Info("engine: using transcription server", "url", cfg.EngineURL, "model", cfg.EngineModel)
		return
	}

	for _, bin := range []string{cfg.FFmpegPath, cfg.WhisperPath} {
		if _, err := exec.LookPath(bin); err != nil {
			slog.Warn("engine: executable not found", "path", bin, "error", err)
		}
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		slog.Warn("engine: model not readable", "path", cfg.ModelPath, "error", err)
		return
	}
	slog.Info("engine: whisper.cpp ready", "model", cfg.ModelPath, "language", cfg.Language)
}
