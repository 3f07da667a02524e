package main

import (
	"context"
	"fmt"

	"github.com/transcribegate/transcribegate/internal/blob"
	"github.com/transcribegate/transcribegate/internal/config"
	"github.com/transcribegate/transcribegate/internal/job"
	"github.com/transcribegate/transcribegate/internal/transcribe"
)

func openDocuments(ctx context.Context, cfg *config.Config) (job.Documents, error) {
	switch cfg.DocumentBackend {
	case "fs":
		return job.NewFSDocuments(cfg.OutputDir)
	case "postgres":
		return job.NewPostgresDocuments(ctx, cfg.DatabaseURL)
	case "redis":
		return job.NewRedisDocuments(ctx, job.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return job.NewSQLiteDocuments(cfg.DBPath)
	}
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.BlobBackend == "s3" {
		return blob.NewS3(ctx, blob.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return blob.NewFS(cfg.InputDir)
}

// openStores opens the configured document and blob backends.
func openStores(ctx context.Context, cfg *config.Config) (*job.Store, blob.Store, error) {
	docs, err := openDocuments(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s documents: %w", cfg.DocumentBackend, err)
	}
	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		docs.Close()
		return nil, nil, fmt.Errorf("open %s blobs: %w", cfg.BlobBackend, err)
	}
	return job.NewStore(docs), blobs, nil
}

func newEngine(cfg *config.Config) transcribe.Engine {
	if cfg.Engine == "http" {
		return transcribe.NewHTTPEngine(cfg.EngineURL, cfg.EngineAPIKey, cfg.EngineModel, cfg.Language)
	}
	return transcribe.NewWhisper(transcribe.WhisperConfig{
		FFmpegPath:  cfg.FFmpegPath,
		WhisperPath: cfg.WhisperPath,
		ModelPath:   cfg.ModelPath,
		Language:    cfg.Language,
		BeamSize:    cfg.BeamSize,
	})
}
