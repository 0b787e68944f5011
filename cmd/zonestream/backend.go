package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/zonestream/config"
	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/natsclient"
	"github.com/c360/zonestream/world"
	"github.com/c360/zonestream/world/manifest"
	"github.com/c360/zonestream/world/memory"
	"github.com/c360/zonestream/world/natsworld"
)

// demoZones seed the memory backend when no manifest directory is configured
var demoZones = []string{"harbor", "market", "lighthouse", "cliffs", "caves"}

// buildBackend creates the configured world backend. client is only used by
// the nats backend and may be nil otherwise.
func buildBackend(ctx context.Context, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) (world.Backend, error) {
	switch cfg.World.Backend {
	case config.BackendMemory:
		return buildMemoryWorld(cfg.World, logger)

	case config.BackendManifest:
		w, err := manifest.New(cfg.World.ManifestDir, manifest.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open manifest world: %w", err)
		}
		logger.Info("Using manifest world", "dir", cfg.World.ManifestDir, "zones", len(w.Names()))
		return w, nil

	case config.BackendNATS:
		if client == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "main", "buildBackend",
				"nats backend needs a connected client")
		}
		opts := []natsworld.Option{
			natsworld.WithSubjectPrefix(cfg.World.SubjectPrefix),
			natsworld.WithTimeout(cfg.World.RequestTimeout),
			natsworld.WithLogger(logger),
		}
		if cfg.World.AdjacencyKV != "" {
			bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
				Bucket:      cfg.World.AdjacencyKV,
				Description: "declared zone adjacency",
			})
			if err != nil {
				return nil, fmt.Errorf("open adjacency bucket: %w", err)
			}
			opts = append(opts, natsworld.WithAdjacency(natsclient.NewKVStore(bucket)))
		}
		w, err := natsworld.New(client, opts...)
		if err != nil {
			return nil, fmt.Errorf("create nats world: %w", err)
		}
		logger.Info("Using remote world", "load_subject", w.LoadSubject(), "adjacency_bucket", cfg.World.AdjacencyKV)
		return w, nil
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: %q", errors.ErrUnknownBackend, cfg.World.Backend), "main", "buildBackend", "select backend")
}

// buildMemoryWorld serves manifests from memory when a directory is set,
// otherwise a chain of demo zones.
func buildMemoryWorld(cfg config.WorldConfig, logger *slog.Logger) (*memory.World, error) {
	var w *memory.World
	if cfg.ManifestDir != "" {
		roots, err := manifest.LoadDir(cfg.ManifestDir)
		if err != nil {
			return nil, fmt.Errorf("preload manifests: %w", err)
		}
		w = memory.New(roots...)
	} else {
		w = memory.Chain(demoZones...)
	}
	if cfg.MemoryLatency > 0 {
		w.SetDefaultLatency(cfg.MemoryLatency)
	}
	logger.Info("Using in-memory world",
		"zones", strings.Join(w.Names(), ","),
		"latency", cfg.MemoryLatency)
	return w, nil
}
