package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads path, expands environment variables, merges defaults
// underneath, and validates. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		data = ExpandEnv(data)

		var user Config
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		// User values override defaults; unset fields keep them.
		if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration loaded",
		"path", path,
		"journal_dir", cfg.Bus.Dir,
		"listen_addr", cfg.API.ListenAddr,
		"agents", len(cfg.Agents),
		"tools", len(cfg.Tool.Adapters))
	return &cfg, nil
}

// validate rejects configurations the kernel cannot run with.
func validate(cfg Config) error {
	if cfg.Bus.QueueDepth <= 0 {
		return fmt.Errorf("bus.queue_depth must be positive, got %d", cfg.Bus.QueueDepth)
	}
	if cfg.Bus.SubscriberQueueDepth <= 0 {
		return fmt.Errorf("bus.subscriber_queue_depth must be positive, got %d", cfg.Bus.SubscriberQueueDepth)
	}
	if cfg.Bus.Dir != "" {
		if cfg.Bus.RotateBytes <= 0 {
			return fmt.Errorf("bus.rotate_bytes must be positive, got %d", cfg.Bus.RotateBytes)
		}
		if cfg.Bus.FsyncEveryEvents <= 0 || cfg.Bus.FsyncEveryMS <= 0 {
			return fmt.Errorf("bus fsync cadence must be positive (events=%d, ms=%d)",
				cfg.Bus.FsyncEveryEvents, cfg.Bus.FsyncEveryMS)
		}
	}
	if cfg.Floor.TMinMS < 0 || cfg.Floor.TMaxMS <= 0 {
		return fmt.Errorf("floor.T_max_ms must be positive, got %d", cfg.Floor.TMaxMS)
	}
	if cfg.Floor.TMinMS > cfg.Floor.TMaxMS {
		return fmt.Errorf("floor.T_min_ms (%d) exceeds floor.T_max_ms (%d)",
			cfg.Floor.TMinMS, cfg.Floor.TMaxMS)
	}
	if cfg.Turn.FlushBytes <= 0 || cfg.Turn.FlushMS <= 0 {
		return fmt.Errorf("turn flush cadence must be positive (bytes=%d, ms=%d)",
			cfg.Turn.FlushBytes, cfg.Turn.FlushMS)
	}
	if cfg.Turn.ByteBudget > 0 && cfg.Turn.ByteBudget < cfg.Turn.FlushBytes {
		return fmt.Errorf("turn.byte_budget (%d) is below turn.flush_bytes (%d)",
			cfg.Turn.ByteBudget, cfg.Turn.FlushBytes)
	}
	if cfg.Turn.GraceMS < 0 || cfg.Turn.GraceMS >= cfg.Turn.DeadlineMS && cfg.Turn.DeadlineMS > 0 {
		return fmt.Errorf("turn.grace_ms (%d) must be below turn.deadline_ms (%d)",
			cfg.Turn.GraceMS, cfg.Turn.DeadlineMS)
	}
	if cfg.Tool.MaxStreams <= 0 {
		return fmt.Errorf("tool.max_streams must be positive, got %d", cfg.Tool.MaxStreams)
	}
	if cfg.Watermark.SkewToleranceMS < 0 {
		return fmt.Errorf("watermark.skew_tolerance_ms must not be negative, got %d", cfg.Watermark.SkewToleranceMS)
	}
	seen := make(map[string]bool)
	for _, a := range cfg.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
		if a.Role != "strategist" && a.Role != "implementer" {
			return fmt.Errorf("agent %q has invalid role %q (want strategist or implementer)", a.Name, a.Role)
		}
	}
	return nil
}
