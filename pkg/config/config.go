// Package config loads and validates kernel configuration from YAML, with
// {{.VAR}} environment expansion and defaults merged underneath.
package config

import (
	"time"

	"github.com/parley-project/parley/pkg/bus"
	"github.com/parley-project/parley/pkg/floor"
	"github.com/parley-project/parley/pkg/masking"
	"github.com/parley-project/parley/pkg/tool"
	"github.com/parley-project/parley/pkg/turn"
)

// Config is the full kernel configuration. Durations are millisecond
// integers in YAML; Runtime methods convert them to typed configs.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Floor     FloorConfig     `yaml:"floor"`
	Turn      TurnConfig      `yaml:"turn"`
	Preempt   PreemptConfig   `yaml:"preempt"`
	Tool      ToolConfig      `yaml:"tool"`
	Watermark WatermarkConfig `yaml:"watermark"`
	Masking   masking.Config  `yaml:"masking"`
	API       APIConfig       `yaml:"api"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// BusConfig configures the event bus and its JSONL journal.
type BusConfig struct {
	// Dir is the journal directory. Empty runs the bus memory-only.
	Dir                  string `yaml:"dir"`
	QueueDepth           int    `yaml:"queue_depth"`
	SubscriberQueueDepth int    `yaml:"subscriber_queue_depth"`
	FsyncEveryEvents     int    `yaml:"fsync_every_events"`
	FsyncEveryMS         int    `yaml:"fsync_every_ms"`
	RotateBytes          int64  `yaml:"rotate_bytes"`
	PersistHeartbeats    *bool  `yaml:"persist_heartbeats"`
}

// FloorConfig configures the scheduling policy.
type FloorConfig struct {
	TMinMS       int `yaml:"T_min_ms"`
	TMaxMS       int `yaml:"T_max_ms"`
	TQuietMS     int `yaml:"T_quiet_ms"`
	TStarveMS    int `yaml:"T_starve_ms"`
	THeartbeatMS int `yaml:"T_heartbeat_ms"`
}

// TurnConfig bounds a single turn.
type TurnConfig struct {
	ByteBudget int `yaml:"byte_budget"`
	FlushBytes int `yaml:"flush_bytes"`
	FlushMS    int `yaml:"flush_ms"`
	DeadlineMS int `yaml:"deadline_ms"`
	GraceMS    int `yaml:"grace_ms"`
}

// PreemptConfig sets the preemption propagation SLA.
type PreemptConfig struct {
	TargetMS int `yaml:"target_ms"`
}

// ToolConfig bounds the tool layer.
type ToolConfig struct {
	MaxStreams int `yaml:"max_streams"`
	ChunkBytes int `yaml:"chunk_bytes"`
	// Adapters lists exec tools available to agents by name.
	Adapters []string `yaml:"adapters"`
}

// WatermarkConfig sets the watermark clock skew allowance.
type WatermarkConfig struct {
	SkewToleranceMS int `yaml:"skew_tolerance_ms"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AgentConfig declares a scripted agent for dev and demo setups. Each entry
// in Turns is one turn's chunk list.
type AgentConfig struct {
	Name    string     `yaml:"name"`
	Role    string     `yaml:"role"`
	Turns   [][]string `yaml:"turns"`
	DelayMS int        `yaml:"delay_ms"`
}

// Defaults returns the built-in configuration. Loading merges user YAML on
// top of this.
func Defaults() Config {
	persist := true
	return Config{
		Bus: BusConfig{
			QueueDepth:           1024,
			SubscriberQueueDepth: 256,
			FsyncEveryEvents:     8,
			FsyncEveryMS:         50,
			RotateBytes:          64 << 20,
			PersistHeartbeats:    &persist,
		},
		Floor: FloorConfig{
			TMinMS:       400,
			TMaxMS:       8000,
			TQuietMS:     150,
			TStarveMS:    30000,
			THeartbeatMS: 5000,
		},
		Turn: TurnConfig{
			ByteBudget: 4096,
			FlushBytes: 256,
			FlushMS:    120,
			DeadlineMS: 8000,
			GraceMS:    500,
		},
		Preempt:   PreemptConfig{TargetMS: 50},
		Tool:      ToolConfig{MaxStreams: 8, ChunkBytes: 4096},
		Watermark: WatermarkConfig{SkewToleranceMS: 50},
		API:       APIConfig{ListenAddr: ":8710"},
	}
}

// RuntimeBus converts to the bus package's typed config.
func (c Config) RuntimeBus() bus.Config {
	persist := true
	if c.Bus.PersistHeartbeats != nil {
		persist = *c.Bus.PersistHeartbeats
	}
	return bus.Config{
		Dir:                  c.Bus.Dir,
		QueueDepth:           c.Bus.QueueDepth,
		SubscriberQueueDepth: c.Bus.SubscriberQueueDepth,
		FsyncEveryEvents:     c.Bus.FsyncEveryEvents,
		FsyncEvery:           time.Duration(c.Bus.FsyncEveryMS) * time.Millisecond,
		RotateBytes:          c.Bus.RotateBytes,
		SkewTolerance:        time.Duration(c.Watermark.SkewToleranceMS) * time.Millisecond,
		PersistHeartbeats:    persist,
	}
}

// RuntimeFloor converts to the floor policy.
func (c Config) RuntimeFloor() floor.Policy {
	return floor.Policy{
		TMin:          time.Duration(c.Floor.TMinMS) * time.Millisecond,
		TMax:          time.Duration(c.Floor.TMaxMS) * time.Millisecond,
		TQuiet:        time.Duration(c.Floor.TQuietMS) * time.Millisecond,
		TStarve:       time.Duration(c.Floor.TStarveMS) * time.Millisecond,
		Heartbeat:     time.Duration(c.Floor.THeartbeatMS) * time.Millisecond,
		PreemptTarget: time.Duration(c.Preempt.TargetMS) * time.Millisecond,
	}
}

// RuntimeTurn converts to the turn runner config. The turn deadline never
// exceeds the floor's T_max.
func (c Config) RuntimeTurn() turn.Config {
	deadline := time.Duration(c.Turn.DeadlineMS) * time.Millisecond
	tmax := time.Duration(c.Floor.TMaxMS) * time.Millisecond
	if tmax > 0 && (deadline == 0 || deadline > tmax) {
		deadline = tmax
	}
	return turn.Config{
		FlushBytes: c.Turn.FlushBytes,
		FlushEvery: time.Duration(c.Turn.FlushMS) * time.Millisecond,
		ByteBudget: c.Turn.ByteBudget,
		Deadline:   deadline,
		Grace:      time.Duration(c.Turn.GraceMS) * time.Millisecond,
	}
}

// RuntimeShim converts to the tool shim config.
func (c Config) RuntimeShim() tool.ShimConfig {
	return tool.ShimConfig{ChunkBytes: c.Tool.ChunkBytes}
}
