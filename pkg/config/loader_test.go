package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Bus.QueueDepth)
	assert.Equal(t, 400, cfg.Floor.TMinMS)
	assert.Equal(t, 8000, cfg.Floor.TMaxMS)
	assert.Equal(t, 4096, cfg.Turn.ByteBudget)
	assert.Equal(t, 50, cfg.Watermark.SkewToleranceMS)
	require.NotNil(t, cfg.Bus.PersistHeartbeats)
	assert.True(t, *cfg.Bus.PersistHeartbeats)
}

func TestLoadMergesUserOverDefaults(t *testing.T) {
	path := writeConfig(t, `
bus:
  dir: /var/lib/parley/journal
  queue_depth: 64
floor:
  T_min_ms: 200
turn:
  byte_budget: 8192
agents:
  - name: agent.strategist
    role: strategist
    turns:
      - ["hello"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Bus.QueueDepth)
	assert.Equal(t, "/var/lib/parley/journal", cfg.Bus.Dir)
	assert.Equal(t, 200, cfg.Floor.TMinMS)
	assert.Equal(t, 8192, cfg.Turn.ByteBudget)
	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.Bus.SubscriberQueueDepth)
	assert.Equal(t, 8000, cfg.Floor.TMaxMS)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "strategist", cfg.Agents[0].Role)
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("PARLEY_JOURNAL_DIR", "/tmp/journal-from-env")
	path := writeConfig(t, `
bus:
  dir: "{{.PARLEY_JOURNAL_DIR}}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/journal-from-env", cfg.Bus.Dir)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"zero queue depth":     "bus:\n  queue_depth: -1\n",
		"min above max":        "floor:\n  T_min_ms: 10000\n",
		"grace over deadline":  "turn:\n  grace_ms: 9000\n",
		"budget under flush":   "turn:\n  byte_budget: 100\n",
		"bad agent role":       "agents:\n  - name: a\n    role: jester\n",
		"duplicate agent name": "agents:\n  - name: a\n    role: strategist\n  - name: a\n    role: implementer\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRuntimeConversions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	b := cfg.RuntimeBus()
	assert.Equal(t, 50*time.Millisecond, b.FsyncEvery)
	assert.Equal(t, 50*time.Millisecond, b.SkewTolerance)
	assert.True(t, b.PersistHeartbeats)

	f := cfg.RuntimeFloor()
	assert.Equal(t, 400*time.Millisecond, f.TMin)
	assert.Equal(t, 5*time.Second, f.Heartbeat)
	assert.Equal(t, 50*time.Millisecond, f.PreemptTarget)

	tc := cfg.RuntimeTurn()
	assert.Equal(t, 120*time.Millisecond, tc.FlushEvery)
	assert.Equal(t, 8*time.Second, tc.Deadline)
}

func TestRuntimeTurnDeadlineClampedToTMax(t *testing.T) {
	cfg := Defaults()
	cfg.Turn.DeadlineMS = 60000
	assert.Equal(t, 8*time.Second, cfg.RuntimeTurn().Deadline)
}

func TestExpandEnvLeavesDollarSignsAlone(t *testing.T) {
	out := ExpandEnv([]byte(`pattern: "^secret.*$"` + "\n"))
	assert.Contains(t, string(out), "^secret.*$")
}
