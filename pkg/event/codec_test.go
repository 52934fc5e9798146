package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	parent := uint64(10)
	e := Event{
		Seq:         11,
		EventTimeMS: 1700000000123,
		WatermarkMS: 1700000000073,
		Role:        RoleTool,
		Stream:      "tool.shell.1",
		TurnID:      "01J8ZQ6M2E4W9X3T5V7YB0KDFA",
		Act:         ActToolChunk,
		Payload:     ToolChunkPayload{Channel: ChannelStdout, Data: []byte("x\n")},
		ParentSeq:   &parent,
	}

	line, err := json.Marshal(e)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, e, got)
}

func TestPayloadTypeDiscriminator(t *testing.T) {
	e := Event{
		Seq:     1,
		Role:    RoleStrategist,
		Stream:  "agent.strategist",
		Act:     ActSay,
		Payload: TextPayload{Text: "hello"},
	}

	line, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(line, &raw))
	payload, ok := raw["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "text", payload["type"])
	assert.Equal(t, "hello", payload["text"])
}

func TestUnmarshalRejectsUnknownAct(t *testing.T) {
	line := `{"seq":1,"role":"user","stream":"user","act":"shout","payload":{"type":"text","text":"hi"}}`
	var e Event
	assert.Error(t, json.Unmarshal([]byte(line), &e))
}

func TestUnmarshalRejectsUnknownPayloadType(t *testing.T) {
	line := `{"seq":1,"role":"user","stream":"user","act":"say","payload":{"type":"blob"}}`
	var e Event
	assert.Error(t, json.Unmarshal([]byte(line), &e))
}

func TestParentSeqOmittedWhenAbsent(t *testing.T) {
	e := Event{Seq: 1, Role: RoleSystem, Stream: StreamKernel, Act: ActHeartbeat, Payload: HeartbeatPayload{}}

	line, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(line), "parent_seq")
	assert.NotContains(t, string(line), "turn_id")
}

func TestFloorExemptActs(t *testing.T) {
	assert.True(t, Event{Act: ActToolChunk}.IsFloorExempt())
	assert.True(t, Event{Act: ActToolEnd}.IsFloorExempt())
	assert.True(t, Event{Act: ActHeartbeat}.IsFloorExempt())
	assert.True(t, Event{Act: ActInterrupt}.IsFloorExempt())
	assert.False(t, Event{Act: ActSay}.IsFloorExempt())
	assert.False(t, Event{Act: ActFloorRelease}.IsFloorExempt())
}
