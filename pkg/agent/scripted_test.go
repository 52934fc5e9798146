package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-project/parley/pkg/event"
)

func collect(ctx context.Context, s Speaker, req SpeakRequest) []Chunk {
	out := make(chan Chunk)
	go s.Speak(ctx, req, out)
	var got []Chunk
	for c := range out {
		got = append(got, c)
	}
	return got
}

func TestScriptedSpeakerAdvancesThenRepeatsLastTurn(t *testing.T) {
	s := NewScriptedSpeaker("agent.strategist", event.RoleStrategist, [][]Chunk{
		{{Text: "first"}},
		{{Text: "second a"}, {Text: "second b"}},
	}, 0)

	req := SpeakRequest{TurnID: "01J8ZQ6M2E4W9X3T5V7YB0KDFA"}
	got := collect(context.Background(), s, req)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Text)

	got = collect(context.Background(), s, req)
	require.Len(t, got, 2)

	// Past the end of the script the last turn repeats.
	got = collect(context.Background(), s, req)
	require.Len(t, got, 2)
	assert.Equal(t, "second b", got[1].Text)
}

func TestScriptedSpeakerStopsOnCancel(t *testing.T) {
	s := NewScriptedSpeaker("agent.strategist", event.RoleStrategist, [][]Chunk{
		{{Text: "a"}, {Text: "b"}, {Text: "c"}},
	}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Chunk)
	go s.Speak(ctx, SpeakRequest{}, out)

	first := <-out
	assert.Equal(t, "a", first.Text)
	cancel()

	// Channel closes without delivering the full script.
	n := 1
	for range out {
		n++
	}
	assert.Less(t, n, 3)
}

func TestScriptedSpeakerHonorsSoftStop(t *testing.T) {
	s := NewScriptedSpeaker("agent.implementer", event.RoleImplementer, [][]Chunk{
		{{Text: "a"}, {Text: "b"}, {Text: "c"}},
	}, 0)

	soft := make(chan struct{})
	close(soft)
	got := collect(context.Background(), s, SpeakRequest{SoftStop: soft})
	require.Len(t, got, 1, "a closed soft stop ends the turn after one chunk")
}

func TestScriptedSpeakerEmptyScript(t *testing.T) {
	s := NewScriptedSpeaker("agent.strategist", event.RoleStrategist, nil, 0)
	got := collect(context.Background(), s, SpeakRequest{})
	assert.Empty(t, got)
}
