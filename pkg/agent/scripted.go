package agent

import (
	"context"
	"time"

	"github.com/parley-project/parley/pkg/event"
)

// ScriptedSpeaker replays a fixed sequence of chunks, optionally pacing them
// with a delay. It backs development setups and tests where a real model is
// out of reach.
type ScriptedSpeaker struct {
	name  string
	role  event.Role
	turns [][]Chunk
	delay time.Duration

	next int
}

// NewScriptedSpeaker builds a speaker that plays turns[0] on its first
// grant, turns[1] on the second, and repeats the last turn thereafter.
func NewScriptedSpeaker(name string, role event.Role, turns [][]Chunk, delay time.Duration) *ScriptedSpeaker {
	return &ScriptedSpeaker{name: name, role: role, turns: turns, delay: delay}
}

func (s *ScriptedSpeaker) Name() string     { return s.name }
func (s *ScriptedSpeaker) Role() event.Role { return s.role }

// Speak plays the next scripted turn. A closed SoftStop ends the turn early
// after the current chunk; ctx cancellation ends it immediately.
func (s *ScriptedSpeaker) Speak(ctx context.Context, req SpeakRequest, out chan<- Chunk) {
	defer close(out)

	if len(s.turns) == 0 {
		return
	}
	script := s.turns[s.next]
	if s.next < len(s.turns)-1 {
		s.next++
	}

	for _, c := range script {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
		select {
		case <-req.SoftStop:
			return
		default:
		}
	}
}
