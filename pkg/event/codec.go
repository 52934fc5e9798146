package event

import (
	"encoding/json"
	"fmt"
)

// eventJSON is the wire shape of an event: one JSONL line.
type eventJSON struct {
	Seq         uint64          `json:"seq"`
	EventTimeMS int64           `json:"event_time_ms"`
	WatermarkMS int64           `json:"watermark_ms"`
	Role        Role            `json:"role"`
	Stream      string          `json:"stream"`
	TurnID      string          `json:"turn_id,omitempty"`
	Act         Act             `json:"act"`
	Payload     json.RawMessage `json:"payload"`
	Final       bool            `json:"final,omitempty"`
	ParentSeq   *uint64         `json:"parent_seq,omitempty"`
}

// MarshalJSON encodes the event with its payload variant flattened under a
// "type" discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Seq:         e.Seq,
		EventTimeMS: e.EventTimeMS,
		WatermarkMS: e.WatermarkMS,
		Role:        e.Role,
		Stream:      e.Stream,
		TurnID:      e.TurnID,
		Act:         e.Act,
		Payload:     payload,
		Final:       e.Final,
		ParentSeq:   e.ParentSeq,
	})
}

// UnmarshalJSON decodes one JSONL line back into an event, dispatching the
// payload on its "type" discriminator. Unknown acts and payload types are
// rejected so a corrupt journal line fails loudly instead of decoding into
// a half-empty record.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !ValidAct(raw.Act) {
		return fmt.Errorf("unknown speech act %q", raw.Act)
	}
	payload, err := unmarshalPayload(raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		Seq:         raw.Seq,
		EventTimeMS: raw.EventTimeMS,
		WatermarkMS: raw.WatermarkMS,
		Role:        raw.Role,
		Stream:      raw.Stream,
		TurnID:      raw.TurnID,
		Act:         raw.Act,
		Payload:     payload,
		Final:       raw.Final,
		ParentSeq:   raw.ParentSeq,
	}
	return nil
}

// marshalPayload marshals a payload variant and injects the "type"
// discriminator into the resulting object.
func marshalPayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("event payload is nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.payloadType(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to flatten %s payload: %w", p.payloadType(), err)
	}
	if m == nil {
		m = map[string]any{}
	}
	m["type"] = p.payloadType()
	return json.Marshal(m)
}

// unmarshalPayload dispatches on the "type" discriminator.
func unmarshalPayload(raw json.RawMessage) (Payload, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to probe payload type: %w", err)
	}

	switch probe.Type {
	case PayloadTypeText:
		var p TextPayload
		return p, json.Unmarshal(raw, &p)
	case PayloadTypeToolCall:
		var p ToolCallPayload
		return p, json.Unmarshal(raw, &p)
	case PayloadTypeToolChunk:
		var p ToolChunkPayload
		return p, json.Unmarshal(raw, &p)
	case PayloadTypeToolEnd:
		var p ToolEndPayload
		return p, json.Unmarshal(raw, &p)
	case PayloadTypeDecision:
		var p DecisionPayload
		return p, json.Unmarshal(raw, &p)
	case PayloadTypeControl:
		var p ControlPayload
		return p, json.Unmarshal(raw, &p)
	case PayloadTypeError:
		var p ErrorPayload
		return p, json.Unmarshal(raw, &p)
	case PayloadTypeHeartbeat:
		return HeartbeatPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", probe.Type)
	}
}
