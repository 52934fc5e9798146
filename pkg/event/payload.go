package event

// Payload is the tagged variant carried by an event. Each concrete payload
// maps to a "type" discriminator in the JSONL encoding.
type Payload interface {
	payloadType() string
}

// Payload type discriminators.
const (
	PayloadTypeText      = "text"
	PayloadTypeToolCall  = "tool_call"
	PayloadTypeToolChunk = "tool_chunk"
	PayloadTypeToolEnd   = "tool_end"
	PayloadTypeDecision  = "decision"
	PayloadTypeControl   = "control"
	PayloadTypeError     = "error"
	PayloadTypeHeartbeat = "heartbeat"
)

// Tool chunk channels.
const (
	ChannelStdout = "stdout"
	ChannelStderr = "stderr"
)

// TextPayload carries a chunk of free text (say, plan, propose, ...).
type TextPayload struct {
	Text string `json:"text"`

	// Partial marks a drain flush: the speaker was cancelled mid-chunk and
	// this is whatever had been buffered.
	Partial bool `json:"partial,omitempty"`
}

func (TextPayload) payloadType() string { return PayloadTypeText }

// ToolCallPayload is a tool invocation issued by an agent turn.
type ToolCallPayload struct {
	Tool    string            `json:"tool"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (ToolCallPayload) payloadType() string { return PayloadTypeToolCall }

// ToolChunkPayload is one chunk of subprocess output. Data is base64 in the
// JSONL encoding (encoding/json default for byte slices).
type ToolChunkPayload struct {
	Channel string `json:"channel"` // stdout or stderr
	Data    []byte `json:"data"`
}

func (ToolChunkPayload) payloadType() string { return PayloadTypeToolChunk }

// ToolEndPayload terminates a tool invocation.
type ToolEndPayload struct {
	ExitCode int    `json:"exit_code"`
	Status   string `json:"status"` // completed, cancelled, errored
}

func (ToolEndPayload) payloadType() string { return PayloadTypeToolEnd }

// DecisionPayload carries a structured decision as a flat key/value map.
type DecisionPayload struct {
	Fields map[string]string `json:"fields"`
}

func (DecisionPayload) payloadType() string { return PayloadTypeDecision }

// ControlPayload is carried by floor_grant, floor_release and interrupt
// events. Status and Reason are set on releases; both may be empty on grants.
type ControlPayload struct {
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (ControlPayload) payloadType() string { return PayloadTypeControl }

// ErrorPayload carries a redacted error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

func (ErrorPayload) payloadType() string { return PayloadTypeError }

// HeartbeatPayload is empty; heartbeats exist for liveness only.
type HeartbeatPayload struct{}

func (HeartbeatPayload) payloadType() string { return PayloadTypeHeartbeat }
