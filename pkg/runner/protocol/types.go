// Package protocol defines the JSON-lines stdio protocol spoken between the
// orchestrator and an engine bridge process.
//
// Every line is one Message. The bridge announces itself with READY, then
// answers each CMD with any number of EVENT lines followed by exactly one
// DONE or ERROR carrying the command ID. EXIT is sent before the bridge
// terminates.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/rollout/pkg/engine"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the bridge is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the orchestrator
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the bridge
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the bridge is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeExecute applies a plan fragment; params are ExecuteParams.
	CommandTypeExecute CommandType = "execute"
	// CommandTypeQuery reads host state; params are QueryParams.
	CommandTypeQuery CommandType = "query"
)

// Error codes carried by ERROR messages.
const (
	CodeBadCommand  = "BAD_COMMAND"
	CodeUnsupported = "UNSUPPORTED"
	CodeFailed      = "COMMAND_FAILED"
	CodeTimeout     = "TIMEOUT"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the bridge is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Engine   string            `json:"engine"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the bridge announced the command type.
func (r *ReadyMessage) Supports(ct CommandType) bool {
	return r != nil && r.Caps[string(ct)]
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Host      string            `json:"host,omitempty"`
	Message   string            `json:"message"`
	Progress  *ProgressInfo     `json:"progress,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// ExitMessage is sent before the bridge terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Command parameters and results are the engine boundary types.
type (
	ExecuteParams = engine.ExecuteRequest
	ExecuteResult = engine.ExecuteResult
	QueryParams   = engine.QueryRequest
	QueryResult   = engine.QueryResult
)

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeExecute, CommandTypeQuery:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid. An empty level becomes info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

// Error renders the message as an error string.
func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type eventSinkKey struct{}

// EventSink receives progress events while a command runs.
type EventSink func(evt *EventMessage)

// WithEventSink returns a context whose Emit calls go to sink.
func WithEventSink(ctx context.Context, sink EventSink) context.Context {
	return context.WithValue(ctx, eventSinkKey{}, sink)
}

// Emit reports progress for the command running under ctx. It is a no-op
// when ctx carries no sink.
func Emit(ctx context.Context, host, level, message string) {
	sink, ok := ctx.Value(eventSinkKey{}).(EventSink)
	if !ok || sink == nil {
		return
	}
	sink(&EventMessage{Host: host, Level: level, Message: message})
}
