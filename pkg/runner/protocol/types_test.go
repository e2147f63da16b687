package protocol

import (
	"encoding/json"
	"testing"
)

func TestMessageTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		wantErr bool
	}{
		{"valid READY", MessageTypeReady, false},
		{"valid CMD", MessageTypeCommand, false},
		{"valid EVENT", MessageTypeEvent, false},
		{"valid DONE", MessageTypeDone, false},
		{"valid ERROR", MessageTypeError, false},
		{"valid EXIT", MessageTypeExit, false},
		{"invalid type", MessageType("INVALID"), true},
		{"empty type", MessageType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msgType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("MessageType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmdType CommandType
		wantErr bool
	}{
		{"valid execute", CommandTypeExecute, false},
		{"valid query", CommandTypeQuery, false},
		{"invalid type", CommandType("exec"), true},
		{"empty type", CommandType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmdType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("CommandType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandMessageValidate(t *testing.T) {
	params := json.RawMessage(`{"hosts":["web1"]}`)
	tests := []struct {
		name    string
		cmd     CommandMessage
		wantErr bool
	}{
		{"valid", CommandMessage{ID: "cmd-1", Type: CommandTypeQuery, Timeout: 30, Params: params}, false},
		{"missing id", CommandMessage{Type: CommandTypeQuery, Timeout: 30, Params: params}, true},
		{"bad type", CommandMessage{ID: "cmd-1", Type: "pkg.ensure", Timeout: 30, Params: params}, true},
		{"zero timeout", CommandMessage{ID: "cmd-1", Type: CommandTypeQuery, Params: params}, true},
		{"negative timeout", CommandMessage{ID: "cmd-1", Type: CommandTypeQuery, Timeout: -1, Params: params}, true},
		{"missing params", CommandMessage{ID: "cmd-1", Type: CommandTypeExecute, Timeout: 30}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("CommandMessage.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventMessageValidate(t *testing.T) {
	tests := []struct {
		name      string
		evt       EventMessage
		wantErr   bool
		wantLevel string
	}{
		{"valid info", EventMessage{CommandID: "cmd-1", Level: "info"}, false, "info"},
		{"valid warn", EventMessage{CommandID: "cmd-1", Level: "warn"}, false, "warn"},
		{"default level", EventMessage{CommandID: "cmd-1"}, false, "info"},
		{"missing command id", EventMessage{Level: "info"}, true, "info"},
		{"invalid level", EventMessage{CommandID: "cmd-1", Level: "error"}, true, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.evt.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("EventMessage.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.evt.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", tt.evt.Level, tt.wantLevel)
			}
		})
	}
}

func TestReadySupports(t *testing.T) {
	ready := &ReadyMessage{Caps: map[string]bool{"execute": true, "query": false}}
	if !ready.Supports(CommandTypeExecute) {
		t.Error("Supports(execute) = false")
	}
	if ready.Supports(CommandTypeQuery) {
		t.Error("Supports(query) = true for a disabled capability")
	}
	var none *ReadyMessage
	if none.Supports(CommandTypeExecute) {
		t.Error("nil ReadyMessage supports execute")
	}
}

func TestErrorMessageError(t *testing.T) {
	msg := &ErrorMessage{Code: CodeTimeout, Message: "query exceeded 30s"}
	if got := msg.Error(); got != "TIMEOUT: query exceeded 30s" {
		t.Errorf("Error() = %q", got)
	}
}
