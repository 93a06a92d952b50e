// Package protocol defines the JSON-lines protocol spoken between the
// engine and the management agent running inside each workload container.
//
// The agent announces itself with READY, then answers every CMD with zero
// or more EVENT messages followed by exactly one DONE or ERROR. EXIT is sent
// once before the agent terminates.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol revision spoken by this build.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypePing checks that the agent is responsive
	CommandTypePing CommandType = "ping"
	// CommandTypeExec runs a shell command line
	CommandTypeExec CommandType = "exec"
	// CommandTypeFileWrite writes content to a file
	CommandTypeFileWrite CommandType = "file.write"
	// CommandTypeFileRead reads content from a file
	CommandTypeFileRead CommandType = "file.read"
	// CommandTypeShutdown asks the agent to exit
	CommandTypeShutdown CommandType = "shutdown"
)

// Error codes reported in ERROR messages.
const (
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeExecFailed     = "EXEC_FAILED"
	CodeFileError      = "FILE_ERROR"
	CodeTimeout        = "TIMEOUT"
)

// Message is the envelope for every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the agent is ready to receive commands.
type ReadyMessage struct {
	AgentID  string          `json:"agent_id"`
	Version  string          `json:"version"`
	Platform string          `json:"platform"`
	Arch     string          `json:"arch"`
	PID      int             `json:"pid"`
	Caps     map[string]bool `json:"capabilities"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params,omitempty"`
}

// EventMessage reports progress while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage indicates the command completed. A non-zero exit code of an
// exec command is still a completed command.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates the agent could not carry out a command.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// ExecParams contains parameters for shell command execution.
type ExecParams struct {
	Command string            `json:"command"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Shell   string            `json:"shell,omitempty"` // defaults to /bin/sh
}

// ExecResult contains the result of command execution.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration"`
}

// Encoding names accepted for file content.
const (
	EncodingText   = ""
	EncodingBase64 = "base64"
)

// FileWriteParams contains parameters for writing a file.
type FileWriteParams struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Mode     string `json:"mode,omitempty"` // e.g. "0644"
	MkdirAll bool   `json:"mkdir_all,omitempty"`
}

// FileWriteResult contains the result of a file write.
type FileWriteResult struct {
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
	Checksum     string `json:"checksum"` // SHA256
}

// FileReadParams contains parameters for reading a file.
type FileReadParams struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// FileReadResult contains the result of a file read. Content is always
// base64 encoded.
type FileReadResult struct {
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Mode      string `json:"mode"`
	Checksum  string `json:"checksum"`
	Truncated bool   `json:"truncated"`
}

// PingResult answers a ping command.
type PingResult struct {
	AgentID string `json:"agent_id"`
	Uptime  int64  `json:"uptime"` // seconds
}

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
	case CommandTypePing, CommandTypeExec, CommandTypeFileWrite,
		CommandTypeFileRead, CommandTypeShutdown:
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
	if len(cmd.Params) == 0 && cmd.Type != CommandTypePing && cmd.Type != CommandTypeShutdown {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
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
