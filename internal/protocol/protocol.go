// Package protocol defines the JSON frames exchanged between terminal
// clients and the gateway.
//
// Every frame is an [Envelope]. Client requests carry an optional ack id;
// the gateway answers each acknowledged request with exactly one "ack" or
// "error" frame carrying the same id. Output, exit and recoverable-session
// notifications are pushed without an ack id.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client → server events.
const (
	EventHandshake      = "handshake"
	EventTerminalCreate = "terminal:create"
	EventTerminalInput  = "terminal:input"
	EventTerminalResize = "terminal:resize"
	EventTerminalKill   = "terminal:kill"
	EventSessionRecover = "session:recover"
	EventHeartbeat      = "heartbeat"
)

// Server → client events.
const (
	EventAck                = "ack"
	EventError              = "error"
	EventTerminalOutput     = "terminal:output"
	EventTerminalExit       = "terminal:exit"
	EventSessionRecoverable = "session:recoverable"
)

// Limits enforced during validation.
const (
	MaxFrameSize = 256 * 1024
	MaxInputSize = 64 * 1024
	MaxCols      = 500
	MaxRows      = 200
	maxIDLen     = 128
	maxPathLen   = 4096
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckID returns the ack id and whether one was present.
func (e Envelope) AckID() (int64, bool) {
	if e.Ack == nil {
		return 0, false
	}
	return *e.Ack, true
}

// Request payloads.

type HandshakeAuth struct {
	Token string `json:"token"`
}

type Handshake struct {
	Auth HandshakeAuth `json:"auth"`
}

type CreateRequest struct {
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	ProjectID string `json:"projectId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Shell     string `json:"shell,omitempty"`
}

type InputRequest struct {
	TerminalID string `json:"terminalId"`
	Input      string `json:"input"`
}

type ResizeRequest struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type KillRequest struct {
	TerminalID string `json:"terminalId"`
}

type RecoverRequest struct {
	TerminalID string `json:"terminalId"`
}

type HeartbeatRequest struct{}

// Response and push payloads.

type CreateResult struct {
	TerminalID string `json:"terminalId"`
}

type SuccessResult struct {
	Success bool `json:"success"`
}

type HandshakeResult struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
}

type HeartbeatResult struct {
	Timestamp int64 `json:"timestamp"`
}

type Output struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type Exit struct {
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

type RecoverableSession struct {
	ID           string `json:"id"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
}

type Recoverable struct {
	Sessions []RecoverableSession `json:"sessions"`
}

// Decode parses one frame and its typed payload. The returned request is
// one of the *Request types above (or *Handshake) and has been validated.
// The envelope is returned even when payload decoding fails, so the caller
// can address the error to the request's ack id.
func Decode(raw []byte) (Envelope, interface{}, error) {
	var env Envelope
	if len(raw) > MaxFrameSize {
		return env, nil, Errorf(CodeBadRequest, "frame exceeds %d bytes", MaxFrameSize)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, Errorf(CodeBadRequest, "malformed frame: %v", err)
	}

	var req interface {
		Validate() error
	}
	switch env.Event {
	case EventHandshake:
		req = &Handshake{}
	case EventTerminalCreate:
		req = &CreateRequest{}
	case EventTerminalInput:
		req = &InputRequest{}
	case EventTerminalResize:
		req = &ResizeRequest{}
	case EventTerminalKill:
		req = &KillRequest{}
	case EventSessionRecover:
		req = &RecoverRequest{}
	case EventHeartbeat:
		req = &HeartbeatRequest{}
	case "":
		return env, nil, Errorf(CodeBadRequest, "missing event")
	default:
		return env, nil, Errorf(CodeBadRequest, "unknown event %q", truncate(env.Event, 64))
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, req); err != nil {
			return env, nil, Errorf(CodeBadRequest, "invalid %s payload: %v", env.Event, err)
		}
	}
	if err := req.Validate(); err != nil {
		return env, nil, err
	}
	return env, req, nil
}

func (h *Handshake) Validate() error { return nil }

func (r *HeartbeatRequest) Validate() error { return nil }

func (r *CreateRequest) Validate() error {
	if r.Cols < 0 || r.Rows < 0 {
		return Errorf(CodeBadRequest, "cols and rows must not be negative")
	}
	if r.Cols > MaxCols || r.Rows > MaxRows {
		return Errorf(CodeBadRequest, "size %dx%d exceeds %dx%d", r.Cols, r.Rows, MaxCols, MaxRows)
	}
	if len(r.ProjectID) > maxIDLen {
		return Errorf(CodeBadRequest, "projectId too long")
	}
	if len(r.Cwd) > maxPathLen || strings.ContainsRune(r.Cwd, 0) {
		return Errorf(CodeBadRequest, "invalid cwd")
	}
	if len(r.Shell) > maxPathLen || strings.ContainsRune(r.Shell, 0) {
		return Errorf(CodeBadRequest, "invalid shell")
	}
	return nil
}

func (r *InputRequest) Validate() error {
	if err := validateID(r.TerminalID); err != nil {
		return err
	}
	if len(r.Input) > MaxInputSize {
		return Errorf(CodeBadRequest, "input exceeds %d bytes", MaxInputSize)
	}
	return nil
}

func (r *ResizeRequest) Validate() error {
	if err := validateID(r.TerminalID); err != nil {
		return err
	}
	if r.Cols < 1 || r.Rows < 1 {
		return Errorf(CodeBadRequest, "cols and rows must be positive")
	}
	return nil
}

func (r *KillRequest) Validate() error { return validateID(r.TerminalID) }

func (r *RecoverRequest) Validate() error { return validateID(r.TerminalID) }

func validateID(id string) error {
	if id == "" {
		return Errorf(CodeBadRequest, "terminalId is required")
	}
	if len(id) > maxIDLen {
		return Errorf(CodeBadRequest, "terminalId too long")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Encode builds a frame. A nil ack omits the ack id.
func Encode(event string, ack *int64, data interface{}) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// AckFrame answers request ack with data.
func AckFrame(ack int64, data interface{}) ([]byte, error) {
	return Encode(EventAck, &ack, data)
}

// ErrorFrame reports err for the request with the given ack id (nil for
// unsolicited errors). Errors that are not *Error are reported as
// BadRequest.
func ErrorFrame(ack *int64, err error) ([]byte, error) {
	var pe *Error
	if !errors.As(err, &pe) {
		pe = &Error{Code: CodeBadRequest, Message: err.Error()}
	}
	return Encode(EventError, ack, pe)
}

// ParseServerFrame decodes a frame sent by the gateway. Data is left raw;
// use DecodeData for the typed payload.
func ParseServerFrame(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return env, errors.New("decode frame: missing event")
	}
	return env, nil
}

// DecodeData unmarshals an envelope payload into v.
func DecodeData(env Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return nil
}
