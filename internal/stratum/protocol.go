package stratum

import (
	"encoding/json"
	"fmt"
)

// Message represents a stratum JSON-RPC message
type Message struct {
	ID      any             `json:"id"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a stratum error. On the wire it is the tuple
// [code, message] or [code, message, data].
type Error struct {
	Code    int
	Message string
	Data    any
}

// Common stratum error codes
const (
	ErrOther          = 20
	ErrJobNotFound    = 21
	ErrDuplicateShare = 22
	ErrLowDifficulty  = 23
	ErrUnauthorized   = 24
	ErrNotLoggedIn    = 25
)

// NewError creates a stratum error
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes the error as its wire tuple
func (e *Error) MarshalJSON() ([]byte, error) {
	if e.Data != nil {
		return json.Marshal([]any{e.Code, e.Message, e.Data})
	}
	return json.Marshal([]any{e.Code, e.Message})
}

// UnmarshalJSON decodes either the wire tuple or an object form
func (e *Error) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err == nil {
		if len(tuple) < 2 {
			return fmt.Errorf("error tuple needs code and message")
		}
		if err := json.Unmarshal(tuple[0], &e.Code); err != nil {
			return err
		}
		if err := json.Unmarshal(tuple[1], &e.Message); err != nil {
			return err
		}
		if len(tuple) > 2 {
			return json.Unmarshal(tuple[2], &e.Data)
		}
		return nil
	}

	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Code, e.Message, e.Data = obj.Code, obj.Message, obj.Data
	return nil
}

// LoginParams are the parameters of the login method
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent,omitempty"`
}

// SubmitParams are the parameters of the submit method. Nonce carries the
// miner's extranonce2; Result is the pow hash the miner computed.
type SubmitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// JobNotice describes one mining job as pushed to a miner.
type JobNotice struct {
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
}

// LoginResult is the result of a successful login
type LoginResult struct {
	ID     string     `json:"id"`
	Job    *JobNotice `json:"job"`
	Status string     `json:"status"`
}

// StatusResult acknowledges an accepted submit or keepalive
type StatusResult struct {
	Status string `json:"status"`
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// ParseLoginParams parses login parameters
func ParseLoginParams(raw json.RawMessage) (*LoginParams, error) {
	var p LoginParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed login params: %w", err)
	}
	if p.Login == "" {
		return nil, fmt.Errorf("login must not be empty")
	}
	return &p, nil
}

// ParseSubmitParams parses submit parameters
func ParseSubmitParams(raw json.RawMessage) (*SubmitParams, error) {
	var p SubmitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed submit params: %w", err)
	}
	if p.JobID == "" {
		return nil, fmt.Errorf("job_id must not be empty")
	}
	return &p, nil
}

// NewResponse creates a response message
func NewResponse(id any, result any) *Message {
	return &Message{ID: id, JSONRPC: "2.0", Result: result}
}

// NewErrorResponse creates an error response message
func NewErrorResponse(id any, err *Error) *Message {
	return &Message{ID: id, JSONRPC: "2.0", Error: err}
}

// NewJobNotification creates a job push notification
func NewJobNotification(job *JobNotice) *Message {
	params, _ := json.Marshal(job)
	return &Message{JSONRPC: "2.0", Method: "job", Params: params}
}
