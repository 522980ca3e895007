// ABOUTME: JSON-RPC 2.0 envelope types and codec for the gateway wire protocol.
// ABOUTME: Decodes, validates, and serializes request/response/notification envelopes.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol tag every envelope must carry.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server-defined error codes (reserved implementation range).
const (
	CodeNotFound       = -32001
	CodeUnauthorized   = -32002
	CodeForbidden      = -32003
	CodeRateLimited    = -32004
	CodeNotInitialized = -32005
)

// Codec errors.
var (
	ErrMalformed      = errors.New("malformed envelope")
	ErrBadVersion     = errors.New("unsupported protocol version")
	ErrMissingMethod  = errors.New("missing method")
	ErrInvalidID      = errors.New("invalid envelope id")
	ErrNotARequest    = errors.New("envelope is not a request")
	ErrOversizedFrame = errors.New("frame exceeds size limit")
)

// Kind identifies the shape of a decoded envelope.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is the wire message unit. Exactly one of the shapes is populated:
// a Request carries ID+Method, a Notification carries Method without ID, a
// Result carries ID+Result, and an Error carries Error (ID may be null).
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of an error envelope.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind classifies a decoded envelope.
func (e *Envelope) Kind() Kind {
	switch {
	case e.Error != nil:
		return KindError
	case e.Method != "" && e.hasID():
		return KindRequest
	case e.Method != "":
		return KindNotification
	default:
		return KindResult
	}
}

// hasID reports whether the envelope carries a non-null id.
func (e *Envelope) hasID() bool {
	return len(e.ID) > 0 && string(e.ID) != "null"
}

// IsRequest reports whether the envelope expects a Result or Error reply.
func (e *Envelope) IsRequest() bool {
	return e.Kind() == KindRequest
}

// Decode parses and validates a raw frame into an Envelope.
// A validation failure returns ErrMalformed-wrapped errors; the caller
// decides whether a ParseError response can be sent (session exists) or
// the connection must be dropped.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks envelope shape invariants: protocol tag, method presence
// for requests/notifications, and id form.
func (e *Envelope) Validate() error {
	if e.JSONRPC != Version {
		return fmt.Errorf("%w: %q", ErrBadVersion, e.JSONRPC)
	}
	switch e.Kind() {
	case KindRequest, KindNotification:
		if e.Method == "" {
			return ErrMissingMethod
		}
		// id, when present, must be a string or number per spec
		if e.hasID() {
			if err := validateID(e.ID); err != nil {
				return err
			}
		}
	case KindResult, KindError:
		// Results require an id; errors may carry null for unanswerable input.
		if e.Kind() == KindResult && !e.hasID() {
			return fmt.Errorf("%w: result without id", ErrMalformed)
		}
	}
	return nil
}

// validateID rejects structured (object/array) ids.
func validateID(id json.RawMessage) error {
	switch id[0] {
	case '{', '[':
		return ErrInvalidID
	}
	return nil
}

// Encode serializes an envelope (or any response value) to its wire form.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// NewResult builds a Result envelope for the given request id.
func NewResult(id json.RawMessage, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an Error envelope. id may be nil for errors that cannot
// be correlated to a request (e.g. parse failures).
func NewError(id json.RawMessage, code int, message string, data any) *Envelope {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Envelope{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}

// NewErrorObject builds a bare error object for handlers that need to
// surface a specific code through an error return.
func NewErrorObject(code int, message string) *ErrorObject {
	return &ErrorObject{Code: code, Message: message}
}

// NewNotification builds a Notification envelope (no id, no reply expected).
func NewNotification(method string, params any) (*Envelope, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		raw = data
	}
	return &Envelope{JSONRPC: Version, Method: method, Params: raw}, nil
}
