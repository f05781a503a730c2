package mcpd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion specifies the JSON-RPC protocol version used for all
// messages.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes, plus the protocol-specific codes used by
// this server.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeRequestCancelled is reported when a request is cancelled before its
	// handler completes, either by a notifications/cancelled message or by the
	// transport disconnecting.
	CodeRequestCancelled = -32800

	// CodeNotInitialized is reported for requests received before the
	// initialize/initialized handshake completed.
	CodeNotInitialized = -32002
)

// RequestID identifies a JSON-RPC request. The protocol allows string or
// integer ids on the wire; both forms are preserved so a parsed message
// serializes back to its original representation. The zero value marshals as
// JSON null, which is only valid on error responses whose originating id
// could not be determined.
type RequestID struct {
	value  string
	number bool
	valid  bool
}

// StringID returns a RequestID carrying the given string value.
func StringID(s string) RequestID {
	return RequestID{value: s, valid: true}
}

// IntID returns a RequestID carrying the given integer value.
func IntID(n int64) RequestID {
	return RequestID{value: strconv.FormatInt(n, 10), number: true, valid: true}
}

// String returns the id's value in string form. Integer ids are rendered in
// decimal.
func (id RequestID) String() string { return id.value }

// IsNull reports whether the id is the null id.
func (id RequestID) IsNull() bool { return !id.valid }

// keyForm renders the id with its wire kind preserved, so the integer id 1
// and the string id "1" stay distinct when used as map keys.
func (id RequestID) keyForm() string {
	if id.number {
		return id.value
	}
	return strconv.Quote(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. A request id must be a string or
// an integer; fractional numbers, booleans, arrays and objects are rejected.
// JSON null unmarshals to the null id, which callers must reject on requests.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty request id")
	}

	if string(data) == "null" {
		*id = RequestID{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID{value: s, valid: true}
		return nil
	}

	// Anything else must be an integer literal. Parsing the raw token keeps
	// fractional values like 1.5 (or 1.0) out.
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("request id must be a string or an integer, got %s", data)
	}
	*id = IntID(n)
	return nil
}

// MarshalJSON implements json.Marshaler, emitting the id in its original wire
// form.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	if id.number {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

// Message represents a JSON-RPC 2.0 message: a request (ID and Method set), a
// notification (Method set, no ID) or a response (ID and exactly one of
// Result or Error set).
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs. Nil on notifications.
	ID *RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the method parameters as a raw JSON object.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response payload.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object. It satisfies the error
// interface so handlers can return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the message is a request: it carries an id and a
// method.
func (m Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsNotification reports whether the message is a notification: it carries a
// method but no id.
func (m Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsResponse reports whether the message is a response: it carries a result
// or an error and no method.
func (m Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// ParseMessage parses raw bytes into a request or notification. Validation
// proceeds in a fixed order: JSON syntax, top-level object shape, the
// "jsonrpc":"2.0" literal, then field types. Failures return an *Error with
// CodeParseError or CodeInvalidRequest that can be converted into an error
// response even when the message's own id could not be determined.
func ParseMessage(data []byte) (Message, error) {
	raw, err := parseEnvelope(data)
	if err != nil {
		return Message{}, err
	}

	var msg Message

	if idRaw, ok := raw["id"]; ok {
		var id RequestID
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return Message{}, &Error{Code: CodeInvalidRequest, Message: err.Error()}
		}
		if id.IsNull() {
			return Message{}, &Error{Code: CodeInvalidRequest, Message: "request id must not be null"}
		}
		msg.ID = &id
	}

	methodRaw, ok := raw["method"]
	if !ok {
		if _, isResp := raw["result"]; isResp {
			return Message{}, &Error{Code: CodeInvalidRequest, Message: "response received where a request was expected"}
		}
		if _, isResp := raw["error"]; isResp {
			return Message{}, &Error{Code: CodeInvalidRequest, Message: "response received where a request was expected"}
		}
		return Message{}, &Error{Code: CodeInvalidRequest, Message: "missing method"}
	}
	if err := json.Unmarshal(methodRaw, &msg.Method); err != nil || msg.Method == "" {
		return Message{}, &Error{Code: CodeInvalidRequest, Message: "method must be a non-empty string"}
	}

	if paramsRaw, ok := raw["params"]; ok {
		trimmed := bytes.TrimSpace(paramsRaw)
		if string(trimmed) != "null" {
			if len(trimmed) == 0 || trimmed[0] != '{' {
				return Message{}, &Error{Code: CodeInvalidRequest, Message: "params must be an object"}
			}
			msg.Params = json.RawMessage(trimmed)
		}
	}

	msg.JSONRPC = JSONRPCVersion
	return msg, nil
}

// ParseResponse parses raw bytes into a response message. Unlike requests, a
// response id may be null when it pairs with an error whose originating
// request could not be identified.
func ParseResponse(data []byte) (Message, error) {
	raw, err := parseEnvelope(data)
	if err != nil {
		return Message{}, err
	}

	var msg Message
	msg.JSONRPC = JSONRPCVersion

	idRaw, ok := raw["id"]
	if !ok {
		return Message{}, &Error{Code: CodeInvalidRequest, Message: "response is missing id"}
	}
	var id RequestID
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return Message{}, &Error{Code: CodeInvalidRequest, Message: err.Error()}
	}
	msg.ID = &id

	resultRaw, hasResult := raw["result"]
	errorRaw, hasError := raw["error"]
	if hasResult == hasError {
		return Message{}, &Error{Code: CodeInvalidRequest, Message: "response must carry exactly one of result or error"}
	}
	if hasResult {
		msg.Result = json.RawMessage(resultRaw)
		return msg, nil
	}

	var rpcErr Error
	if err := json.Unmarshal(errorRaw, &rpcErr); err != nil {
		return Message{}, &Error{Code: CodeInvalidRequest, Message: "malformed error object"}
	}
	if id.IsNull() {
		// A null id is only addressable for error responses.
		msg.ID = &RequestID{}
	}
	msg.Error = &rpcErr
	return msg, nil
}

func parseEnvelope(data []byte) (map[string]json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, &Error{Code: CodeParseError, Message: "invalid json"}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &Error{Code: CodeInvalidRequest, Message: "message must be a json object"}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "invalid json"}
	}

	versionRaw, ok := raw["jsonrpc"]
	if !ok {
		return nil, &Error{Code: CodeInvalidRequest, Message: "missing jsonrpc version"}
	}
	var version string
	if err := json.Unmarshal(versionRaw, &version); err != nil || version != JSONRPCVersion {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("jsonrpc version must be %q", JSONRPCVersion)}
	}

	return raw, nil
}

// NewResponse builds a success response for the given request id. The result
// is marshaled eagerly so handler serialization failures surface as internal
// errors instead of corrupting the wire.
func NewResponse(id *RequestID, result any) Message {
	resultBs, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, &Error{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("failed to marshal result: %s", err),
		})
	}
	return Message{JSONRPC: JSONRPCVersion, ID: id, Result: resultBs}
}

// NewErrorResponse builds an error response. A nil id yields the JSON null id
// used for errors whose originating request could not be determined.
func NewErrorResponse(id *RequestID, rpcErr *Error) Message {
	if id == nil {
		id = &RequestID{}
	}
	return Message{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

// NewNotification builds a notification message. A nil params produces a
// parameterless notification.
func NewNotification(method string, params any) (Message, error) {
	msg := Message{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}

// asError coerces any handler failure into a JSON-RPC error object,
// defaulting to an internal error for plain Go errors.
func asError(err error) *Error {
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	var capErr *CapabilityError
	if ok := asCapabilityError(err, &capErr); ok {
		return &Error{Code: CodeMethodNotFound, Message: capErr.Error()}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
