// Package rpc implements the daemon's control protocol: newline-
// delimited JSON-RPC 2.0 over a local stream socket, with
// per-connection challenge/response authentication and an
// out-of-band password side-channel for unlocking the key vault.
package rpc

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// idLimit bounds the random, non-negative call IDs this
// implementation generates, matching the original's ID_LIMIT.
const idLimit = 10000

// BeginUnlockResult is the sentinel result begin_unlock returns,
// signaling the client that the next line it sends must be the raw
// password bytes, not a JSON-RPC request.
const BeginUnlockResult = "ENTER PASSPHRASE"

// ErrMalformedJsonRpc is returned when a frame doesn't parse as a
// JSON-RPC 2.0 request or response.
var ErrMalformedJsonRpc = errors.New("rpc: malformed JSON-RPC message")

// Request is a JSON-RPC 2.0 request.
type Request struct {
	Method string      `json:"method"`
	ID     int         `json:"id"`
	Params interface{} `json:"params"`
}

// wireRequest is Request's on-the-wire shape, with the jsonrpc
// version tag.
type wireRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	ID      *int        `json:"id"`
	Params  interface{} `json:"params"`
}

// NewRequest returns a Request with a fresh random ID.
func NewRequest(method string, params interface{}) Request {
	if params == nil {
		params = []interface{}{}
	}
	return Request{Method: method, ID: generateCallID(), Params: params}
}

// MarshalJSON implements json.Marshaler.
func (r Request) MarshalJSON() ([]byte, error) {
	id := r.ID
	return json.Marshal(wireRequest{JSONRPC: "2.0", Method: r.Method, ID: &id, Params: r.Params})
}

// UnmarshalJSON implements json.Unmarshaler, rejecting anything that
// isn't a well-formed JSON-RPC 2.0 request.
func (r *Request) UnmarshalJSON(data []byte) error {
	var wire wireRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJsonRpc, err)
	}
	if wire.JSONRPC != "2.0" || wire.Method == "" || wire.ID == nil || wire.Params == nil {
		return fmt.Errorf("%w: missing jsonrpc/method/id/params", ErrMalformedJsonRpc)
	}
	r.Method = wire.Method
	r.ID = *wire.ID
	r.Params = wire.Params
	return nil
}

// Response is a JSON-RPC 2.0 response: either a result or an error,
// never both.
type Response struct {
	ID      *int
	Result  interface{}
	IsError bool
}

type wireResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int        `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.IsError {
		return json.Marshal(wireResponse{JSONRPC: "2.0", ID: r.ID, Error: r.Result})
	}
	// A success response always carries a "result" member, even when
	// the result is null.
	return json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      *int        `json:"id"`
		Result  interface{} `json:"result"`
	}{JSONRPC: "2.0", ID: r.ID, Result: r.Result})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJsonRpc, err)
	}
	if raw["jsonrpc"] != "2.0" {
		return fmt.Errorf("%w: missing jsonrpc version", ErrMalformedJsonRpc)
	}

	idVal, hasID := raw["id"]
	if !hasID {
		return fmt.Errorf("%w: missing id", ErrMalformedJsonRpc)
	}
	if idVal != nil {
		f, ok := idVal.(float64)
		if !ok {
			return fmt.Errorf("%w: id must be an integer or null", ErrMalformedJsonRpc)
		}
		id := int(f)
		r.ID = &id
	}

	_, hasResult := raw["result"]
	_, hasError := raw["error"]
	switch {
	case hasResult && !hasError:
		r.Result = raw["result"]
		r.IsError = false
	case hasError && !hasResult:
		r.Result = raw["error"]
		r.IsError = true
	default:
		return fmt.Errorf("%w: must have exactly one of result/error", ErrMalformedJsonRpc)
	}
	return nil
}

// ResultResponse builds a successful Response.
func ResultResponse(id int, result interface{}) Response {
	return Response{ID: &id, Result: result}
}

// ErrorResponse builds a failed Response. id is nil when the
// triggering request couldn't even be parsed far enough to read one.
func ErrorResponse(id *int, message string) Response {
	return Response{ID: id, Result: message, IsError: true}
}

func generateCallID() int {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint32(buf[:]) % idLimit)
}
