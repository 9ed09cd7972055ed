package rpc

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/eth2ops/validator-supervisor/orchestrator"
)

// ErrBadRpcResponse is returned when a response frame doesn't match
// the request it's read for, or the connection closes mid-call.
var ErrBadRpcResponse = errors.New("rpc: bad response")

// RpcError wraps a JSON-RPC error response's message, so callers can
// distinguish "the daemon rejected the call" from a transport failure.
type RpcError struct {
	Message string
}

func (e *RpcError) Error() string { return fmt.Sprintf("rpc: %s", e.Message) }

// Conn is one authenticated connection to a Server. It is not safe
// for concurrent use: callers issue requests one at a time, exactly
// like the underlying newline-delimited wire protocol requires.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// Dial connects to a Server's Unix domain socket at socketPath. If
// tlsConfig is non-nil, the connection is TLS-wrapped.
func Dial(socketPath string, tlsConfig *tls.Config) (*Conn, error) {
	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("rpc: dialing %s: %w", socketPath, err)
	}
	c := raw
	var conn net.Conn = c
	if tlsConfig != nil {
		conn = tls.Client(c, tlsConfig)
	}
	return &Conn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineSize),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// Call issues one JSON-RPC method call and returns its result,
// or an *RpcError if the daemon returned an error response.
func (c *Conn) Call(method string, params interface{}) (interface{}, error) {
	req := NewRequest(method, params)
	data, err := req.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding request: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return nil, fmt.Errorf("rpc: writing request: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("rpc: writing request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("rpc: flushing request: %w", err)
	}

	var resp Response
	if err := c.readResponse(&resp); err != nil {
		return nil, err
	}
	if resp.ID == nil || *resp.ID != req.ID {
		return nil, fmt.Errorf("%w: id mismatch", ErrBadRpcResponse)
	}
	if resp.IsError {
		message, _ := resp.Result.(string)
		return nil, &RpcError{Message: message}
	}
	return resp.Result, nil
}

// readResponse reads and parses a single response line.
func (c *Conn) readResponse(resp *Response) error {
	line, err := c.reader.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return fmt.Errorf("%w: %v", ErrBadRpcResponse, err)
	}
	if jerr := json.Unmarshal(trimNewline(line), resp); jerr != nil {
		return fmt.Errorf("%w: %v", ErrBadRpcResponse, jerr)
	}
	return nil
}

// sendLine writes a raw line (no JSON framing), used for the
// begin_unlock/check_unlock password side-channel.
func (c *Conn) sendLine(line string) error {
	if _, err := c.writer.WriteString(strings.TrimRight(line, "\r\n")); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

// GetAuthChallenge requests a fresh auth challenge.
func (c *Conn) GetAuthChallenge() (string, error) {
	result, err := c.Call("get_auth_challenge", []interface{}{})
	if err != nil {
		return "", err
	}
	challenge, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("%w: get_auth_challenge result not a string", ErrBadRpcResponse)
	}
	return challenge, nil
}

// Auth proves knowledge of userKey for user against a fresh challenge
// and authenticates this connection.
func (c *Conn) Auth(user, userKey string) error {
	challenge, err := c.GetAuthChallenge()
	if err != nil {
		return err
	}
	response, err := authResponse(userKey, challenge)
	if err != nil {
		return err
	}
	_, err = c.Call("auth", []interface{}{user, response})
	return err
}

// GetHealth calls get_health.
func (c *Conn) GetHealth() (HealthStatus, error) {
	result, err := c.Call("get_health", []interface{}{})
	if err != nil {
		return HealthStatus{}, err
	}
	return decodeResult[HealthStatus](result)
}

// StartValidator calls start_validator.
func (c *Conn) StartValidator() (bool, error) {
	result, err := c.Call("start_validator", []interface{}{})
	if err != nil {
		return false, err
	}
	return asBool(result)
}

// StopValidator calls stop_validator.
func (c *Conn) StopValidator() (bool, error) {
	result, err := c.Call("stop_validator", []interface{}{})
	if err != nil {
		return false, err
	}
	return asBool(result)
}

// ConnectEth2Node calls connect, moving host:port to the front of the
// daemon's node preference order.
func (c *Conn) ConnectEth2Node(host string, port *int) error {
	params := []interface{}{host}
	if port != nil {
		params = append(params, *port)
	}
	_, err := c.Call("connect", params)
	return err
}

// SetValidatorRelease calls set_validator_release.
func (c *Conn) SetValidatorRelease(release orchestrator.ValidatorRelease) error {
	_, err := c.Call("set_validator_release", release)
	return err
}

// Unlock performs the two-phase begin_unlock/check_unlock exchange:
// it calls begin_unlock, sends password as a raw line rather than a
// JSON-RPC frame, then calls check_unlock to collect the result.
func (c *Conn) Unlock(password string) (bool, error) {
	result, err := c.Call("begin_unlock", []interface{}{})
	if err != nil {
		return false, err
	}
	if marker, _ := result.(string); marker != BeginUnlockResult {
		return false, fmt.Errorf("%w: unexpected begin_unlock result", ErrBadRpcResponse)
	}

	if err := c.sendLine(password); err != nil {
		return false, fmt.Errorf("rpc: sending password: %w", err)
	}

	result, err = c.Call("check_unlock", []interface{}{})
	if err != nil {
		return false, err
	}
	return asBool(result)
}

// Shutdown calls shutdown.
func (c *Conn) Shutdown() error {
	_, err := c.Call("shutdown", []interface{}{})
	return err
}

func asBool(result interface{}) (bool, error) {
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expected bool result", ErrBadRpcResponse)
	}
	return b, nil
}

func decodeResult[T any](result interface{}) (T, error) {
	var out T
	data, err := json.Marshal(result)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrBadRpcResponse, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrBadRpcResponse, err)
	}
	return out, nil
}
