package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"

	"github.com/eth2ops/validator-supervisor/orchestrator"
)

// unauthenticatedMethods may be called before auth succeeds.
var unauthenticatedMethods = map[string]bool{
	"get_auth_challenge": true,
	"auth":                true,
}

// Session is one connection's JSON-RPC state machine: Unauth until
// auth succeeds, then Authed, with a brief excursion into
// AwaitingPassword between begin_unlock and check_unlock during which
// the next inbound line is treated as raw password bytes rather than
// a JSON-RPC frame.
//
// Per spec.md §9's documented open question, a session that is
// AwaitingPassword treats its next line as the password
// unconditionally, even if that line happens to be a well-formed
// JSON-RPC frame. This is a deliberate contract with existing
// clients, not an oversight.
type Session struct {
	target   Target
	userKeys map[string]string
	handler  *sync.Mutex
	logger   hclog.Logger

	challenge        string
	user             string
	awaitingPassword bool
	passwordCaptured bool
	passwordInvalid  bool
	password         string
}

// NewSession returns a fresh, unauthenticated Session. handlerLock
// must be shared by every Session on the same Server: the server
// serializes all dispatched methods across every connection through
// it.
func NewSession(target Target, userKeys map[string]string, handlerLock *sync.Mutex, logger hclog.Logger) (*Session, error) {
	challenge, err := generateChallenge()
	if err != nil {
		return nil, err
	}
	return &Session{
		target:    target,
		userKeys:  userKeys,
		handler:   handlerLock,
		logger:    logger,
		challenge: challenge,
	}, nil
}

// HandleLine processes one inbound line. It returns the Response to
// write back, or ok=false if the line was consumed as password bytes
// and no reply is sent (the client's next frame is expected to be a
// check_unlock call).
func (s *Session) HandleLine(ctx context.Context, line []byte) (resp Response, ok bool) {
	if s.awaitingPassword {
		s.awaitingPassword = false
		trimmed := strings.TrimRight(string(line), "\r\n \t")
		if !utf8.ValidString(trimmed) {
			s.passwordInvalid = true
		} else {
			s.password = trimmed
			s.passwordCaptured = true
		}
		return Response{}, false
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("received malformed JSON-RPC request", "error", err)
		return ErrorResponse(nil, fmt.Sprintf("failed to parse request: %v", err)), true
	}

	return s.dispatch(ctx, req), true
}

func (s *Session) dispatch(ctx context.Context, req Request) Response {
	s.logger.Debug("received request", "method", req.Method, "id", req.ID)

	handler, known := methodHandlers[req.Method]
	if !known {
		s.logger.Error("unknown JSON-RPC command", "method", req.Method)
		return ErrorResponse(&req.ID, "Unknown JSON-RPC command")
	}

	if s.user == "" && !unauthenticatedMethods[req.Method] {
		return ErrorResponse(&req.ID, fmt.Sprintf("%s requires authentication", req.Method))
	}

	result, err := s.callHandler(ctx, handler, req.Params)
	if err != nil {
		s.logger.Warn("error handling request", "method", req.Method, "error", err)
		return ErrorResponse(&req.ID, err.Error())
	}
	return ResultResponse(req.ID, result)
}

// callHandler runs handler under the shared handler lock, recovering
// from a panic the way the original's catch-all exception handler
// converts any unexpected failure into a JSON-RPC error rather than
// crashing the daemon.
func (s *Session) callHandler(ctx context.Context, handler methodHandler, params interface{}) (result interface{}, err error) {
	s.handler.Lock()
	defer s.handler.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling request: %v", r)
		}
	}()
	return handler(ctx, s, params)
}

type methodHandler func(ctx context.Context, s *Session, params interface{}) (interface{}, error)

var methodHandlers = map[string]methodHandler{
	"get_auth_challenge":    (*Session).handleGetAuthChallenge,
	"auth":                  (*Session).handleAuth,
	"get_health":            (*Session).handleGetHealth,
	"start_validator":       (*Session).handleStartValidator,
	"stop_validator":        (*Session).handleStopValidator,
	"connect":               (*Session).handleConnect,
	"set_validator_release": (*Session).handleSetValidatorRelease,
	"begin_unlock":          (*Session).handleBeginUnlock,
	"check_unlock":          (*Session).handleCheckUnlock,
	"shutdown":              (*Session).handleShutdown,
}

func (s *Session) handleGetAuthChallenge(_ context.Context, _ interface{}) (interface{}, error) {
	return s.challenge, nil
}

func (s *Session) handleAuth(_ context.Context, params interface{}) (interface{}, error) {
	args, ok := asArray(params)
	if !ok || len(args) != 2 {
		return nil, fmt.Errorf("params must be an array [USER, AUTH_RESPONSE]")
	}
	user, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("user must be a string")
	}
	response, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("auth response must be a string")
	}

	userKey, known := s.userKeys[user]
	if !known {
		return nil, fmt.Errorf("user not found")
	}
	if !checkAuthResponse(userKey, s.challenge, response) {
		return nil, fmt.Errorf("denied")
	}

	s.user = user
	return "accepted", nil
}

func (s *Session) handleGetHealth(ctx context.Context, _ interface{}) (interface{}, error) {
	return s.target.GetHealth(ctx)
}

func (s *Session) handleStartValidator(ctx context.Context, _ interface{}) (interface{}, error) {
	return s.target.StartValidator(ctx)
}

func (s *Session) handleStopValidator(ctx context.Context, _ interface{}) (interface{}, error) {
	return s.target.StopValidator(ctx)
}

func (s *Session) handleConnect(ctx context.Context, params interface{}) (interface{}, error) {
	args, ok := asArray(params)
	if !ok || len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("params must be an array [HOST, [PORT]]")
	}
	host, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("host must be a string")
	}

	var port *int
	if len(args) == 2 {
		f, ok := args[1].(float64)
		if !ok {
			return nil, fmt.Errorf("port must be an int")
		}
		p := int(f)
		port = &p
	}

	if err := s.target.ConnectEth2Node(ctx, host, port); err != nil {
		return nil, err
	}
	return "OK", nil
}

func (s *Session) handleSetValidatorRelease(ctx context.Context, params interface{}) (interface{}, error) {
	obj, ok := params.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("params must be a JSON object")
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encoding params: %w", err)
	}
	var release orchestrator.ValidatorRelease
	if err := json.Unmarshal(data, &release); err != nil {
		return nil, fmt.Errorf("decoding validator release: %w", err)
	}

	return nil, s.target.SetValidatorRelease(ctx, release)
}

func (s *Session) handleBeginUnlock(_ context.Context, _ interface{}) (interface{}, error) {
	s.awaitingPassword = true
	return BeginUnlockResult, nil
}

func (s *Session) handleCheckUnlock(ctx context.Context, _ interface{}) (interface{}, error) {
	if s.passwordInvalid {
		s.passwordInvalid = false
		return nil, fmt.Errorf("password is not valid UTF-8")
	}
	if !s.passwordCaptured {
		return nil, fmt.Errorf("must first call begin_unlock")
	}
	password := s.password
	s.password = ""
	s.passwordCaptured = false

	return s.target.Unlock(ctx, password)
}

func (s *Session) handleShutdown(ctx context.Context, _ interface{}) (interface{}, error) {
	return nil, s.target.Shutdown(ctx)
}

func asArray(params interface{}) ([]interface{}, bool) {
	arr, ok := params.([]interface{})
	return arr, ok
}
