package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultHandlerTimeout bounds a single handler invocation. Handlers that
// outlive it see their context cancelled; the caller gets internal_error
// only if the handler surfaces the cancellation.
const DefaultHandlerTimeout = 30 * time.Second

// Caller identifies the connection a frame arrived on. Session is resolved
// per dispatched element so a batch that authenticates in element one is
// authenticated for element two.
type Caller struct {
	ConnID  string
	Session func() Session
}

// Stats is a snapshot of dispatcher counters. ErrorsByCode is keyed by
// the decimal JSON-RPC code ("-32601", "-32001", ...).
type Stats struct {
	RequestsProcessed     uint64            `json:"requests_processed"`
	NotificationsReceived uint64            `json:"notifications_received"`
	Errors                uint64            `json:"errors"`
	BatchesProcessed      uint64            `json:"batches_processed"`
	RegisteredMethods     int               `json:"registered_methods"`
	ErrorsByCode          map[string]uint64 `json:"errors_by_code,omitempty"`
}

// Dispatcher parses frames, enforces the envelope rules, gates on auth,
// permissions, and rate limits, and invokes registered handlers.
type Dispatcher struct {
	registry       *Registry
	logger         *zap.Logger
	handlerTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]map[string]*rate.Limiter // conn id -> method -> bucket

	requests      atomic.Uint64
	notifications atomic.Uint64
	errs          atomic.Uint64
	batches       atomic.Uint64

	errMu      sync.Mutex
	errsByCode map[int]uint64
}

// NewDispatcher wires a dispatcher to a registry.
func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:       registry,
		logger:         logger,
		handlerTimeout: DefaultHandlerTimeout,
		limiters:       make(map[string]map[string]*rate.Limiter),
		errsByCode:     make(map[int]uint64),
	}
}

// countError tallies one failed dispatch under its JSON-RPC code.
func (d *Dispatcher) countError(code int) {
	d.errs.Add(1)
	d.errMu.Lock()
	d.errsByCode[code]++
	d.errMu.Unlock()
}

// HandleMessage processes one inbound frame and returns the serialized
// reply, or nil when the frame was a notification (or a batch of only
// notifications) and no reply is owed.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte, caller Caller) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		d.countError(CodeParseError)
		return d.marshal(NewErrorResponse(nil, ParseError("empty frame")))
	}

	if trimmed[0] == '[' {
		return d.handleBatch(ctx, trimmed, caller)
	}

	resp := d.dispatchOne(ctx, trimmed, caller)
	if resp == nil {
		return nil
	}
	return d.marshal(resp)
}

func (d *Dispatcher) handleBatch(ctx context.Context, raw []byte, caller Caller) []byte {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		d.countError(CodeParseError)
		return d.marshal(NewErrorResponse(nil, ParseError("malformed batch")))
	}
	if len(elems) == 0 {
		d.countError(CodeInvalidRequest)
		return d.marshal(NewErrorResponse(nil, InvalidRequest("Invalid batch: empty array")))
	}
	d.batches.Add(1)

	responses := make([]any, 0, len(elems))
	for _, el := range elems {
		if resp := d.dispatchOne(ctx, el, caller); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	return d.marshal(responses)
}

// dispatchOne validates and executes a single envelope, returning the reply
// object or nil for notifications.
func (d *Dispatcher) dispatchOne(ctx context.Context, raw []byte, caller Caller) any {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			d.countError(CodeParseError)
			return NewErrorResponse(nil, ParseError(err.Error()))
		}
		d.countError(CodeInvalidRequest)
		return NewErrorResponse(nil, InvalidRequest("Invalid request"))
	}

	if req.JSONRPC != Version {
		return d.fail(&req, InvalidRequest("Invalid jsonrpc version"))
	}
	if req.Method == "" {
		return d.fail(&req, InvalidRequest("Missing method"))
	}

	if req.IsNotification() {
		d.notifications.Add(1)
	} else {
		d.requests.Add(1)
	}

	method, ok := d.registry.Lookup(req.Method)
	if !ok {
		return d.fail(&req, MethodNotFound(req.Method))
	}

	if !d.allow(caller.ConnID, method) {
		return d.fail(&req, RateLimited(req.Method))
	}

	session := caller.Session()
	if method.AuthRequired && (session == nil || !session.IsAuthenticated()) {
		return d.fail(&req, AuthRequired())
	}
	for _, perm := range method.Permissions {
		if session == nil || !session.HasPermission(perm) {
			return d.fail(&req, PermissionDenied(perm))
		}
	}

	if rpcErr := checkParamsShape(&req); rpcErr != nil {
		return d.fail(&req, rpcErr)
	}

	call := &Call{
		Method:  req.Method,
		Params:  req.Params,
		ConnID:  caller.ConnID,
		Session: session,
	}
	result, err := d.invoke(ctx, method, call)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			d.logger.Error("method failed",
				zap.String("method", req.Method),
				zap.String("connection_id", caller.ConnID),
				zap.Error(err))
			rpcErr = InternalError()
		}
		return d.fail(&req, rpcErr)
	}

	if req.IsNotification() {
		return nil
	}
	return NewResponse(req.ID, result)
}

// checkParamsShape enforces the by-name convention: params must be absent,
// null, or an object. Positional arrays are rejected outright.
func checkParamsShape(req *Request) *Error {
	p := bytes.TrimSpace(req.Params)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	switch p[0] {
	case '{':
		return nil
	case '[':
		return InvalidParams("Named parameters required")
	default:
		return InvalidParams("Params must be an object")
	}
}

// invoke runs the handler under the per-call deadline, converting panics
// into internal errors so one bad handler cannot take the connection down.
func (d *Dispatcher) invoke(ctx context.Context, m *Method, call *Call) (result any, err error) {
	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("method", m.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result, err = nil, InternalError()
		}
	}()
	return m.Handler(hctx, call)
}

// fail counts the error and builds the reply, or swallows it for
// notifications, which never get responses even on failure.
func (d *Dispatcher) fail(req *Request, rpcErr *Error) any {
	d.countError(rpcErr.Code)
	if req.IsNotification() {
		d.logger.Debug("notification failed",
			zap.String("method", req.Method),
			zap.Int("code", rpcErr.Code),
			zap.String("message", rpcErr.Message))
		return nil
	}
	return NewErrorResponse(req.ID, rpcErr)
}

func (d *Dispatcher) allow(connID string, m *Method) bool {
	if m.RateLimit <= 0 {
		return true
	}
	d.mu.Lock()
	byMethod, ok := d.limiters[connID]
	if !ok {
		byMethod = make(map[string]*rate.Limiter)
		d.limiters[connID] = byMethod
	}
	lim, ok := byMethod[m.Name]
	if !ok {
		burst := m.RateBurst
		if burst <= 0 {
			burst = int(math.Ceil(m.RateLimit))
			if burst < 1 {
				burst = 1
			}
		}
		lim = rate.NewLimiter(rate.Limit(m.RateLimit), burst)
		byMethod[m.Name] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

// DropConnection forgets per-connection limiter state. The gateway calls
// this from its disconnect cleanup.
func (d *Dispatcher) DropConnection(connID string) {
	d.mu.Lock()
	delete(d.limiters, connID)
	d.mu.Unlock()
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		RequestsProcessed:     d.requests.Load(),
		NotificationsReceived: d.notifications.Load(),
		Errors:                d.errs.Load(),
		BatchesProcessed:      d.batches.Load(),
		RegisteredMethods:     d.registry.Len(),
	}
	d.errMu.Lock()
	if len(d.errsByCode) > 0 {
		s.ErrorsByCode = make(map[string]uint64, len(d.errsByCode))
		for code, n := range d.errsByCode {
			s.ErrorsByCode[strconv.Itoa(code)] = n
		}
	}
	d.errMu.Unlock()
	return s
}

// marshal serializes a reply. A reply that cannot be serialized is a
// programming error in a handler's result type; the client still gets a
// well-formed internal_error rather than silence.
func (d *Dispatcher) marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("response marshal failed", zap.Error(err))
		fallback, _ := json.Marshal(NewErrorResponse(nil, InternalError()))
		return fallback
	}
	return data
}
