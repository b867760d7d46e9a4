package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/protocol"
)

// callTimeout bounds one request/response round trip. The gateway's
// handler deadline is 30 s; anything slower than this is treated as a
// dead session.
const callTimeout = 10 * time.Second

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// notifyFunc receives server-initiated notifications off the read loop.
type notifyFunc func(method string, params json.RawMessage)

// session is one live JSON-RPC conversation over a WebSocket. It
// correlates request/response pairs by id and hands notifications to
// the callback. A session dies with its socket; the client builds a
// fresh one per connect.
type session struct {
	ws     *websocket.Conn
	notify notifyFunc
	logger *zap.Logger

	// writeMu serializes WriteMessage calls; gorilla permits only one
	// concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	closed  bool

	// done closes when the read loop exits; readErr then holds the
	// reason.
	done    chan struct{}
	readErr error
}

type reply struct {
	result json.RawMessage
	err    *protocol.Error
}

// frame is the superset of everything the gateway sends: responses
// (result or error, with id) and notifications (method, no id).
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

func newSession(ws *websocket.Conn, notify notifyFunc, logger *zap.Logger) *session {
	s := &session{
		ws:      ws,
		notify:  notify,
		logger:  logger,
		pending: make(map[uint64]chan reply),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// call performs one request/response round trip. The returned error is
// either the server's *protocol.Error, a transport failure, or context
// cancellation; transport failures mean the session is dead.
func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("agentclient: session closed")
	}
	s.nextID++
	id := s.nextID
	ch := make(chan reply, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	req := protocol.Request{
		JSONRPC: protocol.Version,
		Method:  method,
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			s.drop(id)
			return nil, fmt.Errorf("agentclient: encode params for %s: %w", method, err)
		}
		req.Params = raw
	}

	if err := s.write(&req); err != nil {
		s.drop(id)
		return nil, fmt.Errorf("agentclient: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		s.drop(id)
		return nil, fmt.Errorf("agentclient: %s: %w", method, ctx.Err())
	case <-s.done:
		return nil, fmt.Errorf("agentclient: session lost during %s: %w", method, s.readErr)
	case rep := <-ch:
		if rep.err != nil {
			return nil, rep.err
		}
		return rep.result, nil
	}
}

func (s *session) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) drop(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop decodes inbound frames until the socket fails, waking every
// pending caller on the way out.
func (s *session) readLoop() {
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("undecodable frame from gateway", zap.Error(err))
			continue
		}

		switch {
		case f.Method != "" && f.ID == nil:
			s.notify(f.Method, f.Params)
		case f.ID != nil:
			s.complete(&f)
		default:
			s.logger.Debug("frame with neither method nor id, dropping")
		}
	}
}

func (s *session) complete(f *frame) {
	id, err := strconv.ParseUint(string(f.ID), 10, 64)
	if err != nil {
		// The gateway answers parse failures with a null id; without a
		// usable id the caller will time out on its own.
		s.logger.Warn("response with unmatchable id",
			zap.String("id", string(f.ID)))
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- reply{result: f.Result, err: f.Error}
}

// fail marks the session dead and releases waiters.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.readErr = err
	s.pending = make(map[uint64]chan reply)
	s.mu.Unlock()
	close(s.done)
}

// close tears the socket down; the read loop then exits via fail.
func (s *session) close() {
	_ = s.ws.Close()
}
