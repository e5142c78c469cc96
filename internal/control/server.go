package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"golang.org/x/time/rate"

	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/hardware"
)

// JSON-RPC methods served over the control websocket.
const (
	MethodStart     = "session.start"
	MethodCapture   = "session.capture"
	MethodStopVideo = "session.stopVideo"
	MethodPause     = "session.pause"
	MethodResume    = "session.resume"
	MethodStop      = "session.stop"
	MethodState     = "session.state"

	// NotifyEvent carries an Event to every connected client.
	NotifyEvent = "session.event"
)

// CodeSessionError is the JSON-RPC error code for requests the session
// refused. The error data holds {"code": <reason>}.
const CodeSessionError = -32000

const notifyTimeout = 5 * time.Second

// StopParams are the parameters of session.stop. Notify defaults to true.
type StopParams struct {
	Notify *bool `json:"notify,omitempty"`
}

// StopVideoParams are the parameters of session.stopVideo.
type StopVideoParams struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorData is the data attached to CodeSessionError responses.
type ErrorData struct {
	Code     string   `json:"code"`
	Problems []string `json:"problems,omitempty"`
}

// Server exposes a Controller to websocket clients speaking JSON-RPC 2.0.
type Server struct {
	ctrl     *Controller
	logger   capturelog.Logger
	upgrader websocket.Upgrader

	requestRate  rate.Limit
	requestBurst int

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu    sync.Mutex
	conns map[*jsonrpc2.Conn]string
}

type ServerOption func(*Server)

// WithRequestLimit caps the requests each connection may make per second.
func WithRequestLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.requestRate = rate.Limit(perSecond)
			s.requestBurst = burst
		}
	}
}

func NewServer(ctrl *Controller, logger capturelog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = capturelog.L().Named("control")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctrl:   ctrl,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*jsonrpc2.Conn]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = ctrl.Subscribe(s.broadcast)
	return s
}

// ServeHTTP upgrades the request and serves JSON-RPC until the client goes
// away or the server is closed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", capturelog.String("remote", r.RemoteAddr), capturelog.Error(err))
		return
	}

	handle := s.handle
	if s.requestRate > 0 {
		limiter := rate.NewLimiter(s.requestRate, s.requestBurst)
		handle = func(ctx context.Context, c *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
			if !limiter.Allow() {
				e := &jsonrpc2.Error{Code: CodeSessionError, Message: "rate limit exceeded"}
				e.SetError(ErrorData{Code: "rate_limited"})
				return nil, e
			}
			return s.handle(ctx, c, req)
		}
	}

	conn := jsonrpc2.NewConn(s.ctx,
		websocketjsonrpc2.NewObjectStream(ws),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(handle).SuppressErrClosed()),
		jsonrpc2.SetLogger(rpcLogger{s.logger}))

	s.mu.Lock()
	s.conns[conn] = r.RemoteAddr
	s.mu.Unlock()
	s.logger.Info("Control client connected", capturelog.String("remote", r.RemoteAddr))

	select {
	case <-conn.DisconnectNotify():
	case <-s.ctx.Done():
		_ = conn.Close()
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.logger.Info("Control client disconnected", capturelog.String("remote", r.RemoteAddr))
}

// Close disconnects every client. Sessions are left to the Controller.
func (s *Server) Close() error {
	s.unsubscribe()
	s.cancel()

	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	conns := make(map[*jsonrpc2.Conn]string, len(s.conns))
	for c, remote := range s.conns {
		conns[c] = remote
	}
	s.mu.Unlock()

	for c, remote := range conns {
		ctx, cancel := context.WithTimeout(s.ctx, notifyTimeout)
		err := c.Notify(ctx, NotifyEvent, ev)
		cancel()
		if err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			s.logger.Warn("Failed to deliver event",
				capturelog.String("remote", remote),
				capturelog.String("event", ev.Type),
				capturelog.Error(err))
		}
	}
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	s.logger.Debug("Control request", capturelog.String("method", req.Method))

	switch req.Method {
	case MethodStart:
		var spec *capture.Spec
		if err := decodeParams(req, &spec); err != nil {
			return nil, err
		}
		st, err := s.ctrl.Init(ctx, spec)
		if err != nil {
			return nil, toRPCError(err)
		}
		return st, nil

	case MethodCapture:
		if err := s.ctrl.Capture(); err != nil {
			return nil, toRPCError(err)
		}
		return s.ctrl.Status(), nil

	case MethodStopVideo:
		var p StopVideoParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		reason, err := hardware.ParseStopReason(p.Reason)
		if err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		if err := s.ctrl.StopVideo(reason); err != nil {
			return nil, toRPCError(err)
		}
		return s.ctrl.Status(), nil

	case MethodPause:
		if _, err := s.ctrl.Pause(); err != nil {
			return nil, toRPCError(err)
		}
		return s.ctrl.Status(), nil

	case MethodResume:
		st, err := s.ctrl.Resume(ctx)
		if err != nil {
			return nil, toRPCError(err)
		}
		return st, nil

	case MethodStop:
		var p StopParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		notify := p.Notify == nil || *p.Notify
		s.ctrl.Teardown(notify)
		return s.ctrl.Status(), nil

	case MethodState:
		return s.ctrl.Status(), nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not supported: %s", req.Method)}
	}
}

// decodeParams unmarshals the request params into v. Absent params leave v
// unchanged.
func decodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return nil
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func toRPCError(err error) *jsonrpc2.Error {
	var cfgErr *capture.ConfigError
	if errors.As(err, &cfgErr) {
		e := &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		e.SetError(ErrorData{Code: cfgErr.Code(), Problems: cfgErr.Problems})
		return e
	}

	e := &jsonrpc2.Error{Code: CodeSessionError, Message: err.Error()}
	e.SetError(ErrorData{Code: ErrorCode(err)})
	return e
}

// ErrorCode returns the stable reason code for err.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	switch {
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrNotPaused):
		return "not_paused"
	case errors.As(err, &coded):
		return coded.Code()
	default:
		return "internal"
	}
}

// rpcLogger routes jsonrpc2 diagnostics into the structured logger.
type rpcLogger struct {
	l capturelog.Logger
}

func (r rpcLogger) Printf(format string, v ...interface{}) {
	r.l.Debug(fmt.Sprintf(format, v...))
}
