package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/ports"
)

// State is the channel lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateIdle
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	default:
		return "disconnected"
	}
}

// ErrBusy is returned when Execute is called while an execution is already in
// flight. Callers wait for completion or cancel; the channel never queues.
var ErrBusy = errors.New("kernel channel busy: execution already in flight")

const (
	// DefaultConnectTimeout accommodates cold-start provisioning of a fresh
	// runtime. Reconnects assume a warm runtime and use the shorter timeout.
	DefaultConnectTimeout   = 2 * time.Minute
	DefaultReconnectTimeout = 30 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultExecuteTimeout   = 5 * time.Minute

	// pendingFrameBuffer bounds frames queued between the read pump and the
	// executing caller; the caller drains continuously while Busy.
	pendingFrameBuffer = 256
)

// Config wires one Channel to one remote runtime.
type Config struct {
	SessionID string
	AccountID string
	Endpoint  string

	Tokens ports.TokenProvider
	Retry  domain.RetryPolicy

	ConnectTimeout   time.Duration
	ReconnectTimeout time.Duration
	HandshakeTimeout time.Duration
	ExecuteTimeout   time.Duration
	StreamCap        int

	Logger *slog.Logger

	// Dialer overrides the websocket dialer, used by tests.
	Dialer *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = DefaultReconnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = DefaultExecuteTimeout
	}
	if c.StreamCap <= 0 {
		c.StreamCap = DefaultStreamCap
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// pendingExchange is the bounded single-use request/response primitive: one
// waiter registered under a correlation id before the request is sent,
// resolved exactly once from the receive path, cleaned up on every exit.
type pendingExchange struct {
	correlationID string
	frames        chan message
	done          chan struct{}
	failure       *domain.ClassifiedError
	closeOnce     sync.Once
}

func (p *pendingExchange) fail(err *domain.ClassifiedError) {
	p.closeOnce.Do(func() {
		p.failure = err
		close(p.done)
	})
}

// Channel owns one WebSocket connection to one remote runtime's kernel and
// runs the execute/stream/reply protocol over it.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	pending       *pendingExchange
	kernelState   domain.KernelState
	everConnected bool

	// wmu serializes writes; gorilla permits one concurrent writer.
	wmu sync.Mutex
}

func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "kernel.channel", "session", domain.ShortID(cfg.SessionID)),
		state:       StateDisconnected,
		kernelState: domain.KernelUnknown,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// KernelState is the last execution state reported by the kernel.
func (c *Channel) KernelState() domain.KernelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelState
}

// Connect opens the transport and completes the liveness handshake, retrying
// classified-transient failures per the retry policy before surfacing.
func (c *Channel) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}

		delay, retry := c.cfg.Retry.Decide(err, attempt)
		if !retry {
			return err
		}

		c.logger.Warn("connect attempt failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Channel) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	timeout := c.cfg.ConnectTimeout
	if c.everConnected {
		timeout = c.cfg.ReconnectTimeout
	}
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	// Tokens expire between attempts; fetch fresh before every dial, never
	// reuse one across attempts.
	token, err := c.cfg.Tokens.AccessToken(ctx, c.cfg.AccountID)
	if err != nil {
		if _, ok := domain.AsClassified(err); ok {
			return fail(err)
		}
		return fail(domain.NewClassified(domain.CategoryAuth, domain.CodeInvalidCredentials, "obtain access token", err))
	}
	if token == "" {
		return fail(domain.NewClassified(domain.CategoryAuth, domain.CodeInvalidCredentials, "token provider returned empty token", nil))
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return fail(domain.ClassifyHTTPStatus(resp.StatusCode, "open websocket", err))
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fail(domain.NewClassified(domain.CategoryTransient, domain.CodeConnectionTimeout, "connection timed out", err))
		}
		return fail(domain.NewClassified(domain.CategoryTransient, domain.CodeWebSocketFailure, "open websocket", err))
	}

	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return fail(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateIdle
	c.kernelState = domain.KernelIdle
	c.everConnected = true
	c.mu.Unlock()

	go c.readPump(conn)

	c.logger.Debug("channel connected", "endpoint", c.cfg.Endpoint)
	return nil
}

// handshake probes kernel liveness before the channel is considered usable.
// It runs before the read pump starts, so it reads the socket directly.
func (c *Channel) handshake(conn *websocket.Conn) error {
	probe, err := newMessage(msgTypeKernelInfoRequest, c.cfg.SessionID, struct{}{})
	if err != nil {
		return domain.NewClassified(domain.CategoryProtocol, 0, "encode handshake probe", err)
	}
	if err := conn.WriteJSON(probe); err != nil {
		return domain.NewClassified(domain.CategoryTransient, domain.CodeWebSocketFailure, "send handshake probe", err)
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return domain.NewClassified(domain.CategoryTransient, domain.CodeWebSocketFailure, "set handshake deadline", err)
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return classifyHandshakeFailure(err)
		}
		if msg.Header.MsgType != msgTypeKernelInfoReply {
			continue
		}
		if msg.correlationID() != probe.Header.MsgID {
			// A reply to someone else's probe; keep waiting for ours.
			continue
		}
		return nil
	}
}

// Execute runs one request through the protocol. A second call while Busy is
// rejected with ErrBusy. On timeout or cancellation the request is abandoned
// (late frames ignored) and the transport stays open: the remote computation
// may still be running, and a later execute must not be blocked by it.
func (c *Channel) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	exchange, err := c.beginExchange()
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	defer c.endExchange(exchange)

	content := executeRequestContent{Code: req.Code, StoreHistory: true}
	execMsg, err := newMessage(msgTypeExecuteRequest, c.cfg.SessionID, content)
	if err != nil {
		return domain.ExecutionResult{}, domain.NewClassified(domain.CategoryProtocol, 0, "encode execute request", err)
	}
	execMsg.Header.MsgID = exchange.correlationID

	if err := c.writeJSON(execMsg); err != nil {
		return domain.ExecutionResult{}, domain.NewClassified(domain.CategoryTransient, domain.CodeWebSocketFailure, "send execute request", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ExecuteTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	stdout := newCapturedStream(c.cfg.StreamCap)
	stderr := newCapturedStream(c.cfg.StreamCap)
	var value string
	started := time.Now()

	// collect folds one frame into the accumulated result. terminal is true
	// once an execute reply settles the exchange.
	collect := func(msg message) (result domain.ExecutionResult, terminal bool, err error) {
		switch msg.Header.MsgType {
		case msgTypeStream:
			var content streamContent
			if err := json.Unmarshal(msg.Content, &content); err != nil {
				return domain.ExecutionResult{}, false, nil
			}
			if content.Name == streamStderr {
				stderr.Append(content.Text)
			} else {
				stdout.Append(content.Text)
			}

		case msgTypeExecuteResult:
			var content executeResultContent
			if err := json.Unmarshal(msg.Content, &content); err != nil {
				return domain.ExecutionResult{}, false, nil
			}
			value = content.Data["text/plain"]

		case msgTypeExecuteReply:
			var content executeReplyContent
			if err := json.Unmarshal(msg.Content, &content); err != nil {
				return domain.ExecutionResult{
						Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(started),
					}, true, c.failProtocol(domain.NewClassified(domain.CategoryProtocol, 0,
						"malformed execute reply", err))
			}

			result := domain.ExecutionResult{
				Success:  content.Status == replyStatusOK,
				Value:    value,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Duration: time.Since(started),
				Attempts: 1,
			}
			if !result.Success {
				result.Error = domain.ClassifyExecutionError(content.EName, content.EValue)
				result.ErrorName = content.EName
				result.Traceback = content.Traceback
			}
			return result, true, nil
		}
		return domain.ExecutionResult{}, false, nil
	}

	for {
		select {
		case <-ctx.Done():
			return domain.ExecutionResult{
					Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(started),
				}, domain.NewClassified(domain.CategoryTransient, domain.CodeConnectionTimeout,
					"execution canceled", ctx.Err())

		case <-timer.C:
			c.logger.Warn("execution timed out, abandoning exchange",
				"correlation_id", exchange.correlationID, "timeout", timeout)
			return domain.ExecutionResult{
					Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(started),
				}, domain.NewClassified(domain.CategoryTransient, domain.CodeConnectionTimeout,
					fmt.Sprintf("execution timed out after %s", timeout), nil)

		case <-exchange.done:
			// The pump may have failed the exchange after the terminal
			// reply was already delivered: a server that closes the socket
			// right behind its reply races the close against the buffered
			// frames. Drain what arrived before the failure; a terminal
			// reply in the backlog means the execution completed.
			for {
				select {
				case msg := <-exchange.frames:
					if result, terminal, err := collect(msg); terminal {
						return result, err
					}
				default:
					return domain.ExecutionResult{
						Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(started),
					}, exchange.failure
				}
			}

		case msg := <-exchange.frames:
			if result, terminal, err := collect(msg); terminal {
				return result, err
			}
		}
	}
}

// beginExchange transitions Idle -> Busy and registers the single waiter.
func (c *Channel) beginExchange() (*pendingExchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateBusy:
		return nil, ErrBusy
	case StateIdle:
	default:
		return nil, domain.NewClassified(domain.CategoryTransient, domain.CodeWebSocketFailure,
			fmt.Sprintf("channel is %s, not connected", c.state), nil)
	}

	exchange := &pendingExchange{
		correlationID: newCorrelationID(),
		frames:        make(chan message, pendingFrameBuffer),
		done:          make(chan struct{}),
	}
	c.pending = exchange
	c.state = StateBusy
	c.kernelState = domain.KernelBusy
	return exchange, nil
}

// endExchange abandons the waiter. Runs on every Execute exit path so late
// frames for the correlation id are ignored from here on.
func (c *Channel) endExchange(exchange *pendingExchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == exchange {
		c.pending = nil
	}
	if c.state == StateBusy {
		c.state = StateIdle
		c.kernelState = domain.KernelIdle
	}
}

func (c *Channel) writeJSON(msg message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("connection closed")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(msg)
}

// readPump is the single reader: it dispatches frames bearing the pending
// correlation id to the waiter and drops everything else. Frames from prior,
// abandoned exchanges are expected late arrivals, not errors.
func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			c.disconnect(conn, classifyReadFailure(err, "read frame"))
			return
		}

		if msg.Header.MsgType == msgTypeStatus {
			c.observeExecutionState(msg)
		}

		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()

		if pending == nil || msg.correlationID() != pending.correlationID {
			continue
		}
		select {
		case pending.frames <- msg:
		default:
			// The executor stopped draining (abandoned exchange mid-race);
			// dropping is safe because the waiter no longer reports results.
			c.logger.Debug("dropping frame for backlogged exchange",
				"correlation_id", msg.correlationID(), "msg_type", msg.Header.MsgType)
		}
	}
}

func (c *Channel) observeExecutionState(msg message) {
	var content statusContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return
	}
	c.mu.Lock()
	switch content.ExecutionState {
	case "idle":
		c.kernelState = domain.KernelIdle
	case "busy":
		c.kernelState = domain.KernelBusy
	case "starting":
		c.kernelState = domain.KernelStarting
	case "dead":
		c.kernelState = domain.KernelDead
	}
	c.mu.Unlock()
}

// disconnect tears the channel down after a read failure, resolving any
// pending exchange with the classified cause.
func (c *Channel) disconnect(conn *websocket.Conn, cause *domain.ClassifiedError) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
		if c.kernelState != domain.KernelDead {
			c.kernelState = domain.KernelDisconnected
		}
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		pending.fail(cause)
	}
	if cause != nil {
		c.logger.Debug("channel disconnected", "cause", cause.Message, "category", cause.Category)
	}
}

// failProtocol forces Disconnected: a malformed frame invalidates trust in
// the channel's state.
func (c *Channel) failProtocol(cause *domain.ClassifiedError) *domain.ClassifiedError {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.disconnect(conn, cause)
	}
	return cause
}

// Close shuts the transport down. Any pending execution resolves with a
// transient error.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}

	c.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()

	c.disconnect(conn, domain.NewClassified(domain.CategoryTransient, domain.CodeWebSocketFailure,
		"channel closed", nil))
	return nil
}

// classifyHandshakeFailure: the transport opened, so a failed liveness probe
// is either a credential rejection or a kernel that is not speaking the
// protocol; it is never transient on its own.
func classifyHandshakeFailure(err error) *domain.ClassifiedError {
	classified := classifyReadFailure(err, "handshake")
	if classified.Category == domain.CategoryAuth {
		return classified
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewClassified(domain.CategoryProtocol, 0, "handshake: kernel did not answer liveness probe", err)
	}
	if classified.Category != domain.CategoryProtocol {
		classified.Category = domain.CategoryProtocol
		classified.Code = 0
	}
	return classified
}

func classifyReadFailure(err error, op string) *domain.ClassifiedError {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return domain.NewClassified(domain.CategoryAuth, domain.CodeInvalidCredentials, op+": credentials rejected", err)
		case websocket.CloseInvalidFramePayloadData, websocket.CloseProtocolError, websocket.CloseUnsupportedData:
			return domain.NewClassified(domain.CategoryProtocol, 0, op+": malformed frame", err)
		default:
			return domain.NewClassified(domain.CategoryTransient, domain.CodeRuntimeTerminated, op+": connection closed", err)
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return domain.NewClassified(domain.CategoryProtocol, 0, op+": malformed frame", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewClassified(domain.CategoryTransient, domain.CodeConnectionTimeout, op+": timed out", err)
	}
	return domain.NewClassified(domain.CategoryTransient, domain.CodeWebSocketFailure, op+": socket failure", err)
}

func newCorrelationID() string {
	return uuid.NewString()
}
