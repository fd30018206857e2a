// Package twilsock implements the client side of the multiplexed
// twilsock connection: framing, the connection state machine,
// request/reply correlation, keep-alive, throttling and reconnection.
package twilsock

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultInitTimeout       = 10 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultInactivityTimeout = 60 * time.Second
	defaultThrottleCooldown  = 10 * time.Second

	// writeTimeout bounds a single frame write from the event loop.
	writeTimeout = 10 * time.Second

	// inboxSize is the buffer of the event loop's inbox. Reader, timer
	// and caller goroutines all post into it.
	inboxSize = 256
)

// Config holds the parameters of a connection.
type Config struct {
	URL               string
	Token             string
	Dialer            Dialer
	InitTimeout       time.Duration
	PingInterval      time.Duration
	InactivityTimeout time.Duration
	ThrottleCooldown  time.Duration
	Capabilities      []string
	Metadata          map[string]string

	// ReconnectLimiter paces reconnects that skip the backoff (network
	// available, token updated). Nil uses one per second with a burst of 3.
	ReconnectLimiter *rate.Limiter
}

// Notification is an unsolicited frame pushed by the server.
type Notification struct {
	ID          string
	MessageType string
	Payload     []byte
}

// Observer receives connection events. Callbacks run on the event loop
// goroutine and must not block.
type Observer interface {
	OnStateChanged(state State)
	OnNotification(n Notification)
	OnFatalError(err error)
	OnTokenAboutToExpire()
}

// ObserverFuncs adapts optional funcs to Observer.
type ObserverFuncs struct {
	StateChanged       func(State)
	Notification       func(Notification)
	FatalError         func(error)
	TokenAboutToExpire func()
}

func (o ObserverFuncs) OnStateChanged(s State) {
	if o.StateChanged != nil {
		o.StateChanged(s)
	}
}

func (o ObserverFuncs) OnNotification(n Notification) {
	if o.Notification != nil {
		o.Notification(n)
	}
}

func (o ObserverFuncs) OnFatalError(err error) {
	if o.FatalError != nil {
		o.FatalError(err)
	}
}

func (o ObserverFuncs) OnTokenAboutToExpire() {
	if o.TokenAboutToExpire != nil {
		o.TokenAboutToExpire()
	}
}

type eventKind int

const (
	evMachine eventKind = iota
	evDialed
	evFrame
	evReadError
	evSend
	evCancelRequest
	evRequestTimeout
	evTimer
	evSetToken
)

type timerKind int

const (
	timerInit timerKind = iota
	timerReconnect
	timerCooldown
	timerTokenExpiry
	timerCount
)

type actorEvent struct {
	kind  eventKind
	sm    smEvent
	gen   uint64
	timer timerKind
	seq   uint64
	conn  wsConn
	data  []byte
	err   error
	req   *pendingRequest
	id    string
	token string
}

type requestResult struct {
	msg *Message
	err error
}

// pendingRequest exists from submission until it is replied to,
// cancelled or timed out. Unsent requests are written once Connected.
type pendingRequest struct {
	id      string
	msg     *Message
	timeout time.Duration
	timer   *time.Timer
	seq     uint64
	sent    bool
	result  chan requestResult
}

type armedTimer struct {
	t   *time.Timer
	seq uint64
}

// Client owns one duplex connection. All mutable state below the mutexes
// is owned by the Run goroutine.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	inbox   chan actorEvent
	done    chan struct{}
	limiter *rate.Limiter
	float   func() float64

	obsMu     sync.RWMutex
	observers []Observer

	stateMu sync.RWMutex
	current State

	runCtx            context.Context
	state             State
	gen               uint64
	conn              wsConn
	connCancel        context.CancelFunc
	token             string
	continuationToken string
	initID            string
	pingID            string
	pending           map[string]*pendingRequest
	nextSeq           uint64
	failedAttempts    int
	lastInbound       time.Time
	timers            [timerCount]*armedTimer
	timerSeq          uint64
	deferred          []actorEvent
}

// New creates a Client. Nothing happens until Run is started and
// Connect is called.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer(nil, nil)
	}

	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}

	if cfg.ThrottleCooldown <= 0 {
		cfg.ThrottleCooldown = defaultThrottleCooldown
	}

	limiter := cfg.ReconnectLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 3)
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		inbox:   make(chan actorEvent, inboxSize),
		done:    make(chan struct{}),
		limiter: limiter,
		token:   cfg.Token,
		pending: make(map[string]*pendingRequest),
	}
}

// AddObserver registers o for connection events.
func (c *Client) AddObserver(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.current
}

// Connect asks the connection to start connecting.
func (c *Client) Connect() {
	c.postMachine(smConnect)
}

// Disconnect closes the connection and fails every pending request.
func (c *Client) Disconnect() {
	c.postMachine(smDisconnect)
}

// SetNetworkReachable reports platform reachability changes.
// Unreachable parks the connection in WaitAndReconnect without a timer;
// reachable again reconnects immediately.
func (c *Client) SetNetworkReachable(reachable bool) {
	if reachable {
		c.postMachine(smNetworkAvailable)
		return
	}

	c.postMachine(smNetworkUnreachable)
}

// UpdateToken replaces the access token. While Connected the new token is
// sent in-band and the call waits for the reply; otherwise the token is
// stored and a connection attempt starts without waiting.
func (c *Client) UpdateToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	pr := newPendingRequest(&Message{Headers: Headers{Method: MethodUpdateToken, Token: token}}, c.cfg.InitTimeout)
	if err := c.post(ctx, actorEvent{kind: evSetToken, token: token, req: pr}); err != nil {
		return err
	}

	if _, err := c.await(ctx, pr); err != nil {
		return fmt.Errorf("updating token: %w", err)
	}

	return nil
}

// SendRequest sends msg and waits for the matching reply. Requests made
// while not Connected are queued and written after the handshake; they
// survive reconnects. A zero timeout waits until ctx is done.
func (c *Client) SendRequest(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	pr := newPendingRequest(msg, timeout)
	if err := c.post(ctx, actorEvent{kind: evSend, req: pr}); err != nil {
		return nil, err
	}

	return c.await(ctx, pr)
}

func newPendingRequest(msg *Message, timeout time.Duration) *pendingRequest {
	id := uuid.NewString()
	msg.Headers.ID = id

	return &pendingRequest{
		id:      id,
		msg:     msg,
		timeout: timeout,
		result:  make(chan requestResult, 1),
	}
}

func (c *Client) await(ctx context.Context, pr *pendingRequest) (*Message, error) {
	select {
	case r := <-pr.result:
		return r.msg, r.err
	case <-ctx.Done():
		select {
		case c.inbox <- actorEvent{kind: evCancelRequest, id: pr.id}:
		default:
			// Inbox full; the request's own timeout will clean it up.
		}

		return nil, contextError(ctx.Err())
	case <-c.done:
		return nil, syncerr.New(syncerr.ClientShutdown, "connection closed")
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Wrap(syncerr.Timeout, err)
	}

	return syncerr.Wrap(syncerr.Cancelled, err)
}

func (c *Client) post(ctx context.Context, ev actorEvent) error {
	select {
	case c.inbox <- ev:
		return nil
	case <-ctx.Done():
		return contextError(ctx.Err())
	case <-c.done:
		return syncerr.New(syncerr.ClientShutdown, "connection closed")
	}
}

func (c *Client) postMachine(e smEvent) {
	select {
	case c.inbox <- actorEvent{kind: evMachine, sm: e}:
	case <-c.done:
	}
}

// postInternal is used by reader, dialer and timer goroutines.
func (c *Client) postInternal(ev actorEvent) bool {
	select {
	case c.inbox <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Run is the event loop. It owns the connection and every piece of
// mutable state, and returns when ctx is cancelled. Run must be called
// once.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	c.runCtx = ctx
	c.scheduleTokenExpiry()

	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()

		case ev := <-c.inbox:
			c.handle(ctx, ev)

		case <-ticker.C:
			c.heartbeat(ctx)
		}

		for len(c.deferred) > 0 {
			ev := c.deferred[0]
			c.deferred = c.deferred[1:]
			c.handle(ctx, ev)
		}
	}
}

func (c *Client) heartbeatInterval() time.Duration {
	return max(min(c.cfg.PingInterval, c.cfg.InactivityTimeout)/2, 10*time.Millisecond)
}

func (c *Client) handle(ctx context.Context, ev actorEvent) {
	switch ev.kind {
	case evMachine:
		c.fire(ctx, ev.sm, ev.err, nil)

	case evDialed:
		if ev.gen != c.gen || c.state != Connecting {
			if ev.conn != nil {
				ev.conn.Close(websocket.StatusNormalClosure, "stale connection")
			}

			return
		}

		if ev.err != nil {
			c.logger.Warn("dial failed", slog.String("error", ev.err.Error()))

			if syncerr.IsFatal(ev.err) {
				c.fire(ctx, smFatalError, ev.err, nil)
			} else {
				c.fire(ctx, smTransportError, ev.err, nil)
			}

			return
		}

		c.conn = ev.conn
		c.lastInbound = time.Now()
		c.startReader(ev.conn)
		c.fire(ctx, smTransportConnected, nil, nil)

	case evFrame:
		if ev.gen != c.gen {
			return
		}

		c.lastInbound = time.Now()
		c.handleFrame(ctx, ev.data)

	case evReadError:
		if ev.gen != c.gen {
			return
		}

		c.fire(ctx, smTransportError, syncerr.Wrap(syncerr.TransportDisconnected, ev.err), nil)

	case evSend:
		c.enqueue(ctx, ev.req)

	case evCancelRequest:
		if pr, ok := c.pending[ev.id]; ok {
			delete(c.pending, ev.id)
			c.resolve(pr, nil, syncerr.New(syncerr.Cancelled, "request cancelled"))
		}

	case evRequestTimeout:
		if pr, ok := c.pending[ev.id]; ok {
			delete(c.pending, ev.id)
			c.logger.Debug("request timed out", slog.String("id", ev.id))
			c.resolve(pr, nil, syncerr.Newf(syncerr.Timeout, "no reply within %s", pr.timeout))
		}

	case evTimer:
		armed := c.timers[ev.timer]
		if armed == nil || armed.seq != ev.seq {
			return
		}

		c.timers[ev.timer] = nil
		c.handleTimer(ctx, ev.timer)

	case evSetToken:
		c.token = ev.token
		c.scheduleTokenExpiry()
		c.fire(ctx, smTokenUpdated, syncerr.New(syncerr.TokenUpdatedLocally, "token updated"), &ev)
	}
}

func (c *Client) handleTimer(ctx context.Context, kind timerKind) {
	switch kind {
	case timerInit:
		c.logger.Warn("handshake timed out", slog.Duration("timeout", c.cfg.InitTimeout))
		c.fire(ctx, smInitTimeout, syncerr.Newf(syncerr.Timeout, "no init reply within %s", c.cfg.InitTimeout), nil)
	case timerReconnect:
		c.fire(ctx, smBackoffElapsed, nil, nil)
	case timerCooldown:
		c.fire(ctx, smCooldownElapsed, nil, nil)
	case timerTokenExpiry:
		c.logger.Info("token about to expire")

		for _, o := range c.observerList() {
			o.OnTokenAboutToExpire()
		}
	case timerCount:
	}
}

// fire runs one event through the transition table and applies the
// resulting effects.
func (c *Client) fire(ctx context.Context, e smEvent, cause error, src *actorEvent) {
	tr := nextState(c.state, e)
	from := c.state

	switch tr.Kind {
	case transitionInvalid:
		c.logger.Warn("invalid transition",
			slog.String("state", from.String()),
			slog.String("event", e.String()),
		)

		return
	case transitionIgnored:
		c.logger.Debug("event ignored",
			slog.String("state", from.String()),
			slog.String("event", e.String()),
		)
	case transitionValid:
		c.setState(tr.To)
		c.logger.Debug("state transition",
			slog.String("from", from.String()),
			slog.String("to", tr.To.String()),
			slog.String("event", e.String()),
		)
	}

	for _, eff := range tr.Effects {
		c.apply(ctx, eff, cause, src)
	}

	if src != nil && src.req != nil && !slices.Contains(tr.Effects, effSendUpdateToken) {
		c.resolve(src.req, nil, nil)
	}

	if tr.Kind == transitionValid && from != tr.To {
		for _, o := range c.observerList() {
			o.OnStateChanged(tr.To)
		}
	}
}

func (c *Client) apply(ctx context.Context, eff effect, cause error, src *actorEvent) {
	switch eff {
	case effDial:
		c.dial(ctx, 0)

	case effDialImmediate:
		c.dial(ctx, c.limiter.Reserve().Delay())

	case effCloseTransport:
		c.closeTransport()

	case effSendInit:
		c.sendInit(ctx)

	case effStartInitTimer:
		c.arm(timerInit, c.cfg.InitTimeout)

	case effStopInitTimer:
		c.disarm(timerInit)

	case effScheduleReconnect:
		delay := reconnectDelay(c.failedAttempts, c.float)
		c.failedAttempts++

		attrs := []any{slog.Duration("backoff", delay), slog.Int("attempt", c.failedAttempts)}
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}

		c.logger.Warn("connection lost, reconnecting", attrs...)
		c.arm(timerReconnect, delay)

	case effCancelReconnect:
		c.disarm(timerReconnect)

	case effResetBackoff:
		c.failedAttempts = 0

	case effStartCooldown:
		c.logger.Warn("throttled by server", slog.Duration("cooldown", c.cfg.ThrottleCooldown))
		c.arm(timerCooldown, c.cfg.ThrottleCooldown)

	case effStopCooldown:
		c.disarm(timerCooldown)

	case effFlushPending:
		c.flushPending(ctx)

	case effRequeueSent:
		for _, pr := range c.pending {
			pr.sent = false
		}

	case effFailPending:
		err := cause
		if err == nil {
			err = syncerr.New(syncerr.Cancelled, "client disconnected")
		}

		c.failAll(err)

	case effNotifyFatal:
		c.logger.Error("fatal connection error, not reconnecting", slog.Any("error", cause))

		for _, o := range c.observerList() {
			o.OnFatalError(cause)
		}

	case effSendUpdateToken:
		if src != nil && src.req != nil {
			c.enqueue(ctx, src.req)
		}
	}
}

func (c *Client) setState(s State) {
	c.state = s

	c.stateMu.Lock()
	c.current = s
	c.stateMu.Unlock()
}

func (c *Client) observerList() []Observer {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()

	return slices.Clone(c.observers)
}

func (c *Client) dial(ctx context.Context, delay time.Duration) {
	c.gen++
	gen := c.gen
	url := c.cfg.URL

	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}

		conn, err := c.cfg.Dialer(ctx, url)
		if !c.postInternal(actorEvent{kind: evDialed, gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client shut down")
		}
	}()
}

// startReader feeds frames from conn into the inbox, tagged with the
// current generation so frames from a replaced connection are dropped.
func (c *Client) startReader(conn wsConn) {
	connCtx, cancel := context.WithCancel(c.runCtx)
	c.connCancel = cancel
	gen := c.gen

	go func() {
		for {
			_, data, err := conn.Read(connCtx)

			ev := actorEvent{kind: evFrame, gen: gen, data: data}
			if err != nil {
				ev = actorEvent{kind: evReadError, gen: gen, err: err}
			}

			select {
			case c.inbox <- ev:
			case <-connCtx.Done():
				return
			case <-c.done:
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

func (c *Client) closeTransport() {
	c.gen++
	c.initID = ""
	c.pingID = ""

	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "closing")
		c.conn = nil
	}
}

func (c *Client) arm(kind timerKind, d time.Duration) {
	c.disarm(kind)
	c.timerSeq++
	seq := c.timerSeq

	c.timers[kind] = &armedTimer{
		seq: seq,
		t: time.AfterFunc(d, func() {
			c.postInternal(actorEvent{kind: evTimer, timer: kind, seq: seq})
		}),
	}
}

func (c *Client) disarm(kind timerKind) {
	if armed := c.timers[kind]; armed != nil {
		armed.t.Stop()
		c.timers[kind] = nil
	}
}

func (c *Client) scheduleTokenExpiry() {
	c.disarm(timerTokenExpiry)

	if d, ok := aboutToExpireIn(c.token, time.Now()); ok {
		c.arm(timerTokenExpiry, d)
	}
}

func (c *Client) sendInit(ctx context.Context) {
	c.initID = uuid.NewString()

	init := &Message{Headers: Headers{
		Method:            MethodInit,
		ID:                c.initID,
		Token:             c.token,
		ContinuationToken: c.continuationToken,
		Capabilities:      c.cfg.Capabilities,
		Metadata:          c.cfg.Metadata,
	}}

	if err := c.write(ctx, init); err != nil {
		c.logger.Warn("sending init failed", slog.String("error", err.Error()))
	}
}

// write sends one frame. A failure is fed back as a transport error
// after the current event finishes processing.
func (c *Client) write(ctx context.Context, msg *Message) error {
	if c.conn == nil {
		return syncerr.New(syncerr.TransportDisconnected, "no connection")
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		c.deferred = append(c.deferred, actorEvent{kind: evReadError, gen: c.gen, err: err})
		return fmt.Errorf("writing %s frame: %w", msg.Headers.Method, err)
	}

	return nil
}

func (c *Client) enqueue(ctx context.Context, pr *pendingRequest) {
	if pr.timeout > 0 && pr.timer == nil {
		id := pr.id
		pr.timer = time.AfterFunc(pr.timeout, func() {
			c.postInternal(actorEvent{kind: evRequestTimeout, id: id})
		})
	}

	c.nextSeq++
	pr.seq = c.nextSeq
	c.pending[pr.id] = pr

	if c.state == Connected {
		c.writeRequest(ctx, pr)
	}
}

func (c *Client) writeRequest(ctx context.Context, pr *pendingRequest) {
	if err := c.write(ctx, pr.msg); err != nil {
		c.logger.Debug("request queued for replay", slog.String("id", pr.id), slog.String("error", err.Error()))
		return
	}

	pr.sent = true
}

// flushPending writes every unsent request in submission order.
func (c *Client) flushPending(ctx context.Context) {
	var unsent []*pendingRequest

	for _, pr := range c.pending {
		if !pr.sent {
			unsent = append(unsent, pr)
		}
	}

	slices.SortFunc(unsent, func(a, b *pendingRequest) int { return cmp.Compare(a.seq, b.seq) })

	for _, pr := range unsent {
		if c.conn == nil || len(c.deferred) > 0 {
			return
		}

		c.writeRequest(ctx, pr)
	}
}

func (c *Client) resolve(pr *pendingRequest, msg *Message, err error) {
	if pr.timer != nil {
		pr.timer.Stop()
	}

	select {
	case pr.result <- requestResult{msg: msg, err: err}:
	default:
	}
}

func (c *Client) failAll(err error) {
	for id, pr := range c.pending {
		delete(c.pending, id)
		c.resolve(pr, nil, err)
	}
}

func (c *Client) shutdown() {
	for kind := range timerCount {
		c.disarm(kind)
	}

	c.closeTransport()
	c.failAll(syncerr.New(syncerr.ClientShutdown, "client shut down"))

	if c.state != Disconnected {
		c.setState(Disconnected)

		for _, o := range c.observerList() {
			o.OnStateChanged(Disconnected)
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	method, id, ok := peekHeaders(data)
	if !ok {
		c.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return
	}

	if method == MethodReply && id != "" && id == c.pingID {
		c.pingID = ""
		return
	}

	isInit := method == MethodReply && c.initID != "" && id == c.initID

	if method == MethodReply && !isInit {
		if _, known := c.pending[id]; id == "" || !known {
			c.logger.Debug("unmatched reply", slog.String("id", id))
			return
		}
	}

	msg, err := Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", slog.String("method", method), slog.String("error", err.Error()))
		return
	}

	switch method {
	case MethodReply:
		if isInit {
			c.handleInitReply(ctx, msg)
			return
		}

		c.handleReply(ctx, msg)

	case MethodMessage, MethodNotification:
		c.ack(ctx, msg.Headers.ID)

		n := Notification{ID: msg.Headers.ID, MessageType: msg.Headers.MessageType, Payload: msg.Payload}
		for _, o := range c.observerList() {
			o.OnNotification(n)
		}

	case MethodPing:
		c.ack(ctx, msg.Headers.ID)

	case MethodClose:
		c.handleClose(ctx, msg)

	case MethodClientUpdate:
		if msg.Headers.ClientUpdateType == clientUpdateTokenAboutToExpire {
			for _, o := range c.observerList() {
				o.OnTokenAboutToExpire()
			}
		}

	default:
		c.logger.Debug("unexpected frame", slog.String("method", method))
	}
}

func (c *Client) ack(ctx context.Context, id string) {
	reply := &Message{Headers: Headers{
		Method: MethodReply,
		ID:     id,
		Status: &Status{Code: 200, Status: "OK"},
	}}

	if err := c.write(ctx, reply); err != nil {
		c.logger.Debug("ack failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (c *Client) handleInitReply(ctx context.Context, msg *Message) {
	c.initID = ""

	if msg.Headers.Status.OK() {
		if msg.Headers.ContinuationToken != "" {
			c.continuationToken = msg.Headers.ContinuationToken
		}

		c.logger.Info("twilsock connected")
		c.fire(ctx, smInitOK, nil, nil)

		return
	}

	err := msg.Headers.Status.Err()

	switch {
	case syncerr.IsFatal(err):
		c.fire(ctx, smFatalError, err, nil)
	case syncerr.ReasonOf(err) == syncerr.TooManyRequests:
		c.fire(ctx, smThrottled, err, nil)
	default:
		c.fire(ctx, smInitFailed, err, nil)
	}
}

func (c *Client) handleReply(ctx context.Context, msg *Message) {
	pr, ok := c.pending[msg.Headers.ID]
	if !ok {
		return
	}

	delete(c.pending, msg.Headers.ID)

	if err := msg.Headers.Status.Err(); err != nil {
		c.resolve(pr, nil, err)

		if syncerr.ReasonOf(err) == syncerr.TooManyRequests {
			c.fire(ctx, smThrottled, err, nil)
		}

		return
	}

	c.resolve(pr, msg, nil)
}

func (c *Client) handleClose(ctx context.Context, msg *Message) {
	status := msg.Headers.Status

	if status != nil && !status.OK() {
		if err := status.Err(); syncerr.IsFatal(err) {
			c.fire(ctx, smFatalError, err, nil)
			return
		}
	}

	closeErr := &syncerr.ErrorInfo{Reason: syncerr.CloseMessageReceived, Message: "server closed connection"}
	if status != nil {
		closeErr.Status = status.Code
		closeErr.Code = status.ErrorCode

		if status.Description != "" {
			closeErr.Message = status.Description
		}
	}

	c.fire(ctx, smTransportError, closeErr, nil)
}

func (c *Client) heartbeat(ctx context.Context) {
	if c.state != Connected && c.state != Throttling {
		return
	}

	idle := time.Since(c.lastInbound)

	if idle > c.cfg.InactivityTimeout {
		c.fire(ctx, smTransportError, syncerr.Newf(syncerr.TransportDisconnected, "no traffic for %s", idle.Round(time.Second)), nil)
		return
	}

	if idle > c.cfg.PingInterval && c.pingID == "" {
		c.pingID = uuid.NewString()

		if err := c.write(ctx, &Message{Headers: Headers{Method: MethodPing, ID: c.pingID}}); err != nil {
			c.logger.Debug("ping failed", slog.String("error", err.Error()))
		}
	}
}
