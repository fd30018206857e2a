// Package subscriptions keeps the server-side subscription set of every
// open entity in line with what callers want, and turns push frames
// into a stream of remote events.
package subscriptions

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/twilsync/internal/backend"
	"github.com/alexjbarnes/twilsync/internal/cache"
	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/alexjbarnes/twilsync/internal/retrier"
	"github.com/alexjbarnes/twilsync/internal/twilsock"
	"github.com/google/uuid"
)

const (
	defaultMaxBatchSize    = 100
	defaultDeliveryTimeout = 5 * time.Second
	defaultEventBuffer     = 1024
	defaultMessageType     = "twilio.sync.event"
	inboxSize              = 256
)

// State is the lifecycle of one entity's subscription.
type State int

const (
	Unsubscribed State = iota
	Pending
	Subscribing
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Subscribing:
		return "Subscribing"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return "Unsubscribed"
	}
}

// StateChange is delivered to subscribers. Err is set for Failed.
type StateChange struct {
	State State
	Err   error
}

// Sender posts one subscription batch. *backend.Client satisfies it.
type Sender interface {
	Subscriptions(ctx context.Context, req backend.SubscriptionRequest) (backend.SubscriptionResponse, error)
}

// Config controls a Manager. Zero fields take defaults.
type Config struct {
	// Retry paces batches after a failed send or a missed delivery
	// deadline.
	Retry retrier.Config

	// MaxBatchSize is used until the server advertises its own.
	MaxBatchSize int

	// DeliveryTimeout bounds the wait for per-entity outcomes when the
	// server gives no estimate.
	DeliveryTimeout time.Duration

	EventBuffer int

	// MessageType selects the notifications carrying sync events.
	MessageType string
}

type action int

const (
	actNone action = iota
	actSubscribe
	actUnsubscribe
)

type entry struct {
	sid         string
	typ         cache.EntityType
	refs        int
	want        action
	queued      uint64
	state       State
	err         error
	lastEventID int64
	hasEventID  bool
	batch       string
	watchers    map[*Subscription]struct{}
}

type batch struct {
	id         string
	action     backend.SubscriptionAction
	unresolved map[string]struct{}
	timer      *time.Timer
}

type eventKind int

const (
	evSubscribe eventKind = iota
	evUnsubscribe
	evConnection
	evNotification
	evSent
	evDeadline
	evRetry
)

type event struct {
	kind        eventKind
	sub         *Subscription
	lastEventID *int64
	connected   bool
	payload     []byte
	id          string
	resp        backend.SubscriptionResponse
	err         error
	seq         uint64
}

// Manager is an actor: Run owns every entry, batch and timer.
type Manager struct {
	sender Sender
	cfg    Config
	logger *slog.Logger
	inbox  chan event
	events chan RemoteEvent
	done   chan struct{}

	runCtx     context.Context
	entries    map[string]*entry
	nextSeq    uint64
	connected  bool
	current    *batch
	batchSize  int
	delays     *retrier.Sequence
	backoff    bool
	retryTimer *time.Timer
	retrySeq   uint64
}

// New creates a Manager. Nothing is sent until Run is started and the
// connection reports Connected.
func New(sender Sender, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Retry == (retrier.Config{}) {
		cfg.Retry = retrier.DefaultConfig()
	}

	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}

	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	if cfg.MessageType == "" {
		cfg.MessageType = defaultMessageType
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sender:    sender,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "subscriptions")),
		inbox:     make(chan event, inboxSize),
		events:    make(chan RemoteEvent, cfg.EventBuffer),
		done:      make(chan struct{}),
		entries:   make(map[string]*entry),
		batchSize: cfg.MaxBatchSize,
		delays:    retrier.NewSequence(cfg.Retry),
	}, nil
}

// RemoteEvents yields every data event in arrival order, including
// events for entities with no known subscription. It is closed when Run
// returns.
func (m *Manager) RemoteEvents() <-chan RemoteEvent {
	return m.events
}

// Subscription is one caller's interest in an entity. Several
// subscriptions to the same entity share one server subscription.
type Subscription struct {
	m       *Manager
	sid     string
	typ     cache.EntityType
	changes chan StateChange

	mu   sync.Mutex
	last StateChange

	closeOnce sync.Once
}

// Sid returns the entity sid.
func (s *Subscription) Sid() string { return s.sid }

// State returns the latest state.
func (s *Subscription) State() StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last
}

// Changes delivers state changes. Only the latest undelivered change is
// kept.
func (s *Subscription) Changes() <-chan StateChange {
	return s.changes
}

// Close drops this subscription. The server subscription is cancelled
// once no subscription to the entity remains.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.m.post(context.Background(), event{kind: evUnsubscribe, sub: s})
	})
}

func (s *Subscription) publish(c StateChange) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()

	select {
	case <-s.changes:
	default:
	}

	s.changes <- c
}

// Subscribe registers interest in an entity. A non-nil lastEventID asks
// the server to replay events after it.
func (m *Manager) Subscribe(ctx context.Context, sid string, typ cache.EntityType, lastEventID *int64) (*Subscription, error) {
	sub := &Subscription{
		m:       m,
		sid:     sid,
		typ:     typ,
		changes: make(chan StateChange, 1),
		last:    StateChange{State: Pending},
	}

	if err := m.post(ctx, event{kind: evSubscribe, sub: sub, lastEventID: lastEventID}); err != nil {
		return nil, err
	}

	return sub, nil
}

// OnStateChanged implements twilsock.Observer.
func (m *Manager) OnStateChanged(s twilsock.State) {
	m.post(context.Background(), event{kind: evConnection, connected: s == twilsock.Connected || s == twilsock.Throttling})
}

// OnNotification implements twilsock.Observer.
func (m *Manager) OnNotification(n twilsock.Notification) {
	if n.MessageType != m.cfg.MessageType {
		return
	}

	m.post(context.Background(), event{kind: evNotification, payload: n.Payload})
}

// OnFatalError implements twilsock.Observer.
func (m *Manager) OnFatalError(error) {}

// OnTokenAboutToExpire implements twilsock.Observer.
func (m *Manager) OnTokenAboutToExpire() {}

func (m *Manager) post(ctx context.Context, ev event) error {
	select {
	case <-m.done:
		return syncerr.New(syncerr.ClientShutdown, "subscription manager stopped")
	default:
	}

	select {
	case m.inbox <- ev:
		return nil
	case <-ctx.Done():
		return syncerr.Wrap(syncerr.Cancelled, ctx.Err())
	case <-m.done:
		return syncerr.New(syncerr.ClientShutdown, "subscription manager stopped")
	}
}

// Run is the event loop. It returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	defer close(m.events)

	m.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			if m.current != nil && m.current.timer != nil {
				m.current.timer.Stop()
			}

			if m.retryTimer != nil {
				m.retryTimer.Stop()
			}

			return ctx.Err()

		case ev := <-m.inbox:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSubscribe:
		m.subscribe(ev.sub, ev.lastEventID)
	case evUnsubscribe:
		m.unsubscribe(ev.sub)
	case evConnection:
		m.setConnected(ev.connected)
	case evNotification:
		m.notification(ctx, ev.payload)
	case evSent:
		m.sent(ev.id, ev.resp, ev.err)
	case evDeadline:
		m.deadline(ev.id)
	case evRetry:
		if ev.seq == m.retrySeq {
			m.backoff = false
		}
	}

	m.pump()
}

func (m *Manager) queue(e *entry, a action) {
	m.nextSeq++
	e.want = a
	e.queued = m.nextSeq
}

func (e *entry) notify() {
	c := StateChange{State: e.state, Err: e.err}
	for sub := range e.watchers {
		sub.publish(c)
	}
}

func (m *Manager) subscribe(sub *Subscription, lastEventID *int64) {
	e := m.entries[sub.sid]
	if e == nil {
		e = &entry{sid: sub.sid, typ: sub.typ, watchers: make(map[*Subscription]struct{})}
		m.entries[sub.sid] = e
	}

	e.refs++
	e.watchers[sub] = struct{}{}

	if lastEventID != nil && (!e.hasEventID || *lastEventID > e.lastEventID) {
		e.lastEventID, e.hasEventID = *lastEventID, true
	}

	switch {
	case e.batch != "":
		// Resolved when the batch in flight settles.
	case e.want == actUnsubscribe:
		e.want = actNone
	case e.state == Unsubscribed || e.state == Failed:
		e.state, e.err = Pending, nil
		m.queue(e, actSubscribe)
		e.notify()

		return
	}

	sub.publish(StateChange{State: e.state, Err: e.err})
}

func (m *Manager) unsubscribe(sub *Subscription) {
	e := m.entries[sub.sid]
	if e == nil {
		return
	}

	if _, ok := e.watchers[sub]; !ok {
		return
	}

	delete(e.watchers, sub)
	e.refs--
	sub.publish(StateChange{State: Unsubscribed})

	if e.refs > 0 || e.batch != "" {
		return
	}

	if e.state == Established {
		m.queue(e, actUnsubscribe)
		return
	}

	delete(m.entries, e.sid)
}

func (m *Manager) setConnected(connected bool) {
	if connected == m.connected {
		return
	}

	m.connected = connected

	if connected {
		return
	}

	// The server forgets subscriptions with the connection: everything
	// committed or in flight is subscribed again after reconnecting.
	if b := m.current; b != nil {
		if b.timer != nil {
			b.timer.Stop()
		}

		m.current = nil
	}

	poked := 0

	for sid, e := range m.entries {
		e.batch = ""

		if e.refs == 0 {
			delete(m.entries, sid)
			continue
		}

		if e.state == Established || e.state == Subscribing || e.want != actNone {
			e.state = Pending
			m.queue(e, actSubscribe)
			e.notify()
			poked++
		}
	}

	if poked > 0 {
		m.logger.Info("connection lost, resubscribing", slog.Int("entities", poked))
	}
}

// pump sends the next batch when connected, idle and not backing off.
func (m *Manager) pump() {
	if !m.connected || m.current != nil || m.backoff {
		return
	}

	var ready []*entry

	for _, e := range m.entries {
		if e.want != actNone && e.batch == "" {
			ready = append(ready, e)
		}
	}

	if len(ready) == 0 {
		return
	}

	slices.SortFunc(ready, func(a, b *entry) int { return cmp.Compare(a.queued, b.queued) })

	want := ready[0].want

	b := &batch{id: uuid.NewString(), action: backend.ActionEstablish, unresolved: make(map[string]struct{})}
	if want == actUnsubscribe {
		b.action = backend.ActionCancel
	}

	req := backend.SubscriptionRequest{Action: b.action, CorrelationID: b.id}

	for _, e := range ready {
		if len(req.Requests) == m.batchSize {
			break
		}

		if e.want != want {
			continue
		}

		target := backend.SubscriptionTarget{ObjectSid: e.sid, ObjectType: string(e.typ)}
		if want == actSubscribe && e.hasEventID {
			id := e.lastEventID
			target.LastEventID = &id
		}

		req.Requests = append(req.Requests, target)
		b.unresolved[e.sid] = struct{}{}
		e.batch = b.id
		e.want = actNone

		if want == actSubscribe {
			e.state = Subscribing
			e.notify()
		}
	}

	m.current = b

	m.logger.Debug("sending subscription batch",
		slog.String("correlation_id", b.id),
		slog.String("action", string(b.action)),
		slog.Int("entities", len(req.Requests)),
	)

	ctx := m.runCtx

	go func() {
		resp, err := m.sender.Subscriptions(ctx, req)

		select {
		case m.inbox <- event{kind: evSent, id: req.CorrelationID, resp: resp, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Manager) sent(id string, resp backend.SubscriptionResponse, err error) {
	if err == nil && resp.MaxBatchSize > 0 {
		m.batchSize = resp.MaxBatchSize
	}

	b := m.current
	if b == nil || b.id != id {
		return
	}

	if err != nil {
		if m.runCtx.Err() != nil {
			return
		}

		m.logger.Warn("subscription batch failed",
			slog.String("correlation_id", id),
			slog.String("error", err.Error()),
		)

		if syncerr.IsRetryable(err) {
			m.requeue(b)
			m.startBackoff()
		} else {
			m.fail(b, err)
		}

		m.current = nil

		return
	}

	wait := resp.EstimatedDelivery
	if wait <= 0 {
		wait = m.cfg.DeliveryTimeout
	}

	b.timer = time.AfterFunc(wait, func() {
		select {
		case m.inbox <- event{kind: evDeadline, id: id}:
		case <-m.done:
		}
	})
}

func (m *Manager) deadline(id string) {
	b := m.current
	if b == nil || b.id != id {
		return
	}

	m.logger.Warn("subscription outcomes not delivered in time",
		slog.String("correlation_id", id),
		slog.Int("missing", len(b.unresolved)),
	)

	m.requeue(b)
	m.current = nil
	m.startBackoff()
}

// requeue puts every unresolved entity of b back at its old queue
// position.
func (m *Manager) requeue(b *batch) {
	for sid := range b.unresolved {
		e := m.entries[sid]
		if e == nil || e.batch != b.id {
			continue
		}

		e.batch = ""

		if b.action == backend.ActionCancel {
			if e.refs > 0 {
				continue
			}

			e.want = actUnsubscribe

			continue
		}

		if e.refs == 0 {
			delete(m.entries, sid)
			continue
		}

		e.want = actSubscribe
		e.state = Pending
		e.notify()
	}
}

// fail resolves every unresolved entity of b with a permanent error.
func (m *Manager) fail(b *batch, err error) {
	for sid := range b.unresolved {
		e := m.entries[sid]
		if e == nil || e.batch != b.id {
			continue
		}

		e.batch = ""

		if b.action == backend.ActionCancel {
			e.state = Unsubscribed
		} else {
			e.state, e.err = Failed, err
		}

		m.settle(e)
	}
}

func (m *Manager) startBackoff() {
	m.backoff = true
	m.retrySeq++
	seq := m.retrySeq

	d := m.delays.Next()

	m.retryTimer = time.AfterFunc(d, func() {
		select {
		case m.inbox <- event{kind: evRetry, seq: seq}:
		case <-m.done:
		}
	})
}

func (m *Manager) notification(ctx context.Context, payload []byte) {
	t, ev, ok := classify(payload)
	if !ok {
		m.logger.Warn("ignoring malformed sync notification", slog.Int("bytes", len(payload)))
		return
	}

	if t != nil {
		m.terminal(t)
		return
	}

	if e := m.entries[ev.EntitySid]; e != nil {
		if ev.EventID > 0 {
			if !e.hasEventID || ev.EventID > e.lastEventID {
				e.lastEventID, e.hasEventID = ev.EventID, true
			} else {
				m.logger.Debug("out of order event",
					slog.String("sid", ev.EntitySid),
					slog.Int64("event_id", ev.EventID),
					slog.Int64("last_event_id", e.lastEventID),
				)
			}
		}
	} else {
		m.logger.Debug("event for entity without subscription",
			slog.String("sid", ev.EntitySid),
			slog.String("event_type", ev.EventType),
		)
	}

	select {
	case m.events <- *ev:
	case <-ctx.Done():
	}
}

func (m *Manager) terminal(t *terminal) {
	e := m.entries[t.sid]
	if e == nil {
		m.logger.Debug("subscription outcome for unknown entity", slog.String("sid", t.sid), slog.String("event_type", t.eventType))
		return
	}

	b := m.current

	if t.correlationID != "" {
		if b == nil || b.id != t.correlationID || e.batch != b.id {
			m.logger.Debug("stale subscription outcome",
				slog.String("sid", t.sid),
				slog.String("correlation_id", t.correlationID),
			)

			return
		}

		delete(b.unresolved, t.sid)
		e.batch = ""
	}

	switch t.eventType {
	case eventEstablished:
		if t.replayStatus == replayInterrupted {
			m.logger.Warn("subscription replay interrupted, resubscribing", slog.String("sid", t.sid))

			e.state = Pending
			if e.refs > 0 {
				m.queue(e, actSubscribe)
			}
		} else {
			e.state, e.err = Established, nil
		}

	case eventCancelled:
		e.state = Unsubscribed

		if t.correlationID == "" {
			m.logger.Warn("subscription cancelled by server", slog.String("sid", t.sid))
		} else if e.refs > 0 {
			e.state = Pending
			m.queue(e, actSubscribe)
		}

	case eventFailed:
		e.state, e.err = Failed, t.err
		e.want = actNone

		m.logger.Warn("subscription failed", slog.String("sid", t.sid), slog.String("error", fmt.Sprint(t.err)))
	}

	m.settle(e)

	if b != nil && m.current == b && len(b.unresolved) == 0 {
		if b.timer != nil {
			b.timer.Stop()
		}

		m.current = nil
		m.delays.Reset()
	}
}

// settle notifies watchers and drops or cancels an entity nobody wants
// any more.
func (m *Manager) settle(e *entry) {
	e.notify()

	if e.refs > 0 || e.batch != "" {
		return
	}

	if e.state == Established {
		m.queue(e, actUnsubscribe)
		return
	}

	delete(m.entries, e.sid)
}
