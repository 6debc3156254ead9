package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ============================================================================
// Subscription state
// ============================================================================

// SubState is the lifecycle state of one push subscription.
type SubState string

const (
	StateIdle         SubState = "idle"
	StateConnecting   SubState = "connecting"
	StateSubscribed   SubState = "subscribed"
	StateDegraded     SubState = "degraded"
	StateReconnecting SubState = "reconnecting"
	StateClosed       SubState = "closed"
)

// Status is a snapshot of a subscription's state.
type Status struct {
	Key   string
	State SubState
	// Attempt is the number of reconnects scheduled since the last
	// successful subscribe.
	Attempt int
	// Delay is the wait before the next reconnect (StateReconnecting only).
	Delay time.Duration
	Err   error
	// Terminal is set on StateDegraded once the retry budget is spent.
	Terminal bool
}

// SubscriptionConfig tunes subscription lifecycles.
type SubscriptionConfig struct {
	ConfirmTimeout   time.Duration
	ReconnectTimeout time.Duration
	Backoff          BackoffPolicy
	QueueSize        int
}

func (c *SubscriptionConfig) defaults() {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 20 * time.Second
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 8 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	c.Backoff.defaults()
}

// EventFunc consumes push events. ctx is cancelled when the subscription
// closes; implementations that block must select on it.
type EventFunc func(ctx context.Context, ev ChangeEvent)

// StatusFunc observes state transitions. It runs on the subscription's
// goroutine and must not block.
type StatusFunc func(Status)

// ============================================================================
// Subscription
// ============================================================================

// Subscription owns one push channel and keeps it open with retries until
// closed. A closed subscription is never reopened.
type Subscription struct {
	filter   Filter
	gw       Gateway
	cfg      SubscriptionConfig
	log      *zap.Logger
	onEvent  EventFunc
	onStatus StatusFunc

	events chan ChangeEvent

	mu     sync.Mutex
	status Status

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	forwarded chan struct{}
	closeOnce sync.Once
}

func newSubscription(gw Gateway, filter Filter, cfg SubscriptionConfig, log *zap.Logger, onEvent EventFunc, onStatus StatusFunc) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		filter:    filter,
		gw:        gw,
		cfg:       cfg,
		log:       log.With(zap.String("subscription", filter.Key())),
		onEvent:   onEvent,
		onStatus:  onStatus,
		events:    make(chan ChangeEvent, cfg.QueueSize),
		status:    Status{Key: filter.Key(), State: StateIdle},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		forwarded: make(chan struct{}),
	}
}

// Filter returns what the subscription watches.
func (s *Subscription) Filter() Filter { return s.filter }

// Status returns the current state.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close tears the channel down and waits for the subscription's goroutines.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		<-s.forwarded
		s.set(Status{State: StateClosed})
	})
}

func (s *Subscription) start() {
	go s.forward()
	go s.run()
}

func (s *Subscription) set(st Status) {
	st.Key = s.filter.Key()
	s.mu.Lock()
	if s.status.State == StateClosed {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()

	s.log.Debug("subscription state",
		zap.String("state", string(st.State)),
		zap.Int("attempt", st.Attempt),
		zap.Duration("delay", st.Delay),
		zap.Bool("terminal", st.Terminal),
		zap.Error(st.Err),
	)
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// forward hands queued events to the consumer one at a time, in order.
func (s *Subscription) forward() {
	defer close(s.forwarded)
	for {
		select {
		case ev := <-s.events:
			if s.onEvent != nil {
				s.onEvent(s.ctx, ev)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription) run() {
	defer close(s.done)

	schedule := s.cfg.Backoff.NewBackOff()
	attempt := 0
	for {
		timeout := s.cfg.ConfirmTimeout
		if attempt > 0 {
			timeout = s.cfg.ReconnectTimeout
		}

		subscribed, err := s.connect(timeout, attempt)
		if s.ctx.Err() != nil {
			return
		}
		if subscribed {
			attempt = 0
			schedule.Reset()
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			s.log.Warn("subscription gave up", zap.Int("attempts", attempt), zap.Error(err))
			s.set(Status{State: StateDegraded, Attempt: attempt, Err: err, Terminal: true})
			<-s.ctx.Done()
			return
		}
		s.set(Status{State: StateDegraded, Attempt: attempt, Err: err})

		attempt++
		s.set(Status{State: StateReconnecting, Attempt: attempt, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connect opens one channel and blocks until it fails or the subscription
// closes. subscribed reports whether the server confirmed it first.
func (s *Subscription) connect(timeout time.Duration, attempt int) (subscribed bool, err error) {
	s.set(Status{State: StateConnecting, Attempt: attempt})

	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	confirmed := make(chan struct{})
	failed := make(chan error, 1)
	var confirmOnce sync.Once

	handle, err := s.gw.Watch(connCtx, s.filter, WatchHandlers{
		OnSubscribed: func() {
			confirmOnce.Do(func() { close(confirmed) })
		},
		OnEvent: func(ev ChangeEvent) {
			select {
			case s.events <- ev:
			case <-connCtx.Done():
			}
		},
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	})
	if err != nil {
		return false, err
	}
	defer func() {
		// Close waits for the gateway's reader, which may be parked in
		// OnEvent until connCtx is done.
		cancel()
		if cerr := s.gw.Close(handle); cerr != nil {
			s.log.Debug("close push channel", zap.Error(cerr))
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-confirmed:
	case err := <-failed:
		return false, err
	case <-timer.C:
		return false, fmt.Errorf("%w: subscription not confirmed within %s", ErrTransient, timeout)
	case <-s.ctx.Done():
		return false, s.ctx.Err()
	}

	s.set(Status{State: StateSubscribed})

	select {
	case err := <-failed:
		return true, err
	case <-s.ctx.Done():
		return true, s.ctx.Err()
	}
}

// ============================================================================
// Subscription manager
// ============================================================================

// SubscriptionManager keeps at most one subscription per filter key.
type SubscriptionManager struct {
	gw  Gateway
	cfg SubscriptionConfig
	log *zap.Logger

	// opMu serialises Watch/Unwatch so teardown of a replaced subscription
	// completes before its successor starts.
	opMu   sync.Mutex
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewSubscriptionManager creates a manager opening channels through gw.
func NewSubscriptionManager(gw Gateway, cfg SubscriptionConfig, log *zap.Logger) *SubscriptionManager {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &SubscriptionManager{
		gw:   gw,
		cfg:  cfg,
		log:  log,
		subs: make(map[string]*Subscription),
	}
}

// Watch opens a fresh subscription for filter, closing any previous one with
// the same key first.
func (m *SubscriptionManager) Watch(filter Filter, onEvent EventFunc, onStatus StatusFunc) (*Subscription, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	key := filter.Key()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	prev := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	sub := newSubscription(m.gw, filter, m.cfg, m.log, onEvent, onStatus)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	m.subs[key] = sub
	m.mu.Unlock()

	sub.start()
	return sub, nil
}

// Unwatch closes the subscription with the given key, if any.
func (m *SubscriptionManager) Unwatch(key string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sub := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// Status returns the state of the subscription with the given key.
func (m *SubscriptionManager) Status(key string) (Status, bool) {
	m.mu.Lock()
	sub := m.subs[key]
	m.mu.Unlock()
	if sub == nil {
		return Status{}, false
	}
	return sub.Status(), true
}

// Len returns the number of open subscriptions.
func (m *SubscriptionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// CloseAll closes every subscription. Later Watch calls fail.
func (m *SubscriptionManager) CloseAll() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
