package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PollFunc re-reads the room and hands the rows to reconciliation.
type PollFunc func(ctx context.Context) error

// FallbackPoller re-reads an open room on a fixed interval while its push
// subscription is not delivering. It never writes the store itself.
type FallbackPoller struct {
	roomID   string
	grace    time.Duration
	interval time.Duration
	poll     PollFunc
	log      *zap.Logger

	states chan SubState
	active atomic.Bool
	polls  atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFallbackPoller creates an idle poller for roomID.
func NewFallbackPoller(roomID string, grace, interval time.Duration, poll PollFunc, log *zap.Logger) *FallbackPoller {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackPoller{
		roomID:   roomID,
		grace:    grace,
		interval: interval,
		poll:     poll,
		log:      log.With(zap.String("room_id", roomID)),
		states:   make(chan SubState, 1),
		done:     make(chan struct{}),
	}
}

// Start begins watching subscription states. The grace period starts now.
func (p *FallbackPoller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		go p.run(ctx)
	})
}

// Stop cancels the poller and waits for any in-flight read to return.
func (p *FallbackPoller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			close(p.done)
			return
		}
		p.cancel()
		<-p.done
	})
}

// Notify reports the subscription's latest state. It never blocks; only the
// most recent undelivered state is kept.
func (p *FallbackPoller) Notify(state SubState) {
	for {
		select {
		case p.states <- state:
			return
		default:
		}
		select {
		case <-p.states:
		default:
		}
	}
}

// Active reports whether interval polling is running.
func (p *FallbackPoller) Active() bool { return p.active.Load() }

// Polls returns how many reads the poller issued.
func (p *FallbackPoller) Polls() int64 { return p.polls.Load() }

func (p *FallbackPoller) run(ctx context.Context) {
	defer close(p.done)

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	var (
		ticker     *time.Ticker
		tick       <-chan time.Time
		subscribed bool
	)
	activate := func(reason string) {
		if ticker != nil {
			return
		}
		p.log.Info("fallback polling started", zap.String("reason", reason), zap.Duration("interval", p.interval))
		ticker = time.NewTicker(p.interval)
		tick = ticker.C
		p.active.Store(true)
		p.pollOnce(ctx)
	}
	deactivate := func() {
		if ticker == nil {
			return
		}
		ticker.Stop()
		ticker, tick = nil, nil
		p.active.Store(false)
		p.log.Info("fallback polling stopped")
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		p.active.Store(false)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-grace.C:
			if !subscribed {
				activate("not subscribed after grace period")
			}
		case st := <-p.states:
			switch st {
			case StateSubscribed:
				subscribed = true
				deactivate()
			case StateDegraded, StateReconnecting:
				subscribed = false
				activate("subscription " + string(st))
			default:
				subscribed = false
			}
		case <-tick:
			p.pollOnce(ctx)
		}
	}
}

func (p *FallbackPoller) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	p.polls.Add(1)
	if err := p.poll(ctx); err != nil && ctx.Err() == nil {
		p.log.Warn("fallback poll failed", zap.Error(err))
	}
}
