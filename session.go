package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Session is the sync engine of one signed-in user.
//
// It owns the room list, the open room's message store, its push
// subscription and its fallback poller. All store mutations run on a single
// event-loop goroutine; gateway calls run on the caller's goroutine or on
// background workers and post their results back to the loop.
//
// A Session must be released with Dispose.
type Session struct {
	actor Actor
	gw    Gateway
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	rooms *RoomListCache
	subs  *SubscriptionManager
	store *MessageStore
	rec   *Reconciler

	queue   chan func()
	changes chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	bgMu     sync.Mutex
	bg       sync.WaitGroup

	// roomMu serialises OpenRoom and CloseRoom.
	roomMu     sync.Mutex
	mu         sync.Mutex
	room       *openRoom
	roomStatus Status

	disposeOnce sync.Once
}

type openRoom struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	poller *FallbackPoller
	// dropped is set once the subscription left Subscribed; the next
	// Subscribed triggers a catch-up read.
	dropped atomic.Bool
}

// NewSession starts a session for actor on top of gw.
func NewSession(actor Actor, gw Gateway, opts ...SessionOption) (*Session, error) {
	if actor.ID == "" {
		return nil, validationError("actor id is required")
	}
	if !actor.Side.Valid() {
		return nil, validationError("unknown side %q", actor.Side)
	}
	if gw == nil {
		return nil, validationError("gateway is required")
	}

	s := &Session{
		actor: actor,
		gw:    gw,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.defaults()
	s.log = s.log.With(zap.String("user_id", actor.ID), zap.String("side", string(actor.Side)))

	s.store = NewMessageStore()
	s.rec = NewReconciler(s.store, actor, s.log)
	s.rooms = NewRoomListCache(gw, s.log, s.cfg.ReadTimeout)
	s.subs = NewSubscriptionManager(gw, s.cfg.subscription(), s.log)

	s.queue = make(chan func(), s.cfg.QueueSize)
	s.changes = make(chan struct{}, 1)
	s.loopDone = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.loop()
	return s, nil
}

// Actor returns the user the session acts for.
func (s *Session) Actor() Actor { return s.actor }

// ============================================================================
// Event loop
// ============================================================================

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.queue:
			s.runSafe(fn)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// submit queues fn on the loop, blocking while the queue is full.
func (s *Session) submit(ctx context.Context, fn func()) error {
	select {
	case s.queue <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// call runs fn on the loop and waits for it. ctx only bounds queueing; once
// queued, fn always runs unless the session is disposed.
func (s *Session) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.submit(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// goBackground runs fn on a worker bound to the session lifetime.
func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) alive() error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return nil
}

// Changes signals that rooms, messages or connection state changed. Signals
// coalesce; readers re-read state after each receive.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// ============================================================================
// Room list
// ============================================================================

// LoadRooms reads the rooms visible to the actor.
func (s *Session) LoadRooms(ctx context.Context) ([]ChatRoom, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	rooms, err := s.rooms.Load(ctx, s.actor)
	if err != nil {
		return nil, err
	}
	s.notify()
	return rooms, nil
}

// Rooms returns the cached room list.
func (s *Session) Rooms() []ChatRoom { return s.rooms.Rooms() }

// WatchRooms subscribes to room changes of the actor. Each change reloads
// the room list.
func (s *Session) WatchRooms() error {
	if err := s.alive(); err != nil {
		return err
	}
	var dropped atomic.Bool
	_, err := s.subs.Watch(UserFilter(s.actor),
		func(ctx context.Context, ev ChangeEvent) {
			if ev.Room == nil {
				return
			}
			s.reloadRooms()
		},
		func(st Status) {
			switch st.State {
			case StateSubscribed:
				if dropped.Swap(false) {
					s.reloadRooms()
				}
			case StateDegraded:
				dropped.Store(true)
				if st.Terminal {
					s.log.Warn("room list subscription degraded", zap.Error(st.Err))
				}
			}
		},
	)
	return err
}

func (s *Session) reloadRooms() {
	s.goBackground(func(ctx context.Context) {
		if _, err := s.rooms.Load(ctx, s.actor); err != nil {
			if ctx.Err() == nil {
				s.log.Debug("room list reload failed", zap.Error(err))
			}
			return
		}
		s.notify()
	})
}

// ============================================================================
// Open room
// ============================================================================

// OpenRoom makes roomID the open room. The previous room is torn down first.
// The room stays open when the initial read fails transiently; the fallback
// poller and the subscription keep trying. A missing room is closed again
// and dropped from the room list.
func (s *Session) OpenRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return validationError("room id is required")
	}
	if err := s.alive(); err != nil {
		return err
	}

	or, err := s.switchRoom(ctx, roomID)
	if err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(or.ctx, s.cfg.ReadTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	msgs, err := s.gw.ReadMessages(readCtx, roomID)
	if errors.Is(err, ErrNotFound) {
		s.rooms.Remove(roomID)
		s.closeRoomIf(or)
		s.notify()
		return fmt.Errorf("open room %s: %w", roomID, err)
	}
	if err == nil {
		if err := s.submit(ctx, func() {
			if s.rec.ApplyMessages(roomID, SourceLoad, msgs) > 0 {
				s.notify()
			}
		}); err != nil {
			return err
		}
	}

	// The room is open even when the first read failed; whatever the poller
	// brings in later is displayed and counts as read.
	if or.ctx.Err() == nil {
		s.rooms.ResetUnread(roomID, s.actor.Side)
		s.notify()
		s.goBackground(func(ctx context.Context) { s.markRead(ctx, roomID) })
	}
	if err != nil {
		return fmt.Errorf("open room %s: %w", roomID, err)
	}
	return nil
}

func (s *Session) switchRoom(ctx context.Context, roomID string) (*openRoom, error) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.teardownRoom()

	or := &openRoom{id: roomID}
	or.ctx, or.cancel = context.WithCancel(s.ctx)

	if err := s.call(ctx, func() {
		s.store.Reset()
		s.rec.SetRoom(roomID)
	}); err != nil {
		or.cancel()
		return nil, err
	}

	or.poller = NewFallbackPoller(roomID, s.cfg.PollGrace, s.cfg.PollInterval,
		func(ctx context.Context) error { return s.pollRoom(ctx, roomID) }, s.log)

	s.mu.Lock()
	s.room = or
	s.roomStatus = Status{Key: RoomFilter(roomID).Key(), State: StateIdle}
	s.mu.Unlock()

	or.poller.Start(or.ctx)
	if _, err := s.subs.Watch(RoomFilter(roomID),
		func(ctx context.Context, ev ChangeEvent) {
			_ = s.submit(ctx, func() {
				if s.rec.ApplyChange(roomID, ev) {
					s.notify()
				}
			})
		},
		func(st Status) { s.onRoomStatus(or, st) },
	); err != nil {
		s.teardownRoom()
		return nil, err
	}

	s.log.Debug("room opened", zap.String("room_id", roomID))
	return or, nil
}

func (s *Session) onRoomStatus(or *openRoom, st Status) {
	s.mu.Lock()
	current := s.room == or
	if current {
		s.roomStatus = st
	}
	s.mu.Unlock()
	if !current {
		return
	}

	or.poller.Notify(st.State)
	switch st.State {
	case StateDegraded:
		or.dropped.Store(true)
	case StateSubscribed:
		// Rows written while the channel was down are not replayed.
		if or.dropped.Swap(false) {
			s.goBackground(func(context.Context) {
				if err := s.pollRoom(or.ctx, or.id); err != nil && or.ctx.Err() == nil {
					s.log.Debug("catch-up read failed", zap.String("room_id", or.id), zap.Error(err))
				}
			})
		}
	}
	s.notify()
}

func (s *Session) pollRoom(ctx context.Context, roomID string) error {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	msgs, err := s.gw.ReadMessages(readCtx, roomID)
	if err != nil {
		return err
	}
	return s.submit(ctx, func() {
		if s.rec.ApplyMessages(roomID, SourcePoll, msgs) > 0 {
			s.notify()
		}
	})
}

func (s *Session) markRead(ctx context.Context, roomID string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.gw.MarkRead(ctx, roomID, s.actor); err != nil {
		s.log.Warn("mark read failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// CloseRoom closes the open room, if any.
func (s *Session) CloseRoom() {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	s.teardownRoom()
	s.notify()
}

func (s *Session) closeRoomIf(or *openRoom) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	s.mu.Lock()
	current := s.room == or
	s.mu.Unlock()
	if current {
		s.teardownRoom()
	}
}

// teardownRoom must be called with roomMu held.
func (s *Session) teardownRoom() {
	s.mu.Lock()
	or := s.room
	s.room = nil
	s.roomStatus = Status{}
	s.mu.Unlock()
	if or == nil {
		return
	}

	or.cancel()
	or.poller.Stop()
	s.subs.Unwatch(RoomFilter(or.id).Key())
	_ = s.call(context.Background(), func() {
		if s.rec.Room() == or.id {
			s.rec.SetRoom("")
			s.store.Reset()
		}
	})
	s.log.Debug("room closed", zap.String("room_id", or.id))
}

// CurrentRoom returns the open room id, or "" when none is open.
func (s *Session) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.id
}

// Messages returns the open room's entries in display order.
func (s *Session) Messages() []Entry { return s.store.Snapshot() }

// RoomStatus returns the open room's subscription state.
func (s *Session) RoomStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomStatus
}

// Disconnected reports whether the open room's push channel is down.
func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room != nil && s.roomStatus.State != StateSubscribed
}

// Polling reports whether the open room is being polled.
func (s *Session) Polling() bool {
	s.mu.Lock()
	or := s.room
	s.mu.Unlock()
	return or != nil && or.poller.Active()
}

// ============================================================================
// Dispose
// ============================================================================

// Dispose releases every subscription, timer and worker of the session.
// Later calls return ErrSessionClosed; Dispose itself may be called again.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.roomMu.Lock()
		s.teardownRoom()
		s.roomMu.Unlock()

		s.subs.CloseAll()
		s.bgMu.Lock()
		s.cancel()
		s.bgMu.Unlock()
		<-s.loopDone
		s.bg.Wait()

		s.store.Reset()
		s.rooms.Reset()
		s.log.Debug("session disposed")
	})
}
