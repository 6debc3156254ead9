package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id, room, sender, content string, sec int) Message {
	return Message{
		ID:        id,
		RoomID:    room,
		SenderID:  sender,
		Content:   content,
		Type:      MessageText,
		CreatedAt: at(sec),
		UpdatedAt: at(sec),
	}
}

func keys(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fastConfig keeps every timer short enough for unit tests.
func fastConfig() Config {
	return Config{
		ConfirmTimeout:   200 * time.Millisecond,
		ReconnectTimeout: 100 * time.Millisecond,
		Backoff:          BackoffPolicy{Base: 10 * time.Millisecond, Multiplier: 1.5, Max: time.Second, MaxAttempts: 3},
		PollGrace:        time.Hour,
		PollInterval:     20 * time.Millisecond,
		QueueSize:        16,
		ReadTimeout:      time.Second,
		WriteTimeout:     time.Second,
	}
}

// ============================================================================
// Fake gateway
// ============================================================================

type fakeWatch struct {
	filter Filter
	h      WatchHandlers
	ctx    context.Context
	closed atomic.Bool
}

func (w *fakeWatch) Filter() Filter { return w.filter }

// push delivers a change as the server would.
func (w *fakeWatch) push(ev ChangeEvent) {
	if w.h.OnEvent != nil {
		w.h.OnEvent(ev)
	}
}

func (w *fakeWatch) fail(err error) {
	if w.h.OnError != nil {
		w.h.OnError(err)
	}
}

type previewCall struct {
	roomID  string
	preview string
	at      time.Time
}

type fakeGateway struct {
	mu sync.Mutex

	rooms     []ChatRoom
	roomsErr  error
	roomReads int
	// roomsGate blocks ReadRooms until closed, when set.
	roomsGate chan struct{}

	messages map[string][]Message
	readErr  error
	reads    map[string]int

	writeFn func(NewMessage) (Message, error)
	written []NewMessage

	previews   []previewCall
	previewErr error
	marked     []string
	markErr    error

	// confirm makes Watch report OnSubscribed right away.
	confirm  bool
	watchErr error
	watches  []*fakeWatch
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: make(map[string][]Message),
		reads:    make(map[string]int),
		confirm:  true,
	}
}

func (g *fakeGateway) ReadRooms(ctx context.Context, scope RoomScope) ([]ChatRoom, error) {
	g.mu.Lock()
	g.roomReads++
	gate := g.roomsGate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.roomsErr != nil {
		return nil, g.roomsErr
	}
	out := make([]ChatRoom, len(g.rooms))
	copy(out, g.rooms)
	return out, nil
}

func (g *fakeGateway) ReadMessages(ctx context.Context, roomID string) ([]Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads[roomID]++
	if g.readErr != nil {
		return nil, g.readErr
	}
	out := make([]Message, len(g.messages[roomID]))
	copy(out, g.messages[roomID])
	return out, nil
}

func (g *fakeGateway) WriteMessage(ctx context.Context, m NewMessage) (Message, error) {
	g.mu.Lock()
	g.written = append(g.written, m)
	fn := g.writeFn
	n := len(g.written)
	g.mu.Unlock()

	if fn != nil {
		return fn(m)
	}
	out := Message{
		ID:        fmt.Sprintf("srv-%d", n),
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: at(100 + n),
		UpdatedAt: at(100 + n),
	}
	g.mu.Lock()
	g.messages[m.RoomID] = append(g.messages[m.RoomID], out)
	g.mu.Unlock()
	return out, nil
}

func (g *fakeGateway) UpdateRoomPreview(ctx context.Context, roomID, preview string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.previews = append(g.previews, previewCall{roomID, preview, at})
	return g.previewErr
}

func (g *fakeGateway) MarkRead(ctx context.Context, roomID string, reader Actor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = append(g.marked, roomID)
	return g.markErr
}

func (g *fakeGateway) Watch(ctx context.Context, f Filter, h WatchHandlers) (SubscriptionHandle, error) {
	g.mu.Lock()
	err := g.watchErr
	confirm := g.confirm
	w := &fakeWatch{filter: f, h: h, ctx: ctx}
	if err == nil {
		g.watches = append(g.watches, w)
	}
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if confirm && h.OnSubscribed != nil {
		go h.OnSubscribed()
	}
	return w, nil
}

func (g *fakeGateway) Close(h SubscriptionHandle) error {
	w, ok := h.(*fakeWatch)
	if !ok {
		return errors.New("unexpected handle")
	}
	w.closed.Store(true)
	return nil
}

func (g *fakeGateway) setMessages(roomID string, msgs ...Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[roomID] = msgs
}

func (g *fakeGateway) readCount(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads[roomID]
}

func (g *fakeGateway) watchCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, w := range g.watches {
		if w.filter.Key() == key {
			n++
		}
	}
	return n
}

// lastWatch returns the newest watch for key, waiting for it to appear.
func (g *fakeGateway) lastWatch(t *testing.T, key string) *fakeWatch {
	t.Helper()
	var w *fakeWatch
	waitFor(t, "watch "+key, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i := len(g.watches) - 1; i >= 0; i-- {
			if g.watches[i].filter.Key() == key {
				w = g.watches[i]
				return true
			}
		}
		return false
	})
	return w
}

func (g *fakeGateway) previewCalls() []previewCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]previewCall(nil), g.previews...)
}

func (g *fakeGateway) markedRooms() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.marked...)
}
