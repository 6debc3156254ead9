package chatsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var me = Actor{ID: "me", Side: SideClient}

func newTestSession(t *testing.T, gw *fakeGateway, cfg Config) *Session {
	t.Helper()
	s, err := NewSession(me, gw, WithConfig(cfg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Dispose)
	return s
}

func sessionGateway() *fakeGateway {
	gw := newFakeGateway()
	gw.rooms = []ChatRoom{
		{ID: "r1", VendorID: "v", ClientID: "me", ClientUnread: 3, VendorUnread: 1, LastActivityAt: ptime(at(20))},
		{ID: "r2", VendorID: "w", ClientID: "me", LastActivityAt: ptime(at(10))},
	}
	return gw
}

func mustOpenRoom(t *testing.T, s *Session, roomID string) {
	t.Helper()
	if err := s.OpenRoom(context.Background(), roomID); err != nil {
		t.Fatalf("OpenRoom(%s): %v", roomID, err)
	}
}

func hasKey(s *Session, key string) bool {
	for _, e := range s.Messages() {
		if e.Key() == key {
			return true
		}
	}
	return false
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

func TestNewSessionValidates(t *testing.T) {
	gw := newFakeGateway()
	tests := []struct {
		name  string
		actor Actor
		gw    Gateway
	}{
		{"missing id", Actor{Side: SideClient}, gw},
		{"bad side", Actor{ID: "me", Side: "planner"}, gw},
		{"no gateway", me, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSession(tt.actor, tt.gw); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSessionDispose(t *testing.T) {
	gw := sessionGateway()
	s := newTestSession(t, gw, fastConfig())
	mustOpenRoom(t, s, "r1")
	if err := s.WatchRooms(); err != nil {
		t.Fatal(err)
	}
	w := gw.lastWatch(t, "room:r1")

	s.Dispose()
	s.Dispose()

	if !w.closed.Load() {
		t.Fatal("room channel left open")
	}
	if !gw.lastWatch(t, "rooms:me").closed.Load() {
		t.Fatal("room list channel left open")
	}
	if s.CurrentRoom() != "" || len(s.Messages()) != 0 {
		t.Fatal("state survived dispose")
	}

	if err := s.OpenRoom(context.Background(), "r2"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("OpenRoom err = %v", err)
	}
	if _, err := s.Send(context.Background(), SendRequest{Content: "hi"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send err = %v", err)
	}
	if _, err := s.LoadRooms(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("LoadRooms err = %v", err)
	}
	if err := s.WatchRooms(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("WatchRooms err = %v", err)
	}
}

func TestSessionLoopSurvivesPanic(t *testing.T) {
	s := newTestSession(t, newFakeGateway(), fastConfig())
	if err := s.call(context.Background(), func() { panic("boom") }); err != nil {
		t.Fatalf("call: %v", err)
	}
	ran := false
	if err := s.call(context.Background(), func() { ran = true }); err != nil || !ran {
		t.Fatalf("loop stopped after panic: %v", err)
	}
}

// ============================================================================
// Rooms
// ============================================================================

func TestSessionOpenRoom(t *testing.T) {
	gw := sessionGateway()
	gw.setMessages("r1", msg("m2", "r1", "v", "two", 2), msg("m1", "r1", "v", "one", 1))
	s := newTestSession(t, gw, fastConfig())

	if _, err := s.LoadRooms(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustOpenRoom(t, s, "r1")

	if got := keys(s.Messages()); !equalStrings(got, []string{"m1", "m2"}) {
		t.Fatalf("messages = %v", got)
	}
	if s.CurrentRoom() != "r1" {
		t.Fatalf("current room = %q", s.CurrentRoom())
	}
	r, _ := s.rooms.Room("r1")
	if r.ClientUnread != 0 || r.VendorUnread != 1 {
		t.Fatalf("unread = client %d vendor %d", r.ClientUnread, r.VendorUnread)
	}
	waitFor(t, "mark read", func() bool {
		marked := gw.markedRooms()
		return len(marked) == 1 && marked[0] == "r1"
	})
	waitFor(t, "subscribed", func() bool { return s.RoomStatus().State == StateSubscribed })
	if s.Disconnected() || s.Polling() {
		t.Fatal("subscribed room reported offline")
	}
}

func TestSessionOpenMissingRoom(t *testing.T) {
	gw := sessionGateway()
	gw.readErr = &APIError{Op: "read messages", StatusCode: 404}
	s := newTestSession(t, gw, fastConfig())
	if _, err := s.LoadRooms(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := s.OpenRoom(context.Background(), "r1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if s.CurrentRoom() != "" {
		t.Fatal("missing room left open")
	}
	if _, ok := s.rooms.Room("r1"); ok {
		t.Fatal("missing room still listed")
	}
	if !gw.lastWatch(t, "room:r1").closed.Load() {
		t.Fatal("channel of missing room left open")
	}
}

func TestSessionOpenRoomTransientFailure(t *testing.T) {
	gw := sessionGateway()
	gw.readErr = &APIError{Op: "read messages", StatusCode: 503}
	gw.confirm = false
	cfg := fastConfig()
	cfg.PollGrace = 20 * time.Millisecond
	s := newTestSession(t, gw, cfg)
	if _, err := s.LoadRooms(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.OpenRoom(context.Background(), "r1"); !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if s.CurrentRoom() != "r1" {
		t.Fatal("room closed on transient failure")
	}
	if r, _ := s.rooms.Room("r1"); r.ClientUnread != 0 {
		t.Fatalf("client unread = %d after open", r.ClientUnread)
	}
	waitFor(t, "mark read", func() bool {
		marked := gw.markedRooms()
		return len(marked) == 1 && marked[0] == "r1"
	})

	// The backend recovers and the poller fills the room in.
	gw.mu.Lock()
	gw.readErr = nil
	gw.messages["r1"] = []Message{msg("m1", "r1", "v", "hello", 1)}
	gw.mu.Unlock()
	waitFor(t, "polled message", func() bool { return hasKey(s, "m1") })
}

func TestSessionSwitchRoomIsolation(t *testing.T) {
	gw := sessionGateway()
	gw.setMessages("r1", msg("m1", "r1", "v", "for r1", 1))
	gw.setMessages("r2", msg("n1", "r2", "w", "for r2", 1))
	s := newTestSession(t, gw, fastConfig())

	mustOpenRoom(t, s, "r1")
	old := gw.lastWatch(t, "room:r1")
	mustOpenRoom(t, s, "r2")

	if !old.closed.Load() {
		t.Fatal("previous room channel left open")
	}
	if s.subs.Len() != 1 {
		t.Fatalf("subscriptions = %d, want 1", s.subs.Len())
	}

	// Late delivery on the previous room's channel.
	old.push(ChangeEvent{Type: ChangeInsert, Message: ptrMsg(msg("m2", "r1", "v", "late", 3))})
	// A misrouted row on the current channel.
	gw.lastWatch(t, "room:r2").push(ChangeEvent{Type: ChangeInsert, Message: ptrMsg(msg("m3", "r1", "v", "wrong", 4))})
	gw.lastWatch(t, "room:r2").push(ChangeEvent{Type: ChangeInsert, Message: ptrMsg(msg("n2", "r2", "w", "ok", 5))})

	waitFor(t, "n2", func() bool { return hasKey(s, "n2") })
	if got := keys(s.Messages()); !equalStrings(got, []string{"n1", "n2"}) {
		t.Fatalf("messages = %v", got)
	}
}

func TestSessionCloseRoom(t *testing.T) {
	gw := sessionGateway()
	gw.setMessages("r1", msg("m1", "r1", "v", "", 1))
	s := newTestSession(t, gw, fastConfig())
	mustOpenRoom(t, s, "r1")

	s.CloseRoom()
	if s.CurrentRoom() != "" || len(s.Messages()) != 0 {
		t.Fatal("room state left after close")
	}
	if s.Disconnected() {
		t.Fatal("closed room reported disconnected")
	}
	if _, err := s.Send(context.Background(), SendRequest{Content: "hi"}); !errors.Is(err, ErrRoomNotOpen) {
		t.Fatalf("Send err = %v", err)
	}
}

func TestSessionWatchRooms(t *testing.T) {
	gw := sessionGateway()
	s := newTestSession(t, gw, fastConfig())
	if err := s.WatchRooms(); err != nil {
		t.Fatal(err)
	}

	w := gw.lastWatch(t, "rooms:me")
	room := gw.rooms[0]
	room.LastMessage = "new quote"
	w.push(ChangeEvent{Type: ChangeUpdate, Room: &room})

	waitFor(t, "reload", func() bool { return s.rooms.Loaded() })
	if len(s.Rooms()) != 2 {
		t.Fatalf("rooms = %d", len(s.Rooms()))
	}
}

// ============================================================================
// Push and polling
// ============================================================================

func TestSessionMergesPush(t *testing.T) {
	gw := sessionGateway()
	gw.setMessages("r1", msg("m1", "r1", "v", "one", 1))
	s := newTestSession(t, gw, fastConfig())
	mustOpenRoom(t, s, "r1")
	w := gw.lastWatch(t, "room:r1")

	w.push(ChangeEvent{Type: ChangeInsert, Message: ptrMsg(msg("m5", "r1", "v", "quote ready", 5))})
	waitFor(t, "m5", func() bool { return hasKey(s, "m5") })

	edit := msg("m5", "r1", "v", "quote updated", 5)
	edit.UpdatedAt = at(9)
	w.push(ChangeEvent{Type: ChangeUpdate, Message: &edit})
	waitFor(t, "edit", func() bool {
		for _, e := range s.Messages() {
			if e.Key() == "m5" {
				return e.Msg().Content == "quote updated"
			}
		}
		return false
	})

	select {
	case <-s.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}
}

func TestSessionPollsWhenUnconfirmed(t *testing.T) {
	gw := sessionGateway()
	gw.confirm = false
	cfg := fastConfig()
	cfg.PollGrace = 30 * time.Millisecond
	s := newTestSession(t, gw, cfg)
	mustOpenRoom(t, s, "r1")

	waitFor(t, "polling", s.Polling)
	if !s.Disconnected() {
		t.Fatal("unconfirmed room reported connected")
	}

	gw.setMessages("r1", msg("m1", "r1", "v", "one", 1), msg("m2", "r1", "v", "two", 2))
	waitFor(t, "polled rows", func() bool { return len(s.Messages()) == 2 })
}

func TestSessionCatchUpAfterReconnect(t *testing.T) {
	gw := sessionGateway()
	s := newTestSession(t, gw, fastConfig())
	mustOpenRoom(t, s, "r1")
	waitFor(t, "subscribed", func() bool { return s.RoomStatus().State == StateSubscribed })

	gw.setMessages("r1", msg("m9", "r1", "v", "sent while offline", 9))
	gw.lastWatch(t, "room:r1").fail(errors.New("socket reset"))

	waitFor(t, "missed row", func() bool { return hasKey(s, "m9") })
	waitFor(t, "resubscribed", func() bool { return gw.watchCount("room:r1") == 2 && s.RoomStatus().State == StateSubscribed })
	waitFor(t, "catch-up read", func() bool { return gw.readCount("r1") >= 3 })
	waitFor(t, "polling stopped", func() bool { return !s.Polling() })
}

// ============================================================================
// Send
// ============================================================================

func TestSessionSendOptimistic(t *testing.T) {
	gw := sessionGateway()
	release := make(chan struct{})
	gw.writeFn = func(m NewMessage) (Message, error) {
		<-release
		return Message{
			ID: "srv-1", RoomID: m.RoomID, SenderID: m.SenderID,
			Content: m.Content, Type: m.Type,
			CreatedAt: at(100), UpdatedAt: at(100),
		}, nil
	}
	s := newTestSession(t, gw, fastConfig())
	if _, err := s.LoadRooms(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustOpenRoom(t, s, "r2")

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := s.Send(context.Background(), SendRequest{Content: "hello"})
		done <- result{m, err}
	}()

	waitFor(t, "pending entry", func() bool { return len(s.Messages()) == 1 })
	if _, ok := s.Messages()[0].(PendingSend); !ok {
		t.Fatalf("entry = %T, want PendingSend", s.Messages()[0])
	}
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	if res.msg.ID != "srv-1" {
		t.Fatalf("sent = %+v", res.msg)
	}
	if got := keys(s.Messages()); !equalStrings(got, []string{"srv-1"}) {
		t.Fatalf("messages = %v", got)
	}

	waitFor(t, "preview write", func() bool { return len(gw.previewCalls()) == 1 })
	call := gw.previewCalls()[0]
	if call.roomID != "r2" || call.preview != "hello" || !call.at.Equal(at(100)) {
		t.Fatalf("preview = %+v", call)
	}
	if top := s.Rooms()[0]; top.ID != "r2" || top.LastMessage != "hello" {
		t.Fatalf("room list top = %+v", top)
	}
}

func TestSessionSendFailure(t *testing.T) {
	gw := sessionGateway()
	gw.writeFn = func(NewMessage) (Message, error) {
		return Message{}, &APIError{Op: "write message", StatusCode: 503}
	}
	s := newTestSession(t, gw, fastConfig())
	mustOpenRoom(t, s, "r1")

	_, err := s.Send(context.Background(), SendRequest{Content: "hello"})
	if !IsTransient(err) || !strings.HasPrefix(err.Error(), "send message:") {
		t.Fatalf("err = %v", err)
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("pending entry left behind: %v", keys(s.Messages()))
	}
	if len(gw.previewCalls()) != 0 {
		t.Fatal("preview written for failed send")
	}
}

func TestSessionSendPreviewFailureIsLogged(t *testing.T) {
	gw := sessionGateway()
	gw.previewErr = &APIError{Op: "update preview", StatusCode: 500}
	s := newTestSession(t, gw, fastConfig())
	mustOpenRoom(t, s, "r1")

	if _, err := s.Send(context.Background(), SendRequest{Content: "hi"}); err != nil {
		t.Fatalf("Send failed on preview error: %v", err)
	}
	waitFor(t, "preview attempt", func() bool { return len(gw.previewCalls()) == 1 })
}

func TestSessionSendValidation(t *testing.T) {
	gw := sessionGateway()
	cfg := fastConfig()
	cfg.MaxContentLength = 10
	s := newTestSession(t, gw, cfg)

	if _, err := s.Send(context.Background(), SendRequest{Content: "hi"}); !errors.Is(err, ErrRoomNotOpen) || !errors.Is(err, ErrValidation) {
		t.Fatalf("send without room err = %v", err)
	}
	mustOpenRoom(t, s, "r1")

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"empty", SendRequest{Content: "  \n"}},
		{"too long", SendRequest{Content: "ééééééééééé"}},
		{"unknown type", SendRequest{Content: "hi", Type: "sticker"}},
		{"attachment without url", SendRequest{Type: MessageImage, Attachment: &Attachment{Name: "a.png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Send(context.Background(), tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	gw.mu.Lock()
	written := len(gw.written)
	gw.mu.Unlock()
	if written != 0 {
		t.Fatalf("%d invalid messages written", written)
	}
	if len(s.Messages()) != 0 {
		t.Fatal("invalid message shown")
	}

	if _, err := s.Send(context.Background(), SendRequest{Content: "ten chars!"}); err != nil {
		t.Fatalf("message at the limit rejected: %v", err)
	}
	if _, err := s.Send(context.Background(), SendRequest{Type: MessageImage, Attachment: &Attachment{URL: "https://cdn/x.png"}}); err != nil {
		t.Fatalf("attachment without caption rejected: %v", err)
	}
}

func TestSessionSelfEcho(t *testing.T) {
	gw := sessionGateway()
	s := newTestSession(t, gw, fastConfig())
	mustOpenRoom(t, s, "r1")
	w := gw.lastWatch(t, "room:r1")

	gw.writeFn = func(m NewMessage) (Message, error) {
		stored := Message{
			ID: "srv-7", RoomID: m.RoomID, SenderID: m.SenderID,
			Content: m.Content, Type: m.Type,
			CreatedAt: at(7), UpdatedAt: at(7),
		}
		// The push feed races the write response.
		w.push(ChangeEvent{Type: ChangeInsert, Message: &stored})
		return stored, nil
	}

	if _, err := s.Send(context.Background(), SendRequest{Content: "see you saturday"}); err != nil {
		t.Fatal(err)
	}
	// Let the echo drain through the loop.
	if err := s.call(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := keys(s.Messages()); !equalStrings(got, []string{"srv-7"}) {
		t.Fatalf("messages = %v", got)
	}
}

func TestPreviewText(t *testing.T) {
	long := strings.Repeat("a", 150)
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"text", Message{Type: MessageText, Content: "hello"}, "hello"},
		{"truncated", Message{Type: MessageText, Content: long}, long[:100]},
		{"image", Message{Type: MessageImage, Content: "caption"}, "[image]"},
		{"file", Message{Type: MessageFile, Attachment: &Attachment{Name: "contract.pdf"}}, "[file] contract.pdf"},
		{"file without name", Message{Type: MessageFile}, "[file]"},
		{"service", Message{Type: MessageServicePreview, Content: "Full day photography"}, "[service] Full day photography"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := previewText(tt.msg); got != tt.want {
				t.Fatalf("previewText = %q, want %q", got, tt.want)
			}
		})
	}
}
