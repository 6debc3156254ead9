package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func ptime(t time.Time) *time.Time { return &t }

func testRooms() []ChatRoom {
	return []ChatRoom{
		{ID: "r-old", VendorID: "v1", ClientID: "c1", LastActivityAt: ptime(at(10)), ClientUnread: 2},
		{ID: "r-new", VendorID: "v2", ClientID: "c1", LastActivityAt: ptime(at(50)), ClientUnread: -3},
		{ID: "r-other", VendorID: "v1", ClientID: "c2", LastActivityAt: ptime(at(99))},
		{ID: "r-mid", VendorID: "v3", ClientID: "c1", UpdatedAt: at(30)},
	}
}

func TestRoomListCacheLoad(t *testing.T) {
	gw := newFakeGateway()
	gw.rooms = testRooms()
	c := NewRoomListCache(gw, nil, time.Second)
	actor := Actor{ID: "c1", Side: SideClient}

	rooms, err := c.Load(context.Background(), actor)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var ids []string
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	if !equalStrings(ids, []string{"r-new", "r-mid", "r-old"}) {
		t.Fatalf("rooms = %v", ids)
	}
	if rooms[0].ClientUnread != 0 {
		t.Fatalf("negative counter not clamped: %d", rooms[0].ClientUnread)
	}
	if !c.Loaded() || len(c.Rooms()) != 3 {
		t.Fatal("cache not populated")
	}

	t.Run("failure leaves cache unchanged", func(t *testing.T) {
		gw.mu.Lock()
		gw.roomsErr = &APIError{Op: "read", StatusCode: 503}
		gw.mu.Unlock()

		if _, err := c.Load(context.Background(), actor); !IsTransient(err) {
			t.Fatalf("err = %v, want transient", err)
		}
		if len(c.Rooms()) != 3 {
			t.Fatalf("cache changed on failure: %d rooms", len(c.Rooms()))
		}
	})
}

func TestRoomListCacheCoalescesLoads(t *testing.T) {
	gw := newFakeGateway()
	gw.rooms = testRooms()
	gw.roomsGate = make(chan struct{})
	c := NewRoomListCache(gw, nil, time.Second)
	actor := Actor{ID: "c1", Side: SideClient}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Load(context.Background(), actor)
			errs <- err
		}()
	}

	waitFor(t, "first read", func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return gw.roomReads >= 1
	})
	time.Sleep(20 * time.Millisecond)
	close(gw.roomsGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	gw.mu.Lock()
	reads := gw.roomReads
	gw.mu.Unlock()
	if reads != 1 {
		t.Fatalf("reads = %d, want 1", reads)
	}
}

func TestRoomListCacheLoadCancelled(t *testing.T) {
	gw := newFakeGateway()
	gw.roomsGate = make(chan struct{})
	defer close(gw.roomsGate)
	c := NewRoomListCache(gw, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Load(ctx, Actor{ID: "c1", Side: SideClient}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRoomListCacheResetDiscardsInflightLoad(t *testing.T) {
	gw := newFakeGateway()
	gw.rooms = testRooms()
	gw.roomsGate = make(chan struct{})
	c := NewRoomListCache(gw, nil, time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Load(context.Background(), Actor{ID: "c1", Side: SideClient})
	}()
	waitFor(t, "read started", func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return gw.roomReads == 1
	})
	c.Reset()
	close(gw.roomsGate)
	<-done

	if c.Loaded() || len(c.Rooms()) != 0 {
		t.Fatal("load started before reset repopulated the cache")
	}
}

func TestRoomListCachePatches(t *testing.T) {
	gw := newFakeGateway()
	gw.rooms = testRooms()
	c := NewRoomListCache(gw, nil, time.Second)
	if _, err := c.Load(context.Background(), Actor{ID: "c1", Side: SideClient}); err != nil {
		t.Fatal(err)
	}

	t.Run("preview moves room to top", func(t *testing.T) {
		if !c.PatchPreview("r-old", "see you there", at(200)) {
			t.Fatal("patch rejected")
		}
		rooms := c.Rooms()
		if rooms[0].ID != "r-old" || rooms[0].LastMessage != "see you there" {
			t.Fatalf("top room = %+v", rooms[0])
		}
	})

	t.Run("older preview ignored", func(t *testing.T) {
		if c.PatchPreview("r-old", "stale", at(150)) {
			t.Fatal("older preview applied")
		}
		r, _ := c.Room("r-old")
		if r.LastMessage != "see you there" {
			t.Fatalf("preview = %q", r.LastMessage)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		if c.PatchPreview("nope", "x", at(300)) {
			t.Fatal("patched unknown room")
		}
	})

	t.Run("reset unread", func(t *testing.T) {
		c.ResetUnread("r-old", SideClient)
		r, _ := c.Room("r-old")
		if r.UnreadFor(SideClient) != 0 {
			t.Fatalf("unread = %d", r.UnreadFor(SideClient))
		}
	})

	t.Run("remove", func(t *testing.T) {
		c.Remove("r-mid")
		if _, ok := c.Room("r-mid"); ok {
			t.Fatal("room still cached")
		}
	})
}
