package chatsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RoomListCache holds the rooms visible to the signed-in user.
//
// Load replaces the list wholesale. Concurrent loads for one user share a
// single in-flight read. Only the denormalized preview fields and the unread
// counters are patched locally between loads.
type RoomListCache struct {
	gw      Gateway
	log     *zap.Logger
	timeout time.Duration
	group   singleflight.Group

	mu     sync.RWMutex
	rooms  []ChatRoom
	loaded bool
	// gen invalidates loads that started before a Reset.
	gen uint64
}

// NewRoomListCache creates an empty cache reading from gw.
func NewRoomListCache(gw Gateway, log *zap.Logger, timeout time.Duration) *RoomListCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RoomListCache{gw: gw, log: log, timeout: timeout}
}

// Load reads the rooms of actor and replaces the cache. On error the cache is
// left as it was.
func (c *RoomListCache) Load(ctx context.Context, actor Actor) ([]ChatRoom, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	ch := c.group.DoChan(actor.ID, func() (any, error) {
		// Shared by every coalesced caller; one caller's cancellation must not
		// fail the others.
		readCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			readCtx, cancel = context.WithTimeout(readCtx, c.timeout)
			defer cancel()
		}
		rooms, err := c.gw.ReadRooms(readCtx, actor.Scope())
		if err != nil {
			return nil, err
		}
		rooms = visibleRooms(rooms, actor)
		sortRooms(rooms)

		c.mu.Lock()
		if c.gen == gen {
			c.rooms = rooms
			c.loaded = true
		}
		c.mu.Unlock()
		return rooms, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.log.Warn("room list load failed", zap.String("user_id", actor.ID), zap.Error(res.Err))
			return nil, res.Err
		}
		if res.Shared {
			c.log.Debug("room list load coalesced", zap.String("user_id", actor.ID))
		}
		return slices.Clone(res.Val.([]ChatRoom)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rooms returns a copy of the cached rooms, most recently active first.
func (c *RoomListCache) Rooms() []ChatRoom {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.rooms)
}

// Loaded reports whether at least one load succeeded since the last reset.
func (c *RoomListCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Room returns the cached room with the given id.
func (c *RoomListCache) Room(id string) (ChatRoom, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.indexLocked(id)
	if i < 0 {
		return ChatRoom{}, false
	}
	return c.rooms[i], true
}

// PatchPreview updates the denormalized last message of a cached room.
// Older previews never overwrite newer ones.
func (c *RoomListCache) PatchPreview(id, preview string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return false
	}
	r := &c.rooms[i]
	if r.LastMessageAt != nil && r.LastMessageAt.After(at) {
		return false
	}
	r.LastMessage = preview
	r.LastMessageAt = &at
	r.LastActivityAt = &at
	sortRooms(c.rooms)
	return true
}

// ResetUnread zeroes the counter owned by side.
func (c *RoomListCache) ResetUnread(id string, side Side) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return
	}
	if side == SideVendor {
		c.rooms[i].VendorUnread = 0
	} else {
		c.rooms[i].ClientUnread = 0
	}
}

// Remove drops a room, e.g. after the service reported it missing.
func (c *RoomListCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		c.rooms = slices.Delete(c.rooms, i, i+1)
	}
}

// Reset empties the cache. Loads still in flight will not repopulate it.
func (c *RoomListCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = nil
	c.loaded = false
	c.gen++
}

func (c *RoomListCache) indexLocked(id string) int {
	return slices.IndexFunc(c.rooms, func(r ChatRoom) bool { return r.ID == id })
}

// visibleRooms keeps rooms where actor holds its own side and clamps
// counters at zero.
func visibleRooms(rooms []ChatRoom, actor Actor) []ChatRoom {
	out := make([]ChatRoom, 0, len(rooms))
	for _, r := range rooms {
		if r.ParticipantID(actor.Side) != actor.ID {
			continue
		}
		r.VendorUnread = max(r.VendorUnread, 0)
		r.ClientUnread = max(r.ClientUnread, 0)
		out = append(out, r)
	}
	return out
}

func sortRooms(rooms []ChatRoom) {
	slices.SortStableFunc(rooms, func(a, b ChatRoom) int {
		return activity(b).Compare(activity(a))
	})
}

func activity(r ChatRoom) time.Time {
	if r.LastActivityAt != nil {
		return *r.LastActivityAt
	}
	if r.LastMessageAt != nil {
		return *r.LastMessageAt
	}
	return r.UpdatedAt
}
