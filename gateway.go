package chatsync

import (
	"context"
	"time"
)

// FilterKind selects what a push subscription watches.
type FilterKind string

const (
	// FilterRoom watches message rows of one room.
	FilterRoom FilterKind = "room"
	// FilterUser watches room rows visible to one user.
	FilterUser FilterKind = "user"
)

// Filter is the key of a push subscription.
type Filter struct {
	Kind FilterKind
	ID   string
	// Side scopes FilterUser subscriptions.
	Side Side
}

// RoomFilter watches messages of roomID.
func RoomFilter(roomID string) Filter {
	return Filter{Kind: FilterRoom, ID: roomID}
}

// UserFilter watches the room list of actor.
func UserFilter(actor Actor) Filter {
	return Filter{Kind: FilterUser, ID: actor.ID, Side: actor.Side}
}

// Key identifies the filter in the subscription manager.
func (f Filter) Key() string {
	if f.Kind == FilterUser {
		return "rooms:" + f.ID
	}
	return "room:" + f.ID
}

// WatchHandlers receive push channel callbacks. Handlers may be invoked from
// gateway goroutines and must not block for long.
type WatchHandlers struct {
	// OnSubscribed fires once the server confirmed the subscription.
	OnSubscribed func()
	OnEvent      func(ChangeEvent)
	// OnError reports a transport failure. The channel is unusable afterwards.
	OnError func(error)
}

// SubscriptionHandle is an open push channel.
type SubscriptionHandle interface {
	Filter() Filter
}

// Gateway is the remote data service holding rooms and messages.
type Gateway interface {
	ReadRooms(ctx context.Context, scope RoomScope) ([]ChatRoom, error)
	// ReadMessages returns the room's messages ordered by creation time.
	ReadMessages(ctx context.Context, roomID string) ([]Message, error)
	WriteMessage(ctx context.Context, msg NewMessage) (Message, error)
	UpdateRoomPreview(ctx context.Context, roomID, preview string, at time.Time) error
	// MarkRead marks every message of the room not sent by reader as read and
	// resets the reader's unread counter.
	MarkRead(ctx context.Context, roomID string, reader Actor) error

	Watch(ctx context.Context, filter Filter, h WatchHandlers) (SubscriptionHandle, error)
	Close(h SubscriptionHandle) error
}
