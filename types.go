package chatsync

import "time"

// ============================================================================
// Participants
// ============================================================================

// Side identifies which participant of a room an actor is.
type Side string

const (
	SideVendor Side = "vendor"
	SideClient Side = "client"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideVendor || s == SideClient
}

// Actor is the signed-in user the engine acts for.
type Actor struct {
	ID   string `json:"id"`
	Side Side   `json:"side"`
}

// RoomScope filters the rooms visible to an actor: rooms where the actor
// holds the given side.
type RoomScope struct {
	UserID string
	Side   Side
}

// Scope returns the room scope visible to the actor.
func (a Actor) Scope() RoomScope {
	return RoomScope{UserID: a.ID, Side: a.Side}
}

// ============================================================================
// Rooms
// ============================================================================

// RoomStatus is the lifecycle status of a chat room.
type RoomStatus string

const (
	RoomActive   RoomStatus = "active"
	RoomArchived RoomStatus = "archived"
	RoomBlocked  RoomStatus = "blocked"
)

// ChatRoom is a conversation between one vendor and one client.
type ChatRoom struct {
	ID             string     `json:"id"`
	VendorID       string     `json:"vendor_id"`
	ClientID       string     `json:"client_id"`
	LastMessage    string     `json:"last_message,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	VendorUnread   int        `json:"vendor_unread_count"`
	ClientUnread   int        `json:"client_unread_count"`
	Status         RoomStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// UnreadFor returns the unread counter owned by the given side.
func (r ChatRoom) UnreadFor(side Side) int {
	if side == SideVendor {
		return r.VendorUnread
	}
	return r.ClientUnread
}

// ParticipantID returns the user holding the given side of the room.
func (r ChatRoom) ParticipantID(side Side) string {
	if side == SideVendor {
		return r.VendorID
	}
	return r.ClientID
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText           MessageType = "text"
	MessageImage          MessageType = "image"
	MessageFile           MessageType = "file"
	MessageServicePreview MessageType = "service_preview"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageServicePreview:
		return true
	}
	return false
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Message is a persisted chat message.
type Message struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	SenderID    string      `json:"sender_id"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ReplyToID   *string     `json:"reply_to_id,omitempty"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
	ReadAt      *time.Time  `json:"read_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewMessage is the input of a durable message write.
type NewMessage struct {
	RoomID     string      `json:"room_id"`
	SenderID   string      `json:"sender_id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReplyToID  *string     `json:"reply_to_id,omitempty"`
}

// ============================================================================
// Local entries
// ============================================================================

// Entry is one item of the local message sequence. It is either a
// PendingSend (optimistic, not yet confirmed) or a ConfirmedMessage.
type Entry interface {
	// Key is the store identity: the temp id for pending sends, the server
	// id for confirmed messages.
	Key() string
	// Msg returns the message fields for display.
	Msg() Message

	entry()
}

// PendingSend is an optimistic message shown before the server confirmed it.
type PendingSend struct {
	TempID  string
	Message Message
}

func (p PendingSend) Key() string  { return p.TempID }
func (p PendingSend) Msg() Message { return p.Message }
func (PendingSend) entry()         {}

// ConfirmedMessage is a message known to the server.
type ConfirmedMessage struct {
	Message
}

func (c ConfirmedMessage) Key() string  { return c.ID }
func (c ConfirmedMessage) Msg() Message { return c.Message }
func (ConfirmedMessage) entry()         {}

// ============================================================================
// Push events
// ============================================================================

// ChangeType is the kind of row change delivered on a push channel.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
)

// ChangeEvent is a row change delivered by the push feed. Exactly one of
// Message and Room is set.
type ChangeEvent struct {
	Type    ChangeType `json:"type"`
	Message *Message   `json:"message,omitempty"`
	Room    *ChatRoom  `json:"room,omitempty"`
}
