package chatsync

import (
	"time"

	"go.uber.org/zap"
)

// Source tags where a message row came from.
type Source string

const (
	SourceLocal Source = "local"
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceLoad  Source = "load"
)

// Reconciler merges rows from every source into the store of the open room.
// It is not safe for concurrent use; the session calls it from its loop.
type Reconciler struct {
	store *MessageStore
	actor Actor
	log   *zap.Logger
	room  string
}

// NewReconciler creates a reconciler writing into store on behalf of actor.
func NewReconciler(store *MessageStore, actor Actor, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, actor: actor, log: log}
}

// SetRoom makes roomID the only room whose rows are accepted.
func (r *Reconciler) SetRoom(roomID string) { r.room = roomID }

// Room returns the room rows are accepted for.
func (r *Reconciler) Room() string { return r.room }

// ApplyChange merges a push event received on roomID's subscription.
func (r *Reconciler) ApplyChange(roomID string, ev ChangeEvent) bool {
	if ev.Message == nil {
		r.drop(SourcePush, roomID, "", "event without message")
		return false
	}
	if ev.Type != ChangeInsert && ev.Type != ChangeUpdate {
		r.drop(SourcePush, roomID, ev.Message.ID, "unknown change type "+string(ev.Type))
		return false
	}
	msg := *ev.Message
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	if msg.RoomID != roomID {
		r.drop(SourcePush, msg.RoomID, msg.ID, "event for another room")
		return false
	}
	return r.merge(SourcePush, msg)
}

// ApplyMessages merges a batch read for roomID and returns how many entries
// changed.
func (r *Reconciler) ApplyMessages(roomID string, src Source, msgs []Message) int {
	if roomID != r.room {
		r.log.Debug("discarding stale read",
			zap.String("room_id", roomID),
			zap.String("source", string(src)),
			zap.Int("rows", len(msgs)),
		)
		return 0
	}
	n := 0
	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if r.merge(src, m) {
			n++
		}
	}
	return n
}

// AddPending appends an optimistic entry for the open room.
func (r *Reconciler) AddPending(p PendingSend) error {
	if r.room == "" || p.Message.RoomID != r.room {
		return ErrRoomNotOpen
	}
	if !r.store.Append(p) {
		return validationError("duplicate temp id %q", p.TempID)
	}
	return nil
}

// Confirm swaps the pending entry tempID for the stored message. If the
// message already arrived through another source the pending entry is
// dropped instead.
func (r *Reconciler) Confirm(tempID string, msg Message) bool {
	if msg.RoomID != r.room {
		r.log.Debug("discarding confirmation for closed room",
			zap.String("room_id", msg.RoomID),
			zap.String("message_id", msg.ID),
		)
		return false
	}
	if msg.ID == "" {
		r.drop(SourceLocal, msg.RoomID, "", "confirmation without id")
		r.store.Remove(tempID)
		return true
	}
	if r.store.Has(msg.ID) {
		r.store.Remove(tempID)
		r.merge(SourceLocal, msg)
		return true
	}
	if r.store.Replace(tempID, ConfirmedMessage{Message: msg}) {
		return true
	}
	return r.store.Append(ConfirmedMessage{Message: msg})
}

// Fail removes the pending entry tempID.
func (r *Reconciler) Fail(tempID string) bool {
	return r.store.Remove(tempID)
}

func (r *Reconciler) merge(src Source, m Message) bool {
	if m.ID == "" {
		r.drop(src, m.RoomID, "", "row without id")
		return false
	}
	if r.room == "" || m.RoomID != r.room {
		r.drop(src, m.RoomID, m.ID, "row for a room that is not open")
		return false
	}

	if r.store.Has(m.ID) {
		return r.store.Update(m.ID, func(cur Message) (Message, bool) {
			next := mergeMessage(cur, m)
			return next, !sameMessage(cur, next)
		})
	}

	if src != SourceLocal && m.SenderID == r.actor.ID {
		if p, ok := r.store.FindPending(func(p PendingSend) bool {
			return p.Message.RoomID == m.RoomID && p.Message.Content == m.Content
		}); ok {
			r.log.Debug("suppressed self echo",
				zap.String("message_id", m.ID),
				zap.String("temp_id", p.TempID),
				zap.String("source", string(src)),
			)
			return false
		}
	}
	return r.store.Append(ConfirmedMessage{Message: m})
}

func (r *Reconciler) drop(src Source, roomID, msgID, reason string) {
	r.log.Warn("dropping message row",
		zap.String("reason", reason),
		zap.String("source", string(src)),
		zap.String("room_id", roomID),
		zap.String("message_id", msgID),
		zap.String("open_room_id", r.room),
	)
}

// mergeMessage applies in over cur. Content follows the newer UpdatedAt;
// delivery and read markers only ever move from unset to set.
func mergeMessage(cur, in Message) Message {
	out := cur
	if in.UpdatedAt.After(cur.UpdatedAt) {
		out.Content = in.Content
		out.Type = in.Type
		out.Attachment = in.Attachment
		out.ReplyToID = in.ReplyToID
		out.UpdatedAt = in.UpdatedAt
	}
	out.DeliveredAt = firstSet(cur.DeliveredAt, in.DeliveredAt)
	out.ReadAt = firstSet(cur.ReadAt, in.ReadAt)
	return out
}

func firstSet(cur, in *time.Time) *time.Time {
	if cur != nil {
		return cur
	}
	return in
}

func sameMessage(a, b Message) bool {
	return a.Content == b.Content &&
		a.Type == b.Type &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		sameTime(a.DeliveredAt, b.DeliveredAt) &&
		sameTime(a.ReadAt, b.ReadAt) &&
		sameString(a.ReplyToID, b.ReplyToID) &&
		sameAttachment(a.Attachment, b.Attachment)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameAttachment(a, b *Attachment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
