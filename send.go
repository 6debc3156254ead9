package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const previewMaxRunes = 100

// SendRequest is a message composed by the user.
type SendRequest struct {
	Content string
	// Type defaults to MessageText.
	Type       MessageType
	Attachment *Attachment
	ReplyToID  *string
}

func (r *SendRequest) validate(maxLen int) error {
	if r.Type == "" {
		r.Type = MessageText
	}
	if !r.Type.Valid() {
		return validationError("unknown message type %q", r.Type)
	}
	if strings.TrimSpace(r.Content) == "" && r.Attachment == nil {
		return validationError("message is empty")
	}
	if n := utf8.RuneCountInString(r.Content); n > maxLen {
		return validationError("message is %d characters, limit is %d", n, maxLen)
	}
	if r.Attachment != nil && r.Attachment.URL == "" {
		return validationError("attachment without url")
	}
	return nil
}

// Send writes a message to the open room.
//
// The message shows up as a pending entry immediately. On success the
// pending entry is replaced by the stored message and the room preview is
// updated in the background. On failure the pending entry is removed and the
// error returned; the caller keeps the composed text for a retry.
func (s *Session) Send(ctx context.Context, req SendRequest) (Message, error) {
	if err := s.alive(); err != nil {
		return Message{}, err
	}
	roomID := s.CurrentRoom()
	if roomID == "" {
		return Message{}, fmt.Errorf("%w: %w", ErrValidation, ErrRoomNotOpen)
	}
	if err := req.validate(s.cfg.MaxContentLength); err != nil {
		return Message{}, err
	}

	now := s.now()
	pending := PendingSend{
		TempID: uuid.NewString(),
		Message: Message{
			RoomID:     roomID,
			SenderID:   s.actor.ID,
			Content:    req.Content,
			Type:       req.Type,
			Attachment: req.Attachment,
			ReplyToID:  req.ReplyToID,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	var addErr error
	if err := s.call(ctx, func() { addErr = s.rec.AddPending(pending) }); err != nil {
		return Message{}, err
	}
	if addErr != nil {
		if errors.Is(addErr, ErrRoomNotOpen) {
			return Message{}, fmt.Errorf("%w: %w", ErrValidation, ErrRoomNotOpen)
		}
		return Message{}, addErr
	}
	s.notify()

	msg, err := s.gw.WriteMessage(ctx, NewMessage{
		RoomID:     roomID,
		SenderID:   s.actor.ID,
		Content:    req.Content,
		Type:       req.Type,
		Attachment: req.Attachment,
		ReplyToID:  req.ReplyToID,
	})
	if err != nil {
		s.log.Debug("send failed", zap.String("room_id", roomID), zap.String("temp_id", pending.TempID), zap.Error(err))
		_ = s.call(context.Background(), func() { s.rec.Fail(pending.TempID) })
		s.notify()
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}

	_ = s.call(context.Background(), func() { s.rec.Confirm(pending.TempID, msg) })
	s.rooms.PatchPreview(roomID, previewText(msg), msg.CreatedAt)
	s.notify()
	s.goBackground(func(ctx context.Context) { s.updatePreview(ctx, msg) })
	return msg, nil
}

func (s *Session) updatePreview(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.gw.UpdateRoomPreview(ctx, msg.RoomID, previewText(msg), msg.CreatedAt); err != nil {
		s.log.Warn("room preview update failed",
			zap.String("room_id", msg.RoomID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// previewText is the denormalized room list line for msg.
func previewText(msg Message) string {
	switch msg.Type {
	case MessageImage:
		return "[image]"
	case MessageFile:
		if msg.Attachment != nil && msg.Attachment.Name != "" {
			return "[file] " + truncateRunes(msg.Attachment.Name, previewMaxRunes)
		}
		return "[file]"
	case MessageServicePreview:
		return "[service] " + truncateRunes(msg.Content, previewMaxRunes)
	}
	return truncateRunes(msg.Content, previewMaxRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
