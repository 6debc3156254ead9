// Package pggateway is a chatsync.Gateway backed directly by PostgreSQL.
//
// Reads and writes are plain SQL over a pgx pool. Push uses LISTEN/NOTIFY:
// the trigger installed by Migrate publishes every message change on the
// channel "room:<room id>" and every room change on "rooms:<user id>" for
// both participants. Notifications carry the row id only and the listener
// reads the row back. A successful LISTEN confirms the subscription.
package pggateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/weddingbazaar/chatsync"
)

// Gateway implements chatsync.Gateway on a pgx pool.
type Gateway struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ chatsync.Gateway = (*Gateway)(nil)

type Option func(*Gateway)

func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string, opts ...Option) (*Gateway, error) {
	const op = "pggateway.New"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: create pool: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, mapErr(err))
	}
	return NewFromPool(pool, opts...), nil
}

// NewFromPool wraps an existing pool. Shutdown closes it.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Gateway {
	g := &Gateway{pool: pool, log: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Pool returns the underlying pool.
func (g *Gateway) Pool() *pgxpool.Pool { return g.pool }

// Shutdown closes the pool.
func (g *Gateway) Shutdown() {
	if g.pool != nil {
		g.pool.Close()
	}
}

// ============================================================================
// Reads
// ============================================================================

const roomColumns = `id, vendor_id, client_id, COALESCE(last_message, ''), last_message_at,
	vendor_unread_count, client_unread_count, status, created_at, updated_at, last_activity_at`

const messageColumns = `id, room_id, sender_id, content, type, attachment, reply_to_id,
	delivered_at, read_at, created_at, updated_at`

var roomsBySide = map[chatsync.Side]string{
	chatsync.SideVendor: `SELECT ` + roomColumns + ` FROM chat_rooms WHERE vendor_id = $1
		ORDER BY last_activity_at DESC NULLS LAST`,
	chatsync.SideClient: `SELECT ` + roomColumns + ` FROM chat_rooms WHERE client_id = $1
		ORDER BY last_activity_at DESC NULLS LAST`,
}

func (g *Gateway) ReadRooms(ctx context.Context, scope chatsync.RoomScope) ([]chatsync.ChatRoom, error) {
	const op = "pggateway.ReadRooms"

	query, ok := roomsBySide[scope.Side]
	if !ok || scope.UserID == "" {
		return nil, fmt.Errorf("%s: invalid scope: %w", op, chatsync.ErrValidation)
	}
	rows, err := g.pool.Query(ctx, query, scope.UserID)
	if err != nil {
		return nil, fmt.Errorf("%s: query: %w", op, mapErr(err))
	}
	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chatsync.ChatRoom, error) {
		return scanRoom(row)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: scan: %w", op, mapErr(err))
	}
	return rooms, nil
}

func (g *Gateway) ReadMessages(ctx context.Context, roomID string) ([]chatsync.Message, error) {
	const op = "pggateway.ReadMessages"

	var exists bool
	if err := g.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_rooms WHERE id = $1)`, roomID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%s: check room: %w", op, mapErr(err))
	}
	if !exists {
		return nil, fmt.Errorf("%s: room %s: %w", op, roomID, chatsync.ErrNotFound)
	}

	rows, err := g.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE room_id = $1 ORDER BY created_at ASC, id ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("%s: query: %w", op, mapErr(err))
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chatsync.Message, error) {
		return scanMessage(row)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: scan: %w", op, mapErr(err))
	}
	return msgs, nil
}

// ============================================================================
// Writes
// ============================================================================

func (g *Gateway) WriteMessage(ctx context.Context, msg chatsync.NewMessage) (chatsync.Message, error) {
	const op = "pggateway.WriteMessage"

	row := g.pool.QueryRow(ctx, `INSERT INTO messages (room_id, sender_id, content, type, attachment, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		msg.RoomID, msg.SenderID, msg.Content, string(msg.Type), msg.Attachment, msg.ReplyToID,
	)
	m, err := scanMessage(row)
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("%s: insert: %w", op, mapErr(err))
	}
	return m, nil
}

func (g *Gateway) UpdateRoomPreview(ctx context.Context, roomID, preview string, at time.Time) error {
	const op = "pggateway.UpdateRoomPreview"

	_, err := g.pool.Exec(ctx, `UPDATE chat_rooms
		SET last_message = $2, last_message_at = $3,
			last_activity_at = GREATEST(COALESCE(last_activity_at, $3), $3),
			updated_at = now()
		WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)`,
		roomID, preview, at,
	)
	if err != nil {
		return fmt.Errorf("%s: update: %w", op, mapErr(err))
	}
	return nil
}

var unreadColumn = map[chatsync.Side]string{
	chatsync.SideVendor: "vendor_unread_count",
	chatsync.SideClient: "client_unread_count",
}

func (g *Gateway) MarkRead(ctx context.Context, roomID string, reader chatsync.Actor) error {
	const op = "pggateway.MarkRead"

	col, ok := unreadColumn[reader.Side]
	if !ok {
		return fmt.Errorf("%s: side %q: %w", op, reader.Side, chatsync.ErrValidation)
	}
	err := pgx.BeginFunc(ctx, g.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE messages SET read_at = now()
			WHERE room_id = $1 AND sender_id <> $2 AND read_at IS NULL`, roomID, reader.ID); err != nil {
			return fmt.Errorf("mark messages: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE chat_rooms SET `+col+` = 0 WHERE id = $1`, roomID); err != nil {
			return fmt.Errorf("reset counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}
	return nil
}

// ============================================================================
// Scanning
// ============================================================================

func scanRoom(row pgx.Row) (chatsync.ChatRoom, error) {
	var r chatsync.ChatRoom
	var status string
	err := row.Scan(
		&r.ID, &r.VendorID, &r.ClientID, &r.LastMessage, &r.LastMessageAt,
		&r.VendorUnread, &r.ClientUnread, &status, &r.CreatedAt, &r.UpdatedAt, &r.LastActivityAt,
	)
	r.Status = chatsync.RoomStatus(status)
	return r, err
}

func scanMessage(row pgx.Row) (chatsync.Message, error) {
	var m chatsync.Message
	var typ string
	err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &m.Content, &typ, &m.Attachment, &m.ReplyToID,
		&m.DeliveredAt, &m.ReadAt, &m.CreatedAt, &m.UpdatedAt,
	)
	m.Type = chatsync.MessageType(typ)
	return m, err
}

// mapErr classifies database errors into the chatsync taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", chatsync.ErrTransient, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", chatsync.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "22", "23":
			// data exception, integrity constraint violation
			return fmt.Errorf("%w: %w", chatsync.ErrValidation, err)
		case "28":
			return fmt.Errorf("%w: %w", chatsync.ErrAuthExpired, err)
		case "42":
			return err
		}
	}
	return fmt.Errorf("%w: %w", chatsync.ErrTransient, err)
}
