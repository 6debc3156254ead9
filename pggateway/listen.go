package pggateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/weddingbazaar/chatsync"
)

// listener holds one pooled connection LISTENing on one channel.
type listener struct {
	filter  chatsync.Filter
	channel string
	conn    *pgxpool.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (l *listener) Filter() chatsync.Filter { return l.filter }

// channelFor returns the quoted notification channel of f.
func channelFor(f chatsync.Filter) string {
	return pgx.Identifier{f.Key()}.Sanitize()
}

// Watch takes a connection out of the pool and LISTENs on the filter's
// channel until Close.
func (g *Gateway) Watch(ctx context.Context, filter chatsync.Filter, h chatsync.WatchHandlers) (chatsync.SubscriptionHandle, error) {
	const op = "pggateway.Watch"

	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: acquire: %w", op, mapErr(err))
	}
	channel := channelFor(filter)
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%s: listen %s: %w", op, channel, mapErr(err))
	}

	wctx, cancel := context.WithCancel(ctx)
	l := &listener{
		filter:  filter,
		channel: channel,
		conn:    conn,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	log := g.log.With(zap.String("channel", filter.Key()))

	go func() {
		defer close(l.done)
		if h.OnSubscribed != nil {
			h.OnSubscribed()
		}
		g.listen(wctx, l, log, h)
	}()
	return l, nil
}

func (g *Gateway) listen(ctx context.Context, l *listener, log *zap.Logger, h chatsync.WatchHandlers) {
	for {
		n, err := l.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil && h.OnError != nil {
				h.OnError(fmt.Errorf("pggateway.Watch: wait: %w", mapErr(err)))
			}
			return
		}
		ev, err := g.fetchChange(ctx, n.Payload)
		switch {
		case err == nil:
		case errors.Is(err, chatsync.ErrValidation):
			log.Warn("dropping malformed notification", zap.String("payload", n.Payload), zap.Error(err))
			continue
		case errors.Is(err, chatsync.ErrNotFound):
			log.Debug("changed row is gone", zap.String("payload", n.Payload))
			continue
		default:
			if ctx.Err() == nil && h.OnError != nil {
				h.OnError(fmt.Errorf("pggateway.Watch: fetch row: %w", err))
			}
			return
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}
}

// notice is what the chatsync_notify trigger publishes.
type notice struct {
	Type  string `json:"type"`
	Table string `json:"table"`
	ID    string `json:"id"`
}

// fetchChange resolves a notification into the changed row.
func (g *Gateway) fetchChange(ctx context.Context, payload string) (chatsync.ChangeEvent, error) {
	var n notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return chatsync.ChangeEvent{}, fmt.Errorf("%w: decode notification: %w", chatsync.ErrValidation, err)
	}
	if n.ID == "" {
		return chatsync.ChangeEvent{}, fmt.Errorf("%w: notification without id", chatsync.ErrValidation)
	}

	var ev chatsync.ChangeEvent
	switch n.Type {
	case "INSERT":
		ev.Type = chatsync.ChangeInsert
	case "UPDATE":
		ev.Type = chatsync.ChangeUpdate
	default:
		return chatsync.ChangeEvent{}, fmt.Errorf("%w: unsupported change type %q", chatsync.ErrValidation, n.Type)
	}

	switch n.Table {
	case "messages":
		m, err := scanMessage(g.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, n.ID))
		if err != nil {
			return chatsync.ChangeEvent{}, mapErr(err)
		}
		ev.Message = &m
	case "chat_rooms":
		r, err := scanRoom(g.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE id = $1`, n.ID))
		if err != nil {
			return chatsync.ChangeEvent{}, mapErr(err)
		}
		ev.Room = &r
	default:
		return chatsync.ChangeEvent{}, fmt.Errorf("%w: unsupported table %q", chatsync.ErrValidation, n.Table)
	}
	return ev, nil
}

// Close stops listening and returns the connection to the pool.
func (g *Gateway) Close(h chatsync.SubscriptionHandle) error {
	l, ok := h.(*listener)
	if !ok {
		return fmt.Errorf("pggateway.Close: unexpected handle %T", h)
	}
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done

		pc := l.conn.Conn()
		if !pc.IsClosed() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, uerr := pc.Exec(ctx, "UNLISTEN "+l.channel); uerr != nil {
				// Never hand a connection still subscribed back to the pool.
				err = pc.Close(ctx)
			}
		}
		l.conn.Release()
	})
	return err
}
