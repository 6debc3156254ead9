package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire frames
// ============================================================================

// Frame events on the realtime socket.
const (
	frameJoin      = "join"
	frameLeave     = "leave"
	frameReply     = "reply"
	frameChange    = "change"
	frameError     = "error"
	frameClose     = "close"
	frameHeartbeat = "heartbeat"
)

type realtimeFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

type joinPayload struct {
	Table  string `json:"table"`
	Filter string `json:"filter"`
	Token  string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string `json:"status"`
	Response struct {
		Code   int    `json:"code,omitempty"`
		Reason string `json:"reason,omitempty"`
	} `json:"response"`
}

type errorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// changePayload is the row change format shared by the realtime socket and
// the postgres notification channel.
type changePayload struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// ParseChange decodes a row change notification.
func ParseChange(data []byte) (ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ChangeEvent{}, validationError("decode change: %v", err)
	}

	var ev ChangeEvent
	switch strings.ToLower(p.Type) {
	case "insert":
		ev.Type = ChangeInsert
	case "update":
		ev.Type = ChangeUpdate
	default:
		return ChangeEvent{}, validationError("unsupported change type %q", p.Type)
	}
	if len(p.Record) == 0 || string(p.Record) == "null" {
		return ChangeEvent{}, validationError("change without record")
	}

	switch p.Table {
	case "messages":
		var m Message
		if err := json.Unmarshal(p.Record, &m); err != nil {
			return ChangeEvent{}, validationError("decode message record: %v", err)
		}
		ev.Message = &m
	case "chat_rooms":
		var r ChatRoom
		if err := json.Unmarshal(p.Record, &r); err != nil {
			return ChangeEvent{}, validationError("decode room record: %v", err)
		}
		ev.Room = &r
	default:
		return ChangeEvent{}, validationError("unsupported table %q", p.Table)
	}
	return ev, nil
}

// topicFor names the realtime topic and row filter of f.
func topicFor(f Filter) (topic string, join joinPayload) {
	if f.Kind == FilterUser {
		join = joinPayload{Table: "chat_rooms", Filter: string(f.Side) + "_id=eq." + f.ID}
	} else {
		join = joinPayload{Table: "messages", Filter: "room_id=eq." + f.ID}
	}
	return "realtime:public:" + join.Table + ":" + join.Filter, join
}

// ============================================================================
// Watch
// ============================================================================

// wsSubscription is one websocket carrying one topic.
type wsSubscription struct {
	filter Filter
	topic  string
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *wsSubscription) Filter() Filter { return s.filter }

// Watch dials the realtime socket and joins the topic of filter. The server's
// join reply confirms the subscription.
func (g *RESTGateway) Watch(ctx context.Context, filter Filter, h WatchHandlers) (SubscriptionHandle, error) {
	const op = "chatsync.RESTGateway.Watch"

	wsURL := strings.Replace(g.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/v1/websocket?vsn=1.0.0"

	header := http.Header{}
	if g.apiKey != "" {
		header.Set("apikey", g.apiKey)
	}
	if b := g.bearer(); b != "" {
		header.Set("Authorization", "Bearer "+b)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		apiErr := &APIError{Op: op, Err: err}
		if resp != nil && resp.StatusCode >= 400 {
			apiErr.StatusCode = resp.StatusCode
			apiErr.Message = "websocket dial: " + http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}

	topic, join := topicFor(filter)
	join.Token = g.bearer()
	payload, err := json.Marshal(join)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("%s: marshal join: %w", op, err)
	}
	ref := uuid.NewString()
	if err := wsjson.Write(ctx, conn, realtimeFrame{Topic: topic, Event: frameJoin, Payload: payload, Ref: ref}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, &APIError{Op: op, Err: fmt.Errorf("write join: %w", err)}
	}

	connCtx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		filter: filter,
		topic:  topic,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	log := g.log.With(zap.String("topic", topic))

	go func() {
		defer close(sub.done)
		g.readLoop(connCtx, sub, ref, log, h)
	}()
	go g.heartbeatLoop(connCtx, sub, h)

	return sub, nil
}

// Close leaves the topic and closes the socket.
func (g *RESTGateway) Close(h SubscriptionHandle) error {
	sub, ok := h.(*wsSubscription)
	if !ok {
		return fmt.Errorf("chatsync.RESTGateway.Close: unexpected handle %T", h)
	}
	var err error
	sub.once.Do(func() {
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = wsjson.Write(wctx, sub.conn, realtimeFrame{Topic: sub.topic, Event: frameLeave, Ref: uuid.NewString()})
		cancel()
		sub.cancel()
		err = sub.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		<-sub.done
	})
	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

func (g *RESTGateway) readLoop(ctx context.Context, sub *wsSubscription, joinRef string, log *zap.Logger, h WatchHandlers) {
	const op = "chatsync.RESTGateway.Watch"

	fail := func(err error) {
		if ctx.Err() == nil && h.OnError != nil {
			h.OnError(err)
		}
	}

	for {
		_, data, err := sub.conn.Read(ctx)
		if err != nil {
			fail(&APIError{Op: op, Err: err})
			return
		}
		var f realtimeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch f.Event {
		case frameReply:
			if f.Ref != joinRef {
				continue
			}
			var r replyPayload
			if err := json.Unmarshal(f.Payload, &r); err != nil {
				fail(&APIError{Op: op, Err: fmt.Errorf("decode join reply: %w", err)})
				return
			}
			if r.Status != "ok" {
				fail(&APIError{Op: op, StatusCode: r.Response.Code, Message: "join rejected: " + r.Response.Reason})
				return
			}
			if h.OnSubscribed != nil {
				h.OnSubscribed()
			}

		case frameChange:
			ev, err := ParseChange(f.Payload)
			if err != nil {
				log.Warn("dropping malformed change", zap.Error(err))
				continue
			}
			if h.OnEvent != nil {
				h.OnEvent(ev)
			}

		case frameError:
			var p errorPayload
			_ = json.Unmarshal(f.Payload, &p)
			fail(&APIError{Op: op, StatusCode: p.Code, Message: p.Message})
			return

		case frameClose:
			fail(&APIError{Op: op, Message: "channel closed by server"})
			return
		}
	}
}

func (g *RESTGateway) heartbeatLoop(ctx context.Context, sub *wsSubscription, h WatchHandlers) {
	if g.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, g.heartbeat)
			err := wsjson.Write(wctx, sub.conn, realtimeFrame{Topic: "phoenix", Event: frameHeartbeat, Ref: uuid.NewString()})
			cancel()
			if err != nil {
				if ctx.Err() == nil && h.OnError != nil {
					h.OnError(&APIError{Op: "chatsync.RESTGateway.heartbeat", Err: err})
				}
				sub.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
