// Package chatsync keeps a vendor/client chat view in sync with the remote
// data service.
//
// A Session combines a push subscription, a fallback poller and optimistic
// sends into one ordered message list per open room.
//
// Example:
//
//	gw := chatsync.NewRESTGateway("https://db.example.com", "anon-key",
//		chatsync.WithAccessToken(jwt))
//	s, _ := chatsync.NewSession(chatsync.Actor{ID: userID, Side: chatsync.SideClient}, gw)
//	defer s.Dispose()
//
//	rooms, _ := s.LoadRooms(ctx)
//	s.OpenRoom(ctx, rooms[0].ID)
//	s.Send(ctx, chatsync.SendRequest{Content: "Hello!"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	// DefaultRateLimit bounds outgoing REST requests per second.
	DefaultRateLimit = 20

	restPrefix = "/rest/v1"
)

// ============================================================================
// RESTGateway
// ============================================================================

// RESTGateway talks to a PostgREST-style HTTP API for reads and writes and
// to its realtime websocket for push.
type RESTGateway struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      BackoffPolicy
	heartbeat  time.Duration
	log        *zap.Logger

	mu    sync.RWMutex
	token string
}

var _ Gateway = (*RESTGateway)(nil)

type GatewayOption func(*RESTGateway)

func WithAccessToken(token string) GatewayOption {
	return func(g *RESTGateway) { g.token = token }
}

func WithTimeout(timeout time.Duration) GatewayOption {
	return func(g *RESTGateway) { g.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *RESTGateway) { g.httpClient = client }
}

// WithRateLimit caps outgoing REST requests. A zero limit disables limiting.
func WithRateLimit(perSecond float64, burst int) GatewayOption {
	return func(g *RESTGateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithReadRetry sets the retry policy for idempotent reads.
func WithReadRetry(p BackoffPolicy) GatewayOption {
	return func(g *RESTGateway) { g.retry = p }
}

func WithHeartbeat(interval time.Duration) GatewayOption {
	return func(g *RESTGateway) { g.heartbeat = interval }
}

func WithGatewayLogger(log *zap.Logger) GatewayOption {
	return func(g *RESTGateway) {
		if log != nil {
			g.log = log
		}
	}
}

// NewRESTGateway creates a gateway for the service at baseURL.
func NewRESTGateway(baseURL, apiKey string, opts ...GatewayOption) *RESTGateway {
	g := &RESTGateway{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter:   rate.NewLimiter(DefaultRateLimit, DefaultRateLimit),
		retry:     BackoffPolicy{Base: 200 * time.Millisecond, Multiplier: 2, Max: 2 * time.Second, MaxAttempts: 2},
		heartbeat: DefaultHeartbeatInterval,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.retry.defaults()
	return g
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (g *RESTGateway) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

func (g *RESTGateway) bearer() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.token != "" {
		return g.token
	}
	return g.apiKey
}

// ============================================================================
// Internal request helper
// ============================================================================

type restRequest struct {
	op     string
	method string
	table  string
	query  url.Values
	body   any
	prefer string
}

func (g *RESTGateway) doRequest(ctx context.Context, r restRequest) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: wait for rate limiter: %w", r.op, err)
		}
	}

	u := g.baseURL + restPrefix + "/" + r.table
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", r.op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", r.op, err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("apikey", g.apiKey)
	}
	if b := g.bearer(); b != "" {
		req.Header.Set("Authorization", "Bearer "+b)
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", r.op, ctx.Err())
		}
		return nil, &APIError{Op: r.op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Op: r.op, Err: err}
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Op: r.op, StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

// read runs an idempotent request, retrying transient failures.
func (g *RESTGateway) read(ctx context.Context, r restRequest) ([]byte, error) {
	var data []byte
	operation := func() error {
		var err error
		data, err = g.doRequest(ctx, r)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	attempt := 0
	notify := func(err error, delay time.Duration) {
		attempt++
		g.log.Debug("retrying read", zap.String("op", r.op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(g.retry.NewBackOff(), ctx), notify)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, fmt.Errorf("%s: %w", r.op, err)
		}
		return nil, err
	}
	return data, nil
}

func decodeJSON[T any](op string, data []byte) (T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return result, nil
}

// ============================================================================
// Reads
// ============================================================================

func (g *RESTGateway) ReadRooms(ctx context.Context, scope RoomScope) ([]ChatRoom, error) {
	const op = "chatsync.RESTGateway.ReadRooms"

	if scope.UserID == "" || !scope.Side.Valid() {
		return nil, validationError("%s: invalid scope %+v", op, scope)
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set(string(scope.Side)+"_id", "eq."+scope.UserID)
	q.Set("order", "last_activity_at.desc.nullslast")

	data, err := g.read(ctx, restRequest{op: op, method: http.MethodGet, table: "chat_rooms", query: q})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]ChatRoom](op, data)
}

func (g *RESTGateway) ReadMessages(ctx context.Context, roomID string) ([]Message, error) {
	const op = "chatsync.RESTGateway.ReadMessages"

	q := url.Values{}
	q.Set("select", "*")
	q.Set("room_id", "eq."+roomID)
	q.Set("order", "created_at.asc")

	data, err := g.read(ctx, restRequest{op: op, method: http.MethodGet, table: "messages", query: q})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Message](op, data)
}

// ============================================================================
// Writes
// ============================================================================

func (g *RESTGateway) WriteMessage(ctx context.Context, msg NewMessage) (Message, error) {
	const op = "chatsync.RESTGateway.WriteMessage"

	data, err := g.doRequest(ctx, restRequest{
		op:     op,
		method: http.MethodPost,
		table:  "messages",
		body:   msg,
		prefer: "return=representation",
	})
	if err != nil {
		return Message{}, err
	}
	rows, err := decodeJSON[[]Message](op, data)
	if err != nil {
		return Message{}, err
	}
	if len(rows) == 0 {
		return Message{}, &APIError{Op: op, StatusCode: http.StatusInternalServerError, Message: "insert returned no row"}
	}
	return rows[0], nil
}

func (g *RESTGateway) UpdateRoomPreview(ctx context.Context, roomID, preview string, at time.Time) error {
	const op = "chatsync.RESTGateway.UpdateRoomPreview"

	q := url.Values{}
	q.Set("id", "eq."+roomID)
	_, err := g.doRequest(ctx, restRequest{
		op:     op,
		method: http.MethodPatch,
		table:  "chat_rooms",
		query:  q,
		body: map[string]any{
			"last_message":     preview,
			"last_message_at":  at,
			"last_activity_at": at,
		},
		prefer: "return=minimal",
	})
	return err
}

func (g *RESTGateway) MarkRead(ctx context.Context, roomID string, reader Actor) error {
	const op = "chatsync.RESTGateway.MarkRead"

	q := url.Values{}
	q.Set("room_id", "eq."+roomID)
	q.Set("sender_id", "neq."+reader.ID)
	q.Set("read_at", "is.null")
	if _, err := g.doRequest(ctx, restRequest{
		op:     op,
		method: http.MethodPatch,
		table:  "messages",
		query:  q,
		body:   map[string]any{"read_at": time.Now().UTC()},
		prefer: "return=minimal",
	}); err != nil {
		return err
	}

	rq := url.Values{}
	rq.Set("id", "eq."+roomID)
	_, err := g.doRequest(ctx, restRequest{
		op:     op,
		method: http.MethodPatch,
		table:  "chat_rooms",
		query:  rq,
		body:   map[string]any{string(reader.Side) + "_unread_count": 0},
		prefer: "return=minimal",
	})
	return err
}
