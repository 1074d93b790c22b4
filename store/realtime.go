package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// rtPingInterval is how often the client pings the realtime endpoint to
	// keep the subscription alive.
	rtPingInterval = 25 * time.Second
	// rtReadDeadline is the maximum silence tolerated before the connection
	// is considered dead.
	rtReadDeadline = 90 * time.Second
	// rtWriteTimeout bounds every control-frame write.
	rtWriteTimeout = 10 * time.Second
)

// EventType classifies a row change delivered by the realtime feed.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row change on a subscribed table. New carries the row
// after the change (insert/update); Old carries the prior row (update/delete,
// subject to the table's replica identity).
type ChangeEvent struct {
	Type  EventType       `json:"type"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Realtime dials the datastore's websocket change feed and produces
// per-table subscriptions.
type Realtime struct {
	baseURL string
	apiKey  string
	dialer  *websocket.Dialer
}

// NewRealtime builds a realtime feed client for the given datastore base URL.
func NewRealtime(baseURL, apiKey string) *Realtime {
	return &Realtime{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// Subscription is a live change feed on one table, filtered by a column
// predicate. Events are delivered on Events until Close is called or the
// connection drops, at which point the channel is closed.
type Subscription struct {
	Events <-chan ChangeEvent

	conn      *websocket.Conn
	closeOnce sync.Once
	done      chan struct{}
}

// subscribeFrame is the first message sent after the handshake.
type subscribeFrame struct {
	Event  string `json:"event"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Subscribe opens a websocket connection and subscribes to changes on table
// where filter matches. The returned subscription lives until Close; a
// dropped connection closes the Events channel rather than reconnecting -
// the consumer decides whether a silent feed is acceptable.
func (r *Realtime) Subscribe(ctx context.Context, table string, filter Filter) (*Subscription, error) {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, fmt.Errorf("store: bad realtime base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", r.apiKey)
	u.RawQuery = q.Encode()

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("store: realtime dial failed: %w", err)
	}

	frame := subscribeFrame{Event: "subscribe", Table: table}
	if filter.Column != "" {
		frame.Filter = filter.Column + "=eq." + filter.Value
	}
	_ = conn.SetWriteDeadline(time.Now().Add(rtWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: realtime subscribe failed: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	events := make(chan ChangeEvent, 16)
	sub := &Subscription{
		Events: events,
		conn:   conn,
		done:   make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(rtReadDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(rtReadDeadline))
		return nil
	})

	go sub.readLoop(events, table)
	go sub.pingLoop()

	return sub, nil
}

// readLoop delivers change events until the connection errors or Close fires.
func (s *Subscription) readLoop(events chan<- ChangeEvent, table string) {
	defer close(events)
	for {
		var ev ChangeEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
				// Closed locally - not an error worth logging.
			default:
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseNoStatusReceived,
				) {
					slog.Debug("realtime: unexpected close", "table", table, "error", err)
				}
			}
			return
		}
		if ev.Type == "" {
			continue // keepalive or ack frame
		}
		select {
		case events <- ev:
		case <-s.done:
			return
		}
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (s *Subscription) pingLoop() {
	ticker := time.NewTicker(rtPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(rtWriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Close tears down the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
	})
}
