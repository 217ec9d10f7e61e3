package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yourusername/livequery/core"
	"github.com/yourusername/livequery/pkg/livequery"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// QueryLookup resolves the names accepted by /watch?query= to queries. It is
// consulted on every connection, so an implementation backed by a reloadable
// source serves its current contents.
type QueryLookup interface {
	Lookup(name string) (livequery.Query, bool)
}

// QueryCatalog is a fixed QueryLookup
type QueryCatalog map[string]livequery.Query

// Lookup returns the query registered under name
func (c QueryCatalog) Lookup(name string) (livequery.Query, bool) {
	q, ok := c[name]
	return q, ok
}

// StreamHandler serves GET /watch as a websocket. Each connection gets its
// own watcher; every result it produces is written as a StreamMessage and
// the client may send {"type":"refetch"} to force a network fetch.
//
// Queries are picked by ?query=<name> through the QueryLookup, or built ad hoc from
// ?keys=a,b,c.
type StreamHandler struct {
	client         *livequery.Client
	queries        QueryLookup
	logger         *zap.Logger
	AllowedOrigins []string
}

// NewStreamHandler creates a websocket handler over client
func NewStreamHandler(client *livequery.Client, queries QueryLookup, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		client:  client,
		queries: queries,
		logger:  logger,
	}
}

// StreamMessage is one frame sent to the websocket client
type StreamMessage struct {
	Type          string          `json:"type"` // "result" or "error"
	Query         string          `json:"query"`
	Source        string          `json:"source,omitempty"`
	Data          any             `json:"data,omitempty"`
	DependentKeys []core.CacheKey `json:"dependent_keys,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// StreamCommand is a frame received from the websocket client
type StreamCommand struct {
	Type string `json:"type"`
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query, ok := h.resolveQuery(r.URL.Query())
	if !ok {
		http.Error(w, "unknown query", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("query", query.ID()), zap.String("remote", r.RemoteAddr))

	// The queue is the only writer on conn
	queue := livequery.NewSerialQueue(logger)
	defer queue.Close()

	watcher, err := h.client.Watch(query, func(result *livequery.Result, err error) {
		msg := newStreamMessage(query.ID(), result, err)
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("stream write failed", zap.Error(err))
		}
	}, livequery.WithWatchDispatcher(queue))
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, livequery.ErrClientClosed) {
			code = websocket.CloseGoingAway
		}
		if err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(time.Second)); err != nil {
			logger.Debug("close frame not sent", zap.Error(err))
		}
		return
	}
	defer watcher.Cancel()
	logger.Debug("stream opened")

	for {
		var cmd StreamCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			logger.Debug("stream closed", zap.Error(err))
			return
		}
		switch cmd.Type {
		case "refetch":
			watcher.Refetch()
		default:
			logger.Debug("unknown stream command", zap.String("type", cmd.Type))
		}
	}
}

func (h *StreamHandler) resolveQuery(values url.Values) (livequery.Query, bool) {
	if name := values.Get("query"); name != "" {
		if h.queries == nil {
			return nil, false
		}
		return h.queries.Lookup(name)
	}
	raw := values.Get("keys")
	if raw == "" {
		return nil, false
	}
	var keys []core.CacheKey
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, core.CacheKey(part))
		}
	}
	if len(keys) == 0 {
		return nil, false
	}
	return livequery.NewKeysQuery("keys:"+raw, keys...), true
}

func newStreamMessage(queryID string, result *livequery.Result, err error) StreamMessage {
	msg := StreamMessage{
		Type:      "result",
		Query:     queryID,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		msg.Type = "error"
		msg.Error = err.Error()
		return msg
	}
	if result != nil {
		msg.Source = string(result.Source)
		msg.Data = result.Data
		msg.DependentKeys = result.DependentKeys.Sorted()
	}
	return msg
}

// isOriginAllowed accepts requests without an Origin header, same-host
// origins and anything listed in allowed ("*" allows all).
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
