package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// HubPath is where windows open their message channel.
const HubPath = "/__worker/ws"

// Messages from windows.
const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgClearCache        = "CLEAR_CACHE"
	MsgOnline            = "ONLINE"
	MsgOffline           = "OFFLINE"
	MsgSyncNow           = "SYNC_NOW"
	MsgNotificationClick = "NOTIFICATION_CLICK"
	MsgApplyUpdate       = "APPLY_UPDATE"
	MsgForceRefresh      = "FORCE_REFRESH"
)

// Messages to windows.
const (
	MsgSyncQueue           = "SYNC_QUEUE"
	MsgNewContentAvailable = "NEW_CONTENT_AVAILABLE"
	MsgSyncComplete        = "SYNC_COMPLETE"
	MsgNotification        = "NOTIFICATION"
	MsgNotificationClose   = "NOTIFICATION_CLOSE"
	MsgNavigate            = "NAVIGATE"
	MsgFocus               = "FOCUS"
	MsgReload              = "RELOAD"
	MsgToast               = "TOAST"
	MsgBanner              = "BANNER"
)

// Message is one frame on the channel in either direction.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message with data encoded as JSON. Unencodable data is
// dropped.
func NewMessage(typ string, data any) Message {
	msg := Message{Type: typ}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}
	return msg
}

// Window is an open application window connected to the hub.
type Window struct {
	ID          string
	URL         string
	ConnectedAt time.Time
}

// Windows reaches the open application windows.
type Windows interface {
	Windows() []Window
	Post(ctx context.Context, windowID string, msg Message) error
	Broadcast(ctx context.Context, msg Message)
}

// MessageHandler receives messages posted by windows.
type MessageHandler interface {
	HandleMessage(ctx context.Context, from Window, msg Message)
}

type hubClient struct {
	window Window
	conn   *websocket.Conn
	// websocket writes must not interleave
	writeMu sync.Mutex
}

// Hub keeps the websocket connections of open windows.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
	handler MessageHandler

	originPatterns []string
	writeTimeout   time.Duration
	logger         *slog.Logger
}

func NewHub(logger *slog.Logger, originPatterns ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:        make(map[string]*hubClient),
		originPatterns: originPatterns,
		writeTimeout:   5 * time.Second,
		logger:         logger.With("component", "hub"),
	}
}

// SetHandler installs the receiver of inbound messages.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// ServeHTTP accepts a window connection. The window reports its location in
// the "url" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &hubClient{
		window: Window{
			ID:          uuid.NewString(),
			URL:         r.URL.Query().Get("url"),
			ConnectedAt: time.Now(),
		},
		conn: conn,
	}
	h.mu.Lock()
	h.clients[c.window.ID] = c
	h.mu.Unlock()
	h.logger.Debug("window connected", "window", c.window.ID, "url", c.window.URL)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.window.ID)
		h.mu.Unlock()
		h.logger.Debug("window disconnected", "window", c.window.ID)
	}()

	ctx := r.Context()
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			h.logger.Debug("ws read ended", "window", c.window.ID, "error", err)
			return
		}
		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler == nil {
			continue
		}
		handler.HandleMessage(ctx, c.window, msg)
	}
}

func (h *Hub) Windows() []Window {
	h.mu.RLock()
	out := make([]Window, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.window)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (h *Hub) Post(ctx context.Context, windowID string, msg Message) error {
	h.mu.RLock()
	c, ok := h.clients[windowID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return h.write(ctx, c, msg)
}

// Broadcast posts msg to every window. Write errors are logged.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := h.write(ctx, c, msg); err != nil {
			h.logger.Warn("ws write error", "window", c.window.ID, "type", msg.Type, "error", err)
		}
	}
}

func (h *Hub) write(ctx context.Context, c *hubClient, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.conn, msg)
}

// Toast shows a transient notice in every window.
func (h *Hub) Toast(ctx context.Context, level, text string) {
	h.Broadcast(ctx, NewMessage(MsgToast, map[string]string{"level": level, "text": text}))
}

// Banner shows or hides the persistent banner.
func (h *Hub) Banner(ctx context.Context, text string, visible bool) {
	h.Broadcast(ctx, NewMessage(MsgBanner, map[string]any{"text": text, "visible": visible}))
}
