package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"labassist/internal/auth"
	"labassist/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from app webviews with arbitrary origins.
		return true
	},
}

// SessionRunner runs the per-device reconciliation loop until its context is
// cancelled.
type SessionRunner interface {
	Run(ctx context.Context, deviceID string)
}

// Handler upgrades device connections and speaks the sync protocol:
// authenticate joins the device room, replies with the cached snapshot and
// starts a reconciler session tied to the connection; submit_patch applies
// offline edits against the store.
type Handler struct {
	hub      *Hub
	store    *store.Store
	sessions SessionRunner
	auth     *auth.Authenticator
	logger   interface{ Printf(string, ...any) }
}

// NewHandler creates a websocket handler.
func NewHandler(hub *Hub, st *store.Store, sessions SessionRunner, authenticator *auth.Authenticator, logger interface{ Printf(string, ...any) }) *Handler {
	return &Handler{
		hub:      hub,
		store:    st,
		sessions: sessions,
		auth:     authenticator,
		logger:   logger,
	}
}

// ServeHTTP upgrades the request and starts the read pump.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[WS] Upgrade error: %v", err)
		return
	}
	h.logger.Printf("[WS] New connection from %s", r.RemoteAddr)
	go h.readPump(&Client{conn: conn})
}

// readPump reads device messages until the connection drops. Disconnection
// tears down room membership and cancels the reconciler session; in-flight
// jobs keep running.
func (h *Handler) readPump(client *Client) {
	conn := client.conn
	deviceID := ""
	sessionCancel := context.CancelFunc(nil)

	defer func() {
		if deviceID != "" {
			h.hub.Unregister(deviceID, client)
		}
		if sessionCancel != nil {
			sessionCancel()
		}
		conn.Close()
	}()

	conn.SetReadLimit(256 * 1024) // Patches from offline edits can be large
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Printf("[WS] Read error for device %q: %v", deviceID, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(client, EventMessage, MessagePayload{Message: "malformed message"})
			continue
		}

		switch msg.Event {
		case EventAuthenticate:
			if msg.DeviceID == "" {
				h.reply(client, EventMessage, MessagePayload{Message: "device ID not provided"})
				continue
			}
			if err := h.auth.ValidateForDevice(msg.Token, msg.DeviceID); err != nil {
				h.reply(client, EventMessage, MessagePayload{Message: "authentication failed"})
				continue
			}
			if deviceID != "" {
				h.hub.Unregister(deviceID, client)
			}
			if sessionCancel != nil {
				sessionCancel()
			}
			deviceID = msg.DeviceID
			h.hub.Register(deviceID, client)

			var ctx context.Context
			ctx, sessionCancel = context.WithCancel(context.Background())
			go h.sessions.Run(ctx, deviceID)

			h.reply(client, EventAuthenticated, SnapshotPayload{
				Message: "Authenticated!",
				Videos:  h.store.DeviceVideos(deviceID),
			})

		case EventSubmitPatch:
			// Only a connection that passed authenticate may mutate state,
			// and only for its own device.
			if deviceID == "" {
				h.reply(client, EventMessage, MessagePayload{Message: "not authenticated"})
				continue
			}
			if msg.DeviceID != deviceID {
				h.reply(client, EventMessage, MessagePayload{Message: "device ID mismatch"})
				continue
			}
			videos, err := h.store.ApplyPatch(deviceID, msg.Patch)
			if err != nil {
				h.reply(client, EventMessage, MessagePayload{Message: errorMessage(err)})
				continue
			}
			h.hub.Emit(deviceID, EventUpdate, SnapshotPayload{Videos: videos})

		default:
			h.reply(client, EventMessage, MessagePayload{Message: "unknown event"})
		}
	}
}

func (h *Handler) reply(client *Client, event string, payload any) {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.logger.Printf("[WS] Error marshaling %s reply: %v", event, err)
		return
	}
	if err := client.send(data); err != nil {
		h.logger.Printf("[WS] Error replying to client: %v", err)
	}
}

func errorMessage(err error) string {
	var notFound *store.NotFoundError
	if errors.As(err, &notFound) {
		return notFound.Message
	}
	var validation *store.ValidationError
	if errors.As(err, &validation) {
		return validation.Message
	}
	return "internal error"
}
