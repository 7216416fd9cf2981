package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/platform/auth"
	"github.com/medcab/realtime/internal/platform/db"
	"github.com/medcab/realtime/internal/platform/notification"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// PermissionParam is the upgrade query parameter carrying the tab's current
// notification permission, so an already answered tab is not prompted again.
const PermissionParam = "notification_permission"

// Session is the per-tab server state driven by client actions. HandleMessage
// and SwitchStructure run on the connection's read loop and must not block on
// slow work.
type Session interface {
	HandleMessage(ctx context.Context, msg ClientMessage)
	SwitchStructure(ctx context.Context, structureID uuid.UUID)
	Close()
}

// SessionFactory builds the Session of a newly connected client. ctx is
// cancelled when the client disconnects.
type SessionFactory func(ctx context.Context, client *Client) Session

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	hub        *Hub
	members    db.MembershipChecker
	newSession SessionFactory
	upgrader   gorillawebsocket.Upgrader
	logger     zerolog.Logger

	// PromptTimeout bounds permission prompts of new clients.
	PromptTimeout time.Duration
}

// NewHandler creates a Handler. An empty origins list accepts any origin.
func NewHandler(hub *Hub, members db.MembershipChecker, newSession SessionFactory, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub:        hub,
		members:    members,
		newSession: newSession,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
		logger:        logger.With().Str("component", "websocket").Logger(),
		PromptTimeout: 2 * time.Minute,
	}
}

// RegisterRoutes registers the WebSocket endpoint on an authenticated group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and serves it
// until it disconnects. The structure is optional; a tab without one receives
// nothing until it reports a structure.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}

	structureID, err := db.ExtractStructureID(c)
	if errors.Is(err, db.ErrNoStructure) {
		structureID = uuid.Nil
	} else if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid structure identifier")
	}
	if structureID != uuid.Nil {
		if err := h.checkMember(ctx, userID, structureID); err != nil {
			return err
		}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an error response.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}

	client := NewClient(h.hub, &gorillaConnAdapter{ws}, userID, structureID, h.logger)
	client.PromptTimeout = h.PromptTimeout
	if raw := c.QueryParam(PermissionParam); raw != "" {
		client.SetPermission(notification.ParsePermission(raw))
	}
	h.hub.Register(client)
	client.logger.Info().Str("structure_id", structureID.String()).Msg("client connected")

	sessCtx, cancel := context.WithCancel(context.Background())
	session := h.newSession(sessCtx, client)

	go h.writePump(client, ws)
	h.readPump(sessCtx, client, ws, session)

	cancel()
	session.Close()
	h.hub.Unregister(client)
	client.logger.Info().Msg("client disconnected")
	return nil
}

func (h *Handler) checkMember(ctx context.Context, userID, structureID uuid.UUID) error {
	if h.members == nil {
		return nil
	}
	ok, err := h.members.IsMember(ctx, userID, structureID)
	if err != nil {
		h.logger.Error().Err(err).Str("structure_id", structureID.String()).Msg("membership check failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "structure resolution failed")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of this structure")
	}
	return nil
}

// readPump reads client actions until the connection fails.
func (h *Handler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn, session Session) {
	defer ws.Close()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				client.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.logger.Debug().Err(err).Msg("ignoring malformed message")
			continue
		}
		h.dispatch(ctx, client, session, msg)
	}
}

// dispatch handles presentation actions itself and hands the rest to the
// session.
func (h *Handler) dispatch(ctx context.Context, client *Client, session Session, msg ClientMessage) {
	switch msg.Action {
	case ActionVisibility:
		client.setVisibility(msg.Hidden)
	case ActionPermission:
		client.SetPermission(notification.ParsePermission(msg.Permission))
	case ActionNotificationClick:
		_ = client.Push(FrameFocus, map[string]string{"tag": msg.Tag})
		_ = client.CloseDesktop(msg.Tag)
	case ActionStructure:
		h.switchStructure(ctx, client, session, msg.StructureID)
	default:
		session.HandleMessage(ctx, msg)
	}
}

func (h *Handler) switchStructure(ctx context.Context, client *Client, session Session, raw string) {
	structureID := uuid.Nil
	if raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			_ = client.Push(FrameError, map[string]string{"message": "invalid structure identifier"})
			return
		}
		structureID = parsed
	}
	if structureID != uuid.Nil {
		if err := h.checkMember(ctx, client.UserID, structureID); err != nil {
			_ = client.Push(FrameError, map[string]string{"message": "not a member of this structure"})
			return
		}
	}
	h.hub.Move(client, structureID)
	session.SwitchStructure(ctx, structureID)
	_ = client.Push(FrameStructure, map[string]string{"structure_id": structureID.String()})
}

// writePump writes queued frames and keeps the connection alive with pings.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				client.logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
