// Package websocket connects browser tabs to the server. Each connected tab is
// a Client: the presentation sink for its notifications and the source of its
// visibility, permission and drag actions. The Hub tracks clients per
// structure so that structure-wide frames reach every tab of a practice.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/platform/notification"
)

// Server frame types.
const (
	FrameToast             = "toast"
	FrameDesktop           = "desktop_notification"
	FrameDesktopClose      = "desktop_notification_close"
	FrameFocus             = "focus"
	FramePermissionRequest = "permission_request"
	FrameQueueOrder        = "queue_order"
	FrameQueueReordered    = "queue_reordered"
	FrameStructure         = "structure"
	FrameError             = "error"
)

// Client actions.
const (
	ActionVisibility        = "visibility"
	ActionPermission        = "permission"
	ActionNotificationClick = "notification_click"
	ActionReorder           = "reorder"
	ActionQueueSync         = "queue_sync"
	ActionStructure         = "structure"
)

// ErrSendBufferFull is returned when a client is not draining its frames.
var ErrSendBufferFull = errors.New("websocket: client send buffer full")

// Frame is a message sent to a tab.
type Frame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ClientMessage is an action reported by a tab.
type ClientMessage struct {
	Action      string `json:"action"`
	Hidden      bool   `json:"hidden,omitempty"`
	Permission  string `json:"permission,omitempty"`
	Tag         string `json:"tag,omitempty"`
	SourceID    string `json:"source_id,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
	StructureID string `json:"structure_id,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected tab.
type Client struct {
	ID     string
	UserID uuid.UUID
	Send   chan []byte
	hub    *Hub
	conn   Conn
	logger zerolog.Logger

	mu          sync.Mutex
	structureID uuid.UUID
	closed      bool
	hidden      bool
	permission  notification.Permission
	waiters     []chan notification.Permission

	// PromptTimeout bounds how long RequestPermission waits for an answer.
	PromptTimeout time.Duration
}

// NewClient creates a Client for a tab of userID scoped to structureID.
func NewClient(hub *Hub, conn Conn, userID, structureID uuid.UUID, logger zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:            id,
		UserID:        userID,
		Send:          make(chan []byte, 256),
		hub:           hub,
		conn:          conn,
		logger:        logger.With().Str("client_id", id).Str("user_id", userID.String()).Logger(),
		structureID:   structureID,
		permission:    notification.PermissionDefault,
		PromptTimeout: 2 * time.Minute,
	}
}

// StructureID returns the structure the tab is currently scoped to.
func (c *Client) StructureID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.structureID
}

// Push sends a frame to the tab without blocking.
func (c *Client) Push(frameType string, data interface{}) error {
	msg, err := json.Marshal(Frame{Type: frameType, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	return c.enqueue(msg)
}

func (c *Client) enqueue(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return notification.ErrClientClosed
	}
	select {
	case c.Send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// markClosed closes Send exactly once and releases pending permission waits.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.Send)
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
	return true
}

// Closed reports whether the tab has disconnected.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ---------------------------------------------------------------------------
// notification.Sink
// ---------------------------------------------------------------------------

func (c *Client) ShowToast(_ context.Context, t notification.Toast) error {
	return c.Push(FrameToast, t)
}

// Permission returns the permission last reported by the tab.
func (c *Client) Permission(context.Context) (notification.Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return notification.PermissionDefault, notification.ErrClientClosed
	}
	return c.permission, nil
}

// RequestPermission asks the tab to prompt the user and waits for the next
// permission report.
func (c *Client) RequestPermission(ctx context.Context) (notification.Permission, error) {
	answer := make(chan notification.Permission, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return notification.PermissionDefault, notification.ErrClientClosed
	}
	c.waiters = append(c.waiters, answer)
	c.mu.Unlock()

	if err := c.Push(FramePermissionRequest, nil); err != nil {
		c.dropWaiter(answer)
		return notification.PermissionDefault, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.PromptTimeout)
	defer cancel()
	select {
	case p, ok := <-answer:
		if !ok {
			return notification.PermissionDefault, notification.ErrClientClosed
		}
		return p, nil
	case <-ctx.Done():
		c.dropWaiter(answer)
		return notification.PermissionDefault, fmt.Errorf("permission prompt: %w", ctx.Err())
	}
}

func (c *Client) dropWaiter(w chan notification.Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Hidden reports the last visibility state sent by the tab.
func (c *Client) Hidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hidden
}

func (c *Client) ShowDesktop(_ context.Context, n notification.DesktopNotification) error {
	return c.Push(FrameDesktop, n)
}

func (c *Client) CloseDesktop(tag string) error {
	return c.Push(FrameDesktopClose, map[string]string{"tag": tag})
}

// setVisibility records a visibility report.
func (c *Client) setVisibility(hidden bool) {
	c.mu.Lock()
	c.hidden = hidden
	c.mu.Unlock()
}

// SetPermission records the permission reported by the tab and answers
// pending prompts.
func (c *Client) SetPermission(p notification.Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permission = p
	for _, w := range c.waiters {
		w <- p
	}
	c.waiters = nil
}

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

// Hub tracks connected clients per structure. All operations are safe for
// concurrent use.
type Hub struct {
	mu         sync.RWMutex
	structures map[uuid.UUID]map[*Client]struct{}
	all        map[*Client]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		structures: make(map[uuid.UUID]map[*Client]struct{}),
		all:        make(map[*Client]struct{}),
	}
}

// Register adds a client under its current structure.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.attach(client, client.StructureID())
}

// Unregister removes a client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.detach(client, client.StructureID())
	delete(h.all, client)
	client.markClosed()
}

// Move rescopes a registered client to another structure.
func (h *Hub) Move(client *Client, structureID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	client.mu.Lock()
	prev := client.structureID
	client.structureID = structureID
	client.mu.Unlock()

	h.detach(client, prev)
	h.attach(client, structureID)
}

func (h *Hub) attach(client *Client, structureID uuid.UUID) {
	if structureID == uuid.Nil {
		return
	}
	if h.structures[structureID] == nil {
		h.structures[structureID] = make(map[*Client]struct{})
	}
	h.structures[structureID][client] = struct{}{}
}

func (h *Hub) detach(client *Client, structureID uuid.UUID) {
	if clients, ok := h.structures[structureID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.structures, structureID)
		}
	}
}

// BroadcastStructure sends a frame to every tab of a structure except skip,
// which may be nil. It returns how many tabs accepted the frame.
func (h *Hub) BroadcastStructure(structureID uuid.UUID, skip *Client, frameType string, data interface{}) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.structures[structureID]))
	for client := range h.structures[structureID] {
		if client != skip {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range targets {
		// Clients with a full buffer are skipped to avoid blocking.
		if err := client.Push(frameType, data); err == nil {
			sent++
		}
	}
	return sent
}

// CloseAll closes every client connection. Read loops then unregister them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.all))
	for client := range h.all {
		if client.conn != nil {
			conns = append(conns, client.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// StructureCount returns the number of clients scoped to a structure.
func (h *Hub) StructureCount(structureID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.structures[structureID])
}
