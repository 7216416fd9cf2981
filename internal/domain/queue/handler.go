package queue

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/platform/db"
)

// OrderPublisher tells connected tabs that a structure's queue order changed.
type OrderPublisher interface {
	PublishOrder(structureID uuid.UUID, ids []uuid.UUID)
}

type Handler struct {
	repo      Repository
	publisher OrderPublisher
	logger    zerolog.Logger
}

func NewHandler(repo Repository, publisher OrderPublisher, logger zerolog.Logger) *Handler {
	return &Handler{repo: repo, publisher: publisher, logger: logger.With().Str("component", "queue.handler").Logger()}
}

// RegisterRoutes registers the queue endpoints on g, which is mounted at
// /queue behind db.StructureMiddleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.ListQueue)
	g.PUT("/order", h.PutOrder)
}

type orderRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handler) ListQueue(c echo.Context) error {
	structureID, ok := db.StructureFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "missing structure")
	}
	entries, err := h.repo.ListWaiting(c.Request().Context(), structureID)
	if err != nil {
		h.logger.Error().Err(err).Msg("list queue")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load queue")
	}
	if entries == nil {
		entries = []Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) PutOrder(c echo.Context) error {
	structureID, ok := db.StructureFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "missing structure")
	}
	var req orderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(req.IDs))
	for _, id := range req.IDs {
		if _, dup := seen[id]; dup {
			return echo.NewHTTPError(http.StatusBadRequest, "duplicate id "+id.String())
		}
		seen[id] = struct{}{}
	}

	updated, err := h.repo.PersistOrder(c.Request().Context(), structureID, req.IDs)
	if err != nil {
		h.logger.Error().Err(err).Str("structure_id", structureID.String()).Msg("persist order")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save queue order")
	}
	if h.publisher != nil {
		h.publisher.PublishOrder(structureID, req.IDs)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": updated})
}
