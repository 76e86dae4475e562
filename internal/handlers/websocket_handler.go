package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/events"
)

// WebsocketHandler upgrades receipt-stream subscriptions.
type WebsocketHandler struct {
	hub    *events.WSHub
	logger *logrus.Logger
}

// NewWebsocketHandler creates a WebsocketHandler.
func NewWebsocketHandler(hub *events.WSHub, logger *logrus.Logger) *WebsocketHandler {
	return &WebsocketHandler{hub: hub, logger: logger}
}

// ReceiptsStreamHandler handles GET /api/v1/ws/receipts?owner=0x...
// The owner filter is optional; without it the socket receives all updates.
func (h *WebsocketHandler) ReceiptsStreamHandler(c *gin.Context) {
	owner := c.Query("owner")
	if owner != "" {
		addr, err := parseAddress(owner, "owner")
		if err != nil {
			badRequest(c, errors.New("owner must be a hex address"))
			return
		}
		owner = addr.Hex()
	}

	if err := h.hub.ServeWS(c.Writer, c.Request, owner); err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
	}
}
