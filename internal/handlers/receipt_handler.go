package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/models"
	"paylane-backend/internal/repository"
	"paylane-backend/internal/services"
)

// ReceiptHandler serves canonical receipt lookups.
type ReceiptHandler struct {
	transfers *services.TransferService
	receipts  repository.ReceiptRepository
	chainID   uint64
	logger    *logrus.Logger
}

// NewReceiptHandler creates a ReceiptHandler.
func NewReceiptHandler(transfers *services.TransferService, receipts repository.ReceiptRepository, chainID uint64, logger *logrus.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		transfers: transfers,
		receipts:  receipts,
		chainID:   chainID,
		logger:    logger,
	}
}

// GetReceiptHandler handles GET /api/v1/receipts/:key. The key may be the
// receipt id, the user operation hash or the transaction hash. A PENDING
// receipt returns 202 with what is known so far.
func (h *ReceiptHandler) GetReceiptHandler(c *gin.Context) {
	key := c.Param("key")
	receipt, err := h.transfers.GetReceipt(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"ok":    false,
				"error": "RECEIPT_NOT_FOUND",
			})
			return
		}
		writeServiceError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if receipt.Status == models.ReceiptStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"ok": true, "receipt": receipt})
}

// ListReceiptsHandler handles GET /api/v1/receipts?owner=0x..&limit=n.
func (h *ReceiptHandler) ListReceiptsHandler(c *gin.Context) {
	owner, err := parseAddress(c.Query("owner"), "owner")
	if err != nil {
		badRequest(c, err)
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			badRequest(c, errors.New("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	rows, err := h.receipts.ListByOwner(c.Request.Context(), h.chainID, owner.Hex(), limit)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "receipts": rows})
}
