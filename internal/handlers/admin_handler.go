package handlers

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/auth"
	"paylane-backend/internal/models"
	"paylane-backend/internal/repository"
	"paylane-backend/internal/services"
)

// AdminBalanceReader is the chain surface the operator status endpoint needs.
type AdminBalanceReader interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// AdminHandler serves the operator endpoints: login, stipend pool status and
// forced receipt reconciliation.
type AdminHandler struct {
	tokens    *auth.AdminTokens
	chain     AdminBalanceReader
	transfers *services.TransferService
	router    common.Address
	sponsor   common.Address
	chainID   uint64
	logger    *logrus.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(tokens *auth.AdminTokens, chain AdminBalanceReader, transfers *services.TransferService, router, sponsor common.Address, chainID uint64, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		tokens:    tokens,
		chain:     chain,
		transfers: transfers,
		router:    router,
		sponsor:   sponsor,
		chainID:   chainID,
		logger:    logger,
	}
}

// AdminLoginRequest is the POST /api/v1/admin/login body.
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

// LoginHandler exchanges credentials plus a TOTP code for a bearer token.
func (h *AdminHandler) LoginHandler(c *gin.Context) {
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":    false,
			"error": "ADMIN_NOT_CONFIGURED",
		})
		return
	}

	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	username := os.Getenv("ADMIN_USERNAME")
	if username == "" {
		username = "admin"
	}

	// One generic rejection for every credential failure.
	if req.Username != username || req.Password != password || !h.tokens.ValidateTOTP(req.TOTPCode) {
		h.logger.WithField("username", req.Username).Warn("admin login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{
			"ok":    false,
			"error": "INVALID_CREDENTIALS",
		})
		return
	}

	token, err := h.tokens.Issue(req.Username)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "token": token})
}

// StatusHandler reports the sponsorship pool health: the router's stipend
// reserve and the sponsor account's native balance.
func (h *AdminHandler) StatusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	routerBalance, err := h.chain.NativeBalance(ctx, h.router)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	sponsorBalance, err := h.chain.NativeBalance(ctx, h.sponsor)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":                true,
		"chainId":           h.chainID,
		"router":            h.router.Hex(),
		"routerBalanceWei":  routerBalance.String(),
		"sponsor":           h.sponsor.Hex(),
		"sponsorBalanceWei": sponsorBalance.String(),
	})
}

// ReconcileReceiptHandler re-runs reconciliation for one receipt from its
// on-chain logs. A receipt whose operation is still unmined stays PENDING.
func (h *AdminHandler) ReconcileReceiptHandler(c *gin.Context) {
	receipt, err := h.transfers.Reconcile(c.Request.Context(), c.Param("id"))
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

	h.logger.WithFields(logrus.Fields{
		"receipt_id": receipt.ReceiptID,
		"status":     receipt.Status,
	}).Info("receipt reconciliation forced")

	status := http.StatusOK
	if receipt.Status == models.ReceiptStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"ok": true, "receipt": receipt})
}
