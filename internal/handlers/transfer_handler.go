package handlers

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/lanes"
	"paylane-backend/internal/services"
	"paylane-backend/internal/userop"
)

// TransferHandler serves the public payment API.
type TransferHandler struct {
	transfers *services.TransferService
	logger    *logrus.Logger
}

// NewTransferHandler creates a TransferHandler.
func NewTransferHandler(transfers *services.TransferService, logger *logrus.Logger) *TransferHandler {
	return &TransferHandler{transfers: transfers, logger: logger}
}

// QuoteRequest asks for the sponsor fee of one prospective transfer.
type QuoteRequest struct {
	Owner   string `json:"owner" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	FeeMode string `json:"feeMode"`
}

// QuoteHandler handles POST /api/v1/quote.
func (h *TransferHandler) QuoteHandler(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	owner, err := parseAddress(req.Owner, "owner")
	if err != nil {
		badRequest(c, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		badRequest(c, err)
		return
	}

	quote, err := h.transfers.Quote(c.Request.Context(), owner, amount, req.FeeMode)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "quote": quote})
}

// ProofPayload is the wallet authorization attached to a transfer request.
// Type selects the lane family the signature belongs to.
type ProofPayload struct {
	Type        string `json:"type" binding:"required"` // eip3009 | eip2612 | permit2
	From        string `json:"from,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Spender     string `json:"spender,omitempty"`
	To          string `json:"to,omitempty"`
	Token       string `json:"token,omitempty"`
	Value       string `json:"value,omitempty"`
	Amount      string `json:"amount,omitempty"`
	ValidAfter  string `json:"validAfter,omitempty"`
	ValidBefore string `json:"validBefore,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Expiration  string `json:"expiration,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	SigDeadline string `json:"sigDeadline,omitempty"`
	Signature   string `json:"signature" binding:"required"`
}

// TransferAPIRequest is the POST /api/v1/transfer body.
type TransferAPIRequest struct {
	Owner         string        `json:"owner" binding:"required"`
	Token         string        `json:"token" binding:"required"`
	To            string        `json:"to" binding:"required"`
	Amount        string        `json:"amount" binding:"required"`
	FeeMode       string        `json:"feeMode"`
	SelfPay       bool          `json:"selfPay"`
	PreferPermit2 bool          `json:"preferPermit2"`
	AutoSetup     bool          `json:"autoSetup"`
	ReceiptID     string        `json:"receiptId"`
	Proof         *ProofPayload `json:"proof"`
}

// TransferRequestHandler handles POST /api/v1/transfer. The response is the
// terminal result, a PENDING marker, or an unsigned operation draft when no
// local owner key is configured.
func (h *TransferHandler) TransferRequestHandler(c *gin.Context) {
	var req TransferAPIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	svcReq, err := h.buildServiceRequest(&req)
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.transfers.RunTransfer(c.Request.Context(), svcReq)
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(statusForResult(result), result)
}

func (h *TransferHandler) buildServiceRequest(req *TransferAPIRequest) (*services.TransferRequest, error) {
	owner, err := parseAddress(req.Owner, "owner")
	if err != nil {
		return nil, err
	}
	token, err := parseAddress(req.Token, "token")
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(req.To, "to")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		return nil, err
	}

	var proof lanes.AuthorizationProof
	if req.Proof != nil {
		proof, err = parseProof(req.Proof)
		if err != nil {
			return nil, err
		}
	}

	return &services.TransferRequest{
		Owner:         owner,
		Token:         token,
		To:            to,
		Amount:        amount,
		FeeMode:       req.FeeMode,
		SelfPay:       req.SelfPay,
		PreferPermit2: req.PreferPermit2,
		AutoSetup:     req.AutoSetup,
		ReceiptID:     req.ReceiptID,
		Proof:         proof,
	}, nil
}

// SubmitSignedAPIRequest is the POST /api/v1/transfer/submit body: the
// unmodified draft plus the externally produced owner signature.
type SubmitSignedAPIRequest struct {
	ReceiptID      string                   `json:"receiptId" binding:"required"`
	UserOpHash     string                   `json:"userOpHash" binding:"required"`
	Signature      string                   `json:"signature" binding:"required"`
	UserOpDraft    *userop.RPCUserOperation `json:"userOpDraft" binding:"required"`
	Lane           string                   `json:"lane" binding:"required"`
	FeeMode        string                   `json:"feeMode"`
	Owner          string                   `json:"owner" binding:"required"`
	Token          string                   `json:"token" binding:"required"`
	To             string                   `json:"to" binding:"required"`
	FeeTokenAmount string                   `json:"feeTokenAmount"`
	FeeUsd6        string                   `json:"feeUsd6"`
}

// SubmitSignedHandler handles POST /api/v1/transfer/submit.
func (h *TransferHandler) SubmitSignedHandler(c *gin.Context) {
	var req SubmitSignedAPIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	owner, err := parseAddress(req.Owner, "owner")
	if err != nil {
		badRequest(c, err)
		return
	}
	token, err := parseAddress(req.Token, "token")
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseAddress(req.To, "to")
	if err != nil {
		badRequest(c, err)
		return
	}
	signature, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(c, fmt.Errorf("signature: %w", err))
		return
	}

	var claim *services.FeeClaim
	if req.FeeTokenAmount != "" || req.FeeUsd6 != "" {
		feeToken, err := parseAmount(req.FeeTokenAmount, "feeTokenAmount")
		if err != nil {
			badRequest(c, err)
			return
		}
		feeUsd6, err := parseAmount(req.FeeUsd6, "feeUsd6")
		if err != nil {
			badRequest(c, err)
			return
		}
		claim = &services.FeeClaim{FeeTokenAmount: feeToken, FeeUsd6: feeUsd6}
	}

	result, err := h.transfers.SubmitSigned(c.Request.Context(), &services.SubmitSignedRequest{
		ReceiptID:  req.ReceiptID,
		Draft:      req.UserOpDraft,
		UserOpHash: common.HexToHash(req.UserOpHash),
		Signature:  signature,
		Lane:       req.Lane,
		FeeMode:    req.FeeMode,
		Owner:      owner,
		Token:      token,
		To:         to,
		Claim:      claim,
	})
	if err != nil {
		writeServiceError(c, h.logger, err)
		return
	}
	c.JSON(statusForResult(result), result)
}

func parseProof(p *ProofPayload) (lanes.AuthorizationProof, error) {
	signature, err := hexutil.Decode(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("proof.signature: %w", err)
	}

	switch p.Type {
	case "eip3009":
		from, err := parseAddress(p.From, "proof.from")
		if err != nil {
			return nil, err
		}
		to, err := parseAddress(p.To, "proof.to")
		if err != nil {
			return nil, err
		}
		value, err := parseAmount(p.Value, "proof.value")
		if err != nil {
			return nil, err
		}
		validAfter, err := parseAmount(p.ValidAfter, "proof.validAfter")
		if err != nil {
			return nil, err
		}
		validBefore, err := parseAmount(p.ValidBefore, "proof.validBefore")
		if err != nil {
			return nil, err
		}
		nonceBytes, err := hexutil.Decode(p.Nonce)
		if err != nil || len(nonceBytes) != 32 {
			return nil, fmt.Errorf("proof.nonce must be a 32-byte hex value")
		}
		proof := &lanes.EIP3009Proof{
			From:        from,
			To:          to,
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Signature:   signature,
		}
		copy(proof.Nonce[:], nonceBytes)
		return proof, nil

	case "eip2612":
		owner, err := parseAddress(p.Owner, "proof.owner")
		if err != nil {
			return nil, err
		}
		spender, err := parseAddress(p.Spender, "proof.spender")
		if err != nil {
			return nil, err
		}
		value, err := parseAmount(p.Value, "proof.value")
		if err != nil {
			return nil, err
		}
		deadline, err := parseAmount(p.Deadline, "proof.deadline")
		if err != nil {
			return nil, err
		}
		return &lanes.EIP2612Proof{
			Owner:     owner,
			Spender:   spender,
			Value:     value,
			Deadline:  deadline,
			Signature: signature,
		}, nil

	case "permit2":
		token, err := parseAddress(p.Token, "proof.token")
		if err != nil {
			return nil, err
		}
		spender, err := parseAddress(p.Spender, "proof.spender")
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount(p.Amount, "proof.amount")
		if err != nil {
			return nil, err
		}
		expiration, err := parseAmount(p.Expiration, "proof.expiration")
		if err != nil {
			return nil, err
		}
		nonce, err := parseAmount(p.Nonce, "proof.nonce")
		if err != nil {
			return nil, err
		}
		sigDeadline, err := parseAmount(p.SigDeadline, "proof.sigDeadline")
		if err != nil {
			return nil, err
		}
		return &lanes.Permit2Proof{
			Token:       token,
			Amount:      amount,
			Expiration:  expiration,
			Nonce:       nonce,
			Spender:     spender,
			SigDeadline: sigDeadline,
			Signature:   signature,
		}, nil
	}
	return nil, fmt.Errorf("proof.type must be eip3009, eip2612 or permit2")
}

func parseAddress(v, field string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(v), nil
}

func parseAmount(v, field string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal string", field)
	}
	return n, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"ok":      false,
		"error":   "INVALID_REQUEST",
		"message": err.Error(),
	})
}

// statusForResult maps a service result to the HTTP status: 200 terminal,
// 202 while an operation is in flight or awaiting an external signature.
func statusForResult(result *services.TransferResult) int {
	if result.NeedsUserOpSignature || result.Error == services.ReasonPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// writeServiceError renders a ReasonError with its machine code and meta;
// anything else is an opaque 500.
func writeServiceError(c *gin.Context, logger *logrus.Logger, err error) {
	var re *services.ReasonError
	if errors.As(err, &re) {
		body := gin.H{"ok": false, "error": re.Code, "message": re.Message}
		for k, v := range re.Meta {
			body[k] = v
		}
		c.JSON(statusForReason(re.Code), body)
		return
	}

	logger.WithError(err).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"ok":    false,
		"error": "INTERNAL",
	})
}

func statusForReason(code string) int {
	switch code {
	case services.ReasonFeeTooHigh,
		services.ReasonAmountTooSmall,
		services.ReasonCanonicalViolation,
		services.ReasonDraftHashMismatch,
		services.ReasonFeeMismatch:
		return http.StatusBadRequest
	case services.ReasonInsufficientBalance:
		return http.StatusUnprocessableEntity
	case services.ReasonPermit2SetupRequired, services.ReasonNeedsAAApprove:
		return http.StatusConflict
	case services.ReasonPermit2StipendTimeout:
		return http.StatusGatewayTimeout
	case services.ReasonRouterStipendEmpty, services.ReasonUnsupportedEntryPoint:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
