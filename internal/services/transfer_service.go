package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/clients"
	"paylane-backend/internal/config"
	"paylane-backend/internal/lanes"
	"paylane-backend/internal/metrics"
	"paylane-backend/internal/models"
	"paylane-backend/internal/repository"
	"paylane-backend/internal/userop"
)

// maxApproval is the unlimited ERC-20 allowance.
var maxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// maxPermit2Expiration is the largest uint48 timestamp.
var maxPermit2Expiration = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))

// TransferChain is the node surface the orchestrator needs; satisfied by
// clients.ChainClient.
type TransferChain interface {
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Permit2Allowance(ctx context.Context, permit2, owner, token, spender common.Address) (*big.Int, *big.Int, error)
	SendEOATransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash, timeout, poll time.Duration) (*types.Receipt, error)
}

// ReceiptNotifier pushes canonical receipt updates to subscribers.
type ReceiptNotifier interface {
	NotifyReceipt(receipt *models.Receipt)
}

// TransferRequest is one caller-initiated transfer attempt.
type TransferRequest struct {
	Owner         common.Address
	Token         common.Address
	To            common.Address
	Amount        *big.Int
	FeeMode       string // eco | instant
	SelfPay       bool
	PreferPermit2 bool
	AutoSetup     bool
	ReceiptID     string
	Proof         lanes.AuthorizationProof
}

// TransferResult is the writer-facing outcome of one attempt.
type TransferResult struct {
	OK                   bool                     `json:"ok"`
	Lane                 string                   `json:"lane,omitempty"`
	ReceiptID            string                   `json:"receiptId,omitempty"`
	UserOpHash           string                   `json:"userOpHash,omitempty"`
	TxHash               string                   `json:"txHash,omitempty"`
	FeeAmountRaw         string                   `json:"feeAmountRaw,omitempty"`
	NetAmountRaw         string                   `json:"netAmountRaw,omitempty"`
	NeedsUserOpSignature bool                     `json:"needsUserOpSignature,omitempty"`
	UserOpDraft          *userop.RPCUserOperation `json:"userOpDraft,omitempty"`
	Error                string                   `json:"error,omitempty"`
}

// TransferService orchestrates one transfer end to end: lane selection,
// setup steps, quoting, operation building and submission, and receipt
// reconciliation.
type TransferService struct {
	cfg        *config.Config
	chain      TransferChain
	bundler    BundlerAPI
	quoter     *FeeQuoter
	builder    *UserOpBuilder
	stipend    *StipendService
	reconciler *ReconcilerService
	receipts   repository.ReceiptRepository
	notifier   ReceiptNotifier

	chainID         uint64
	router          common.Address
	permit2         common.Address
	ownerKey        *ecdsa.PrivateKey
	minOwnerBalance *big.Int
	receiptTimeout  time.Duration
	receiptPoll     time.Duration
	logger          *logrus.Logger
}

// NewTransferService wires the orchestrator. ownerKey may be nil; without
// it, sponsored sends go through the two-phase external-signature handshake
// and setup steps cannot be auto-run.
func NewTransferService(
	cfg *config.Config,
	chain TransferChain,
	bundler BundlerAPI,
	quoter *FeeQuoter,
	builder *UserOpBuilder,
	stipend *StipendService,
	reconciler *ReconcilerService,
	receipts repository.ReceiptRepository,
	notifier ReceiptNotifier,
	ownerKey *ecdsa.PrivateKey,
	logger *logrus.Logger,
) *TransferService {
	minBalance, _ := new(big.Int).SetString(cfg.Stipend.MinOwnerBalanceWei, 10)
	return &TransferService{
		cfg:             cfg,
		chain:           chain,
		bundler:         bundler,
		quoter:          quoter,
		builder:         builder,
		stipend:         stipend,
		reconciler:      reconciler,
		receipts:        receipts,
		notifier:        notifier,
		chainID:         cfg.Chain.ChainID,
		router:          common.HexToAddress(cfg.Chain.Router),
		permit2:         common.HexToAddress(cfg.Chain.Permit2),
		ownerKey:        ownerKey,
		minOwnerBalance: minBalance,
		receiptTimeout:  cfg.ReceiptTimeout(),
		receiptPoll:     cfg.ReceiptPoll(),
		logger:          logger,
	}
}

// Quote runs the lane-independent fee quote for an amount, including the
// amount guards.
func (s *TransferService) Quote(ctx context.Context, owner common.Address, amount *big.Int, feeMode string) (*PaymasterQuote, error) {
	quote, err := s.quoter.Quote(ctx, owner, PaymasterModeSend, SpeedFromFeeMode(feeMode))
	if err != nil {
		return nil, err
	}
	metrics.QuotesIssued.Inc()
	if err := s.quoter.CheckAmount(quote, amount); err != nil {
		metrics.QuoteRejections.WithLabelValues(ReasonOf(err)).Inc()
		return nil, err
	}
	return quote, nil
}

// RunTransfer drives one attempt to its terminal state, an unsigned draft,
// or PENDING.
func (s *TransferService) RunTransfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	start := time.Now()

	sender, _, err := s.builder.SenderFor(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	ownerBalance, err := s.chain.TokenBalance(ctx, req.Token, req.Owner)
	if err != nil {
		return nil, err
	}
	senderBalance, err := s.chain.TokenBalance(ctx, req.Token, sender)
	if err != nil {
		return nil, err
	}

	in := LaneInputs{
		Amount:          req.Amount,
		OwnerBalance:    ownerBalance,
		SenderBalance:   senderBalance,
		SupportsEIP3009: s.cfg.TokenSupportsEIP3009(req.Token),
		SupportsEIP2612: s.cfg.TokenSupportsEIP2612(req.Token),
		PreferPermit2:   req.PreferPermit2,
		PayGasYourself:  req.SelfPay,
	}
	lane, reason := SelectLane(in)
	metrics.LaneSelections.WithLabelValues(lane.String()).Inc()
	if lane == lanes.LaneNone {
		return nil, NewReason(ReasonInsufficientBalance,
			"owner holds %s, smart account holds %s, need %s", ownerBalance, senderBalance, req.Amount)
	}
	if err := AssertCanonical(lane, in); err != nil {
		return nil, err
	}

	receiptID := req.ReceiptID
	if receiptID == "" {
		receiptID = uuid.NewString()
	}
	pending := &models.Receipt{
		ChainID:   s.chainID,
		ReceiptID: receiptID,
		Status:    models.ReceiptStatusPending,
		Lane:      lane.String(),
		FeeMode:   req.FeeMode,
		Token:     req.Token.Hex(),
		To:        req.To.Hex(),
		OwnerEoa:  req.Owner.Hex(),
		AmountRaw: req.Amount.String(),
		Meta:      models.JSONB{"laneReason": reason},
	}
	if err := s.receipts.Create(ctx, pending); err != nil && !errors.Is(err, repository.ErrAlreadyExists) {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"receipt_id": receiptID,
		"lane":       lane.String(),
		"reason":     reason,
		"owner":      req.Owner.Hex(),
	}).Info("transfer attempt started")

	var result *TransferResult
	if lane == lanes.LaneSelfPay {
		result, err = s.runSelfPay(ctx, receiptID, req)
	} else {
		result, err = s.runSponsored(ctx, receiptID, lane, sender, req)
	}
	if err != nil {
		metrics.TransferAttempts.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TransferDuration.WithLabelValues(lane.String()).Observe(time.Since(start).Seconds())
	return result, nil
}

func (s *TransferService) runSelfPay(ctx context.Context, receiptID string, req *TransferRequest) (*TransferResult, error) {
	if s.ownerKey == nil {
		return nil, fmt.Errorf("self-pay needs a locally configured owner key")
	}
	data, err := clients.PackTransfer(req.To, req.Amount)
	if err != nil {
		return nil, err
	}
	txHash, err := s.chain.SendEOATransaction(ctx, s.ownerKey, req.Token, nil, data)
	if err != nil {
		return nil, err
	}
	txReceipt, err := s.chain.WaitMined(ctx, txHash, s.receiptTimeout, s.receiptPoll)
	if err != nil {
		return &TransferResult{
			OK: false, Lane: lanes.LaneSelfPay.String(), ReceiptID: receiptID,
			TxHash: txHash.Hex(), Error: ReasonPending,
		}, nil
	}

	hints := ReconcileHints{Token: req.Token, To: req.To, Owner: req.Owner}
	receipt, err := s.reconciler.ReconcileTxReceipt(ctx, receiptID, txReceipt, hints, lanes.LaneSelfPay.String(), req.FeeMode)
	if err != nil {
		return nil, err
	}
	s.notify(receipt)
	metrics.TransferAttempts.WithLabelValues(outcomeLabel(receipt.Success)).Inc()
	return resultFromReceipt(receipt), nil
}

func (s *TransferService) runSponsored(ctx context.Context, receiptID string, lane lanes.Lane, sender common.Address, req *TransferRequest) (*TransferResult, error) {
	quote, err := s.Quote(ctx, req.Owner, req.Amount, req.FeeMode)
	if err != nil {
		return nil, err
	}

	switch lane {
	case lanes.LanePermit2:
		if err := s.ensurePermit2Setup(ctx, req); err != nil {
			return nil, err
		}
	case lanes.LaneAA:
		if err := s.ensureAAApproval(ctx, req, sender); err != nil {
			return nil, err
		}
	}

	scheme, err := lanes.ForLane(lane)
	if err != nil {
		return nil, err
	}
	intent := &lanes.CallIntent{
		Token:     req.Token,
		Owner:     req.Owner,
		To:        req.To,
		Amount:    req.Amount,
		FeeAmount: quote.FeeTokenAmount,
	}
	var proof lanes.AuthorizationProof
	if lane != lanes.LaneAA {
		if req.Proof == nil {
			return nil, fmt.Errorf("lane %s needs a wallet authorization proof", lane)
		}
		proof = req.Proof
	}
	routerCall, err := scheme.BuildRouterCall(intent, proof)
	if err != nil {
		return nil, err
	}
	callData, err := lanes.PackExecute(s.router, nil, routerCall)
	if err != nil {
		return nil, err
	}

	op, err := s.builder.BuildSponsored(ctx, req.Owner, callData, &PaymasterData{
		Mode:       PaymasterModeSend,
		Speed:      SpeedFromFeeMode(req.FeeMode),
		FeeToken:   s.quoter.FeeToken(),
		MaxFeeUsd6: quote.MaxFeeUsd6,
	}, req.FeeMode)
	if err != nil {
		return nil, err
	}

	if s.ownerKey == nil {
		draft, err := s.builder.MakeDraft(op)
		if err != nil {
			return nil, err
		}
		s.stashDraftMeta(ctx, receiptID, draft.UserOpHash, lane, quote, req)
		return &TransferResult{
			OK:                   false,
			Lane:                 lane.String(),
			ReceiptID:            receiptID,
			UserOpHash:           draft.UserOpHash.Hex(),
			NeedsUserOpSignature: true,
			UserOpDraft:          draft.UserOp,
			FeeAmountRaw:         quote.FeeTokenAmount.String(),
			NetAmountRaw:         s.quoter.NetAmount(quote, req.Amount).String(),
		}, nil
	}

	if err := s.builder.SignLocal(op, s.ownerKey); err != nil {
		return nil, err
	}
	opHash, err := s.builder.Submit(ctx, op)
	if err != nil {
		return nil, err
	}
	return s.finishSponsored(ctx, receiptID, opHash, lane.String(), req.FeeMode,
		ReconcileHints{Token: req.Token, To: req.To, Owner: req.Owner})
}

// SubmitSignedRequest resumes the two-phase handshake with the externally
// produced signature and the identical draft.
type SubmitSignedRequest struct {
	ReceiptID  string
	Draft      *userop.RPCUserOperation
	UserOpHash common.Hash
	Signature  []byte
	Lane       string
	FeeMode    string
	Token      common.Address
	To         common.Address
	Owner      common.Address
	Claim      *FeeClaim
}

// SubmitSigned re-derives the draft hash, cross-checks the draft-time fee
// and submits. The fee check always runs against the quote stashed when the
// draft was issued; the caller cannot opt out by omitting the claim.
func (s *TransferService) SubmitSigned(ctx context.Context, req *SubmitSignedRequest) (*TransferResult, error) {
	claim, err := s.draftFeeClaim(ctx, req.ReceiptID, req.Claim)
	if err != nil {
		return nil, err
	}
	opHash, err := s.builder.Resubmit(ctx, req.Draft, req.UserOpHash, req.Signature, claim)
	if err != nil {
		return nil, err
	}
	return s.finishSponsored(ctx, req.ReceiptID, opHash, req.Lane, req.FeeMode,
		ReconcileHints{Token: req.Token, To: req.To, Owner: req.Owner})
}

// draftFeeClaim recovers the fee quote stashed when the draft was issued.
// That quote is authoritative: a caller-supplied claim must agree with it,
// and a resubmission with no draft on record is rejected outright.
func (s *TransferService) draftFeeClaim(ctx context.Context, receiptID string, callerClaim *FeeClaim) (*FeeClaim, error) {
	stored, err := s.receipts.GetByKey(ctx, s.chainID, receiptID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewReason(ReasonFeeMismatch, "no draft on record for receipt %s", receiptID)
		}
		return nil, err
	}
	feeTokenStr, _ := stored.Meta["feeTokenAmount"].(string)
	feeUsdStr, _ := stored.Meta["feeUsd6"].(string)
	feeTokenAmount, okToken := new(big.Int).SetString(feeTokenStr, 10)
	feeUsd6, okUsd := new(big.Int).SetString(feeUsdStr, 10)
	if !okToken || !okUsd {
		return nil, NewReason(ReasonFeeMismatch, "receipt %s carries no draft-time fee quote", receiptID)
	}

	if callerClaim != nil {
		if callerClaim.FeeTokenAmount != nil && callerClaim.FeeTokenAmount.Cmp(feeTokenAmount) != 0 {
			return nil, NewReason(ReasonFeeMismatch,
				"caller claims token fee %s but %s was quoted at draft time",
				callerClaim.FeeTokenAmount, feeTokenAmount)
		}
		if callerClaim.FeeUsd6 != nil && callerClaim.FeeUsd6.Cmp(feeUsd6) != 0 {
			return nil, NewReason(ReasonFeeMismatch,
				"caller claims fee %s usd6 but %s usd6 was quoted at draft time",
				callerClaim.FeeUsd6, feeUsd6)
		}
	}
	return &FeeClaim{FeeTokenAmount: feeTokenAmount, FeeUsd6: feeUsd6}, nil
}

func (s *TransferService) finishSponsored(ctx context.Context, receiptID string, opHash common.Hash, lane, feeMode string, hints ReconcileHints) (*TransferResult, error) {
	metrics.BundlerPolls.Inc()
	uoReceipt, err := s.bundler.AwaitReceipt(ctx, opHash, s.receiptTimeout, s.receiptPoll)
	if errors.Is(err, clients.ErrReceiptPending) {
		s.stashPendingHash(ctx, receiptID, opHash, lane, feeMode, hints)
		return &TransferResult{
			OK: false, Lane: lane, ReceiptID: receiptID,
			UserOpHash: opHash.Hex(), Error: ReasonPending,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	receipt, err := s.reconciler.ReconcileUserOpReceipt(ctx, receiptID, uoReceipt, hints, lane, feeMode)
	if err != nil {
		return nil, err
	}
	s.notify(receipt)
	metrics.TransferAttempts.WithLabelValues(outcomeLabel(receipt.Success)).Inc()
	metrics.Reconciliations.WithLabelValues(string(receipt.Status)).Inc()
	return resultFromReceipt(receipt), nil
}

// GetReceipt resolves a canonical receipt by any of its lookup keys. A
// PENDING receipt with a known operation hash gets one opportunistic
// bundler poll before being returned.
func (s *TransferService) GetReceipt(ctx context.Context, key string) (*models.Receipt, error) {
	receipt, err := s.receipts.FindByAnyKey(ctx, s.chainID, key)
	if err != nil {
		return nil, err
	}
	if receipt.Status != models.ReceiptStatusPending || receipt.UserOpHash == "" {
		return receipt, nil
	}

	metrics.BundlerPolls.Inc()
	uoReceipt, err := s.bundler.AwaitReceipt(ctx, common.HexToHash(receipt.UserOpHash), 0, s.receiptPoll)
	if err != nil || uoReceipt == nil {
		return receipt, nil
	}
	hints := ReconcileHints{
		Token: common.HexToAddress(receipt.Token),
		To:    common.HexToAddress(receipt.To),
		Owner: common.HexToAddress(receipt.OwnerEoa),
	}
	updated, err := s.reconciler.ReconcileUserOpReceipt(ctx, receipt.ReceiptID, uoReceipt, hints, receipt.Lane, receipt.FeeMode)
	if err != nil {
		return receipt, nil
	}
	s.notify(updated)
	metrics.Reconciliations.WithLabelValues(string(updated.Status)).Inc()
	return updated, nil
}

// Reconcile re-runs reconciliation from the on-chain logs for an existing
// receipt, repairing rows whose grouping went wrong. Operator initiated; a
// still-unmined operation comes back unchanged as PENDING.
func (s *TransferService) Reconcile(ctx context.Context, key string) (*models.Receipt, error) {
	receipt, err := s.receipts.FindByAnyKey(ctx, s.chainID, key)
	if err != nil {
		return nil, err
	}
	hints := ReconcileHints{
		Token: common.HexToAddress(receipt.Token),
		To:    common.HexToAddress(receipt.To),
		Owner: common.HexToAddress(receipt.OwnerEoa),
	}

	var updated *models.Receipt
	switch {
	case receipt.UserOpHash != "":
		uoReceipt, err := s.bundler.AwaitReceipt(ctx, common.HexToHash(receipt.UserOpHash), 0, s.receiptPoll)
		if errors.Is(err, clients.ErrReceiptPending) {
			return receipt, nil
		}
		if err != nil {
			return nil, err
		}
		updated, err = s.reconciler.ReconcileUserOpReceipt(ctx, receipt.ReceiptID, uoReceipt, hints, receipt.Lane, receipt.FeeMode)
		if err != nil {
			return nil, err
		}
	case receipt.TxHash != "":
		txReceipt, err := s.chain.WaitMined(ctx, common.HexToHash(receipt.TxHash), 0, s.receiptPoll)
		if err != nil {
			return receipt, nil
		}
		updated, err = s.reconciler.ReconcileTxReceipt(ctx, receipt.ReceiptID, txReceipt, hints, receipt.Lane, receipt.FeeMode)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("receipt %s has no operation or transaction hash to reconcile from", receipt.ReceiptID)
	}

	s.notify(updated)
	metrics.Reconciliations.WithLabelValues(string(updated.Status)).Inc()
	return updated, nil
}

// ensurePermit2Setup verifies both approval hops of the permit2 lane,
// running them when auto-setup is allowed and reporting the exact missing
// step otherwise. A stipend round precedes setup when the owner lacks
// native gas.
func (s *TransferService) ensurePermit2Setup(ctx context.Context, req *TransferRequest) error {
	erc20Allowance, err := s.chain.Allowance(ctx, req.Token, req.Owner, s.permit2)
	if err != nil {
		return err
	}
	p2Amount, p2Expiration, err := s.chain.Permit2Allowance(ctx, s.permit2, req.Owner, req.Token, s.router)
	if err != nil {
		return err
	}

	now := big.NewInt(time.Now().Unix())
	needsERC20 := erc20Allowance.Cmp(req.Amount) < 0
	needsPermit2 := p2Amount.Cmp(req.Amount) < 0 || p2Expiration.Cmp(now) <= 0
	if !needsERC20 && !needsPermit2 {
		return nil
	}

	var steps []string
	if needsERC20 {
		steps = append(steps, fmt.Sprintf("approve token %s for permit2 %s", req.Token.Hex(), s.permit2.Hex()))
	}
	if needsPermit2 {
		steps = append(steps, fmt.Sprintf("permit2 approve of token %s for router %s", req.Token.Hex(), s.router.Hex()))
	}
	if !req.AutoSetup || s.ownerKey == nil {
		return NewReason(ReasonPermit2SetupRequired, "missing setup: %v", steps).
			WithMeta("steps", steps)
	}

	if err := s.stipend.EnsureNativeGas(ctx, req.Owner, s.minOwnerBalance); err != nil {
		metrics.StipendRounds.WithLabelValues("failed").Inc()
		return err
	}
	metrics.StipendRounds.WithLabelValues("ok").Inc()

	if needsERC20 {
		data, err := clients.PackApprove(s.permit2, maxApproval)
		if err != nil {
			return err
		}
		if err := s.runSetupTx(ctx, req.Token, data, "erc20 approve for permit2"); err != nil {
			return err
		}
	}
	if needsPermit2 {
		data, err := clients.PackPermit2Approve(req.Token, s.router, req.Amount, maxPermit2Expiration)
		if err != nil {
			return err
		}
		if err := s.runSetupTx(ctx, s.permit2, data, "permit2 approve for router"); err != nil {
			return err
		}
	}
	return nil
}

// ensureAAApproval checks the smart account's router allowance and, when
// allowed, runs the approval as a sponsored activation operation.
func (s *TransferService) ensureAAApproval(ctx context.Context, req *TransferRequest, sender common.Address) error {
	allowance, err := s.chain.Allowance(ctx, req.Token, sender, s.router)
	if err != nil {
		return err
	}
	if allowance.Cmp(req.Amount) >= 0 {
		return nil
	}

	step := fmt.Sprintf("smart account %s must approve token %s for router %s", sender.Hex(), req.Token.Hex(), s.router.Hex())
	if !req.AutoSetup || s.ownerKey == nil {
		return NewReason(ReasonNeedsAAApprove, "missing setup: %s", step).
			WithMeta("steps", []string{step})
	}

	approve, err := clients.PackApprove(s.router, maxApproval)
	if err != nil {
		return err
	}
	callData, err := lanes.PackExecute(req.Token, nil, approve)
	if err != nil {
		return err
	}
	op, err := s.builder.BuildSponsored(ctx, req.Owner, callData, &PaymasterData{
		Mode:       PaymasterModeActivation,
		Speed:      SpeedFromFeeMode(req.FeeMode),
		FeeToken:   s.quoter.FeeToken(),
		MaxFeeUsd6: big.NewInt(0),
	}, req.FeeMode)
	if err != nil {
		return err
	}
	if err := s.builder.SignLocal(op, s.ownerKey); err != nil {
		return err
	}
	opHash, err := s.builder.Submit(ctx, op)
	if err != nil {
		return err
	}
	uoReceipt, err := s.bundler.AwaitReceipt(ctx, opHash, s.receiptTimeout, s.receiptPoll)
	if err != nil {
		return fmt.Errorf("aa approval %s: %w", opHash.Hex(), err)
	}
	if !uoReceipt.Success {
		return fmt.Errorf("aa approval operation %s reverted", opHash.Hex())
	}
	return nil
}

// runSetupTx executes one EOA setup transaction and fails the attempt when
// it cannot be mined; setup failures are reported, never retried on a
// different lane.
func (s *TransferService) runSetupTx(ctx context.Context, to common.Address, data []byte, label string) error {
	txHash, err := s.chain.SendEOATransaction(ctx, s.ownerKey, to, nil, data)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	receipt, err := s.chain.WaitMined(ctx, txHash, s.receiptTimeout, s.receiptPoll)
	if err != nil {
		return fmt.Errorf("%s (%s): %w", label, txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s (%s) reverted", label, txHash.Hex())
	}
	s.logger.WithFields(logrus.Fields{"tx_hash": txHash.Hex(), "step": label}).Info("setup step mined")
	return nil
}

func (s *TransferService) stashDraftMeta(ctx context.Context, receiptID string, opHash common.Hash, lane lanes.Lane, quote *PaymasterQuote, req *TransferRequest) {
	receipt := &models.Receipt{
		ChainID:    s.chainID,
		ReceiptID:  receiptID,
		UserOpHash: opHash.Hex(),
		Status:     models.ReceiptStatusPending,
		Lane:       lane.String(),
		FeeMode:    req.FeeMode,
		Token:      req.Token.Hex(),
		To:         req.To.Hex(),
		OwnerEoa:   req.Owner.Hex(),
		AmountRaw:  req.Amount.String(),
		Meta: models.JSONB{
			"awaitingSignature": true,
			"feeTokenAmount":    quote.FeeTokenAmount.String(),
			"feeUsd6":           quote.FeeUsd6.String(),
		},
	}
	if err := s.receipts.UpsertReconciled(ctx, receipt); err != nil {
		s.logger.WithError(err).Warn("draft receipt update failed")
	}
}

func (s *TransferService) stashPendingHash(ctx context.Context, receiptID string, opHash common.Hash, lane, feeMode string, hints ReconcileHints) {
	receipt := &models.Receipt{
		ChainID:    s.chainID,
		ReceiptID:  receiptID,
		UserOpHash: opHash.Hex(),
		Status:     models.ReceiptStatusPending,
		Lane:       lane,
		FeeMode:    feeMode,
		Token:      hints.Token.Hex(),
		To:         hints.To.Hex(),
		OwnerEoa:   hints.Owner.Hex(),
	}
	if err := s.receipts.UpsertReconciled(ctx, receipt); err != nil {
		s.logger.WithError(err).Warn("pending receipt update failed")
	}
}

func (s *TransferService) notify(receipt *models.Receipt) {
	if s.notifier != nil {
		s.notifier.NotifyReceipt(receipt)
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "confirmed"
	}
	return "failed"
}

func resultFromReceipt(receipt *models.Receipt) *TransferResult {
	return &TransferResult{
		OK:           receipt.Success,
		Lane:         receipt.Lane,
		ReceiptID:    receipt.ReceiptID,
		UserOpHash:   receipt.UserOpHash,
		TxHash:       receipt.TxHash,
		FeeAmountRaw: receipt.FeeAmountRaw,
		NetAmountRaw: receipt.NetAmountRaw,
	}
}
