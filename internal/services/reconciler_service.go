package services

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/clients"
	"paylane-backend/internal/models"
	"paylane-backend/internal/repository"
)

// ReconcileHints carries what was known at quote time. A hint narrows the
// log matching but never invents data: reconciliation falls back to volume
// grouping when the hinted token or recipient is absent from the logs.
type ReconcileHints struct {
	Token common.Address
	To    common.Address
	Owner common.Address
}

// ReconcileResult is the canonical outcome decoded from one receipt's logs.
type ReconcileResult struct {
	Token     common.Address
	To        common.Address
	NetAmount *big.Int
	FeeAmount *big.Int
	Amount    *big.Int
}

// ReconcilerService turns raw Transfer logs into canonical receipt rows.
type ReconcilerService struct {
	receipts repository.ReceiptRepository
	feeVault common.Address
	chainID  uint64
	logger   *logrus.Logger
}

// NewReconcilerService creates a ReconcilerService.
func NewReconcilerService(receipts repository.ReceiptRepository, feeVault common.Address, chainID uint64, logger *logrus.Logger) *ReconcilerService {
	return &ReconcilerService{
		receipts: receipts,
		feeVault: feeVault,
		chainID:  chainID,
		logger:   logger,
	}
}

// ReconcileLogs decodes every ERC-20 Transfer in the logs and reduces them
// to net/fee amounts. Pure function of its inputs: calling it twice with
// the same logs yields identical amounts.
func (r *ReconcilerService) ReconcileLogs(logs []*types.Log, hints ReconcileHints) (*ReconcileResult, bool) {
	var events []*clients.TransferLogEvent
	for _, log := range logs {
		ev, err := clients.DecodeTransferLog(log)
		if err != nil {
			r.logger.WithError(err).Debug("skipping undecodable transfer log")
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		return nil, false
	}

	group := r.pickTokenGroup(events, hints.Token)
	if len(group) == 0 {
		return nil, false
	}
	token := group[0].Token

	group = r.excludePullHubLeg(group, hints.Owner)

	net := new(big.Int)
	fee := new(big.Int)
	var recipient common.Address
	for _, ev := range group {
		if ev.To == r.feeVault {
			fee.Add(fee, ev.Value)
			continue
		}
		net.Add(net, ev.Value)
		if recipient == (common.Address{}) {
			recipient = ev.To
		}
		if hints.To != (common.Address{}) && ev.To == hints.To {
			recipient = hints.To
		}
	}

	return &ReconcileResult{
		Token:     token,
		To:        recipient,
		NetAmount: net,
		FeeAmount: fee,
		Amount:    new(big.Int).Add(net, fee),
	}, true
}

// pickTokenGroup selects the transfers of one token: the hinted token when
// it appears in the logs, else the token with the highest total volume. Equal
// volumes resolve to the lowest token address, keeping the choice a pure
// function of the logs rather than of map iteration order.
func (r *ReconcilerService) pickTokenGroup(events []*clients.TransferLogEvent, hintToken common.Address) []*clients.TransferLogEvent {
	byToken := map[common.Address][]*clients.TransferLogEvent{}
	volume := map[common.Address]*big.Int{}
	for _, ev := range events {
		byToken[ev.Token] = append(byToken[ev.Token], ev)
		if volume[ev.Token] == nil {
			volume[ev.Token] = new(big.Int)
		}
		volume[ev.Token].Add(volume[ev.Token], ev.Value)
	}

	if hintToken != (common.Address{}) {
		if group, ok := byToken[hintToken]; ok {
			return group
		}
	}

	var best common.Address
	var bestVolume *big.Int
	for token, vol := range volume {
		switch {
		case bestVolume == nil || vol.Cmp(bestVolume) > 0:
			best, bestVolume = token, vol
		case vol.Cmp(bestVolume) == 0 && token.Cmp(best) < 0:
			best = token
		}
	}
	return byToken[best]
}

// excludePullHubLeg detects an intermediate contract that first receives
// from the owner and then forwards onward, and drops the owner→hub leg so
// multi-hop flows are not double counted. Best-effort inference, not a
// protocol guarantee: with no credible hub candidate the group is returned
// untouched.
func (r *ReconcilerService) excludePullHubLeg(group []*clients.TransferLogEvent, owner common.Address) []*clients.TransferLogEvent {
	if owner == (common.Address{}) {
		return group
	}

	inboundFromOwner := map[common.Address]*big.Int{}
	outbound := map[common.Address]*big.Int{}
	for _, ev := range group {
		if ev.From == owner && ev.To != r.feeVault {
			if inboundFromOwner[ev.To] == nil {
				inboundFromOwner[ev.To] = new(big.Int)
			}
			inboundFromOwner[ev.To].Add(inboundFromOwner[ev.To], ev.Value)
		}
		if ev.From != owner {
			if outbound[ev.From] == nil {
				outbound[ev.From] = new(big.Int)
			}
			outbound[ev.From].Add(outbound[ev.From], ev.Value)
		}
	}

	var hub common.Address
	var hubScore *big.Int
	for addr, in := range inboundFromOwner {
		out := outbound[addr]
		if out == nil || out.Sign() == 0 {
			continue
		}
		score := new(big.Int).Add(in, out)
		if hubScore == nil || score.Cmp(hubScore) > 0 {
			hub, hubScore = addr, score
		}
	}
	if hubScore == nil {
		return group
	}

	kept := make([]*clients.TransferLogEvent, 0, len(group))
	for _, ev := range group {
		if ev.From == owner && ev.To == hub {
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}

// ReconcileUserOpReceipt reduces a bundler receipt into the canonical
// receipt row and upserts it. Idempotent: replaying the same receipt leaves
// one row with the same amounts.
func (r *ReconcilerService) ReconcileUserOpReceipt(ctx context.Context, receiptID string, uo *clients.UserOperationReceipt, hints ReconcileHints, lane, feeMode string) (*models.Receipt, error) {
	receipt := &models.Receipt{
		ChainID:    r.chainID,
		ReceiptID:  receiptID,
		UserOpHash: uo.UserOpHash.Hex(),
		TxHash:     uo.Receipt.TransactionHash.Hex(),
		Success:    uo.Success,
		Lane:       lane,
		FeeMode:    feeMode,
		OwnerEoa:   hints.Owner.Hex(),
		Sender:     uo.Sender.Hex(),
	}
	if uo.Success {
		receipt.Status = models.ReceiptStatusConfirmed
	} else {
		receipt.Status = models.ReceiptStatusFailed
		if uo.Reason != "" {
			receipt.Meta = models.JSONB{"revertReason": uo.Reason}
		}
	}
	r.applyLogs(receipt, uo.AllLogs(), hints)

	if err := r.receipts.UpsertReconciled(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// ReconcileTxReceipt is the node-receipt variant, used when only a
// transaction hash is known.
func (r *ReconcilerService) ReconcileTxReceipt(ctx context.Context, receiptID string, tx *types.Receipt, hints ReconcileHints, lane, feeMode string) (*models.Receipt, error) {
	receipt := &models.Receipt{
		ChainID:   r.chainID,
		ReceiptID: receiptID,
		TxHash:    tx.TxHash.Hex(),
		Success:   tx.Status == types.ReceiptStatusSuccessful,
		Lane:      lane,
		FeeMode:   feeMode,
		OwnerEoa:  hints.Owner.Hex(),
	}
	if receipt.Success {
		receipt.Status = models.ReceiptStatusConfirmed
	} else {
		receipt.Status = models.ReceiptStatusFailed
	}
	r.applyLogs(receipt, tx.Logs, hints)

	if err := r.receipts.UpsertReconciled(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (r *ReconcilerService) applyLogs(receipt *models.Receipt, logs []*types.Log, hints ReconcileHints) {
	result, ok := r.ReconcileLogs(logs, hints)
	if !ok {
		if hints.Token != (common.Address{}) {
			receipt.Token = hints.Token.Hex()
		}
		if hints.To != (common.Address{}) {
			receipt.To = hints.To.Hex()
		}
		return
	}
	receipt.Token = result.Token.Hex()
	receipt.To = result.To.Hex()
	receipt.AmountRaw = result.Amount.String()
	receipt.NetAmountRaw = result.NetAmount.String()
	receipt.FeeAmountRaw = result.FeeAmount.String()
}
