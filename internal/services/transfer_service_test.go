package services

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylane-backend/internal/config"
	"paylane-backend/internal/models"
)

func newSubmitTestService(bundler *fakeBundler, store *memReceipts, builder *UserOpBuilder) *TransferService {
	cfg := &config.Config{}
	cfg.Chain.ChainID = 8453
	cfg.Chain.Router = "0x3000000000000000000000000000000000000003"
	cfg.Chain.Permit2 = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
	cfg.Stipend.MinOwnerBalanceWei = "0"
	cfg.Receipts.TimeoutSeconds = 1
	cfg.Receipts.PollMs = 1

	reconciler := NewReconcilerService(store, reconVault, 8453, quietLogger())
	return NewTransferService(cfg, nil, bundler, nil, builder, nil, reconciler, store, nil, nil, quietLogger())
}

func stashDraftQuote(t *testing.T, store *memReceipts, receiptID, feeTokenAmount, feeUsd6 string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &models.Receipt{
		ChainID:   8453,
		ReceiptID: receiptID,
		Status:    models.ReceiptStatusPending,
		Lane:      "AA",
		FeeMode:   "eco",
		Token:     reconToken.Hex(),
		To:        recipientA.Hex(),
		OwnerEoa:  reconOwner.Hex(),
		Meta: models.JSONB{
			"awaitingSignature": true,
			"feeTokenAmount":    feeTokenAmount,
			"feeUsd6":           feeUsd6,
		},
	}))
}

func TestSubmitSignedEnforcesDraftFee(t *testing.T) {
	bundler := &fakeBundler{}
	builder := newTestBuilder(bundler, true)
	store := newMemReceipts()
	svc := newSubmitTestService(bundler, store, builder)

	op := buildTestOp(t, builder, 50_000, 51_000)
	draft, err := builder.MakeDraft(op)
	require.NoError(t, err)
	bundler.sendHash = draft.UserOpHash
	bundler.receipt = userOpReceipt(true, []*types.Log{
		makeLog(reconToken, reconOwner, recipientA, 9_950_000),
		makeLog(reconToken, reconOwner, reconVault, 50_000),
	})

	stashDraftQuote(t, store, "rcpt-draft", "50000", "50000")

	sig := make([]byte, 65)
	sig[64] = 27
	result, err := svc.SubmitSigned(context.Background(), &SubmitSignedRequest{
		ReceiptID:  "rcpt-draft",
		Draft:      draft.UserOp,
		UserOpHash: draft.UserOpHash,
		Signature:  sig,
		Lane:       "AA",
		FeeMode:    "eco",
		Token:      reconToken,
		To:         recipientA,
		Owner:      reconOwner,
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "9950000", result.NetAmountRaw)
	assert.Equal(t, "50000", result.FeeAmountRaw)
}

func TestSubmitSignedRejectsDivergentDraftFee(t *testing.T) {
	bundler := &fakeBundler{}
	builder := newTestBuilder(bundler, true)
	store := newMemReceipts()
	svc := newSubmitTestService(bundler, store, builder)

	op := buildTestOp(t, builder, 50_000, 51_000)
	draft, err := builder.MakeDraft(op)
	require.NoError(t, err)

	// The stashed quote disagrees with the fee encoded in the draft's
	// callData. A request that omits the fee fields entirely must still be
	// checked against the stash and rejected.
	stashDraftQuote(t, store, "rcpt-skewed", "49000", "49000")

	sig := make([]byte, 65)
	sig[64] = 27
	_, err = svc.SubmitSigned(context.Background(), &SubmitSignedRequest{
		ReceiptID:  "rcpt-skewed",
		Draft:      draft.UserOp,
		UserOpHash: draft.UserOpHash,
		Signature:  sig,
		Lane:       "AA",
		FeeMode:    "eco",
		Token:      reconToken,
		To:         recipientA,
		Owner:      reconOwner,
	})
	require.Error(t, err)
	assert.Equal(t, ReasonFeeMismatch, ReasonOf(err))
	assert.Nil(t, bundler.sent, "a fee mismatch must never reach the bundler")
}

func TestSubmitSignedRejectsUnknownReceipt(t *testing.T) {
	bundler := &fakeBundler{}
	builder := newTestBuilder(bundler, true)
	svc := newSubmitTestService(bundler, newMemReceipts(), builder)

	op := buildTestOp(t, builder, 50_000, 51_000)
	draft, err := builder.MakeDraft(op)
	require.NoError(t, err)

	sig := make([]byte, 65)
	sig[64] = 27
	_, err = svc.SubmitSigned(context.Background(), &SubmitSignedRequest{
		ReceiptID:  "rcpt-missing",
		Draft:      draft.UserOp,
		UserOpHash: draft.UserOpHash,
		Signature:  sig,
		Lane:       "AA",
		FeeMode:    "eco",
		Token:      reconToken,
		To:         recipientA,
		Owner:      reconOwner,
	})
	require.Error(t, err)
	assert.Equal(t, ReasonFeeMismatch, ReasonOf(err))
}

func TestSubmitSignedRejectsClaimAgainstStash(t *testing.T) {
	bundler := &fakeBundler{}
	builder := newTestBuilder(bundler, true)
	store := newMemReceipts()
	svc := newSubmitTestService(bundler, store, builder)

	op := buildTestOp(t, builder, 50_000, 51_000)
	draft, err := builder.MakeDraft(op)
	require.NoError(t, err)

	stashDraftQuote(t, store, "rcpt-claim", "50000", "50000")

	sig := make([]byte, 65)
	sig[64] = 27
	_, err = svc.SubmitSigned(context.Background(), &SubmitSignedRequest{
		ReceiptID:  "rcpt-claim",
		Draft:      draft.UserOp,
		UserOpHash: draft.UserOpHash,
		Signature:  sig,
		Lane:       "AA",
		FeeMode:    "eco",
		Token:      reconToken,
		To:         recipientA,
		Owner:      reconOwner,
		Claim:      &FeeClaim{FeeTokenAmount: big.NewInt(48_000), FeeUsd6: big.NewInt(48_000)},
	})
	require.Error(t, err)
	assert.Equal(t, ReasonFeeMismatch, ReasonOf(err))
}
