package services

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylane-backend/internal/clients"
	"paylane-backend/internal/models"
	"paylane-backend/internal/repository"
)

var (
	reconToken  = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	reconOwner  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	reconHub    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	reconVault  = common.HexToAddress("0x5000000000000000000000000000000000000005")
	recipientA  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	recipientB  = common.HexToAddress("0x2200000000000000000000000000000000000022")
	otherToken  = common.HexToAddress("0x6000000000000000000000000000000000000006")
	reconTxHash = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	reconOpHash = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	reconSender = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

// memReceipts is an in-memory ReceiptRepository for reconciliation tests.
type memReceipts struct {
	rows map[string]*models.Receipt
}

func newMemReceipts() *memReceipts {
	return &memReceipts{rows: map[string]*models.Receipt{}}
}

func (m *memReceipts) key(chainID uint64, receiptID string) string {
	return fmt.Sprintf("%d/%s", chainID, receiptID)
}

func (m *memReceipts) Create(_ context.Context, r *models.Receipt) error {
	k := m.key(r.ChainID, r.ReceiptID)
	if _, ok := m.rows[k]; ok {
		return repository.ErrAlreadyExists
	}
	clone := *r
	m.rows[k] = &clone
	return nil
}

func (m *memReceipts) GetByKey(_ context.Context, chainID uint64, receiptID string) (*models.Receipt, error) {
	if r, ok := m.rows[m.key(chainID, receiptID)]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memReceipts) FindByAnyKey(_ context.Context, chainID uint64, key string) (*models.Receipt, error) {
	for _, r := range m.rows {
		if r.ChainID != chainID {
			continue
		}
		if r.ReceiptID == key || r.UserOpHash == key || r.TxHash == key {
			clone := *r
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memReceipts) UpsertReconciled(_ context.Context, r *models.Receipt) error {
	k := m.key(r.ChainID, r.ReceiptID)
	if existing, ok := m.rows[k]; ok && existing.Status.Terminal() && !r.Status.Terminal() {
		return nil
	}
	clone := *r
	m.rows[k] = &clone
	return nil
}

func (m *memReceipts) ListByOwner(_ context.Context, chainID uint64, ownerEoa string, _ int) ([]models.Receipt, error) {
	var out []models.Receipt
	for _, r := range m.rows {
		if r.ChainID == chainID && r.OwnerEoa == ownerEoa {
			out = append(out, *r)
		}
	}
	return out, nil
}

func newTestReconciler(receipts repository.ReceiptRepository) *ReconcilerService {
	return NewReconcilerService(receipts, reconVault, 8453, quietLogger())
}

func makeLog(token, from, to common.Address, value int64) *types.Log {
	var data [32]byte
	big.NewInt(value).FillBytes(data[:])
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			clients.TransferEventID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data[:],
	}
}

func TestReconcileSimpleTransfer(t *testing.T) {
	r := newTestReconciler(newMemReceipts())
	logs := []*types.Log{
		makeLog(reconToken, reconOwner, recipientA, 9_950_000),
		makeLog(reconToken, reconOwner, reconVault, 50_000),
	}
	result, ok := r.ReconcileLogs(logs, ReconcileHints{Token: reconToken, Owner: reconOwner})
	require.True(t, ok)
	assert.Equal(t, reconToken, result.Token)
	assert.Equal(t, recipientA, result.To)
	assert.EqualValues(t, 9_950_000, result.NetAmount.Int64())
	assert.EqualValues(t, 50_000, result.FeeAmount.Int64())
	assert.EqualValues(t, 10_000_000, result.Amount.Int64())
}

func TestReconcileBulkExcludesPullHubLeg(t *testing.T) {
	r := newTestReconciler(newMemReceipts())
	// owner→hub total, then hub fans out to two recipients and the vault.
	logs := []*types.Log{
		makeLog(reconToken, reconOwner, reconHub, 10_000_000),
		makeLog(reconToken, reconHub, recipientA, 6_000_000),
		makeLog(reconToken, reconHub, recipientB, 3_950_000),
		makeLog(reconToken, reconHub, reconVault, 50_000),
	}
	result, ok := r.ReconcileLogs(logs, ReconcileHints{Token: reconToken, Owner: reconOwner})
	require.True(t, ok)
	assert.EqualValues(t, 9_950_000, result.NetAmount.Int64(), "owner→hub leg must not double count")
	assert.EqualValues(t, 50_000, result.FeeAmount.Int64())
	assert.Equal(t, recipientA, result.To)
}

func TestReconcilePrefersHintedToken(t *testing.T) {
	r := newTestReconciler(newMemReceipts())
	// A higher-volume foreign token appears in the same receipt.
	logs := []*types.Log{
		makeLog(otherToken, reconHub, recipientA, 999_000_000),
		makeLog(reconToken, reconOwner, recipientA, 9_950_000),
		makeLog(reconToken, reconOwner, reconVault, 50_000),
	}
	result, ok := r.ReconcileLogs(logs, ReconcileHints{Token: reconToken, Owner: reconOwner})
	require.True(t, ok)
	assert.Equal(t, reconToken, result.Token)
	assert.EqualValues(t, 9_950_000, result.NetAmount.Int64())

	// Without the hint the bigger group wins.
	result, ok = r.ReconcileLogs(logs, ReconcileHints{Owner: reconOwner})
	require.True(t, ok)
	assert.Equal(t, otherToken, result.Token)
}

func TestReconcileEqualVolumeTieIsDeterministic(t *testing.T) {
	r := newTestReconciler(newMemReceipts())
	lowToken := common.HexToAddress("0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa")
	highToken := common.HexToAddress("0xBBbBBBbbBBBbbbBbBbbbbBBbBbbbbBbBbbBBbBBB")
	// Two token groups with identical total volume and no matching hint.
	logs := []*types.Log{
		makeLog(highToken, reconOwner, recipientA, 80),
		makeLog(highToken, reconOwner, reconVault, 20),
		makeLog(lowToken, reconOwner, recipientB, 100),
	}

	for i := 0; i < 200; i++ {
		result, ok := r.ReconcileLogs(logs, ReconcileHints{Owner: reconOwner})
		require.True(t, ok)
		assert.Equal(t, lowToken, result.Token, "equal volume must resolve to the lowest address")
		assert.EqualValues(t, 100, result.NetAmount.Int64())
		assert.EqualValues(t, 0, result.FeeAmount.Int64())
	}
}

func TestReconcilePrefersHintedRecipient(t *testing.T) {
	r := newTestReconciler(newMemReceipts())
	logs := []*types.Log{
		makeLog(reconToken, reconOwner, recipientB, 1_000_000),
		makeLog(reconToken, reconOwner, recipientA, 9_000_000),
	}
	result, ok := r.ReconcileLogs(logs, ReconcileHints{Token: reconToken, To: recipientA})
	require.True(t, ok)
	assert.Equal(t, recipientA, result.To)
}

func TestReconcileNoTransferLogs(t *testing.T) {
	r := newTestReconciler(newMemReceipts())
	_, ok := r.ReconcileLogs(nil, ReconcileHints{})
	assert.False(t, ok)
}

func userOpReceipt(success bool, logs []*types.Log) *clients.UserOperationReceipt {
	return &clients.UserOperationReceipt{
		UserOpHash: reconOpHash,
		Sender:     reconSender,
		Success:    success,
		Receipt: clients.TxReceiptSummary{
			TransactionHash: reconTxHash,
			Logs:            logs,
		},
	}
}

func TestReconcileUserOpReceiptIdempotent(t *testing.T) {
	store := newMemReceipts()
	r := newTestReconciler(store)
	logs := []*types.Log{
		makeLog(reconToken, reconOwner, recipientA, 9_950_000),
		makeLog(reconToken, reconOwner, reconVault, 50_000),
	}
	hints := ReconcileHints{Token: reconToken, To: recipientA, Owner: reconOwner}

	first, err := r.ReconcileUserOpReceipt(context.Background(), "rcpt-1", userOpReceipt(true, logs), hints, "EIP3009", "eco")
	require.NoError(t, err)
	second, err := r.ReconcileUserOpReceipt(context.Background(), "rcpt-1", userOpReceipt(true, logs), hints, "EIP3009", "eco")
	require.NoError(t, err)

	assert.Equal(t, first.NetAmountRaw, second.NetAmountRaw)
	assert.Equal(t, first.FeeAmountRaw, second.FeeAmountRaw)
	assert.Len(t, store.rows, 1, "replay must not create a second row")

	row, err := store.GetByKey(context.Background(), 8453, "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStatusConfirmed, row.Status)
	assert.Equal(t, "9950000", row.NetAmountRaw)
	assert.Equal(t, "50000", row.FeeAmountRaw)
	assert.Equal(t, reconOpHash.Hex(), row.UserOpHash)
	assert.Equal(t, reconTxHash.Hex(), row.TxHash)
}

func TestReconcileFailedOperation(t *testing.T) {
	store := newMemReceipts()
	r := newTestReconciler(store)
	uo := userOpReceipt(false, nil)
	uo.Reason = "AA23 reverted"

	receipt, err := r.ReconcileUserOpReceipt(context.Background(), "rcpt-2", uo,
		ReconcileHints{Token: reconToken, To: recipientA, Owner: reconOwner}, "PERMIT2", "eco")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStatusFailed, receipt.Status)
	assert.False(t, receipt.Success)
	assert.Equal(t, "AA23 reverted", receipt.Meta["revertReason"])
	// Hints still identify what the attempt was about.
	assert.Equal(t, reconToken.Hex(), receipt.Token)
	assert.Equal(t, recipientA.Hex(), receipt.To)
}

func TestReconcileTxReceipt(t *testing.T) {
	store := newMemReceipts()
	r := newTestReconciler(store)
	tx := &types.Receipt{
		TxHash: reconTxHash,
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			makeLog(reconToken, reconOwner, recipientA, 10_000_000),
		},
	}
	receipt, err := r.ReconcileTxReceipt(context.Background(), "rcpt-3", tx,
		ReconcileHints{Token: reconToken, To: recipientA, Owner: reconOwner}, "SELF_PAY", "eco")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStatusConfirmed, receipt.Status)
	assert.Equal(t, "10000000", receipt.NetAmountRaw)
	assert.Equal(t, "0", receipt.FeeAmountRaw)
}
