package services

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylane-backend/internal/models"
	"paylane-backend/internal/repository"
	"paylane-backend/internal/userop"
)

var (
	stipendRouter = common.HexToAddress("0x3000000000000000000000000000000000000003")
	stipendOwner  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	stipendAmount = big.NewInt(500_000_000_000_000)
)

// stipendChain serves native balances. The owner appears funded only after
// the voucher operation reached the bundler, mirroring the real top-up flow.
type stipendChain struct {
	bundler       *fakeBundler
	routerBalance *big.Int
	ownerBalance  *big.Int
	target        *big.Int
	neverFund     bool
}

func (c *stipendChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	if addr == stipendRouter {
		return c.routerBalance, nil
	}
	if !c.neverFund && c.bundler != nil && c.bundler.sent != nil {
		return c.target, nil
	}
	return c.ownerBalance, nil
}

// memVouchers is an in-memory VoucherRepository.
type memVouchers struct {
	records []*models.StipendVoucherRecord
}

func (m *memVouchers) Create(_ context.Context, r *models.StipendVoucherRecord) error {
	for _, ex := range m.records {
		if ex.ChainID == r.ChainID && ex.Nonce == r.Nonce {
			return repository.ErrAlreadyExists
		}
	}
	r.ID = uint64(len(m.records) + 1)
	clone := *r
	m.records = append(m.records, &clone)
	return nil
}

func (m *memVouchers) NextNonce(_ context.Context, chainID uint64) (uint64, error) {
	var max uint64
	for _, r := range m.records {
		if r.ChainID == chainID && r.Nonce > max {
			max = r.Nonce
		}
	}
	return max + 1, nil
}

func (m *memVouchers) MarkSubmitted(_ context.Context, id uint64, userOpHash, status string) error {
	for _, r := range m.records {
		if r.ID == id {
			r.UserOpHash = userOpHash
			r.Status = status
		}
	}
	return nil
}

func newTestStipend(t *testing.T, chain *stipendChain, vouchers *memVouchers, bundler *fakeBundler) *StipendService {
	t.Helper()
	signerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sponsorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewStipendService(chain, newTestBuilder(bundler, true), vouchers, StipendConfig{
		ChainID:    big.NewInt(8453),
		Router:     stipendRouter,
		FeeToken:   common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		SignerKey:  signerKey,
		SponsorEoa: crypto.PubkeyToAddress(sponsorKey.PublicKey),
		SponsorKey: sponsorKey,
		StipendWei: stipendAmount,
		VoucherTTL: 10 * time.Minute,
		Timeout:    40 * time.Millisecond,
		Poll:       5 * time.Millisecond,
	}, quietLogger())
}

func TestEnsureNativeGasNoopWhenFunded(t *testing.T) {
	bundler := &fakeBundler{}
	chain := &stipendChain{
		bundler:       bundler,
		routerBalance: big.NewInt(0),
		ownerBalance:  stipendAmount,
		target:        stipendAmount,
	}
	vouchers := &memVouchers{}
	s := newTestStipend(t, chain, vouchers, bundler)

	require.NoError(t, s.EnsureNativeGas(context.Background(), stipendOwner, stipendAmount))
	assert.Nil(t, bundler.sent, "funded owner must not trigger a voucher")
	assert.Empty(t, vouchers.records)
}

func TestEnsureNativeGasSubmitsVoucher(t *testing.T) {
	bundler := &fakeBundler{sendHash: common.HexToHash("0xabcd")}
	chain := &stipendChain{
		bundler:       bundler,
		routerBalance: new(big.Int).Mul(stipendAmount, big.NewInt(10)),
		ownerBalance:  big.NewInt(0),
		target:        stipendAmount,
	}
	vouchers := &memVouchers{}
	s := newTestStipend(t, chain, vouchers, bundler)

	require.NoError(t, s.EnsureNativeGas(context.Background(), stipendOwner, stipendAmount))
	require.NotNil(t, bundler.sent)

	// The sponsored op carries the stipend paymaster mode.
	op, err := userop.FromRPC(bundler.sent)
	require.NoError(t, err)
	pm, err := DecodePaymasterData(op.PaymasterData)
	require.NoError(t, err)
	assert.Equal(t, uint8(PaymasterModeStipend), pm.Mode)
	assert.Equal(t, uint8(SpeedInstant), pm.Speed)

	require.Len(t, vouchers.records, 1)
	record := vouchers.records[0]
	assert.EqualValues(t, 1, record.Nonce)
	assert.Equal(t, stipendOwner.Hex(), record.OwnerEoa)
	assert.Equal(t, stipendAmount.String(), record.StipendWei)
	assert.Equal(t, "submitted", record.Status)
	assert.Equal(t, bundler.sendHash.Hex(), record.UserOpHash)
}

func TestEnsureNativeGasRouterEmpty(t *testing.T) {
	bundler := &fakeBundler{}
	chain := &stipendChain{
		bundler:       bundler,
		routerBalance: big.NewInt(100),
		ownerBalance:  big.NewInt(0),
		target:        stipendAmount,
	}
	vouchers := &memVouchers{}
	s := newTestStipend(t, chain, vouchers, bundler)

	err := s.EnsureNativeGas(context.Background(), stipendOwner, stipendAmount)
	require.Error(t, err)
	assert.Equal(t, ReasonRouterStipendEmpty, ReasonOf(err))

	var re *ReasonError
	require.ErrorAs(t, err, &re)
	shortfall := new(big.Int).Sub(stipendAmount, big.NewInt(100))
	assert.Equal(t, shortfall.String(), re.Meta["shortfallWei"])
	assert.Nil(t, bundler.sent, "empty pool must not issue a voucher")
}

func TestEnsureNativeGasTimeout(t *testing.T) {
	bundler := &fakeBundler{}
	chain := &stipendChain{
		bundler:       bundler,
		routerBalance: new(big.Int).Mul(stipendAmount, big.NewInt(10)),
		ownerBalance:  big.NewInt(0),
		target:        stipendAmount,
		neverFund:     true,
	}
	vouchers := &memVouchers{}
	s := newTestStipend(t, chain, vouchers, bundler)

	err := s.EnsureNativeGas(context.Background(), stipendOwner, stipendAmount)
	require.Error(t, err)
	assert.Equal(t, ReasonPermit2StipendTimeout, ReasonOf(err))
	assert.NotNil(t, bundler.sent, "voucher goes out even when the top-up stalls")
}

func TestVoucherNoncesAreSequential(t *testing.T) {
	vouchers := &memVouchers{}
	ctx := context.Background()
	for want := uint64(1); want <= 3; want++ {
		nonce, err := vouchers.NextNonce(ctx, 8453)
		require.NoError(t, err)
		assert.Equal(t, want, nonce)
		require.NoError(t, vouchers.Create(ctx, &models.StipendVoucherRecord{ChainID: 8453, Nonce: nonce}))
	}
	// A replayed nonce hits the unique index.
	err := vouchers.Create(ctx, &models.StipendVoucherRecord{ChainID: 8453, Nonce: 2})
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestVoucherDigestBindsEveryField(t *testing.T) {
	token := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	base := VoucherDigest(stipendOwner, token, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(8453), stipendRouter)
	assert.Equal(t, base, VoucherDigest(stipendOwner, token, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(8453), stipendRouter))

	variants := []common.Hash{
		VoucherDigest(reconOwner, token, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(8453), stipendRouter),
		VoucherDigest(stipendOwner, stipendRouter, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(8453), stipendRouter),
		VoucherDigest(stipendOwner, token, big.NewInt(1), big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(8453), stipendRouter),
		VoucherDigest(stipendOwner, token, stipendAmount, big.NewInt(2), big.NewInt(1_900_000_000), big.NewInt(8453), stipendRouter),
		VoucherDigest(stipendOwner, token, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_001), big.NewInt(8453), stipendRouter),
		VoucherDigest(stipendOwner, token, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(1), stipendRouter),
		VoucherDigest(stipendOwner, token, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(8453), token),
	}
	for i, v := range variants {
		assert.NotEqual(t, base, v, "variant %d", i)
	}
}

func TestSignVoucherRecoversSigner(t *testing.T) {
	bundler := &fakeBundler{}
	chain := &stipendChain{bundler: bundler, routerBalance: big.NewInt(0), ownerBalance: big.NewInt(0), target: stipendAmount}
	s := newTestStipend(t, chain, &memVouchers{}, bundler)

	digest := VoucherDigest(stipendOwner, s.feeToken, stipendAmount, big.NewInt(1), big.NewInt(1_900_000_000), big.NewInt(8453), stipendRouter)
	sig, err := s.signVoucher(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.True(t, sig[64] == 27 || sig[64] == 28)

	raw := make([]byte, 65)
	copy(raw, sig)
	raw[64] -= 27
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(s.signerKey.PublicKey), crypto.PubkeyToAddress(*pub))
}
