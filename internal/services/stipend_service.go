package services

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"paylane-backend/internal/lanes"
	"paylane-backend/internal/models"
	"paylane-backend/internal/repository"
)

// StipendChain is the node surface the coordinator polls.
type StipendChain interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// StipendService tops up a payer's native-gas balance through a sponsored
// voucher operation, so approval transactions become affordable for accounts
// that hold tokens but no gas.
type StipendService struct {
	chain      StipendChain
	builder    *UserOpBuilder
	vouchers   repository.VoucherRepository
	chainID    *big.Int
	router     common.Address
	feeToken   common.Address
	signerKey  *ecdsa.PrivateKey
	sponsorEoa common.Address
	sponsorKey *ecdsa.PrivateKey
	stipendWei *big.Int
	voucherTTL time.Duration
	timeout    time.Duration
	poll       time.Duration
	logger     *logrus.Logger
}

// StipendConfig bundles the coordinator's construction parameters.
type StipendConfig struct {
	ChainID    *big.Int
	Router     common.Address
	FeeToken   common.Address
	SignerKey  *ecdsa.PrivateKey
	SponsorEoa common.Address
	SponsorKey *ecdsa.PrivateKey
	StipendWei *big.Int
	VoucherTTL time.Duration
	Timeout    time.Duration
	Poll       time.Duration
}

// NewStipendService creates a StipendService.
func NewStipendService(chain StipendChain, builder *UserOpBuilder, vouchers repository.VoucherRepository, cfg StipendConfig, logger *logrus.Logger) *StipendService {
	return &StipendService{
		chain:      chain,
		builder:    builder,
		vouchers:   vouchers,
		chainID:    cfg.ChainID,
		router:     cfg.Router,
		feeToken:   cfg.FeeToken,
		signerKey:  cfg.SignerKey,
		sponsorEoa: cfg.SponsorEoa,
		sponsorKey: cfg.SponsorKey,
		stipendWei: cfg.StipendWei,
		voucherTTL: cfg.VoucherTTL,
		timeout:    cfg.Timeout,
		poll:       cfg.Poll,
		logger:     logger,
	}
}

// VoucherDigest is the packed-keccak digest the stipend signer commits to:
// keccak256(owner ‖ token ‖ stipendWei ‖ nonce ‖ deadline ‖ chainId ‖ router)
// with the uint fields as 32-byte big-endian words.
func VoucherDigest(owner, token common.Address, stipendWei, nonce, deadline, chainID *big.Int, router common.Address) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(owner.Bytes())
	h.Write(token.Bytes())
	var word [32]byte
	for _, v := range []*big.Int{stipendWei, nonce, deadline, chainID} {
		v.FillBytes(word[:])
		h.Write(word[:])
	}
	h.Write(router.Bytes())
	return common.BytesToHash(h.Sum(nil))
}

// signVoucher signs the digest with the stipend-signer key, raw and
// unprefixed, the same recovery style the router contract checks.
func (s *StipendService) signVoucher(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.signerKey)
	if err != nil {
		return nil, fmt.Errorf("sign stipend voucher: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// EnsureNativeGas guarantees the owner holds at least targetWei of native
// balance before setup transactions are attempted. A no-op when the balance
// already suffices; otherwise one voucher operation is submitted and the
// balance polled until the target is met or the timeout elapses.
func (s *StipendService) EnsureNativeGas(ctx context.Context, owner common.Address, targetWei *big.Int) error {
	balance, err := s.chain.NativeBalance(ctx, owner)
	if err != nil {
		return err
	}
	if balance.Cmp(targetWei) >= 0 {
		return nil
	}

	routerBalance, err := s.chain.NativeBalance(ctx, s.router)
	if err != nil {
		return err
	}
	if routerBalance.Cmp(s.stipendWei) < 0 {
		shortfall := new(big.Int).Sub(s.stipendWei, routerBalance)
		return NewReason(ReasonRouterStipendEmpty,
			"router stipend pool holds %s wei, needs %s wei more", routerBalance, shortfall).
			WithMeta("shortfallWei", shortfall.String())
	}

	opHash, err := s.submitVoucher(ctx, owner)
	if err != nil {
		return err
	}
	return s.awaitBalance(ctx, owner, targetWei, opHash)
}

func (s *StipendService) submitVoucher(ctx context.Context, owner common.Address) (common.Hash, error) {
	nonce, err := s.vouchers.NextNonce(ctx, s.chainID.Uint64())
	if err != nil {
		return common.Hash{}, err
	}
	deadline := time.Now().Add(s.voucherTTL)

	nonceBig := new(big.Int).SetUint64(nonce)
	deadlineBig := big.NewInt(deadline.Unix())
	digest := VoucherDigest(owner, s.feeToken, s.stipendWei, nonceBig, deadlineBig, s.chainID, s.router)
	voucherSig, err := s.signVoucher(digest)
	if err != nil {
		return common.Hash{}, err
	}

	record := &models.StipendVoucherRecord{
		ChainID:    s.chainID.Uint64(),
		Nonce:      nonce,
		OwnerEoa:   owner.Hex(),
		Token:      s.feeToken.Hex(),
		StipendWei: s.stipendWei.String(),
		Deadline:   deadline,
		Status:     "issued",
	}
	if err := s.vouchers.Create(ctx, record); err != nil {
		return common.Hash{}, err
	}

	activation, err := lanes.PackStipendActivation(owner, s.feeToken, s.stipendWei, nonceBig, deadlineBig, voucherSig)
	if err != nil {
		return common.Hash{}, err
	}
	callData, err := lanes.PackExecute(s.router, nil, activation)
	if err != nil {
		return common.Hash{}, err
	}

	op, err := s.builder.BuildSponsored(ctx, s.sponsorEoa, callData, &PaymasterData{
		Mode:       PaymasterModeStipend,
		Speed:      SpeedInstant,
		FeeToken:   s.feeToken,
		MaxFeeUsd6: big.NewInt(0),
	}, "instant")
	if err != nil {
		return common.Hash{}, err
	}
	if err := s.builder.SignLocal(op, s.sponsorKey); err != nil {
		return common.Hash{}, err
	}
	opHash, err := s.builder.Submit(ctx, op)
	if err != nil {
		return common.Hash{}, err
	}

	if err := s.vouchers.MarkSubmitted(ctx, record.ID, opHash.Hex(), "submitted"); err != nil {
		s.logger.WithError(err).Warn("voucher status update failed")
	}
	s.logger.WithFields(logrus.Fields{
		"owner":        owner.Hex(),
		"nonce":        nonce,
		"stipend_wei":  s.stipendWei.String(),
		"user_op_hash": opHash.Hex(),
	}).Info("stipend voucher submitted")
	return opHash, nil
}

func (s *StipendService) awaitBalance(ctx context.Context, owner common.Address, targetWei *big.Int, opHash common.Hash) error {
	deadline := time.Now().Add(s.timeout)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		balance, err := s.chain.NativeBalance(ctx, owner)
		if err != nil {
			s.logger.WithError(err).Warn("stipend balance poll failed, retrying")
		} else if balance.Cmp(targetWei) >= 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return NewReason(ReasonPermit2StipendTimeout,
				"owner %s below %s wei after %s, voucher op %s",
				owner.Hex(), targetWei, s.timeout, opHash.Hex())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
