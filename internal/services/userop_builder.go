package services

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/clients"
	"paylane-backend/internal/lanes"
	"paylane-backend/internal/userop"
)

const accountFactoryABIJSON = `[
  {"type":"function","name":"getAddress","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"salt","type":"uint256"}],
   "outputs":[{"type":"address"}]},
  {"type":"function","name":"createAccount","inputs":[
    {"name":"owner","type":"address"},
    {"name":"salt","type":"uint256"}],
   "outputs":[{"type":"address"}]}
]`

const entryPointABIJSON = `[
  {"type":"function","name":"getNonce","stateMutability":"view","inputs":[
    {"name":"sender","type":"address"},
    {"name":"key","type":"uint192"}],
   "outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	accountFactoryABI = mustParseABI(accountFactoryABIJSON)
	entryPointABI     = mustParseABI(entryPointABIJSON)
)

// dummySignature keeps gas estimation realistic: bundlers simulate
// validation, and a too-short signature would underestimate it.
var dummySignature = bytes.Repeat([]byte{0x01}, 65)

// Fallback paymaster gas limits for bundlers that omit them from estimates.
var (
	defaultPaymasterVerificationGas = big.NewInt(60_000)
	defaultPaymasterPostOpGas       = big.NewInt(45_000)
)

// BundlerAPI is the bundler surface the builder needs; satisfied by
// clients.BundlerClient.
type BundlerAPI interface {
	EntryPoint() common.Address
	EstimateUserOperationGas(ctx context.Context, op *userop.RPCUserOperation) (*clients.GasEstimate, error)
	SendUserOperation(ctx context.Context, op *userop.RPCUserOperation) (common.Hash, error)
	GasPrice(ctx context.Context) (*clients.GasPriceTiers, error)
	AwaitReceipt(ctx context.Context, opHash common.Hash, timeout, poll time.Duration) (*clients.UserOperationReceipt, error)
}

// BuilderChain is the node surface the builder needs.
type BuilderChain interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	IsDeployed(ctx context.Context, addr common.Address) (bool, error)
}

// UserOpBuilder assembles, prices, hashes and signs EntryPoint v0.7
// operations for the configured smart-account factory and paymaster.
type UserOpBuilder struct {
	bundler     BundlerAPI
	chain       BuilderChain
	chainID     *big.Int
	factory     common.Address
	paymaster   common.Address
	validWindow time.Duration
	logger      *logrus.Logger
}

// NewUserOpBuilder creates a UserOpBuilder.
func NewUserOpBuilder(bundler BundlerAPI, chain BuilderChain, chainID *big.Int, factory, paymaster common.Address, validWindow time.Duration, logger *logrus.Logger) *UserOpBuilder {
	return &UserOpBuilder{
		bundler:     bundler,
		chain:       chain,
		chainID:     chainID,
		factory:     factory,
		paymaster:   paymaster,
		validWindow: validWindow,
		logger:      logger,
	}
}

// SenderFor resolves the counterfactual smart-account address for an owner
// and reports whether it is already deployed.
func (b *UserOpBuilder) SenderFor(ctx context.Context, owner common.Address) (common.Address, bool, error) {
	data, err := accountFactoryABI.Pack("getAddress", owner, big.NewInt(0))
	if err != nil {
		return common.Address{}, false, err
	}
	out, err := b.chain.CallContract(ctx, b.factory, data)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("factory getAddress: %w", err)
	}
	vals, err := accountFactoryABI.Unpack("getAddress", out)
	if err != nil {
		return common.Address{}, false, err
	}
	sender := vals[0].(common.Address)

	deployed, err := b.chain.IsDeployed(ctx, sender)
	if err != nil {
		return common.Address{}, false, err
	}
	return sender, deployed, nil
}

func (b *UserOpBuilder) accountNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", sender, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	out, err := b.chain.CallContract(ctx, b.bundler.EntryPoint(), data)
	if err != nil {
		return nil, fmt.Errorf("entry point getNonce: %w", err)
	}
	vals, err := entryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// BuildSponsored assembles a paymaster-sponsored operation executing
// callData from the owner's smart account: counterfactual sender with
// initCode when undeployed, live nonce, speed-tier gas prices and
// bundler-estimated gas limits.
func (b *UserOpBuilder) BuildSponsored(ctx context.Context, owner common.Address, callData []byte, pmCtx *PaymasterData, feeMode string) (*userop.UserOperation, error) {
	sender, deployed, err := b.SenderFor(ctx, owner)
	if err != nil {
		return nil, err
	}
	nonce, err := b.accountNonce(ctx, sender)
	if err != nil {
		return nil, err
	}
	tiers, err := b.bundler.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	tier := tiers.Tier(feeMode)

	now := time.Now()
	pmCtx.ValidAfter = uint64(now.Add(-time.Minute).Unix())
	pmCtx.ValidUntil = uint64(now.Add(b.validWindow).Unix())
	pmData, err := pmCtx.Encode()
	if err != nil {
		return nil, err
	}

	paymaster := b.paymaster
	op := &userop.UserOperation{
		Sender:                        sender,
		Nonce:                         nonce,
		CallData:                      callData,
		MaxFeePerGas:                  tier.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas:          tier.MaxPriorityFeePerGas.ToInt(),
		Paymaster:                     &paymaster,
		PaymasterVerificationGasLimit: defaultPaymasterVerificationGas,
		PaymasterPostOpGasLimit:       defaultPaymasterPostOpGas,
		PaymasterData:                 pmData,
		Signature:                     dummySignature,
	}
	if !deployed {
		factory := b.factory
		factoryData, err := accountFactoryABI.Pack("createAccount", owner, big.NewInt(0))
		if err != nil {
			return nil, err
		}
		op.Factory = &factory
		op.FactoryData = factoryData
	}

	// Estimation needs non-zero limits in the request shape.
	op.CallGasLimit = big.NewInt(1)
	op.VerificationGasLimit = big.NewInt(1)
	op.PreVerificationGas = big.NewInt(1)

	estimate, err := b.bundler.EstimateUserOperationGas(ctx, op.ToRPC())
	if err != nil {
		return nil, fmt.Errorf("estimate user operation gas: %w", err)
	}
	op.CallGasLimit = estimate.CallGasLimit.ToInt()
	op.VerificationGasLimit = estimate.VerificationGasLimit.ToInt()
	op.PreVerificationGas = estimate.PreVerificationGas.ToInt()
	if estimate.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = estimate.PaymasterVerificationGasLimit.ToInt()
	}
	if estimate.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = estimate.PaymasterPostOpGasLimit.ToInt()
	}

	op.Signature = nil
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// HashOf computes the operation hash against the configured EntryPoint and
// chain.
func (b *UserOpBuilder) HashOf(op *userop.UserOperation) (common.Hash, error) {
	return op.Hash(b.bundler.EntryPoint(), b.chainID)
}

// SignLocal signs the raw 32-byte operation hash with the given key, without
// any message prefix, matching accounts that recover unprefixed digests.
func (b *UserOpBuilder) SignLocal(op *userop.UserOperation, key *ecdsa.PrivateKey) error {
	hash, err := b.HashOf(op)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return fmt.Errorf("sign user operation: %w", err)
	}
	sig[64] += 27
	op.Signature = sig
	return nil
}

// UserOpDraft is the unsigned operation handed to an external wallet
// together with the hash it must sign. Nothing else is held between the two
// phases, so the handshake survives process restarts.
type UserOpDraft struct {
	UserOpHash common.Hash              `json:"userOpHash"`
	UserOp     *userop.RPCUserOperation `json:"userOpDraft"`
}

// MakeDraft computes the operation hash and emits the unsigned draft.
func (b *UserOpBuilder) MakeDraft(op *userop.UserOperation) (*UserOpDraft, error) {
	hash, err := b.HashOf(op)
	if err != nil {
		return nil, err
	}
	rpcOp := op.ToRPC()
	rpcOp.Signature = "0x"
	return &UserOpDraft{UserOpHash: hash, UserOp: rpcOp}, nil
}

// FeeClaim is the fee the caller asserts was presented at draft time.
type FeeClaim struct {
	FeeTokenAmount *big.Int
	FeeUsd6        *big.Int
}

// Resubmit validates an externally signed draft and submits it. The rebuilt
// hash must equal the hash originally presented for signing; the draft-time
// fee must match the amounts actually encoded in callData and paymasterData.
// Both checks are unconditional and either mismatch is fatal for the
// attempt.
func (b *UserOpBuilder) Resubmit(ctx context.Context, draft *userop.RPCUserOperation, presentedHash common.Hash, signature []byte, claim *FeeClaim) (common.Hash, error) {
	op, err := userop.FromRPC(draft)
	if err != nil {
		return common.Hash{}, err
	}
	op.Signature = nil
	if err := op.Validate(); err != nil {
		return common.Hash{}, err
	}

	rebuilt, err := b.HashOf(op)
	if err != nil {
		return common.Hash{}, err
	}
	if rebuilt != presentedHash {
		return common.Hash{}, NewReason(ReasonDraftHashMismatch,
			"draft rebuilds to %s but %s was signed", rebuilt, presentedHash)
	}
	if claim == nil {
		return common.Hash{}, NewReason(ReasonFeeMismatch,
			"resubmission carries no draft-time fee to verify")
	}
	if err := b.crossCheckFee(op, claim); err != nil {
		return common.Hash{}, err
	}
	if len(signature) != 65 {
		return common.Hash{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	op.Signature = signature

	opHash, err := b.bundler.SendUserOperation(ctx, op.ToRPC())
	if err != nil {
		return common.Hash{}, err
	}
	if opHash != rebuilt {
		b.logger.WithFields(logrus.Fields{
			"local_hash":   rebuilt.Hex(),
			"bundler_hash": opHash.Hex(),
		}).Warn("bundler returned a different operation hash")
	}
	return opHash, nil
}

// crossCheckFee verifies the claimed fee against the fee actually encoded
// on-chain: the router call's feeAmount and the paymasterData fee cap. A
// divergence means the caller signed one fee while the chain would execute
// another.
func (b *UserOpBuilder) crossCheckFee(op *userop.UserOperation, claim *FeeClaim) error {
	call, err := lanes.DecodeRouterCall(op.CallData)
	if err != nil {
		return NewReason(ReasonFeeMismatch, "draft callData is not a router payment: %v", err)
	}
	if claim.FeeTokenAmount == nil || call.FeeAmount.Cmp(claim.FeeTokenAmount) != 0 {
		return NewReason(ReasonFeeMismatch,
			"callData encodes fee %s but caller claims %s", call.FeeAmount, claim.FeeTokenAmount)
	}
	pmCtx, err := DecodePaymasterData(op.PaymasterData)
	if err != nil {
		return NewReason(ReasonFeeMismatch, "draft paymasterData undecodable: %v", err)
	}
	if claim.FeeUsd6 != nil && claim.FeeUsd6.Cmp(pmCtx.MaxFeeUsd6) > 0 {
		return NewReason(ReasonFeeMismatch,
			"claimed fee %s usd6 exceeds the %s usd6 cap signed into paymasterData",
			claim.FeeUsd6, pmCtx.MaxFeeUsd6)
	}
	return nil
}

// Submit signs nothing and submits a fully signed operation.
func (b *UserOpBuilder) Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	if len(op.Signature) == 0 {
		return common.Hash{}, fmt.Errorf("operation is unsigned")
	}
	return b.bundler.SendUserOperation(ctx, op.ToRPC())
}
