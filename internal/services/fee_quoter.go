package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/utils"
)

// paymasterABIJSON is the quoting surface of the sponsoring paymaster.
// quoteFeeUsd6 returns the USD-6 baseline plus any first-transaction
// surcharge for the payer; tokenPriceUsd6 the USD-6 price of one whole
// fee token.
const paymasterABIJSON = `[
  {"type":"function","name":"quoteFeeUsd6","stateMutability":"view","inputs":[
    {"name":"payer","type":"address"},
    {"name":"mode","type":"uint8"},
    {"name":"speed","type":"uint8"}],
   "outputs":[
    {"name":"baselineUsd6","type":"uint256"},
    {"name":"surchargeUsd6","type":"uint256"}]},
  {"type":"function","name":"tokenPriceUsd6","stateMutability":"view","inputs":[
    {"name":"token","type":"address"}],
   "outputs":[{"name":"priceUsd6","type":"uint256"}]}
]`

var paymasterABI = mustParseABI(paymasterABIJSON)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// ChainReader is the node-read surface the quoter needs; satisfied by
// clients.ChainClient.
type ChainReader interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// PaymasterQuote is one fee quote, derived fresh per attempt from live
// contract state. Never cached: both the token price and the surcharge can
// change between quote and send.
type PaymasterQuote struct {
	BaselineUsd6           *big.Int `json:"baselineUsd6"`
	SurchargeUsd6          *big.Int `json:"surchargeUsd6"`
	FeeUsd6                *big.Int `json:"feeUsd6"`
	MaxFeeUsd6             *big.Int `json:"maxFeeUsd6"`
	FeeTokenAmount         *big.Int `json:"feeTokenAmount"`
	FeeTokenDecimals       uint8    `json:"feeTokenDecimals"`
	PriceUsd6PerWholeToken *big.Int `json:"priceUsd6PerWholeToken"`
}

// FeeQuoter converts the paymaster's USD-denominated fee into fee-token
// units.
type FeeQuoter struct {
	chain       ChainReader
	paymaster   common.Address
	feeToken    common.Address
	headroomBps int64
	capUsd6     *big.Int
	logger      *logrus.Logger
}

// NewFeeQuoter creates a FeeQuoter against the given paymaster and fee
// token. headroomBps widens maxFeeUsd6 above the quoted fee so a price move
// between quote and send does not invalidate the operation; capUsd6 is the
// deployment-wide ceiling the fee may never exceed regardless of headroom,
// disabled when non-positive.
func NewFeeQuoter(chain ChainReader, paymaster, feeToken common.Address, headroomBps, capUsd6 int64, logger *logrus.Logger) *FeeQuoter {
	q := &FeeQuoter{
		chain:       chain,
		paymaster:   paymaster,
		feeToken:    feeToken,
		headroomBps: headroomBps,
		logger:      logger,
	}
	if capUsd6 > 0 {
		q.capUsd6 = big.NewInt(capUsd6)
	}
	return q
}

// FeeToken returns the token the sponsor fee is collected in.
func (q *FeeQuoter) FeeToken() common.Address { return q.feeToken }

// Quote reads the paymaster fee and the fee-token price and converts the
// total to fee-token units with ceiling division, so the sponsor never
// under-collects by a rounding error.
func (q *FeeQuoter) Quote(ctx context.Context, payer common.Address, mode, speed uint8) (*PaymasterQuote, error) {
	baseline, surcharge, err := q.quoteFeeUsd6(ctx, payer, mode, speed)
	if err != nil {
		return nil, err
	}
	price, err := q.tokenPriceUsd6(ctx)
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("paymaster reports non-positive price for fee token %s", q.feeToken)
	}
	decimals, err := q.chain.TokenDecimals(ctx, q.feeToken)
	if err != nil {
		return nil, fmt.Errorf("fee token decimals: %w", err)
	}

	feeUsd6 := new(big.Int).Add(baseline, surcharge)
	maxFeeUsd6 := utils.MulDiv(feeUsd6, big.NewInt(10_000+q.headroomBps), big.NewInt(10_000))
	// The configured ceiling wins over headroom. When the quoted fee itself
	// sits above it, CheckAmount refuses the attempt.
	if q.capUsd6 != nil && maxFeeUsd6.Cmp(q.capUsd6) > 0 {
		maxFeeUsd6 = new(big.Int).Set(q.capUsd6)
	}
	feeTokenAmount := utils.CeilDiv(
		new(big.Int).Mul(feeUsd6, utils.Pow10(decimals)),
		price,
	)

	q.logger.WithFields(logrus.Fields{
		"payer":            payer.Hex(),
		"fee_usd6":         feeUsd6.String(),
		"fee_token_amount": feeTokenAmount.String(),
		"price_usd6":       price.String(),
	}).Debug("paymaster quote")

	return &PaymasterQuote{
		BaselineUsd6:           baseline,
		SurchargeUsd6:          surcharge,
		FeeUsd6:                feeUsd6,
		MaxFeeUsd6:             maxFeeUsd6,
		FeeTokenAmount:         feeTokenAmount,
		FeeTokenDecimals:       decimals,
		PriceUsd6PerWholeToken: price,
	}, nil
}

// CheckAmount enforces the amount guards before a lane is committed: the
// net amount must be positive and the quoted fee must stay under the cap.
// Lane-independent but amount-dependent, so it runs once per attempt.
func (q *FeeQuoter) CheckAmount(quote *PaymasterQuote, amount *big.Int) error {
	if quote.FeeUsd6.Cmp(quote.MaxFeeUsd6) > 0 {
		return NewReason(ReasonFeeTooHigh,
			"quoted fee %s usd6 exceeds cap %s usd6", quote.FeeUsd6, quote.MaxFeeUsd6)
	}
	if amount.Cmp(quote.FeeTokenAmount) <= 0 {
		minimum := new(big.Int).Add(quote.FeeTokenAmount, big.NewInt(1))
		return NewReason(ReasonAmountTooSmall,
			"amount %s does not cover the %s token fee, minimum is %s",
			amount, quote.FeeTokenAmount, minimum).
			WithMeta("minimumAmount", minimum.String())
	}
	return nil
}

// NetAmount returns amount minus the quoted fee.
func (q *FeeQuoter) NetAmount(quote *PaymasterQuote, amount *big.Int) *big.Int {
	return new(big.Int).Sub(amount, quote.FeeTokenAmount)
}

func (q *FeeQuoter) quoteFeeUsd6(ctx context.Context, payer common.Address, mode, speed uint8) (baseline, surcharge *big.Int, err error) {
	data, err := paymasterABI.Pack("quoteFeeUsd6", payer, mode, speed)
	if err != nil {
		return nil, nil, err
	}
	out, err := q.chain.CallContract(ctx, q.paymaster, data)
	if err != nil {
		return nil, nil, fmt.Errorf("quoteFeeUsd6: %w", err)
	}
	vals, err := paymasterABI.Unpack("quoteFeeUsd6", out)
	if err != nil {
		return nil, nil, err
	}
	return vals[0].(*big.Int), vals[1].(*big.Int), nil
}

func (q *FeeQuoter) tokenPriceUsd6(ctx context.Context) (*big.Int, error) {
	data, err := paymasterABI.Pack("tokenPriceUsd6", q.feeToken)
	if err != nil {
		return nil, err
	}
	out, err := q.chain.CallContract(ctx, q.paymaster, data)
	if err != nil {
		return nil, fmt.Errorf("tokenPriceUsd6: %w", err)
	}
	vals, err := paymasterABI.Unpack("tokenPriceUsd6", out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}
