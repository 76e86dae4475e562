package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"paylane-backend/internal/auth"
	"paylane-backend/internal/clients"
	"paylane-backend/internal/config"
	"paylane-backend/internal/db"
	"paylane-backend/internal/events"
	"paylane-backend/internal/repository"
	"paylane-backend/internal/services"
)

// ServiceContainer wires every component once at startup and owns their
// shutdown order.
type ServiceContainer struct {
	Cfg *config.Config
	DB  *gorm.DB

	Chain   *clients.ChainClient
	Bundler *clients.BundlerClient

	Receipts   repository.ReceiptRepository
	Vouchers   repository.VoucherRepository
	RateLimits repository.RateLimitRepository

	Quoter     *services.FeeQuoter
	Builder    *services.UserOpBuilder
	Stipend    *services.StipendService
	Reconciler *services.ReconcilerService
	Transfers  *services.TransferService

	WSHub     *events.WSHub
	NATS      *events.NATSPublisher
	AdminAuth *auth.AdminTokens

	Logger *logrus.Logger
}

// InitializeContainer builds the full dependency graph. The bundler's entry
// point support is verified here so a misconfigured deployment dies before
// serving a single request.
func InitializeContainer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ServiceContainer, error) {
	database, err := db.Initialize(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	chain, err := clients.NewChainClient(ctx, cfg.Chain.RPCURL, logger)
	if err != nil {
		return nil, fmt.Errorf("chain client: %w", err)
	}
	if chain.ChainID().Uint64() != cfg.Chain.ChainID {
		return nil, fmt.Errorf("node reports chain %s, config expects %d", chain.ChainID(), cfg.Chain.ChainID)
	}

	entryPoint := common.HexToAddress(cfg.Chain.EntryPoint)
	bundler, err := clients.NewBundlerClient(ctx, cfg.Chain.BundlerURL, entryPoint, logger)
	if err != nil {
		return nil, fmt.Errorf("bundler client: %w", err)
	}
	if err := bundler.EnsureEntryPoint(ctx); err != nil {
		return nil, err
	}

	sponsorKey, err := parseKey(cfg.Chain.SponsorKey)
	if err != nil {
		return nil, fmt.Errorf("sponsor key: %w", err)
	}
	stipendSignerKey, err := parseKey(cfg.Stipend.SignerKey)
	if err != nil {
		return nil, fmt.Errorf("stipend signer key: %w", err)
	}
	var ownerKey *ecdsa.PrivateKey
	if cfg.Chain.OwnerKey != "" {
		ownerKey, err = parseKey(cfg.Chain.OwnerKey)
		if err != nil {
			return nil, fmt.Errorf("owner key: %w", err)
		}
	}

	receipts := repository.NewReceiptRepository(database)
	vouchers := repository.NewVoucherRepository(database)
	rateLimits := repository.NewRateLimitRepository(database)

	chainID := new(big.Int).SetUint64(cfg.Chain.ChainID)
	builder := services.NewUserOpBuilder(
		bundler, chain, chainID,
		common.HexToAddress(cfg.Chain.AccountFactory),
		common.HexToAddress(cfg.Chain.Paymaster),
		time.Duration(cfg.Fees.ValidWindowSeconds)*time.Second,
		logger,
	)
	quoter := services.NewFeeQuoter(
		chain,
		common.HexToAddress(cfg.Chain.Paymaster),
		common.HexToAddress(cfg.Chain.FeeToken),
		int64(cfg.Fees.MaxFeeHeadroomBps),
		cfg.Fees.MaxFeeUsd6,
		logger,
	)

	stipendWei, ok := new(big.Int).SetString(cfg.Stipend.StipendWei, 10)
	if !ok {
		return nil, fmt.Errorf("config: stipend.stipendWei is not a decimal number")
	}
	stipend := services.NewStipendService(chain, builder, vouchers, services.StipendConfig{
		ChainID:    chainID,
		Router:     common.HexToAddress(cfg.Chain.Router),
		FeeToken:   common.HexToAddress(cfg.Chain.FeeToken),
		SignerKey:  stipendSignerKey,
		SponsorEoa: common.HexToAddress(cfg.Chain.SponsorAccount),
		SponsorKey: sponsorKey,
		StipendWei: stipendWei,
		VoucherTTL: time.Duration(cfg.Stipend.VoucherTTLSeconds) * time.Second,
		Timeout:    cfg.StipendTimeout(),
		Poll:       cfg.StipendPoll(),
	}, logger)

	reconciler := services.NewReconcilerService(
		receipts,
		common.HexToAddress(cfg.Chain.FeeVault),
		cfg.Chain.ChainID,
		logger,
	)

	wsHub := events.NewWSHub(logger)
	var natsPublisher *events.NATSPublisher
	var notifier services.ReceiptNotifier
	if cfg.NATS.URL != "" {
		natsPublisher, err = events.NewNATSPublisher(
			cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.Chain.ChainID,
			time.Duration(cfg.NATS.TimeoutSeconds)*time.Second, logger,
		)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		notifier = events.NewFanoutNotifier(wsHub, natsPublisher)
	} else {
		notifier = wsHub
	}

	transfers := services.NewTransferService(
		cfg, chain, bundler, quoter, builder, stipend, reconciler,
		receipts, notifier, ownerKey, logger,
	)

	adminTokens := auth.NewAdminTokens(
		cfg.Admin.JWTSecret, cfg.Admin.TOTPSecret,
		time.Duration(cfg.Admin.TokenTTLMinutes)*time.Minute,
	)

	return &ServiceContainer{
		Cfg:        cfg,
		DB:         database,
		Chain:      chain,
		Bundler:    bundler,
		Receipts:   receipts,
		Vouchers:   vouchers,
		RateLimits: rateLimits,
		Quoter:     quoter,
		Builder:    builder,
		Stipend:    stipend,
		Reconciler: reconciler,
		Transfers:  transfers,
		WSHub:      wsHub,
		NATS:       natsPublisher,
		AdminAuth:  adminTokens,
		Logger:     logger,
	}, nil
}

// Close releases the external connections in reverse construction order.
func (c *ServiceContainer) Close() {
	if c.NATS != nil {
		c.NATS.Close()
	}
	if c.Bundler != nil {
		c.Bundler.Close()
	}
	if c.Chain != nil {
		c.Chain.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}
