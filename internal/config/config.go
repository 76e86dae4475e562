package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. It is loaded once at startup,
// validated, and passed by reference into every component; nothing mutates it
// afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	CORS      CORSConfig      `yaml:"cors"`
	Admin     AdminConfig     `yaml:"admin"`
	Chain     ChainConfig     `yaml:"chain"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Stipend   StipendConfig   `yaml:"stipend"`
	Receipts  ReceiptsConfig  `yaml:"receipts"`
	Fees      FeesConfig      `yaml:"fees"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// ServerConfig HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Postgres connection configuration.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig event bus configuration. Publishing is disabled when URL is empty.
type NATSConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	SubjectPrefix  string `yaml:"subjectPrefix"`
}

// CORSConfig CORS configuration for the public API.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// AdminConfig access control for the operator endpoints.
type AdminConfig struct {
	JWTSecret       string `yaml:"jwtSecret"`
	TOTPSecret      string `yaml:"totpSecret"`
	TokenTTLMinutes int    `yaml:"tokenTTLMinutes"`
}

// ChainConfig holds the chain, node and contract surface for one deployment.
// All contract addresses are fixed ABI collaborators; they are consumed, not
// redesigned, by this service.
type ChainConfig struct {
	ChainID        uint64 `yaml:"chainId"`
	RPCURL         string `yaml:"rpcUrl"`
	BundlerURL     string `yaml:"bundlerUrl"`
	EntryPoint     string `yaml:"entryPoint"`
	Router         string `yaml:"router"`
	Paymaster      string `yaml:"paymaster"`
	AccountFactory string `yaml:"accountFactory"`
	FeeVault       string `yaml:"feeVault"`
	Permit2        string `yaml:"permit2"`
	FeeToken       string `yaml:"feeToken"`

	// SponsorAccount is the sponsor-owned smart account that carries stipend
	// voucher operations; SponsorKey signs its user operations locally.
	SponsorAccount string `yaml:"sponsorAccount"`
	SponsorKey     string `yaml:"sponsorKey"`

	// OwnerKey is optional. When set, the service signs owner operations and
	// setup transactions locally instead of emitting unsigned drafts.
	OwnerKey string `yaml:"ownerKey"`
}

// TokensConfig per-token authorization capability membership lists.
type TokensConfig struct {
	EIP3009 []string `yaml:"eip3009"`
	EIP2612 []string `yaml:"eip2612"`
}

// StipendConfig native-gas stipend bootstrap parameters.
type StipendConfig struct {
	SignerKey          string `yaml:"signerKey"`
	StipendWei         string `yaml:"stipendWei"`
	MinOwnerBalanceWei string `yaml:"minOwnerBalanceWei"`
	TimeoutSeconds     int    `yaml:"timeoutSeconds"`
	PollMs             int    `yaml:"pollMs"`
	VoucherTTLSeconds  int    `yaml:"voucherTtlSeconds"`
}

// ReceiptsConfig bundler receipt polling parameters.
type ReceiptsConfig struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"`
	PollMs         int `yaml:"pollMs"`
}

// FeesConfig quoting parameters.
type FeesConfig struct {
	// MaxFeeHeadroomBps is added on top of the quoted feeUsd6 to form the
	// maxFeeUsd6 cap carried in paymasterData.
	MaxFeeHeadroomBps int `yaml:"maxFeeHeadroomBps"`
	// MaxFeeUsd6 is an absolute ceiling on the quoted fee in USD-6 units.
	// A quote above it is refused outright. Zero disables the ceiling.
	MaxFeeUsd6         int64 `yaml:"maxFeeUsd6"`
	ValidWindowSeconds int   `yaml:"validWindowSeconds"`
}

// RateLimitConfig fixed-window rate limiting for the public API. The counter
// lives in Postgres so that replicas share state.
type RateLimitConfig struct {
	WindowSeconds int `yaml:"windowSeconds"`
	MaxRequests   int `yaml:"maxRequests"`
}

// Load reads the yaml config file, applies environment overrides and
// validates the result. A validation failure is fatal before any network
// call is made.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.Database.DSN, "DATABASE_DSN")
	setStr(&c.Server.Host, "SERVER_HOST")
	setInt(&c.Server.Port, "SERVER_PORT")
	setStr(&c.NATS.URL, "NATS_URL")

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Chain.ChainID = n
		}
	}
	setStr(&c.Chain.RPCURL, "RPC_URL")
	setStr(&c.Chain.BundlerURL, "BUNDLER_URL")
	setStr(&c.Chain.EntryPoint, "ENTRYPOINT_ADDRESS")
	setStr(&c.Chain.Router, "ROUTER_ADDRESS")
	setStr(&c.Chain.Paymaster, "PAYMASTER_ADDRESS")
	setStr(&c.Chain.AccountFactory, "ACCOUNT_FACTORY_ADDRESS")
	setStr(&c.Chain.FeeVault, "FEE_VAULT_ADDRESS")
	setStr(&c.Chain.Permit2, "PERMIT2_ADDRESS")
	setStr(&c.Chain.FeeToken, "FEE_TOKEN_ADDRESS")
	setStr(&c.Chain.SponsorAccount, "SPONSOR_ACCOUNT_ADDRESS")
	setStr(&c.Chain.SponsorKey, "SPONSOR_PRIVATE_KEY")
	setStr(&c.Chain.OwnerKey, "OWNER_PRIVATE_KEY")

	setStr(&c.Stipend.SignerKey, "STIPEND_SIGNER_KEY")
	setStr(&c.Stipend.StipendWei, "STIPEND_WEI")
	setStr(&c.Stipend.MinOwnerBalanceWei, "MIN_OWNER_BALANCE_WEI")

	if v := os.Getenv("MAX_FEE_USD6"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Fees.MaxFeeUsd6 = n
		}
	}

	setStr(&c.Admin.JWTSecret, "ADMIN_JWT_SECRET")
	setStr(&c.Admin.TOTPSecret, "ADMIN_TOTP_SECRET")

	if v := os.Getenv("EIP3009_TOKENS"); v != "" {
		c.Tokens.EIP3009 = splitList(v)
	}
	if v := os.Getenv("EIP2612_TOKENS"); v != "" {
		c.Tokens.EIP2612 = splitList(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORS.AllowedOrigins = splitList(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.NATS.TimeoutSeconds == 0 {
		c.NATS.TimeoutSeconds = 10
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "paylane"
	}
	if c.Receipts.TimeoutSeconds == 0 {
		c.Receipts.TimeoutSeconds = 120
	}
	if c.Receipts.PollMs == 0 {
		c.Receipts.PollMs = 2000
	}
	if c.Stipend.TimeoutSeconds == 0 {
		c.Stipend.TimeoutSeconds = 90
	}
	if c.Stipend.PollMs == 0 {
		c.Stipend.PollMs = 3000
	}
	if c.Stipend.VoucherTTLSeconds == 0 {
		c.Stipend.VoucherTTLSeconds = 600
	}
	if c.Fees.MaxFeeHeadroomBps == 0 {
		c.Fees.MaxFeeHeadroomBps = 500
	}
	if c.Fees.ValidWindowSeconds == 0 {
		c.Fees.ValidWindowSeconds = 300
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 30
	}
	if c.Admin.TokenTTLMinutes == 0 {
		c.Admin.TokenTTLMinutes = 60
	}
}

// Validate fails fast on missing or malformed configuration so that no
// network call is ever attempted with a broken setup.
func (c *Config) Validate() error {
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("config: chain.chainId is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("config: chain.rpcUrl is required")
	}
	if c.Chain.BundlerURL == "" {
		return fmt.Errorf("config: chain.bundlerUrl is required")
	}
	for name, addr := range map[string]string{
		"entryPoint":     c.Chain.EntryPoint,
		"router":         c.Chain.Router,
		"paymaster":      c.Chain.Paymaster,
		"accountFactory": c.Chain.AccountFactory,
		"feeVault":       c.Chain.FeeVault,
		"permit2":        c.Chain.Permit2,
		"feeToken":       c.Chain.FeeToken,
		"sponsorAccount": c.Chain.SponsorAccount,
	} {
		if err := validateAddress(addr); err != nil {
			return fmt.Errorf("config: chain.%s: %w", name, err)
		}
	}
	for name, key := range map[string]string{
		"stipend.signerKey": c.Stipend.SignerKey,
		"chain.sponsorKey":  c.Chain.SponsorKey,
	} {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.Chain.OwnerKey != "" {
		if err := validateKey(c.Chain.OwnerKey); err != nil {
			return fmt.Errorf("config: chain.ownerKey: %w", err)
		}
	}
	for _, addr := range append(append([]string{}, c.Tokens.EIP3009...), c.Tokens.EIP2612...) {
		if err := validateAddress(addr); err != nil {
			return fmt.Errorf("config: tokens: %w", err)
		}
	}
	if c.Stipend.StipendWei == "" {
		return fmt.Errorf("config: stipend.stipendWei is required")
	}
	if c.Stipend.MinOwnerBalanceWei == "" {
		return fmt.Errorf("config: stipend.minOwnerBalanceWei is required")
	}
	return nil
}

// TokenSupportsEIP3009 reports membership in the EIP-3009 capability list.
func (c *Config) TokenSupportsEIP3009(token common.Address) bool {
	return containsAddress(c.Tokens.EIP3009, token)
}

// TokenSupportsEIP2612 reports membership in the EIP-2612 capability list.
func (c *Config) TokenSupportsEIP2612(token common.Address) bool {
	return containsAddress(c.Tokens.EIP2612, token)
}

// ReceiptTimeout returns the bundler receipt wait budget.
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.Receipts.TimeoutSeconds) * time.Second
}

// ReceiptPoll returns the bundler receipt poll interval.
func (c *Config) ReceiptPoll() time.Duration {
	return time.Duration(c.Receipts.PollMs) * time.Millisecond
}

// StipendTimeout returns the stipend balance wait budget.
func (c *Config) StipendTimeout() time.Duration {
	return time.Duration(c.Stipend.TimeoutSeconds) * time.Second
}

// StipendPoll returns the stipend balance poll interval.
func (c *Config) StipendPoll() time.Duration {
	return time.Duration(c.Stipend.PollMs) * time.Millisecond
}

func containsAddress(list []string, addr common.Address) bool {
	for _, a := range list {
		if strings.EqualFold(a, addr.Hex()) {
			return true
		}
	}
	return false
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid address %q", addr)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("zero address")
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("private key is required")
	}
	if _, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x")); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
