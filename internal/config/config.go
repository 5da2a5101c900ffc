package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ybc112/daojishi/internal/backoff"
	"github.com/ybc112/daojishi/internal/dotenv"
	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/ethutil"
)

type Config struct {
	Chain   ChainConfig   `yaml:"chain"`
	Keeper  KeeperConfig  `yaml:"keeper"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Feed    FeedConfig    `yaml:"feed"`
	Logging LoggingConfig `yaml:"logging"`
}

type ChainConfig struct {
	// RPCURLs is the ordered failover list; the first healthy endpoint wins.
	RPCURLs []string `yaml:"rpc_urls"`
	ChainID int64    `yaml:"chain_id"`
	// PrivateKey is only read from KEEPER_PRIVATE_KEY.
	PrivateKey string `yaml:"-"`

	Lottery string   `yaml:"lottery"`
	Token   string   `yaml:"token"`
	Pair    string   `yaml:"pair"`
	Venues  []string `yaml:"venues"`

	// PriceFeed is an optional Chainlink-style aggregator quoting the token in USD.
	PriceFeed     string `yaml:"price_feed"`
	TokenDecimals int32  `yaml:"token_decimals"`

	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	DialTimeout    time.Duration        `yaml:"dial_timeout"`
	TxTimeout      time.Duration        `yaml:"tx_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

func (r RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{Base: r.BaseDelay, Max: r.MaxDelay, MaxAttempts: r.MaxAttempts}
}

type KeeperConfig struct {
	ScanInterval      time.Duration `yaml:"scan_interval"`
	LifecycleInterval time.Duration `yaml:"lifecycle_interval"`
	TaxSyncInterval   time.Duration `yaml:"tax_sync_interval"`
	StatusLogInterval time.Duration `yaml:"status_log_interval"`

	// Confirmations keeps the scan this many blocks behind head.
	Confirmations uint64 `yaml:"confirmations"`
	// DrawMargin is the number of blocks after the trigger block that must
	// be mined before executeDraw is attempted.
	DrawMargin   uint64 `yaml:"draw_margin"`
	MaxLogRange  uint64 `yaml:"max_log_range"`
	RescanBlocks uint64 `yaml:"rescan_blocks"`
	StartBlock   uint64 `yaml:"start_block"`

	DedupCapacity int         `yaml:"dedup_capacity"`
	ScanBuffer    int         `yaml:"scan_buffer"`
	Retry         RetryConfig `yaml:"retry"`
}

type EngineConfig struct {
	Owner           string   `yaml:"owner"`
	Self            string   `yaml:"self"`
	MarketingWallet string   `yaml:"marketing_wallet"`
	Excluded        []string `yaml:"excluded"`
	// PriceUSD is the fixed token price used when chain.price_feed is empty.
	PriceUSD string `yaml:"price_usd"`

	InitialCountdown time.Duration `yaml:"initial_countdown"`
	MaxCountdown     time.Duration `yaml:"max_countdown"`
	BuyStep          time.Duration `yaml:"buy_step"`
	SellStep         time.Duration `yaml:"sell_step"`
	MinDecayStep     time.Duration `yaml:"min_decay_step"`
	StreakResetAfter time.Duration `yaml:"streak_reset_after"`
	BatchWindow      time.Duration `yaml:"batch_window"`

	BaseRate          uint32 `yaml:"base_rate"`
	BuyBonus          uint32 `yaml:"buy_bonus"`
	MaxRate           uint32 `yaml:"max_rate"`
	DailyBonusCap     uint32 `yaml:"daily_bonus_cap"`
	ResetRatesOnRound *bool  `yaml:"reset_rates_on_round"`

	MinTradeUSD string `yaml:"min_trade_usd"`
	// MinHolding is in whole tokens.
	MinHolding string `yaml:"min_holding"`

	ConfirmBlocks uint64 `yaml:"confirm_blocks"`
	OpenTrigger   bool   `yaml:"open_trigger"`

	PoolSharePct uint64 `yaml:"pool_share_pct"`
	GrandPct     uint64 `yaml:"grand_pct"`
	MinorPct     uint64 `yaml:"minor_pct"`
	SunshinePct  uint64 `yaml:"sunshine_pct"`
	MinorWinners int    `yaml:"minor_winners"`
}

type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	CheckpointFile string `yaml:"checkpoint_file"`
	DBFile         string `yaml:"db_file"`
	AuditLog       string `yaml:"audit_log"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Default() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:        56,
			TokenDecimals:  18,
			RateLimit:      RateLimitConfig{RequestsPerSecond: 20, BurstSize: 40},
			CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
			DialTimeout:    10 * time.Second,
			TxTimeout:      2 * time.Minute,
		},
		Keeper: KeeperConfig{
			ScanInterval:      3 * time.Second,
			LifecycleInterval: 5 * time.Second,
			TaxSyncInterval:   5 * time.Minute,
			StatusLogInterval: 30 * time.Second,
			Confirmations:     3,
			DrawMargin:        2,
			MaxLogRange:       2000,
			RescanBlocks:      200,
			DedupCapacity:     10_000,
			ScanBuffer:        16,
			Retry:             RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		},
		Engine: EngineConfig{
			PriceUSD: "0.0001",
		},
		Storage: StorageConfig{
			DataDir: "./out",
		},
		Metrics: MetricsConfig{Listen: ":9102"},
		Feed:    FeedConfig{Listen: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads .env, the YAML file at path (optional when empty) and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	if err := dotenv.Load(); err != nil {
		return nil, err
	}

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Storage.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("RPC_URLS")); v != "" {
		c.Chain.RPCURLs = splitList(v)
	} else if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		c.Chain.RPCURLs = []string{v}
	}
	if v := strings.TrimSpace(os.Getenv("CHAIN_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = id
	}
	if v := strings.TrimSpace(os.Getenv("KEEPER_PRIVATE_KEY")); v != "" {
		c.Chain.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LOTTERY_ADDRESS")); v != "" {
		c.Chain.Lottery = v
	}
	if v := strings.TrimSpace(os.Getenv("TOKEN_ADDRESS")); v != "" {
		c.Chain.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("PAIR_ADDRESS")); v != "" {
		c.Chain.Pair = v
	}
	if v := strings.TrimSpace(os.Getenv("VENUE_ADDRESSES")); v != "" {
		c.Chain.Venues = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("DATA_DIR")); v != "" {
		c.Storage.DataDir = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == ';' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *StorageConfig) fillPaths() {
	dir := strings.TrimRight(s.DataDir, "/")
	if dir == "" {
		dir = "."
	}
	if s.CheckpointFile == "" {
		s.CheckpointFile = dir + "/keeper.checkpoint.json"
	}
	if s.DBFile == "" {
		s.DBFile = dir + "/daojishi.db"
	}
	if s.AuditLog == "" {
		s.AuditLog = dir + "/keeper.jsonl"
	}
}

func (c *Config) Validate() error {
	if len(c.Chain.RPCURLs) == 0 {
		return fmt.Errorf("chain.rpc_urls is required (or set RPC_URL / RPC_URLS)")
	}
	for _, u := range c.Chain.RPCURLs {
		if !strings.HasPrefix(u, "http") && !strings.HasPrefix(u, "ws") {
			return fmt.Errorf("rpc url must be http(s):// or ws(s)://, got %q", u)
		}
		if strings.Contains(u, "YOUR_KEY") {
			return fmt.Errorf("rpc url still contains placeholder YOUR_KEY")
		}
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be greater than 0")
	}
	for name, v := range map[string]string{
		"chain.token":             c.Chain.Token,
		"chain.pair":              c.Chain.Pair,
		"chain.lottery":           c.Chain.Lottery,
		"chain.price_feed":        c.Chain.PriceFeed,
		"engine.owner":            c.Engine.Owner,
		"engine.self":             c.Engine.Self,
		"engine.marketing_wallet": c.Engine.MarketingWallet,
	} {
		if v != "" && !common.IsHexAddress(v) {
			return fmt.Errorf("%s: invalid hex address %q", name, v)
		}
	}
	if c.Chain.Token == "" {
		return fmt.Errorf("chain.token is required")
	}
	if _, err := c.Chain.VenueAddresses(); err != nil {
		return err
	}
	if _, err := ethutil.ParseAddresses(c.Engine.Excluded); err != nil {
		return fmt.Errorf("engine.excluded: %w", err)
	}
	if c.Keeper.ScanInterval <= 0 || c.Keeper.LifecycleInterval <= 0 || c.Keeper.TaxSyncInterval <= 0 {
		return fmt.Errorf("keeper intervals must be greater than 0")
	}
	if c.Keeper.MaxLogRange == 0 {
		return fmt.Errorf("keeper.max_log_range must be greater than 0")
	}
	if c.Keeper.ScanBuffer <= 0 {
		return fmt.Errorf("keeper.scan_buffer must be greater than 0")
	}
	if c.Keeper.Retry.MaxAttempts <= 0 || c.Keeper.Retry.BaseDelay <= 0 || c.Keeper.Retry.MaxDelay < c.Keeper.Retry.BaseDelay {
		return fmt.Errorf("keeper.retry: attempts=%d base=%s max=%s", c.Keeper.Retry.MaxAttempts, c.Keeper.Retry.BaseDelay, c.Keeper.Retry.MaxDelay)
	}
	if c.Chain.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("chain.rate_limit.requests_per_second must not be negative")
	}
	if _, err := c.Engine.Params(c.Chain.TokenDecimals); err != nil {
		return err
	}
	return nil
}

func (c ChainConfig) TokenAddress() common.Address   { return common.HexToAddress(c.Token) }
func (c ChainConfig) LotteryAddress() common.Address { return common.HexToAddress(c.Lottery) }
func (c ChainConfig) PairAddress() common.Address    { return common.HexToAddress(c.Pair) }

// VenueAddresses is the pair plus any extra venues, without duplicates.
func (c ChainConfig) VenueAddresses() ([]common.Address, error) {
	raw := append([]string(nil), c.Venues...)
	if c.Pair != "" {
		raw = append([]string{c.Pair}, raw...)
	}
	venues, err := ethutil.ParseAddresses(raw)
	if err != nil {
		return nil, fmt.Errorf("chain.venues: %w", err)
	}
	if len(venues) == 0 {
		return nil, fmt.Errorf("chain.pair or chain.venues is required")
	}
	return venues, nil
}

func (c EngineConfig) ExcludedAddresses() []common.Address {
	out, _ := ethutil.ParseAddresses(c.Excluded)
	return out
}

func (c EngineConfig) FixedPrice(decimals int32) (engine.FixedPrice, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(c.PriceUSD))
	if err != nil {
		return engine.FixedPrice{}, fmt.Errorf("engine.price_usd: %w", err)
	}
	if !price.IsPositive() {
		return engine.FixedPrice{}, fmt.Errorf("engine.price_usd must be positive")
	}
	return engine.FixedPrice{USDPerToken: price, Decimals: decimals}, nil
}

// Params overlays the configured rules on engine.DefaultParams.
func (c EngineConfig) Params(decimals int32) (engine.Params, error) {
	p := engine.DefaultParams()
	setDur := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}
	setDur(&p.InitialCountdown, c.InitialCountdown)
	setDur(&p.MaxCountdown, c.MaxCountdown)
	setDur(&p.BuyStep, c.BuyStep)
	setDur(&p.SellStep, c.SellStep)
	setDur(&p.MinDecayStep, c.MinDecayStep)
	setDur(&p.StreakResetAfter, c.StreakResetAfter)
	setDur(&p.BatchWindow, c.BatchWindow)

	setU32 := func(dst *uint32, v uint32) {
		if v != 0 {
			*dst = v
		}
	}
	setU32(&p.BaseRate, c.BaseRate)
	setU32(&p.BuyBonus, c.BuyBonus)
	setU32(&p.MaxRate, c.MaxRate)
	setU32(&p.DailyBonusCap, c.DailyBonusCap)
	if c.ResetRatesOnRound != nil {
		p.ResetRatesOnRound = *c.ResetRatesOnRound
	}

	if s := strings.TrimSpace(c.MinTradeUSD); s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return p, fmt.Errorf("engine.min_trade_usd: %w", err)
		}
		p.MinTradeUSD = v
	}
	if s := strings.TrimSpace(c.MinHolding); s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return p, fmt.Errorf("engine.min_holding: %w", err)
		}
		p.MinHolding = v.Shift(decimals).BigInt()
	}
	if p.MinHolding == nil {
		p.MinHolding = new(big.Int)
	}

	if c.ConfirmBlocks != 0 {
		p.ConfirmBlocks = c.ConfirmBlocks
	}
	p.OpenTrigger = c.OpenTrigger

	if c.PoolSharePct != 0 {
		p.PoolSharePct = c.PoolSharePct
	}
	if c.GrandPct != 0 || c.MinorPct != 0 || c.SunshinePct != 0 {
		p.GrandPct, p.MinorPct, p.SunshinePct = c.GrandPct, c.MinorPct, c.SunshinePct
	}
	if c.MinorWinners != 0 {
		p.MinorWinners = c.MinorWinners
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("engine: %w", err)
	}
	return p, nil
}
