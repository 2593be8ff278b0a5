package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-trading/autotrader/internal/analyzer"
	"github.com/nexus-trading/autotrader/internal/decision"
	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/engine"
	"github.com/nexus-trading/autotrader/internal/execution"
	"github.com/nexus-trading/autotrader/internal/jupiter"
	"github.com/nexus-trading/autotrader/internal/monitor"
	"github.com/nexus-trading/autotrader/internal/notify"
	"github.com/nexus-trading/autotrader/internal/rugcheck"
	"github.com/nexus-trading/autotrader/internal/solana"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the autotrader.
type Config struct {
	General   GeneralConfig    `yaml:"general"`
	Wallet    WalletConfig     `yaml:"wallet"`
	RPC       solana.RPCConfig `yaml:"rpc"`
	Fees      solana.FeeConfig `yaml:"priority_fees"`
	Discovery DiscoveryConfig  `yaml:"discovery"`
	Jupiter   jupiter.Config   `yaml:"jupiter"`
	RugCheck  RugCheckConfig   `yaml:"rugcheck"`
	Analyzer  analyzer.Config  `yaml:"analyzer"`
	Decision  decision.Config  `yaml:"decision"`
	Execution execution.Config `yaml:"execution"`
	Monitor   monitor.Config   `yaml:"monitor"`
	Engine    engine.Config    `yaml:"engine"`
	Storage   StorageConfig    `yaml:"storage"`
	Notify    NotifyConfig     `yaml:"notify"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
	HTTPAddr    string `yaml:"http_addr"`  // empty disables the status server
}

type WalletConfig struct {
	PrivateKey string `yaml:"private_key"` // base58, usually ${WALLET_PRIVATE_KEY}
	PublicKey  string `yaml:"public_key"`  // used in dry-run when no key is set
}

type DiscoveryConfig struct {
	Feed        discovery.FeedConfig        `yaml:"feed"`
	DexScreener discovery.DexScreenerConfig `yaml:"dexscreener"`
	// Birdeye is enabled when an API key is present.
	Birdeye discovery.BirdeyeConfig `yaml:"birdeye"`
}

type RugCheckConfig struct {
	Enabled         bool `yaml:"enabled"`
	rugcheck.Config `yaml:",inline"`
}

type StorageConfig struct {
	PostgresDSN          string        `yaml:"postgres_dsn"`   // empty keeps trades in memory
	ClickHouseDSN        string        `yaml:"clickhouse_dsn"` // empty disables trade history
	ClickHouseDatabase   string        `yaml:"clickhouse_database"`
	HistoryBatchSize     int           `yaml:"history_batch_size"`
	HistoryFlushInterval time.Duration `yaml:"history_flush_interval"`
}

type NotifyConfig struct {
	Timeout   time.Duration        `yaml:"timeout"`
	Telegram  TelegramNotifyConfig `yaml:"telegram"`
	Kafka     KafkaNotifyConfig    `yaml:"kafka"`
	WebSocket bool                 `yaml:"websocket"` // serve /ws on the status server
}

type TelegramNotifyConfig struct {
	Enabled               bool `yaml:"enabled"`
	notify.TelegramConfig `yaml:",inline"`
}

type KafkaNotifyConfig struct {
	Enabled            bool `yaml:"enabled"`
	notify.KafkaConfig `yaml:",inline"`
}

// Default returns the configuration used for any field the file omits.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			InstanceID:  "autotrader-1",
			Environment: "development",
			DryRun:      true,
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPAddr:    ":8090",
		},
		RPC:  solana.DefaultRPCConfig(),
		Fees: solana.DefaultFeeConfig(),
		Discovery: DiscoveryConfig{
			Feed:        discovery.DefaultFeedConfig(),
			DexScreener: discovery.DefaultDexScreenerConfig(),
			Birdeye:     discovery.DefaultBirdeyeConfig(),
		},
		Jupiter:   jupiter.DefaultConfig(),
		RugCheck:  RugCheckConfig{Enabled: true, Config: rugcheck.DefaultConfig()},
		Analyzer:  analyzer.DefaultConfig(),
		Decision:  decision.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Monitor:   monitor.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		Storage: StorageConfig{
			ClickHouseDatabase:   "autotrader",
			HistoryBatchSize:     100,
			HistoryFlushInterval: 10 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout:   5 * time.Second,
			WebSocket: true,
			Kafka: KafkaNotifyConfig{KafkaConfig: notify.KafkaConfig{
				Topic:    "autotrader.trades",
				ClientID: "autotrader",
			}},
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment. A missing
// file is not an error; variables already set are kept.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults after expanding ${VAR} references.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "autotrader-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	// One switch for the whole process.
	if cfg.General.DryRun {
		cfg.Execution.DryRun = true
	}
	if cfg.Monitor.Chain == "" {
		cfg.Monitor.Chain = cfg.Discovery.Feed.Chain
	}
	// Exit levels are configured once, under decision.
	cfg.Execution.StopLossPct = cfg.Decision.StopLossPct
	cfg.Execution.TakeProfitPct = cfg.Decision.TakeProfitPct
	for i := range cfg.RPC.Endpoints {
		ep := &cfg.RPC.Endpoints[i]
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("rpc-%d", i+1)
		}
		if ep.Timeout <= 0 {
			ep.Timeout = 10 * time.Second
		}
	}
	if cfg.Storage.ClickHouseDatabase == "" {
		cfg.Storage.ClickHouseDatabase = "autotrader"
	}
	if cfg.Notify.Kafka.ClientID == "" {
		cfg.Notify.Kafka.ClientID = cfg.General.InstanceID
	}
}

// DryRun reports whether swaps are simulated.
func (c *Config) DryRun() bool {
	return c.General.DryRun || c.Execution.DryRun
}

// Validate checks the configuration for errors that would stop the engine
// from trading safely.
func (c *Config) Validate() error {
	switch c.General.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("general: log_format must be json or text, got %q", c.General.LogFormat)
	}
	if !c.DryRun() && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet: private_key is required when dry_run is off")
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.PublicKey != "" && !solana.ValidateAddress(c.Wallet.PublicKey) {
		return fmt.Errorf("wallet: public_key %q is not a valid address", c.Wallet.PublicKey)
	}
	if c.DryRun() && c.Wallet.PrivateKey == "" && c.Wallet.PublicKey == "" && c.Execution.PaperBalanceSOL <= 0 {
		return fmt.Errorf("wallet: dry-run without a wallet needs execution.paper_balance_sol")
	}
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("rpc: at least one endpoint is required")
	}
	for i, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("rpc: endpoint %d (%s) has no url", i, ep.Name)
		}
	}
	if c.Monitor.MarketCapMultiple < 0 {
		return fmt.Errorf("monitor: market_cap_multiple must not be negative")
	}

	if err := c.Analyzer.Validate(); err != nil {
		return err
	}
	if err := c.Decision.Validate(); err != nil {
		return err
	}
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}

	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("notify: telegram requires token and chat_id")
	}
	if c.Notify.Kafka.Enabled && (len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "") {
		return fmt.Errorf("notify: kafka requires brokers and topic")
	}
	return nil
}
