// Package config provides configuration loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// SepoliaChainID is the only network the agent pays on.
const SepoliaChainID int64 = 11155111

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Chain    ChainConfig    `yaml:"chain"`
	Agent    AgentConfig    `yaml:"agent"`
	Policy   PolicyConfig   `yaml:"policy"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects the status store backend. Driver is one of
// "memory", "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig is optional; an empty URL disables the cross-process purchase
// lock and SIWE login.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type LLMConfig struct {
	APIKey            string  `yaml:"api_key"`
	APIURL            string  `yaml:"api_url"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	TimeoutSec        int     `yaml:"timeout_sec"`
}

// ChainConfig describes the ledger endpoint, the paying account and the
// purchase contract.
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	PrivateKey      string `yaml:"private_key"`
	AgentAddress    string `yaml:"agent_address"`
	MerchantAddress string `yaml:"merchant_address"`
	ContractAddress string `yaml:"contract_address"`
	AmountWei       string `yaml:"amount_wei"`
	GasLimit        uint64 `yaml:"gas_limit"`
	CallTimeoutSec  int    `yaml:"call_timeout_sec"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	ReceiptTimeout  int    `yaml:"receipt_timeout_sec"`
}

// AgentConfig holds the watch loop schedule.
type AgentConfig struct {
	StatusURL          string `yaml:"status_url"`
	CooldownSec        int    `yaml:"cooldown_sec"`
	SettleCooldownSec  int    `yaml:"settle_cooldown_sec"`
	QuotaCooldownSec   int    `yaml:"quota_cooldown_sec"`
	StatusTimeoutSec   int    `yaml:"status_timeout_sec"`
	MaxTrackCycles     int    `yaml:"max_track_cycles"`
	DefaultReason      string `yaml:"default_reason"`
	LoadThreshold      int    `yaml:"load_threshold"`
	DaysThreshold      int    `yaml:"days_threshold"`
	RecordFailures     bool   `yaml:"record_failures"`
	BaselineLoad       int    `yaml:"baseline_load"`
	BaselineDaysRemain int    `yaml:"baseline_days_remaining"`
}

// PolicyConfig bounds what the agent may spend.
type PolicyConfig struct {
	MaxPurchaseWei string   `yaml:"max_purchase_wei"`
	DailyLimitWei  string   `yaml:"daily_limit_wei"`
	Merchants      []string `yaml:"merchants"`
	ResetCron      string   `yaml:"reset_cron"`
}

type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	OwnerAddress string `yaml:"owner_address"`
	// AgentToken is the bearer token the agent sends on history writes.
	// Required by statusd once an owner is configured.
	AgentToken string `yaml:"agent_token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file, then applies environment variable
// overrides. Environment variables take precedence over YAML values.
// Env var format: AGENTOS_SERVER_PORT, AGENTOS_CHAIN_RPC_URL, etc. The bare
// deployment names (RPC_URL, AGENT_PRIVATE_KEY, ...) are honoured as a
// fallback.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("load yaml config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: 5001},
		Database: DatabaseConfig{Driver: "memory"},
		LLM: LLMConfig{
			APIURL:            "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:             "gemini-2.0-flash",
			RequestsPerMinute: 15,
			TimeoutSec:        30,
		},
		Chain: ChainConfig{
			ChainID:         SepoliaChainID,
			AmountWei:       "1000000000000000", // 0.001 ETH
			GasLimit:        500000,
			CallTimeoutSec:  10,
			PollIntervalSec: 2,
			ReceiptTimeout:  120,
		},
		Agent: AgentConfig{
			StatusURL:          "http://127.0.0.1:5001",
			CooldownSec:        10,
			SettleCooldownSec:  15,
			QuotaCooldownSec:   60,
			StatusTimeoutSec:   5,
			MaxTrackCycles:     30,
			DefaultReason:      "Scaling server load",
			LoadThreshold:      85,
			DaysThreshold:      3,
			RecordFailures:     true,
			BaselineLoad:       45,
			BaselineDaysRemain: 15,
		},
		Policy: PolicyConfig{
			DailyLimitWei: "50000000000000000", // 0.05 ETH
			ResetCron:     "0 0 0 * * *",
		},
		Auth: AuthConfig{JWTSecret: "change-me"},
		Log:  LogConfig{Level: "info"},
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no config file is fine, use defaults + env
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTOS_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("AGENTOS_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTOS_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AGENTOS_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := firstEnv("AGENTOS_LLM_API_KEY", "LLM_API_KEY", "GEMINI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTOS_LLM_API_URL"); v != "" {
		cfg.LLM.APIURL = v
	}
	if v := os.Getenv("AGENTOS_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := firstEnv("AGENTOS_CHAIN_RPC_URL", "RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := firstEnv("AGENTOS_CHAIN_PRIVATE_KEY", "AGENT_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := firstEnv("AGENTOS_CHAIN_AGENT_ADDRESS", "AGENT_ADDRESS"); v != "" {
		cfg.Chain.AgentAddress = v
	}
	if v := firstEnv("AGENTOS_CHAIN_MERCHANT_ADDRESS", "MERCHANT_ADDRESS"); v != "" {
		cfg.Chain.MerchantAddress = v
	}
	if v := firstEnv("AGENTOS_CHAIN_CONTRACT_ADDRESS", "CONTRACT_ADDRESS"); v != "" {
		cfg.Chain.ContractAddress = v
	}
	if v := os.Getenv("AGENTOS_CHAIN_AMOUNT_WEI"); v != "" {
		cfg.Chain.AmountWei = v
	}
	if v := os.Getenv("AGENTOS_AGENT_STATUS_URL"); v != "" {
		cfg.Agent.StatusURL = v
	}
	if v := os.Getenv("AGENTOS_AGENT_COOLDOWN_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.CooldownSec = n
		}
	}
	if v := os.Getenv("AGENTOS_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AGENTOS_AUTH_OWNER_ADDRESS"); v != "" {
		cfg.Auth.OwnerAddress = v
	}
	if v := os.Getenv("AGENTOS_AUTH_AGENT_TOKEN"); v != "" {
		cfg.Auth.AgentToken = v
	}
	if v := os.Getenv("AGENTOS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks everything the purchase path needs before it may touch the
// network. All failures wrap ErrInvalid.
func (c ChainConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.RPCURL) == "" {
		problems = append(problems, "rpc_url is required")
	}
	if c.ChainID <= 0 {
		problems = append(problems, "chain_id must be positive")
	}
	if err := ValidateAddress(c.MerchantAddress); err != nil {
		problems = append(problems, "merchant_address: "+err.Error())
	}
	if err := ValidateAddress(c.ContractAddress); err != nil {
		problems = append(problems, "contract_address: "+err.Error())
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		problems = append(problems, "private_key is required")
	} else if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x")); err != nil {
		problems = append(problems, "private_key is malformed")
	}
	if c.AgentAddress != "" {
		if err := ValidateAddress(c.AgentAddress); err != nil {
			problems = append(problems, "agent_address: "+err.Error())
		}
	}
	if _, err := c.Amount(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Amount parses AmountWei as a positive base-10 integer.
func (c ChainConfig) Amount() (*big.Int, error) {
	return ParseWei("amount_wei", c.AmountWei)
}

// ParseWei parses a positive base-10 wei amount. An empty string yields nil.
func ParseWei(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be a positive integer, got %q", field, raw)
	}
	return v, nil
}

// ValidateAddress accepts a 20-byte hex address. All-lower and all-upper hex
// are accepted as-is; mixed case must match its EIP-55 checksum.
func ValidateAddress(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("address is required")
	}
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("%q is not a hex address", raw)
	}
	body := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if common.HexToAddress(raw).Hex() != "0x"+body {
		return fmt.Errorf("%q fails checksum validation", raw)
	}
	return nil
}

// Duration converts a seconds field to a time.Duration, substituting def for
// non-positive values.
func Duration(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}
