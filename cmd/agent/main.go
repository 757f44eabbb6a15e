package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/agenticos/agentos-go/internal/agent"
	"github.com/agenticos/agentos-go/internal/chain"
	"github.com/agenticos/agentos-go/internal/decision"
	"github.com/agenticos/agentos-go/internal/llm"
	"github.com/agenticos/agentos-go/internal/purchase"
	"github.com/agenticos/agentos-go/internal/risk"
	"github.com/agenticos/agentos-go/internal/status"
	"github.com/agenticos/agentos-go/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// --- Config ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	if err := cfg.Chain.Validate(); err != nil {
		slog.Error("invalid chain config", "error", err)
		os.Exit(1)
	}
	amount, err := cfg.Chain.Amount()
	if err != nil {
		slog.Error("invalid purchase amount", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Ledger ---
	dialCtx, dialCancel := context.WithTimeout(ctx, config.Duration(cfg.Chain.CallTimeoutSec, purchase.DefaultCallTimeout))
	client, err := chain.Dial(dialCtx, chain.Options{
		RPCURL:       cfg.Chain.RPCURL,
		ChainID:      cfg.Chain.ChainID,
		PrivateKey:   cfg.Chain.PrivateKey,
		AgentAddress: cfg.Chain.AgentAddress,
	})
	dialCancel()
	if err != nil {
		slog.Error("failed to connect to ledger", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// --- Spend policy ---
	params, err := risk.ParamsFromConfig(cfg.Policy)
	if err != nil {
		slog.Error("invalid policy config", "error", err)
		os.Exit(1)
	}
	policy := risk.NewController(params)
	if err := policy.StartReset(cfg.Policy.ResetCron); err != nil {
		slog.Error("invalid policy reset schedule", "error", err)
		os.Exit(1)
	}
	defer policy.Stop()

	opts := []purchase.Option{purchase.WithPolicy(policy)}

	// --- Redis (optional cross-process purchase lock) ---
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		opts = append(opts, purchase.WithLocker(purchase.NewRedisLocker(rdb)))
		slog.Info("redis connected, purchase lock enabled")
	}

	// --- Executor ---
	exec, err := purchase.NewExecutor(purchase.Config{
		Contract:       cfg.Chain.ContractAddress,
		Merchant:       cfg.Chain.MerchantAddress,
		AmountWei:      amount,
		GasLimit:       cfg.Chain.GasLimit,
		ChainID:        cfg.Chain.ChainID,
		CallTimeout:    config.Duration(cfg.Chain.CallTimeoutSec, purchase.DefaultCallTimeout),
		PollInterval:   config.Duration(cfg.Chain.PollIntervalSec, purchase.DefaultPollInterval),
		ReceiptTimeout: config.Duration(cfg.Chain.ReceiptTimeout, purchase.DefaultReceiptTimeout),
	}, client, opts...)
	if err != nil {
		slog.Error("invalid purchase config", "error", err)
		os.Exit(1)
	}

	// --- Decision source ---
	src, err := newSource(cfg)
	if err != nil {
		slog.Error("invalid decision rules", "error", err)
		os.Exit(1)
	}

	// --- Loop ---
	agentCfg := agent.ConfigFrom(cfg.Agent)
	statusClient := status.NewClient(cfg.Agent.StatusURL, agentCfg.StatusTimeout, status.WithToken(cfg.Auth.AgentToken))
	loop := agent.New(agentCfg, statusClient, src, exec)

	slog.Info("agent starting",
		"sender", exec.Sender().Hex(),
		"merchant", cfg.Chain.MerchantAddress,
		"amount_wei", amount.String(),
		"status_url", cfg.Agent.StatusURL,
	)
	if err := loop.Run(ctx); err != nil {
		slog.Error("agent loop error", "error", err)
		os.Exit(1)
	}
	slog.Info("agent stopped")
}

// newSource picks the reasoning engine when an API key is configured and the
// rule evaluator otherwise.
func newSource(cfg *config.Config) (decision.Source, error) {
	rules := decision.DefaultRules(cfg.Agent.LoadThreshold, cfg.Agent.DaysThreshold)
	if cfg.LLM.APIKey == "" {
		slog.Info("no llm api key, using rule evaluator")
		return decision.NewRuleSource(rules, cfg.Agent.DefaultReason)
	}
	slog.Info("using llm decision source", "model", cfg.LLM.Model)
	return decision.NewLLMSource(
		llm.NewOpenAIClient(cfg.LLM),
		rules,
		cfg.Agent.DefaultReason,
		config.Duration(cfg.LLM.TimeoutSec, 0),
	), nil
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
