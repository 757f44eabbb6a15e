// Package risk is the agent's spend policy. A purchase passes through a chain
// of rules before anything is signed: merchant allowlist, per-purchase cap and
// daily cap. The daily window is cleared on a cron schedule.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/agenticos/agentos-go/pkg/config"
)

// ErrDenied wraps every policy rejection.
var ErrDenied = errors.New("risk: purchase denied")

// PurchaseRequest is a purchase to be validated.
type PurchaseRequest struct {
	Merchant  common.Address
	AmountWei *big.Int
}

// Decision is the outcome of validation.
type Decision struct {
	Approved bool
	Reason   string
	Rule     string
}

// Params are the policy limits. A nil limit or an empty allowlist disables
// the corresponding rule.
type Params struct {
	MaxPurchaseWei *big.Int
	DailyLimitWei  *big.Int
	Merchants      []common.Address
}

// SpendState is the runtime state needed for evaluation.
type SpendState struct {
	SpentTodayWei *big.Int
}

// ruleFunc returns "" when the rule passes, or the violation reason.
type ruleFunc func(req PurchaseRequest, params Params, state SpendState) string

type rule struct {
	name string
	fn   ruleFunc
}

// rules returns the ordered rule chain.
func rules() []rule {
	return []rule{
		{"merchant_allowlist", checkMerchant},
		{"max_purchase", checkMaxPurchase},
		{"daily_limit", checkDailyLimit},
	}
}

func checkMerchant(req PurchaseRequest, params Params, _ SpendState) string {
	if len(params.Merchants) == 0 {
		return ""
	}
	for _, m := range params.Merchants {
		if m == req.Merchant {
			return ""
		}
	}
	return fmt.Sprintf("merchant_not_allowed: %s", req.Merchant.Hex())
}

func checkMaxPurchase(req PurchaseRequest, params Params, _ SpendState) string {
	if params.MaxPurchaseWei != nil && params.MaxPurchaseWei.Sign() > 0 && req.AmountWei.Cmp(params.MaxPurchaseWei) > 0 {
		return fmt.Sprintf("purchase_amount_exceeded: %s > limit %s", req.AmountWei, params.MaxPurchaseWei)
	}
	return ""
}

func checkDailyLimit(req PurchaseRequest, params Params, state SpendState) string {
	if params.DailyLimitWei == nil || params.DailyLimitWei.Sign() <= 0 {
		return ""
	}
	spent := state.SpentTodayWei
	if spent == nil {
		spent = new(big.Int)
	}
	next := new(big.Int).Add(spent, req.AmountWei)
	if next.Cmp(params.DailyLimitWei) > 0 {
		return fmt.Sprintf("daily_limit_exceeded: %s + %s > limit %s", spent, req.AmountWei, params.DailyLimitWei)
	}
	return ""
}

// ValidatePure runs the rule chain. The first failing rule rejects.
func ValidatePure(req PurchaseRequest, params Params, state SpendState) *Decision {
	if req.AmountWei == nil || req.AmountWei.Sign() <= 0 {
		return &Decision{Reason: "invalid_amount", Rule: "amount"}
	}
	for _, r := range rules() {
		if reason := r.fn(req, params, state); reason != "" {
			return &Decision{Reason: reason, Rule: r.name}
		}
	}
	return &Decision{Approved: true}
}

// Controller holds the spent-today counter and applies the rule chain.
type Controller struct {
	params Params

	mu    sync.Mutex
	spent *big.Int

	cron *cron.Cron
}

// NewController creates a controller with params.
func NewController(params Params) *Controller {
	return &Controller{params: params, spent: new(big.Int)}
}

// ParamsFromConfig converts the policy section of the config.
func ParamsFromConfig(cfg config.PolicyConfig) (Params, error) {
	var (
		p   Params
		err error
	)
	if p.MaxPurchaseWei, err = config.ParseWei("policy.max_purchase_wei", cfg.MaxPurchaseWei); err != nil {
		return Params{}, err
	}
	if p.DailyLimitWei, err = config.ParseWei("policy.daily_limit_wei", cfg.DailyLimitWei); err != nil {
		return Params{}, err
	}
	for _, m := range cfg.Merchants {
		m = strings.TrimSpace(m)
		if err := config.ValidateAddress(m); err != nil {
			return Params{}, fmt.Errorf("policy.merchants: %w", err)
		}
		p.Merchants = append(p.Merchants, common.HexToAddress(m))
	}
	return p, nil
}

// Validate evaluates a request against the current spend.
func (c *Controller) Validate(req PurchaseRequest) *Decision {
	c.mu.Lock()
	state := SpendState{SpentTodayWei: new(big.Int).Set(c.spent)}
	c.mu.Unlock()

	d := ValidatePure(req, c.params, state)
	if d.Approved {
		slog.Debug("risk: purchase approved",
			slog.String("merchant", req.Merchant.Hex()),
			slog.String("amount_wei", req.AmountWei.String()),
			slog.String("spent_today_wei", state.SpentTodayWei.String()),
		)
	} else {
		slog.Warn("risk: purchase rejected",
			slog.String("rule", d.Rule),
			slog.String("reason", d.Reason),
		)
	}
	return d
}

// Authorize implements the executor's spend policy hook.
func (c *Controller) Authorize(merchant common.Address, amountWei *big.Int) error {
	d := c.Validate(PurchaseRequest{Merchant: merchant, AmountWei: amountWei})
	if !d.Approved {
		return fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}
	return nil
}

// Spend records an accepted broadcast against today's window.
func (c *Controller) Spend(amountWei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spent.Add(c.spent, amountWei)
}

// Refund returns a reverted purchase to today's window, never below zero.
func (c *Controller) Refund(amountWei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spent.Sub(c.spent, amountWei)
	if c.spent.Sign() < 0 {
		c.spent.SetInt64(0)
	}
}

// SpentToday returns a copy of the current window total.
func (c *Controller) SpentToday() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.spent)
}

// ResetDaily clears the spend window.
func (c *Controller) ResetDaily() {
	c.mu.Lock()
	prev := new(big.Int).Set(c.spent)
	c.spent.SetInt64(0)
	c.mu.Unlock()
	slog.Info("risk: daily spend window reset", slog.String("previous_wei", prev.String()))
}

// StartReset schedules ResetDaily on spec, a six-field cron expression with
// seconds. Stop cancels it.
func (c *Controller) StartReset(spec string) error {
	cr := cron.New(cron.WithSeconds())
	if _, err := cr.AddFunc(spec, c.ResetDaily); err != nil {
		return fmt.Errorf("risk: register reset %q: %w", spec, err)
	}
	c.cron = cr
	cr.Start()
	slog.Info("risk: reset scheduler started", slog.String("cron", spec))
	return nil
}

// Stop halts the reset scheduler, waiting for a running reset to finish.
func (c *Controller) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}
