package risk

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"
)

// --- Generators ---

func genAddress() *rapid.Generator[common.Address] {
	return rapid.Custom(func(t *rapid.T) common.Address {
		var a common.Address
		copy(a[:], rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(t, "addr"))
		return a
	})
}

func genParams() *rapid.Generator[Params] {
	return rapid.Custom(func(t *rapid.T) Params {
		return Params{
			MaxPurchaseWei: big.NewInt(rapid.Int64Range(1_000, 1_000_000_000).Draw(t, "max_purchase")),
			DailyLimitWei:  big.NewInt(rapid.Int64Range(1_000, 10_000_000_000).Draw(t, "daily_limit")),
			Merchants:      rapid.SliceOfN(genAddress(), 1, 4).Draw(t, "merchants"),
		}
	})
}

// Property: Spend policy rejects limit violations
// For any purchase to a merchant outside the allowlist, OR above the
// per-purchase cap, OR that would push today's spend past the daily cap, the
// policy SHALL reject it and name the violated rule.
func TestPropertySpendPolicyRejectsViolations(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		params := genParams().Draw(rt, "params")
		violation := rapid.SampledFrom([]string{"merchant_allowlist", "max_purchase", "daily_limit"}).Draw(rt, "violation")

		// Valid by default.
		limit := params.MaxPurchaseWei.Int64()
		if d := params.DailyLimitWei.Int64(); d < limit {
			limit = d
		}
		req := PurchaseRequest{
			Merchant:  params.Merchants[0],
			AmountWei: big.NewInt(rapid.Int64Range(1, limit).Draw(rt, "amount")),
		}
		state := SpendState{SpentTodayWei: new(big.Int)}
		if d := ValidatePure(req, params, state); !d.Approved {
			rt.Fatalf("baseline request rejected: %s", d.Reason)
		}

		switch violation {
		case "merchant_allowlist":
			m := genAddress().Draw(rt, "stranger")
			for _, allowed := range params.Merchants {
				if allowed == m {
					rt.Skip("generated an allowed merchant")
				}
			}
			req.Merchant = m
		case "max_purchase":
			excess := rapid.Int64Range(1, 1_000_000).Draw(rt, "excess")
			req.AmountWei = new(big.Int).Add(params.MaxPurchaseWei, big.NewInt(excess))
		case "daily_limit":
			params.MaxPurchaseWei = nil
			state.SpentTodayWei = new(big.Int).Sub(params.DailyLimitWei, req.AmountWei)
			state.SpentTodayWei.Add(state.SpentTodayWei, big.NewInt(rapid.Int64Range(1, 1_000).Draw(rt, "over")))
		}

		d := ValidatePure(req, params, state)
		if d.Approved {
			rt.Fatalf("expected %s violation to reject: req=%+v state=%+v", violation, req, state)
		}
		if d.Rule != violation {
			rt.Fatalf("rule = %q, want %q", d.Rule, violation)
		}
		if d.Reason == "" {
			rt.Fatal("rejected decision must have a reason")
		}
	})
}

// Property: Daily window accounting
// For any sequence of spends and refunds, the controller authorizes a purchase
// exactly when the running total plus the amount stays within the daily cap,
// and a reset always restores the full allowance.
func TestPropertyDailyWindowAccounting(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		daily := rapid.Int64Range(10, 10_000).Draw(rt, "daily")
		c := NewController(Params{DailyLimitWei: big.NewInt(daily)})
		merchant := common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")

		var total int64
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			amount := rapid.Int64Range(1, daily).Draw(rt, "amount")
			err := c.Authorize(merchant, big.NewInt(amount))
			want := total+amount <= daily
			if (err == nil) != want {
				rt.Fatalf("step %d: total=%d amount=%d daily=%d err=%v", i, total, amount, daily, err)
			}
			if err != nil && !errors.Is(err, ErrDenied) {
				rt.Fatalf("denial must wrap ErrDenied: %v", err)
			}
			if err == nil {
				c.Spend(big.NewInt(amount))
				total += amount
				if rapid.Bool().Draw(rt, "revert") {
					c.Refund(big.NewInt(amount))
					total -= amount
				}
			}
			if c.SpentToday().Int64() != total {
				rt.Fatalf("spent = %s, want %d", c.SpentToday(), total)
			}
		}

		c.ResetDaily()
		if err := c.Authorize(merchant, big.NewInt(daily)); err != nil {
			rt.Fatalf("after reset the full allowance must be available: %v", err)
		}
	})
}
