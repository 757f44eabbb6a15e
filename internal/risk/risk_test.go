package risk

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agenticos/agentos-go/pkg/config"
)

func TestParamsFromConfig(t *testing.T) {
	p, err := ParamsFromConfig(config.PolicyConfig{
		MaxPurchaseWei: "2000000000000000",
		DailyLimitWei:  "50000000000000000",
		Merchants:      []string{"0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"},
	})
	if err != nil {
		t.Fatalf("ParamsFromConfig: %v", err)
	}
	if p.MaxPurchaseWei.String() != "2000000000000000" || p.DailyLimitWei.String() != "50000000000000000" {
		t.Errorf("limits = %s / %s", p.MaxPurchaseWei, p.DailyLimitWei)
	}
	if len(p.Merchants) != 1 {
		t.Errorf("merchants = %v", p.Merchants)
	}

	if _, err := ParamsFromConfig(config.PolicyConfig{DailyLimitWei: "lots"}); err == nil {
		t.Error("non-numeric limit should fail")
	}
	if _, err := ParamsFromConfig(config.PolicyConfig{Merchants: []string{"0x123"}}); err == nil {
		t.Error("malformed merchant should fail")
	}
}

func TestEmptyParamsApproveEverything(t *testing.T) {
	d := ValidatePure(PurchaseRequest{Merchant: common.Address{1}, AmountWei: big.NewInt(1e18)}, Params{}, SpendState{})
	if !d.Approved {
		t.Errorf("rejected with no limits: %s", d.Reason)
	}
}

func TestNonPositiveAmountRejected(t *testing.T) {
	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		if d := ValidatePure(PurchaseRequest{AmountWei: amt}, Params{}, SpendState{}); d.Approved {
			t.Errorf("amount %v approved", amt)
		}
	}
}

func TestRefundNeverNegative(t *testing.T) {
	c := NewController(Params{})
	c.Spend(big.NewInt(5))
	c.Refund(big.NewInt(10))
	if c.SpentToday().Sign() != 0 {
		t.Errorf("spent = %s", c.SpentToday())
	}
}

func TestStartResetRejectsBadSpec(t *testing.T) {
	c := NewController(Params{})
	if err := c.StartReset("not a cron"); err == nil {
		t.Error("invalid cron spec should fail")
	}
}

func TestScheduledResetClearsWindow(t *testing.T) {
	c := NewController(Params{DailyLimitWei: big.NewInt(10)})
	c.Spend(big.NewInt(10))
	if err := c.StartReset("* * * * * *"); err != nil {
		t.Fatalf("StartReset: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for c.SpentToday().Sign() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled reset did not run")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
