package fund

import (
	"context"
	"errors"
	"testing"

	"github.com/ksred/klear-funds/internal/config"
	"github.com/ksred/klear-funds/internal/types"
)

func TestDirectoryFromConfig(t *testing.T) {
	inactive := false
	cfg := config.Default()
	cfg.Funds = []config.Fund{
		{ID: "FUND-A", TokenRef: "tokA", PaymentTokenRef: "usdc", MinInvestment: "500"},
		{ID: "FUND-B", TokenRef: "tokB", PaymentTokenRef: "usdc", Active: &inactive},
	}
	cfg.Wallets = map[string]string{"u1": "0x1111111111111111111111111111111111111111"}

	d, err := NewStaticDirectoryFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewStaticDirectoryFromConfig failed: %v", err)
	}

	a, err := d.ResolveFund(context.Background(), "FUND-A")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Active || a.MinInvestment.IntPart() != 500 {
		t.Errorf("unexpected fund A %+v", a)
	}
	b, _ := d.ResolveFund(context.Background(), "FUND-B")
	if b.Active {
		t.Errorf("FUND-B should be inactive")
	}

	if _, err := d.ResolveFund(context.Background(), "FUND-X"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if w, err := d.ResolveWallet(context.Background(), "u1"); err != nil || w == "" {
		t.Errorf("expected wallet, got %q %v", w, err)
	}
}

func TestDirectoryRejectsMalformedWallet(t *testing.T) {
	cfg := config.Default()
	cfg.Wallets = map[string]string{"u1": "not-a-wallet"}
	if _, err := NewStaticDirectoryFromConfig(cfg); err == nil {
		t.Fatal("expected malformed wallet error")
	}
}
