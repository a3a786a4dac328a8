package database

import (
	"path/filepath"
	"testing"

	"github.com/ksred/klear-funds/internal/settlement"
	"github.com/ksred/klear-funds/internal/trading"
	"github.com/ksred/klear-funds/internal/types"
)

func TestNewDatabaseMigratesSchema(t *testing.T) {
	db, err := NewDatabase(filepath.Join(t.TempDir(), "venue.db"))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	for _, model := range []interface{}{
		&types.Order{},
		&types.Trade{},
		&trading.IdempotencyRecord{},
		&settlement.Settlement{},
		&settlement.EscrowDeposit{},
		&settlement.BatchSettlement{},
	} {
		if !db.Migrator().HasTable(model) {
			t.Errorf("missing table for %T", model)
		}
	}

	indexes := map[interface{}][]string{
		&types.Order{}:              {"idx_orders_book", "idx_orders_owner_created"},
		&types.Trade{}:              {"idx_trades_created_at"},
		&settlement.Settlement{}:    {"idx_settlements_ledger"},
		&settlement.EscrowDeposit{}: {"idx_escrow_deposits_due"},
	}
	for model, names := range indexes {
		for _, name := range names {
			if !db.Migrator().HasIndex(model, name) {
				t.Errorf("missing index %s", name)
			}
		}
	}

	// Migrating twice is harmless
	if err := Migrate(db); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}
