package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradearena/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestApplySettlement_UpsertAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	account := &model.Account{ID: "u1", CashBalance: d(1000), TotalValue: d(1000)}
	pos := &model.Position{ID: "p1", AccountID: "u1", AssetID: "acme", Quantity: d(10), AveragePrice: d(100)}

	if err := s.ApplySettlement(ctx, &Settlement{Account: account, Position: pos}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, err := s.GetPosition(ctx, "u1", "acme")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !got.Quantity.Equal(d(10)) {
		t.Errorf("expected qty 10, got %s", got.Quantity)
	}

	// Same settlement call updates the existing row.
	pos.Quantity = d(25)
	if err := s.ApplySettlement(ctx, &Settlement{Account: account, Position: pos}); err != nil {
		t.Fatalf("settle update: %v", err)
	}
	got, _ = s.GetPosition(ctx, "u1", "acme")
	if !got.Quantity.Equal(d(25)) {
		t.Errorf("expected qty 25, got %s", got.Quantity)
	}

	// Delete removes the row but keeps the account write.
	account.CashBalance = d(3500)
	if err := s.ApplySettlement(ctx, &Settlement{Account: account, Position: pos, DeletePosition: true}); err != nil {
		t.Fatalf("settle delete: %v", err)
	}
	if _, err := s.GetPosition(ctx, "u1", "acme"); !errors.Is(err, ErrNotFound) {
		t.Error("position should be deleted")
	}
	acct, _ := s.GetAccount(ctx, "u1")
	if !acct.CashBalance.Equal(d(3500)) {
		t.Errorf("expected cash 3500, got %s", acct.CashBalance)
	}
}

func TestApplySettlement_RequiresAccount(t *testing.T) {
	s := NewMemoryStore()
	if err := s.ApplySettlement(context.Background(), &Settlement{}); err == nil {
		t.Fatal("expected error for settlement without account")
	}
}

func TestGetPosition_CopiesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	account := &model.Account{ID: "u1"}
	pos := &model.Position{ID: "p1", AccountID: "u1", AssetID: "acme", Quantity: d(10)}
	if err := s.ApplySettlement(ctx, &Settlement{Account: account, Position: pos}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, _ := s.GetPosition(ctx, "u1", "acme")
	got.Quantity = d(9999)

	again, _ := s.GetPosition(ctx, "u1", "acme")
	if !again.Quantity.Equal(d(10)) {
		t.Error("mutating a returned position must not touch the stored row")
	}
}

func TestLatestMarginWarning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	insert := func(id string, at time.Time, warningType string) {
		t.Helper()
		err := s.InsertMarginWarning(ctx, &model.MarginWarning{
			ID: id, AccountID: "u1", PositionID: "p1",
			WarningType: warningType, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("insert warning %s: %v", id, err)
		}
	}

	insert("w1", base.Add(-2*time.Minute), model.WarningMaintenance)
	insert("w2", base, model.WarningMaintenance)
	insert("w3", base.Add(-time.Minute), model.WarningMaintenance)
	insert("w4", base.Add(time.Minute), model.WarningLiquidation) // different type

	latest, err := s.LatestMarginWarning(ctx, "u1", "p1", model.WarningMaintenance)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "w2" {
		t.Errorf("expected newest maintenance warning w2, got %s", latest.ID)
	}

	if _, err := s.LatestMarginWarning(ctx, "u1", "p1", model.WarningMarginCall); !errors.Is(err, ErrNotFound) {
		t.Error("expected not found for absent warning type")
	}

	warnings, _ := s.ListMarginWarnings(ctx, "u1")
	if len(warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %d", len(warnings))
	}
}

func TestListAccounts_SortedByTotalValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, a := range []*model.Account{
		{ID: "low", TotalValue: d(100)},
		{ID: "high", TotalValue: d(900)},
		{ID: "mid", TotalValue: d(500)},
	} {
		if err := s.CreateAccount(ctx, a); err != nil {
			t.Fatalf("create %s: %v", a.ID, err)
		}
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if accounts[i].ID != id {
			t.Errorf("rank %d: expected %s, got %s", i, id, accounts[i].ID)
		}
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateAccount(ctx, &model.Account{ID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAccount(ctx, &model.Account{ID: "u1"}); err == nil {
		t.Fatal("expected duplicate account error")
	}
}
