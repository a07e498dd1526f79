package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"mattn": func(t *testing.T) Store {
			s, err := OpenSQLite(DriverMattn, filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			return s
		},
		"modernc": func(t *testing.T) Store {
			s, err := OpenSQLite(DriverModernc, filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			return s
		},
	}
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for name, open := range stores() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func seedAccount(t *testing.T, s Store, id string) model.Account {
	t.Helper()
	a := model.Account{
		ID:        id,
		Name:      "primary",
		Currency:  "USD",
		Rules:     model.RiskRules{MaxRiskPerTradePct: d("1"), MaxMonthlyRiskPct: d("6")},
		Level:     3,
		Status:    model.StatusNormal,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func sampleTrade(id, accountID string) model.Trade {
	return model.Trade{
		ID:          id,
		AccountID:   accountID,
		Symbol:      "ACME",
		Side:        model.Long,
		Entry:       d("50"),
		Stop:        d("49"),
		Target:      d("53.25"),
		Quantity:    d("100"),
		RiskAmount:  d("100"),
		State:       model.StateDraft,
		ExitPrice:   decimal.Zero,
		RealizedPnL: decimal.Zero,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func sampleOrder(id, tradeID, accountID string, kind model.OrderKind) model.Order {
	return model.Order{
		ID:          id,
		TradeID:     tradeID,
		AccountID:   accountID,
		Kind:        kind,
		Status:      model.OrderPending,
		Price:       d("50"),
		Quantity:    d("100"),
		FilledPrice: decimal.Zero,
		FilledQty:   decimal.Zero,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func TestAccounts(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAccount(t, s, "acct_a")

		got, err := s.GetAccount(ctx, "acct_a")
		require.NoError(t, err)
		assert.Equal(t, "USD", got.Currency)
		assert.Equal(t, 3, got.Level)
		assert.True(t, got.Rules.MaxMonthlyRiskPct.Equal(d("6")))
		assert.True(t, got.CreatedAt.Equal(t0))

		err = s.CreateAccount(ctx, got)
		assert.True(t, errors.Is(err, model.ErrDuplicateAccount))

		_, err = s.GetAccount(ctx, "nope")
		assert.True(t, errors.Is(err, model.ErrAccountNotFound))
		assert.True(t, errors.Is(err, model.ErrNotFound))

		got.Level, got.Status, got.UpdatedAt = 2, model.StatusCooldown, t0.Add(time.Hour)
		require.NoError(t, s.UpdateAccount(ctx, got))
		again, err := s.GetAccount(ctx, "acct_a")
		require.NoError(t, err)
		assert.Equal(t, 2, again.Level)
		assert.Equal(t, model.StatusCooldown, again.Status)

		err = s.UpdateAccount(ctx, model.Account{ID: "nope"})
		assert.True(t, errors.Is(err, model.ErrAccountNotFound))

		all, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestVehicles(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutVehicle(ctx, model.Vehicle{Symbol: "EUR_USD", Class: model.ClassFX, LotSize: d("1000")}))
		require.NoError(t, s.PutVehicle(ctx, model.Vehicle{Symbol: "EUR_USD", Class: model.ClassFX, LotSize: d("1")}))

		v, err := s.GetVehicle(ctx, "EUR_USD")
		require.NoError(t, err)
		assert.Equal(t, model.ClassFX, v.Class)
		assert.True(t, v.LotSize.Equal(d("1")))

		_, err = s.GetVehicle(ctx, "XYZ")
		assert.True(t, errors.Is(err, model.ErrVehicleNotFound))
	})
}

func TestTransactionsAndBalance(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAccount(t, s, "acct_a")

		amounts := []string{"10000", "-0.10", "-0.20", "100.30"}
		for i, a := range amounts {
			require.NoError(t, s.AppendTransaction(ctx, model.Transaction{
				ID:        "tx_" + string(rune('a'+i)),
				AccountID: "acct_a",
				Kind:      model.TxDeposit,
				Amount:    d(a),
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			}))
		}

		bal, err := s.Balance(ctx, "acct_a")
		require.NoError(t, err)
		assert.Equal(t, "10100", bal.String())

		txs, err := s.ListTransactions(ctx, "acct_a")
		require.NoError(t, err)
		require.Len(t, txs, 4)
		assert.Equal(t, "tx_a", txs[0].ID)
		assert.Equal(t, "tx_d", txs[3].ID)
	})
}

func TestTradesAndOrders(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAccount(t, s, "acct_a")

		tr := sampleTrade("trd_1", "acct_a")
		require.NoError(t, s.CreateTrade(ctx, tr))
		for _, k := range []model.OrderKind{model.OrderTarget, model.OrderEntry, model.OrderStop} {
			require.NoError(t, s.CreateOrder(ctx, sampleOrder("ord_"+string(k), "trd_1", "acct_a", k)))
		}

		got, err := s.GetTrade(ctx, "trd_1")
		require.NoError(t, err)
		assert.True(t, got.Target.Equal(d("53.25")))
		assert.True(t, got.FundedAt.IsZero())
		assert.Equal(t, model.StateDraft, got.State)

		orders, err := s.OrdersForTrade(ctx, "trd_1")
		require.NoError(t, err)
		require.Len(t, orders, 3)
		assert.Equal(t, model.OrderEntry, orders[0].Kind)
		assert.Equal(t, model.OrderStop, orders[1].Kind)
		assert.Equal(t, model.OrderTarget, orders[2].Kind)

		entry := orders[0]
		entry.ExternalID = "ext-1"
		entry.Status = model.OrderFilled
		entry.FilledPrice = d("50.01")
		entry.FilledQty = d("100")
		require.NoError(t, s.UpdateOrder(ctx, entry))

		byExt, err := s.OrderByExternalID(ctx, "acct_a", "ext-1")
		require.NoError(t, err)
		assert.Equal(t, entry.ID, byExt.ID)
		assert.True(t, byExt.FilledPrice.Equal(d("50.01")))

		_, err = s.OrderByExternalID(ctx, "acct_b", "ext-1")
		assert.True(t, errors.Is(err, model.ErrExternalIDNotFound))

		open, err := s.OpenOrders(ctx, "acct_a")
		require.NoError(t, err)
		assert.Len(t, open, 2)

		got.State = model.StateClosedTarget
		got.ClosedAt = t0.Add(48 * time.Hour)
		got.RealizedPnL = d("325")
		require.NoError(t, s.UpdateTrade(ctx, got))

		closed, err := s.ListTrades(ctx, TradeFilter{
			AccountID:  "acct_a",
			States:     []model.TradeState{model.StateClosedTarget, model.StateClosedStopLoss},
			ClosedFrom: t0,
			ClosedTo:   t0.Add(72 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.True(t, closed[0].ClosedAt.Equal(got.ClosedAt))
		assert.Equal(t, "325", closed[0].RealizedPnL.String())

		none, err := s.ListTrades(ctx, TradeFilter{AccountID: "acct_a", ClosedTo: t0})
		require.NoError(t, err)
		assert.Empty(t, none)

		err = s.UpdateTrade(ctx, sampleTrade("trd_missing", "acct_a"))
		assert.True(t, errors.Is(err, model.ErrTradeNotFound))
	})
}

func TestLevelHistoryIsChronological(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAccount(t, s, "acct_a")
		seedAccount(t, s, "acct_b")

		times := []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour}
		for i, off := range times {
			require.NoError(t, s.AppendLevelChange(ctx, model.LevelChangeEvent{
				ID:             "lvl_" + string(rune('a'+i)),
				AccountID:      "acct_a",
				PreviousLevel:  3,
				NewLevel:       2,
				PreviousStatus: model.StatusNormal,
				NewStatus:      model.StatusProbation,
				Trigger:        "monthly_loss",
				Reason:         "r",
				Actor:          model.ActorAutomatic,
				CreatedAt:      t0.Add(off),
			}))
		}
		require.NoError(t, s.AppendLevelChange(ctx, model.LevelChangeEvent{
			ID: "lvl_z", AccountID: "acct_b", PreviousLevel: 1, NewLevel: 2,
			Actor: model.ActorManual, CreatedAt: t0,
		}))

		hist, err := s.LevelHistory(ctx, "acct_a")
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, []string{"lvl_b", "lvl_c", "lvl_a"}, []string{hist[0].ID, hist[1].ID, hist[2].ID})
		assert.Equal(t, model.ActorAutomatic, hist[0].Actor)

		err = s.AppendLevelChange(ctx, model.LevelChangeEvent{ID: "bad", AccountID: "acct_a", NewLevel: 5})
		assert.True(t, errors.Is(err, model.ErrValidation))

		_, err = History(ctx, s, "missing")
		assert.True(t, errors.Is(err, model.ErrAccountNotFound))
	})
}

var errInjected = errors.New("injected failure")

func TestSavepointRollsBackEverything(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAccount(t, s, "acct_a")
		require.NoError(t, s.CreateTrade(ctx, sampleTrade("trd_1", "acct_a")))

		err := s.WithSavepoint(ctx, "fund_trade", func(tx Tx) error {
			for _, k := range []model.OrderKind{model.OrderEntry, model.OrderStop} {
				if err := tx.CreateOrder(ctx, sampleOrder("ord_"+string(k), "trd_1", "acct_a", k)); err != nil {
					return err
				}
			}
			tr, err := tx.GetTrade(ctx, "trd_1")
			if err != nil {
				return err
			}
			tr.State = model.StateFunded
			if err := tx.UpdateTrade(ctx, tr); err != nil {
				return err
			}
			return errInjected
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrPersistence))
		assert.True(t, errors.Is(err, errInjected))

		orders, err := s.OrdersForTrade(ctx, "trd_1")
		require.NoError(t, err)
		assert.Empty(t, orders)
		tr, err := s.GetTrade(ctx, "trd_1")
		require.NoError(t, err)
		assert.Equal(t, model.StateDraft, tr.State)
	})
}

func TestSavepointPropagatesTypedErrors(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAccount(t, s, "acct_a")

		err := s.WithSavepoint(ctx, "fund_trade", func(tx Tx) error {
			if err := tx.CreateTrade(ctx, sampleTrade("trd_1", "acct_a")); err != nil {
				return err
			}
			return model.Errorf(model.ErrRiskLimit, "monthly cap")
		})
		assert.True(t, errors.Is(err, model.ErrRiskLimit))
		assert.Equal(t, model.KindValidation, model.KindOf(err))

		_, err = s.GetTrade(ctx, "trd_1")
		assert.True(t, errors.Is(err, model.ErrTradeNotFound))
	})
}

func TestNestedSavepointRollsBackInnerOnly(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAccount(t, s, "acct_a")

		err := s.WithSavepoint(ctx, "outer", func(tx Tx) error {
			if err := tx.CreateTrade(ctx, sampleTrade("trd_1", "acct_a")); err != nil {
				return err
			}
			inner := tx.WithSavepoint(ctx, "inner", func(tx Tx) error {
				if err := tx.CreateTrade(ctx, sampleTrade("trd_2", "acct_a")); err != nil {
					return err
				}
				return errInjected
			})
			assert.True(t, errors.Is(inner, errInjected))
			return tx.CreateTrade(ctx, sampleTrade("trd_3", "acct_a"))
		})
		require.NoError(t, err)

		trades, err := s.ListTrades(ctx, TradeFilter{AccountID: "acct_a"})
		require.NoError(t, err)
		ids := make([]string, 0, len(trades))
		for _, tr := range trades {
			ids = append(ids, tr.ID)
		}
		assert.ElementsMatch(t, []string{"trd_1", "trd_3"}, ids)
	})
}

func TestSavepointNameValidation(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, s Store) {
		called := false
		err := s.WithSavepoint(context.Background(), "drop table; --", func(Tx) error {
			called = true
			return nil
		})
		assert.True(t, errors.Is(err, model.ErrSavepointName))
		assert.False(t, called)
	})
}
