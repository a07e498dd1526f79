package trade_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitPlacesAllLegs(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	tr, legs := e.submitted(t)

	assert.Equal(t, clock, tr.SubmittedAt)
	for _, kind := range model.OrderKinds {
		o := legs[kind]
		assert.NotEmpty(t, o.ExternalID, kind)
		assert.Equal(t, model.OrderSubmitted, o.Status, kind)
		st, ok := e.venue.Status(o.ExternalID)
		require.True(t, ok)
		assert.Equal(t, broker.RemoteOpen, st)
	}

	again, err := e.m.Submit(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSubmitted, again.State)
	assert.Equal(t, 3, e.venue.Calls("submit"))
}

func TestSubmitPartialFailureThenRetry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	tr := e.funded(t)
	e.venue.FailNextSubmit(model.OrderStop, model.Errorf(model.ErrBrokerUnavailable, "stop desk offline"))

	got, err := e.m.Submit(context.Background(), tr.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPartialSubmission))
	assert.True(t, errors.Is(err, model.ErrBrokerUnavailable))
	assert.Equal(t, model.KindBroker, model.KindOf(err))
	assert.Equal(t, model.StateFunded, got.State)

	legs := e.legs(t, tr.ID)
	assert.NotEmpty(t, legs[model.OrderEntry].ExternalID)
	assert.Empty(t, legs[model.OrderStop].ExternalID)
	assert.Empty(t, legs[model.OrderTarget].ExternalID, "submission stops at the first failure")
	assert.Equal(t, model.StateFunded, e.get(t, tr.ID).State)

	got, err = e.m.Submit(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSubmitted, got.State)
	// entry, failed stop, stop, target; the entry is not placed twice.
	assert.Equal(t, 4, e.venue.Calls("submit"))
	assert.Equal(t, legs[model.OrderEntry].ExternalID, e.legs(t, tr.ID)[model.OrderEntry].ExternalID)
}

func TestSubmitTimeoutRecoveredByAcceptedEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	tr := e.funded(t)

	e.venue.SetLoseReplies(true)
	_, err := e.m.Submit(ctx, tr.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrBrokerTimeout))
	assert.True(t, model.IsUnknownOutcome(err))
	assert.True(t, model.IsRetryable(err))
	e.venue.SetLoseReplies(false)

	entry := e.legs(t, tr.ID)[model.OrderEntry]
	ext, ok := e.venue.ExternalID(entry.ID)
	require.True(t, ok, "the venue kept the order")

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, broker.Event{
		Kind: broker.OrderAccepted, OrderID: entry.ID, ExternalID: ext,
	}))
	entry = e.legs(t, tr.ID)[model.OrderEntry]
	assert.Equal(t, ext, entry.ExternalID)
	assert.Equal(t, model.OrderSubmitted, entry.Status)
	assert.Equal(t, model.StateFunded, e.get(t, tr.ID).State)

	got, err := e.m.Submit(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSubmitted, got.State)
	assert.Equal(t, 3, e.venue.Calls("submit"))
}

func TestAcceptedEventsCompleteSubmission(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	tr := e.funded(t)
	legs := e.legs(t, tr.ID)

	for i, kind := range model.OrderKinds {
		ev := broker.Event{Kind: broker.OrderAccepted, OrderID: legs[kind].ID, ExternalID: "ext-" + string(kind)}
		require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, ev))
		require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, ev), "replay is a no-op")

		want := model.StateFunded
		if i == len(model.OrderKinds)-1 {
			want = model.StateSubmitted
		}
		assert.Equal(t, want, e.get(t, tr.ID).State, kind)
	}
}

func TestTargetFillClosesTrade(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	tr, legs := e.submitted(t)

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(legs[model.OrderEntry], "50")))
	got := e.get(t, tr.ID)
	assert.Equal(t, model.StateFilled, got.State)
	assert.Equal(t, clock, got.FilledAt)
	assert.Zero(t, e.closes())

	target := fill(legs[model.OrderTarget], "53")
	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, target))

	got = e.get(t, tr.ID)
	assert.Equal(t, model.StateClosedTarget, got.State)
	assert.Equal(t, "53", got.ExitPrice.String())
	assert.Equal(t, "300", got.RealizedPnL.String())
	assert.Equal(t, clock, got.ClosedAt)

	after := e.legs(t, tr.ID)
	assert.Equal(t, model.OrderFilled, after[model.OrderTarget].Status)
	assert.Equal(t, model.OrderCanceled, after[model.OrderStop].Status)
	st, _ := e.venue.Status(legs[model.OrderStop].ExternalID)
	assert.Equal(t, broker.RemoteCanceled, st, "sibling canceled at the venue")

	bal, avail, err := e.m.Balance(ctx, e.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "10300", bal.String())
	assert.Equal(t, "10300", avail.String())

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, target), "replayed fill is a no-op")
	assert.Equal(t, 1, e.closes(), "close hooks run exactly once")
	txs, err := e.store.ListTransactions(ctx, e.acct.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2, "deposit plus one settlement")

	s := e.closed[0]
	assert.Equal(t, tr.ID, s.TradeID)
	assert.True(t, s.Win())
	assert.Equal(t, "3", s.RMultiple().String())
}

func TestStopFillWhileSubmittedInfersEntry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	tr, legs := e.submitted(t)

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(legs[model.OrderStop], "48.5")))

	got := e.get(t, tr.ID)
	assert.Equal(t, model.StateClosedStopLoss, got.State)
	assert.False(t, got.FilledAt.IsZero(), "passes through filled")
	assert.Equal(t, "-150", got.RealizedPnL.String())

	after := e.legs(t, tr.ID)
	assert.Equal(t, model.OrderFilled, after[model.OrderEntry].Status)
	assert.Equal(t, "50", after[model.OrderEntry].FilledPrice.String())
	assert.Equal(t, model.OrderCanceled, after[model.OrderTarget].Status)
	require.Len(t, e.closed, 1)
	assert.False(t, e.closed[0].Win())
}

func TestFillByExternalIDAndTerminalNoOps(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	tr, legs := e.submitted(t)

	entry := legs[model.OrderEntry]
	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, broker.Event{
		Kind: broker.OrderFilled, ExternalID: entry.ExternalID, Price: d("50.1"), Qty: entry.Quantity,
	}))
	assert.Equal(t, model.StateFilled, e.get(t, tr.ID).State)

	err := e.m.ApplyEvent(ctx, e.acct.ID, broker.Event{Kind: broker.OrderFilled, ExternalID: "unknown"})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, broker.Event{Kind: broker.ConnectionLost}))

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, broker.Event{
		Kind: broker.OrderRejected, OrderID: legs[model.OrderTarget].ID, Reason: "price band",
	}))
	target := e.legs(t, tr.ID)[model.OrderTarget]
	assert.Equal(t, model.OrderRejected, target.Status)
	assert.Equal(t, "price band", target.Reason)

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(target, "53")), "fill on a rejected order is ignored")
	assert.Equal(t, model.StateFilled, e.get(t, tr.ID).State)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("funded", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil)
		tr := e.funded(t)

		got, err := e.m.Cancel(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCanceled, got.State)
		for _, o := range e.legs(t, tr.ID) {
			assert.Equal(t, model.OrderCanceled, o.Status)
		}
		assert.Zero(t, e.venue.Calls("cancel"))

		_, avail, err := e.m.Balance(ctx, e.acct.ID)
		require.NoError(t, err)
		assert.Equal(t, "10000", avail.String(), "capital released")

		_, err = e.m.Cancel(ctx, tr.ID)
		assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	})

	t.Run("submitted", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil)
		tr, legs := e.submitted(t)

		got, err := e.m.Cancel(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCanceled, got.State)
		assert.Equal(t, 3, e.venue.Calls("cancel"))
		for _, o := range legs {
			st, _ := e.venue.Status(o.ExternalID)
			assert.Equal(t, broker.RemoteCanceled, st)
		}
	})

	t.Run("broker failure keeps state", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil)
		tr, _ := e.submitted(t)
		e.venue.FailNextCancel(model.Errorf(model.ErrBrokerUnavailable, "down"))

		_, err := e.m.Cancel(ctx, tr.ID)
		assert.True(t, errors.Is(err, model.ErrBroker))
		assert.Equal(t, model.StateSubmitted, e.get(t, tr.ID).State)

		got, err := e.m.Cancel(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCanceled, got.State)
	})

	t.Run("filled", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil)
		tr, legs := e.submitted(t)
		require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(legs[model.OrderEntry], "50")))

		_, err := e.m.Cancel(ctx, tr.ID)
		assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	})
}

func TestCancelResolvesLegWithLostReply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lost := func(t *testing.T) (*env, model.Trade, string) {
		e := newEnv(t, nil)
		tr := e.funded(t)
		e.venue.SetLoseReplies(true)
		_, err := e.m.Submit(ctx, tr.ID)
		require.True(t, model.IsUnknownOutcome(err))
		e.venue.SetLoseReplies(false)

		entry := e.legs(t, tr.ID)[model.OrderEntry]
		require.Empty(t, entry.ExternalID)
		ext, ok := e.venue.ExternalID(entry.ID)
		require.True(t, ok, "the venue kept the order")
		return e, tr, ext
	}

	t.Run("open at the venue", func(t *testing.T) {
		t.Parallel()
		e, tr, ext := lost(t)

		got, err := e.m.Cancel(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCanceled, got.State)
		st, _ := e.venue.Status(ext)
		assert.Equal(t, broker.RemoteCanceled, st)
		assert.Equal(t, 1, e.venue.Calls("cancel"))

		entry := e.legs(t, tr.ID)[model.OrderEntry]
		assert.Equal(t, ext, entry.ExternalID)
		assert.Equal(t, model.OrderCanceled, entry.Status)
	})

	t.Run("filled at the venue", func(t *testing.T) {
		t.Parallel()
		e, tr, ext := lost(t)
		require.NoError(t, e.venue.Fill(ext, decimal.Zero))

		_, err := e.m.Cancel(ctx, tr.ID)
		assert.True(t, errors.Is(err, model.ErrBrokerRejected))
		assert.Equal(t, model.StateFunded, e.get(t, tr.ID).State)
		assert.Equal(t, model.OrderPending, e.legs(t, tr.ID)[model.OrderEntry].Status, "left for the next sync")
	})

	t.Run("venue unreachable", func(t *testing.T) {
		t.Parallel()
		e, tr, ext := lost(t)
		e.venue.SetOffline(true)

		_, err := e.m.Cancel(ctx, tr.ID)
		assert.True(t, errors.Is(err, model.ErrBrokerUnavailable))
		assert.Equal(t, model.StateFunded, e.get(t, tr.ID).State)
		for _, o := range e.legs(t, tr.ID) {
			assert.Equal(t, model.OrderPending, o.Status, o.Kind)
		}
		st, _ := e.venue.Status(ext)
		assert.Equal(t, broker.RemoteOpen, st)
	})
}

// A venue fill racing a cancel request: whichever takes the account lock
// first wins and the other observes its result.
func TestCancelRacesFill(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		e := newEnv(t, nil)
		ctx := context.Background()
		tr, legs := e.submitted(t)
		entry := legs[model.OrderEntry]
		require.NoError(t, e.venue.Fill(entry.ExternalID, d("50")))

		var (
			wg        sync.WaitGroup
			cancelErr error
			applyErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = e.m.Cancel(ctx, tr.ID)
		}()
		go func() {
			defer wg.Done()
			applyErr = e.m.ApplyEvent(ctx, e.acct.ID, fill(entry, "50"))
		}()
		wg.Wait()

		require.NoError(t, applyErr)
		require.Error(t, cancelErr, "a filled entry cannot be canceled")
		assert.True(t,
			errors.Is(cancelErr, model.ErrInvalidTransition) || errors.Is(cancelErr, model.ErrBrokerRejected),
			"got %v", cancelErr)
		assert.Equal(t, model.StateFilled, e.get(t, tr.ID).State)
	}
}

func TestModifyAndCloseAtMarket(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	tr, legs := e.submitted(t)
	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(legs[model.OrderEntry], "50")))

	_, err := e.m.Modify(ctx, tr.ID, trade.ModifyRequest{Stop: d("48")})
	assert.True(t, errors.Is(err, model.ErrRiskLimit), "stop may not widen")
	_, err = e.m.Modify(ctx, tr.ID, trade.ModifyRequest{Target: d("49.9")})
	assert.True(t, errors.Is(err, model.ErrInvalidGeometry))

	got, err := e.m.Modify(ctx, tr.ID, trade.ModifyRequest{Stop: d("49.5"), Target: d("54")})
	require.NoError(t, err)
	assert.Equal(t, "49.5", got.Stop.String())
	assert.Equal(t, "54", got.Target.String())
	after := e.legs(t, tr.ID)
	assert.Equal(t, "49.5", after[model.OrderStop].Price.String())
	assert.Equal(t, "54", after[model.OrderTarget].Price.String())
	assert.Equal(t, 2, e.venue.Calls("modify"))

	e.venue.SetPrice("ACME", d("51"))
	require.NoError(t, e.m.CloseAtMarket(ctx, tr.ID))
	assert.Equal(t, model.StateFilled, e.get(t, tr.ID).State, "close lands through the sync path")

	snap, err := e.venue.Sync(ctx, e.acct.ID)
	require.NoError(t, err)
	var px string
	for _, r := range snap {
		if r.ExternalID == legs[model.OrderStop].ExternalID {
			require.Equal(t, broker.RemoteFilled, r.Status)
			px = r.FilledPrice.String()
		}
	}
	require.Equal(t, "51", px)
	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(legs[model.OrderStop], px)))

	got = e.get(t, tr.ID)
	assert.Equal(t, model.StateClosedStopLoss, got.State)
	assert.Equal(t, "100", got.RealizedPnL.String())

	err = e.m.CloseAtMarket(ctx, tr.ID)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
}

func TestHookFailureKeepsClose(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	e.m.AddHook(trade.HookFunc(func(context.Context, trade.TradeSummary) error {
		return errors.New("distribution unavailable")
	}))
	tr, legs := e.submitted(t)

	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(legs[model.OrderTarget], "53")))
	assert.Equal(t, model.StateClosedTarget, e.get(t, tr.ID).State)
	assert.Equal(t, 1, e.closes())
}

func TestCancelOrphanedLegs(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	tr, legs := e.submitted(t)

	e.venue.FailNextCancel(model.Errorf(model.ErrBrokerUnavailable, "down"))
	require.NoError(t, e.m.ApplyEvent(ctx, e.acct.ID, fill(legs[model.OrderTarget], "53")))
	assert.Equal(t, model.StateClosedTarget, e.get(t, tr.ID).State)
	assert.Equal(t, model.OrderSubmitted, e.legs(t, tr.ID)[model.OrderStop].Status, "sibling cancel failed")

	require.NoError(t, e.m.CancelOrphanedLegs(ctx, e.acct.ID))
	assert.Equal(t, model.OrderCanceled, e.legs(t, tr.ID)[model.OrderStop].Status)
	st, _ := e.venue.Status(legs[model.OrderStop].ExternalID)
	assert.Equal(t, broker.RemoteCanceled, st)

	open, err := e.store.OpenOrders(ctx, e.acct.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

// Random interleavings of fund and cancel never commit more capital than the
// balance nor more monthly risk than the cap.
func TestFundCancelNeverBreachesLimits(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	_, err := e.m.OpenAccount(ctx, trade.AccountRequest{
		ID:      "acct_prop",
		Rules:   model.RiskRules{MaxRiskPerTradePct: d("1"), MaxMonthlyRiskPct: d("4")},
		Level:   4,
		Deposit: d("20000"),
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	balance := d("20000")
	monthlyCap := d("800")
	var open []string

	for i := 0; i < 200; i++ {
		if len(open) > 0 && rng.Intn(3) == 0 {
			k := rng.Intn(len(open))
			_, err := e.m.Cancel(ctx, open[k])
			require.NoError(t, err)
			open = append(open[:k], open[k+1:]...)
		} else {
			entry := d("20").Add(d("0.5").Mul(decimalOf(rng.Intn(40))))
			width := d("0.25").Mul(decimalOf(1 + rng.Intn(8)))
			tr, err := e.m.Draft(ctx, trade.DraftRequest{
				AccountID: "acct_prop", Symbol: "ACME", Side: model.Long,
				Entry: entry, Stop: entry.Sub(width), Target: entry.Add(width.Mul(d("2"))),
				Quantity: decimalOf(rng.Intn(300)),
			})
			require.NoError(t, err)
			if _, err := e.m.Fund(ctx, tr.ID); err == nil {
				open = append(open, tr.ID)
			} else {
				require.Equal(t, model.KindValidation, model.KindOf(err), "unexpected %v", err)
			}
		}

		trades, err := e.store.ListTrades(ctx, ledger.TradeFilter{AccountID: "acct_prop"})
		require.NoError(t, err)
		assert.False(t, risk.CommittedCapital(trades).GreaterThan(balance), "step %d", i)
		assert.False(t, risk.MonthlyRiskUsed(trades, risk.MonthOf(clock)).GreaterThan(monthlyCap), "step %d", i)
	}
}

func decimalOf(n int) decimal.Decimal { return decimal.NewFromInt(int64(n)) }
