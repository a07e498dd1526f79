package ledger

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rustyeddy/tradeguard/model"
)

var (
	levelHistoryHeader = []string{"id", "account_id", "previous_level", "new_level", "previous_status", "new_status", "trigger", "reason", "actor", "created_at"}
	tradeJournalHeader = []string{"trade_id", "account_id", "symbol", "side", "quantity", "entry", "stop", "target", "exit_price", "risk_amount", "realized_pnl", "state", "funded_at", "closed_at"}
)

// WriteLevelHistoryCSV writes events, in the order given, with a header row.
func WriteLevelHistoryCSV(w io.Writer, events []model.LevelChangeEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(levelHistoryHeader); err != nil {
		return err
	}
	for _, ev := range events {
		if err := cw.Write([]string{
			ev.ID,
			ev.AccountID,
			strconv.Itoa(ev.PreviousLevel),
			strconv.Itoa(ev.NewLevel),
			string(ev.PreviousStatus),
			string(ev.NewStatus),
			ev.Trigger,
			ev.Reason,
			string(ev.Actor),
			ts(ev.CreatedAt),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTradeJournalCSV writes one row per trade. Decimals keep their exact
// string form.
func WriteTradeJournalCSV(w io.Writer, trades []model.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeJournalHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := cw.Write([]string{
			t.ID,
			t.AccountID,
			t.Symbol,
			string(t.Side),
			t.Quantity.String(),
			t.Entry.String(),
			t.Stop.String(),
			t.Target.String(),
			t.ExitPrice.String(),
			t.RiskAmount.String(),
			t.RealizedPnL.String(),
			string(t.State),
			ts(t.FundedAt),
			ts(t.ClosedAt),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
