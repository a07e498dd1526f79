package brokersync

import (
	"sort"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/model"
)

type pending struct {
	ev      broker.Event
	tradeID string
	rank    int
}

// diff compares the ledger's live orders with the venue snapshot and returns
// one event per discrepancy, entry legs first within each trade. Orders whose
// venue sequence is at or below the applied watermark are skipped.
func diff(accountID string, local []model.Order, remote []broker.RemoteOrder, applied map[string]uint64) []broker.Event {
	byExt := make(map[string]broker.RemoteOrder, len(remote))
	byClient := make(map[string]broker.RemoteOrder, len(remote))
	for _, r := range remote {
		byExt[r.ExternalID] = r
		if r.ClientOrderID != "" {
			byClient[r.ClientOrderID] = r
		}
	}

	var out []pending
	for _, o := range local {
		if o.Status.Terminal() {
			continue
		}
		r, ok := byExt[o.ExternalID]
		if o.ExternalID == "" || !ok {
			// A submission whose reply was lost is found by client order id.
			r, ok = byClient[o.ID]
		}
		if !ok {
			continue
		}
		if seq, seen := applied[o.ID]; seen && r.Seq <= seq {
			continue
		}

		ev := broker.Event{
			AccountID:  accountID,
			OrderID:    o.ID,
			ExternalID: r.ExternalID,
			Seq:        r.Seq,
		}
		switch r.Status {
		case broker.RemoteOpen:
			if o.ExternalID != "" {
				continue
			}
			ev.Kind = broker.OrderAccepted
		case broker.RemoteFilled:
			ev.Kind = broker.OrderFilled
			ev.Price = r.FilledPrice
			ev.Qty = r.FilledQty
		case broker.RemoteCanceled:
			ev.Kind = broker.OrderCanceled
		case broker.RemoteRejected:
			ev.Kind = broker.OrderRejected
			ev.Reason = r.Reason
		default:
			continue
		}
		out = append(out, pending{ev: ev, tradeID: o.TradeID, rank: o.Kind.Rank()})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].tradeID != out[j].tradeID {
			return out[i].tradeID < out[j].tradeID
		}
		return out[i].rank < out[j].rank
	})
	events := make([]broker.Event, len(out))
	for i, p := range out {
		events[i] = p.ev
	}
	return events
}
