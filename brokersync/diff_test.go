package brokersync

import (
	"testing"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func order(id, trade string, kind model.OrderKind, ext string) model.Order {
	return model.Order{ID: id, TradeID: trade, AccountID: "acct_a", Kind: kind, ExternalID: ext, Status: model.OrderSubmitted}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	px := decimal.RequireFromString("53")
	qty := decimal.NewFromInt(100)

	tests := []struct {
		name    string
		local   []model.Order
		remote  []broker.RemoteOrder
		applied map[string]uint64
		want    []broker.EventKind
		wantIDs []string
	}{
		{
			name:   "in sync",
			local:  []model.Order{order("o1", "t1", model.OrderEntry, "x1")},
			remote: []broker.RemoteOrder{{ExternalID: "x1", ClientOrderID: "o1", Status: broker.RemoteOpen, Seq: 1}},
		},
		{
			name: "entry fill sorts before target fill",
			local: []model.Order{
				order("o3", "t1", model.OrderTarget, "x3"),
				order("o1", "t1", model.OrderEntry, "x1"),
			},
			remote: []broker.RemoteOrder{
				{ExternalID: "x3", Status: broker.RemoteFilled, FilledPrice: px, FilledQty: qty, Seq: 4},
				{ExternalID: "x1", Status: broker.RemoteFilled, FilledPrice: px, FilledQty: qty, Seq: 5},
			},
			want:    []broker.EventKind{broker.OrderFilled, broker.OrderFilled},
			wantIDs: []string{"o1", "o3"},
		},
		{
			name: "trades are grouped",
			local: []model.Order{
				order("b1", "t2", model.OrderEntry, "y1"),
				order("a2", "t1", model.OrderStop, "x2"),
			},
			remote: []broker.RemoteOrder{
				{ExternalID: "y1", Status: broker.RemoteCanceled, Seq: 1},
				{ExternalID: "x2", Status: broker.RemoteRejected, Reason: "no margin", Seq: 2},
			},
			want:    []broker.EventKind{broker.OrderRejected, broker.OrderCanceled},
			wantIDs: []string{"a2", "b1"},
		},
		{
			name:    "lost reply recovered by client id",
			local:   []model.Order{order("o1", "t1", model.OrderEntry, "")},
			remote:  []broker.RemoteOrder{{ExternalID: "x9", ClientOrderID: "o1", Status: broker.RemoteOpen, Seq: 1}},
			want:    []broker.EventKind{broker.OrderAccepted},
			wantIDs: []string{"o1"},
		},
		{
			name:    "unknown at venue",
			local:   []model.Order{order("o1", "t1", model.OrderEntry, "")},
			remote:  nil,
			want:    nil,
			wantIDs: nil,
		},
		{
			name:    "watermark skips applied sequence",
			local:   []model.Order{order("o1", "t1", model.OrderEntry, "x1")},
			remote:  []broker.RemoteOrder{{ExternalID: "x1", Status: broker.RemoteFilled, Seq: 3}},
			applied: map[string]uint64{"o1": 3},
		},
		{
			name:    "newer sequence passes the watermark",
			local:   []model.Order{order("o1", "t1", model.OrderEntry, "x1")},
			remote:  []broker.RemoteOrder{{ExternalID: "x1", Status: broker.RemoteFilled, Seq: 4}},
			applied: map[string]uint64{"o1": 3},
			want:    []broker.EventKind{broker.OrderFilled},
			wantIDs: []string{"o1"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			applied := tt.applied
			if applied == nil {
				applied = map[string]uint64{}
			}
			got := diff("acct_a", tt.local, tt.remote, applied)
			require.Len(t, got, len(tt.want))
			for i, ev := range got {
				assert.Equal(t, tt.want[i], ev.Kind)
				assert.Equal(t, tt.wantIDs[i], ev.OrderID)
				assert.Equal(t, "acct_a", ev.AccountID)
			}
		})
	}
}

func TestDiffCarriesFillDetails(t *testing.T) {
	t.Parallel()

	got := diff("acct_a",
		[]model.Order{order("o1", "t1", model.OrderTarget, "x1")},
		[]broker.RemoteOrder{{
			ExternalID:  "x1",
			Status:      broker.RemoteFilled,
			FilledPrice: decimal.RequireFromString("53.25"),
			FilledQty:   decimal.NewFromInt(40),
			Seq:         9,
		}},
		map[string]uint64{})
	require.Len(t, got, 1)
	assert.Equal(t, "x1", got[0].ExternalID)
	assert.Equal(t, "53.25", got[0].Price.String())
	assert.Equal(t, "40", got[0].Qty.String())
	assert.Equal(t, uint64(9), got[0].Seq)
}
