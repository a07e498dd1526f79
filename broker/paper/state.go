package paper

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/shopspring/decimal"
)

type savedOrder struct {
	Request    broker.OrderRequest `json:"request"`
	ExternalID string              `json:"external_id"`
	Status     broker.RemoteStatus `json:"status"`
	Price      decimal.Decimal     `json:"price"`
	Quantity   decimal.Decimal     `json:"quantity"`
	FillPrice  decimal.Decimal     `json:"fill_price"`
	FillQty    decimal.Decimal     `json:"fill_qty"`
	Reason     string              `json:"reason,omitempty"`
	Seq        uint64              `json:"seq"`
}

type state struct {
	Seq    uint64                     `json:"seq"`
	Orders []savedOrder               `json:"orders"`
	Prices map[string]decimal.Decimal `json:"prices,omitempty"`
}

// Save writes the venue's orders and prices as JSON. Fault injection
// settings are not saved.
func (b *Broker) Save(w io.Writer) error {
	b.mu.Lock()
	st := state{Seq: b.seq, Orders: make([]savedOrder, 0, len(b.orders)), Prices: b.prices}
	for _, o := range b.orders {
		st.Orders = append(st.Orders, savedOrder{
			Request:    o.req,
			ExternalID: o.extID,
			Status:     o.status,
			Price:      o.price,
			Quantity:   o.qty,
			FillPrice:  o.fillPx,
			FillQty:    o.fillQ,
			Reason:     o.reason,
			Seq:        o.seq,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	err := enc.Encode(st)
	b.mu.Unlock()
	return err
}

// Load replaces the venue's orders and prices with a saved state.
func (b *Broker) Load(r io.Reader) error {
	var st state
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("decode venue state: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = make(map[string]*order, len(st.Orders))
	b.byClient = make(map[string]string, len(st.Orders))
	b.prices = make(map[string]decimal.Decimal, len(st.Prices))
	for _, s := range st.Orders {
		if s.ExternalID == "" {
			return fmt.Errorf("venue state: order without external id")
		}
		b.orders[s.ExternalID] = &order{
			req:    s.Request,
			extID:  s.ExternalID,
			status: s.Status,
			price:  s.Price,
			qty:    s.Quantity,
			fillPx: s.FillPrice,
			fillQ:  s.FillQty,
			reason: s.Reason,
			seq:    s.Seq,
		}
		if s.Request.ClientOrderID != "" {
			b.byClient[s.Request.ClientOrderID] = s.ExternalID
		}
	}
	for sym, px := range st.Prices {
		b.prices[sym] = px
	}
	b.seq = st.Seq
	return nil
}

// LoadFile restores the venue from path. A missing file leaves it empty.
func (b *Broker) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return b.Load(f)
}

// SaveFile writes the venue to path through a temporary file in the same
// directory, so a crash never leaves a truncated state behind.
func (b *Broker) SaveFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := b.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
