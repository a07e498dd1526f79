package paper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(client string, kind model.OrderKind, px string) broker.OrderRequest {
	return broker.OrderRequest{
		AccountID:     "acct_a",
		ClientOrderID: client,
		Symbol:        "ACME",
		Side:          model.Long,
		Kind:          kind,
		Price:         decimal.RequireFromString(px),
		Quantity:      decimal.NewFromInt(100),
	}
}

func TestSubmitDedupesOnClientOrderID(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	ext1, err := b.Submit(ctx, req("ord_1", model.OrderEntry, "50"))
	require.NoError(t, err)
	ext2, err := b.Submit(ctx, req("ord_1", model.OrderEntry, "50"))
	require.NoError(t, err)
	assert.Equal(t, ext1, ext2)

	snap, err := b.Sync(ctx, "acct_a")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
	assert.Equal(t, broker.RemoteOpen, snap[0].Status)
	assert.Equal(t, "ord_1", snap[0].ClientOrderID)
}

func TestFillCancelAndSequence(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	entry, err := b.Submit(ctx, req("ord_e", model.OrderEntry, "50"))
	require.NoError(t, err)
	stop, err := b.Submit(ctx, req("ord_s", model.OrderStop, "49"))
	require.NoError(t, err)

	require.NoError(t, b.Fill(entry, decimal.Zero))
	require.NoError(t, b.Cancel(ctx, stop))
	require.NoError(t, b.Cancel(ctx, stop), "cancel is idempotent")

	err = b.Cancel(ctx, entry)
	assert.True(t, errors.Is(err, model.ErrBrokerRejected))

	snap, err := b.Sync(ctx, "acct_a")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Less(t, snap[0].Seq, snap[1].Seq)
	assert.Equal(t, entry, snap[0].ExternalID)
	assert.Equal(t, broker.RemoteFilled, snap[0].Status)
	assert.True(t, snap[0].FilledPrice.Equal(decimal.NewFromInt(50)))
	assert.True(t, snap[0].FilledQty.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, broker.RemoteCanceled, snap[1].Status)

	other, err := b.Sync(ctx, "acct_b")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestOfflineAndLostReplies(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	b.SetOffline(true)
	_, err := b.Sync(ctx, "acct_a")
	assert.True(t, errors.Is(err, model.ErrBrokerUnavailable))
	assert.True(t, model.IsRetryable(err))
	b.SetOffline(false)

	b.SetLoseReplies(true)
	_, err = b.Submit(ctx, req("ord_1", model.OrderEntry, "50"))
	assert.True(t, errors.Is(err, model.ErrBrokerTimeout))
	assert.True(t, model.IsUnknownOutcome(err))
	b.SetLoseReplies(false)

	ext, ok := b.ExternalID("ord_1")
	require.True(t, ok, "venue accepted the order despite the lost reply")
	got, err := b.Submit(ctx, req("ord_1", model.OrderEntry, "50"))
	require.NoError(t, err)
	assert.Equal(t, ext, got)
}

func TestFailNextSubmit(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	b.FailNextSubmit(model.OrderStop, model.Errorf(model.ErrBrokerRejected, "no"))

	_, err := b.Submit(ctx, req("ord_s", model.OrderStop, "49"))
	assert.True(t, errors.Is(err, model.ErrBrokerRejected))
	_, err = b.Submit(ctx, req("ord_s", model.OrderStop, "49"))
	assert.NoError(t, err)
	assert.Equal(t, 2, b.Calls("submit"))
}

func TestModifyAndClose(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	stop, err := b.Submit(ctx, req("ord_s", model.OrderStop, "49"))
	require.NoError(t, err)

	require.NoError(t, b.Modify(ctx, stop, broker.Modification{Price: decimal.RequireFromString("49.5")}))
	b.SetPrice("ACME", decimal.RequireFromString("51.2"))
	require.NoError(t, b.Close(ctx, stop))

	st, ok := b.Status(stop)
	require.True(t, ok)
	assert.Equal(t, broker.RemoteFilled, st)

	snap, err := b.Sync(ctx, "acct_a")
	require.NoError(t, err)
	assert.Equal(t, "51.2", snap[0].FilledPrice.String())

	err = b.Modify(ctx, stop, broker.Modification{Price: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, model.ErrBrokerRejected))
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	_, err := b.Sync(ctx, "acct_a")
	assert.True(t, errors.Is(err, model.ErrBrokerTimeout))
	assert.True(t, model.IsUnknownOutcome(err))
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	entry, err := b.Submit(ctx, req("ord_entry", model.OrderEntry, "50"))
	require.NoError(t, err)
	stop, err := b.Submit(ctx, req("ord_stop", model.OrderStop, "49"))
	require.NoError(t, err)
	require.NoError(t, b.Fill(entry, decimal.Zero))
	b.SetPrice("ACME", decimal.RequireFromString("51.25"))

	path := filepath.Join(t.TempDir(), "venue.json")
	require.NoError(t, b.SaveFile(path))

	restored := New()
	require.NoError(t, restored.LoadFile(path))
	before, err := b.Sync(ctx, "acct_a")
	require.NoError(t, err)
	after, err := restored.Sync(ctx, "acct_a")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		want, got := before[i], after[i]
		assert.Equal(t, want.ExternalID, got.ExternalID)
		assert.Equal(t, want.ClientOrderID, got.ClientOrderID)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Seq, got.Seq)
		assert.True(t, want.FilledPrice.Equal(got.FilledPrice), want.ExternalID)
		assert.True(t, want.FilledQty.Equal(got.FilledQty), want.ExternalID)
	}

	ext, ok := restored.ExternalID("ord_stop")
	require.True(t, ok)
	assert.Equal(t, stop, ext)
	again, err := restored.Submit(ctx, req("ord_stop", model.OrderStop, "49"))
	require.NoError(t, err)
	assert.Equal(t, stop, again, "client order ids still dedupe")

	next, err := restored.Submit(ctx, req("ord_target", model.OrderTarget, "53"))
	require.NoError(t, err)
	rows, err := restored.Sync(ctx, "acct_a")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, next, rows[2].ExternalID)
	assert.Greater(t, rows[2].Seq, rows[1].Seq, "sequence continues")

	require.NoError(t, restored.Close(ctx, stop))
	rows, err = restored.Sync(ctx, "acct_a")
	require.NoError(t, err)
	closed := rows[len(rows)-1]
	assert.Equal(t, stop, closed.ExternalID)
	assert.Equal(t, broker.RemoteFilled, closed.Status)
	assert.Equal(t, "51.25", closed.FilledPrice.String(), "restored price used for market closes")
}

func TestLoadFileMissingAndCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := New()
	require.NoError(t, b.LoadFile(filepath.Join(dir, "absent.json")))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	assert.Error(t, b.LoadFile(bad))
}
