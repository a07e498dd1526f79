package leveling

import (
	"context"
	"time"

	"github.com/rustyeddy/tradeguard/internal/acctlock"
	"github.com/rustyeddy/tradeguard/internal/logs"
	"github.com/rustyeddy/tradeguard/internal/metrics"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/sirupsen/logrus"
)

const (
	defaultWindow            = 90 * 24 * time.Hour
	defaultIdempotencyWindow = 5 * time.Second
)

type Options struct {
	// Locks must be the table used by the trade machine so level changes and
	// trade operations on one account serialize.
	Locks             *acctlock.Locks
	Window            time.Duration
	IdempotencyWindow time.Duration
	Gate              ProtectedGate
	Log               logrus.FieldLogger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

type Engine struct {
	store   ledger.Store
	locks   *acctlock.Locks
	window  time.Duration
	idem    time.Duration
	gate    ProtectedGate
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store ledger.Store, opts Options) *Engine {
	e := &Engine{
		store:   store,
		locks:   opts.Locks,
		window:  opts.Window,
		idem:    opts.IdempotencyWindow,
		gate:    opts.Gate,
		log:     logs.Or(opts.Log),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if e.locks == nil {
		e.locks = acctlock.New(0)
	}
	if e.window <= 0 {
		e.window = defaultWindow
	}
	if e.idem <= 0 {
		e.idem = defaultIdempotencyWindow
	}
	if e.gate == nil {
		e.gate = denyAll{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

var _ trade.CloseHook = (*Engine)(nil)

// Evaluation is the result of one automatic evaluation.
type Evaluation struct {
	AccountID   string
	Performance Performance
	Decision    Decision
	// Changed is true when a rule fired within bounds. In a dry run nothing
	// is written even then.
	Changed bool
	DryRun  bool
	Event   model.LevelChangeEvent
}

// Evaluate snapshots the account's performance and applies the first
// matching rule. The account update and its audit event commit together.
func (e *Engine) Evaluate(ctx context.Context, accountID string, dryRun bool) (Evaluation, error) {
	ctx, release, err := e.locks.Acquire(ctx, accountID)
	if err != nil {
		return Evaluation{}, err
	}
	defer release()

	ev := Evaluation{AccountID: accountID, DryRun: dryRun}
	if dryRun {
		acct, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return ev, err
		}
		ev.Performance, err = Snapshot(ctx, e.store, accountID, e.now(), e.window)
		if err != nil {
			return ev, err
		}
		ev.Decision, ev.Changed = Decide(acct.Level, acct.Status, ev.Performance)
		return ev, nil
	}

	err = e.store.WithSavepoint(ctx, "level_evaluate", func(tx ledger.Tx) error {
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		now := e.now()
		ev.Performance, err = Snapshot(ctx, tx, accountID, now, e.window)
		if err != nil {
			return err
		}
		ev.Decision, ev.Changed = Decide(acct.Level, acct.Status, ev.Performance)
		if !ev.Changed {
			return nil
		}
		ev.Event, err = e.apply(ctx, tx, acct, change{
			level:   ev.Decision.ToLevel,
			status:  ev.Decision.ToStatus,
			trigger: ev.Decision.Trigger,
			reason:  ev.Decision.Reason,
			actor:   model.ActorAutomatic,
		}, now)
		return err
	})
	if err != nil {
		return Evaluation{}, err
	}

	log := e.log.WithFields(logrus.Fields{"account": accountID, "level": ev.Decision.ToLevel})
	switch {
	case ev.Changed:
		e.metrics.LevelChanged(accountID, string(model.ActorAutomatic), ev.Event.NewLevel)
		log.WithFields(logrus.Fields{
			"from":    ev.Event.PreviousLevel,
			"status":  ev.Event.NewStatus,
			"trigger": ev.Event.Trigger,
		}).Info("risk level changed")
	case ev.Decision.Clamped:
		log.WithField("trigger", ev.Decision.Trigger).Debug("rule matched at level bound; nothing to do")
	}
	return ev, nil
}

// OnTradeClosed re-evaluates the account after every close.
func (e *Engine) OnTradeClosed(ctx context.Context, s trade.TradeSummary) error {
	_, err := e.Evaluate(ctx, s.AccountID, false)
	return err
}

// History returns the account's level changes, oldest first.
func (e *Engine) History(ctx context.Context, accountID string) ([]model.LevelChangeEvent, error) {
	return ledger.History(ctx, e.store, accountID)
}

type change struct {
	level   int
	status  model.AccountStatus
	trigger string
	reason  string
	actor   model.Actor
}

// apply writes the account row and the audit event in a nested savepoint.
func (e *Engine) apply(ctx context.Context, tx ledger.Tx, acct model.Account, c change, now time.Time) (model.LevelChangeEvent, error) {
	ev := model.LevelChangeEvent{
		ID:             id.Prefixed("lvl"),
		AccountID:      acct.ID,
		PreviousLevel:  acct.Level,
		NewLevel:       c.level,
		PreviousStatus: acct.Status,
		NewStatus:      c.status,
		Trigger:        c.trigger,
		Reason:         c.reason,
		Actor:          c.actor,
		CreatedAt:      now,
	}
	err := tx.WithSavepoint(ctx, "level_change", func(tx ledger.Tx) error {
		acct.Level = c.level
		acct.Status = c.status
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return tx.AppendLevelChange(ctx, ev)
	})
	if err != nil {
		return model.LevelChangeEvent{}, err
	}
	return ev, nil
}
