// Package brokersync reconciles the ledger with the venue. One Actor per
// account polls the broker, turns every discrepancy into an event, hands it to
// the trade machine and publishes it on a channel.
package brokersync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/internal/logs"
	"github.com/rustyeddy/tradeguard/internal/metrics"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by SyncNow once the actor has exited.
var ErrStopped = errors.New("brokersync: actor stopped")

// Applier writes broker events to the ledger. trade.Machine implements it.
type Applier interface {
	ApplyEvent(ctx context.Context, accountID string, ev broker.Event) error
	CancelOrphanedLegs(ctx context.Context, accountID string) error
}

// OrderSource lists the ledger's live orders. ledger.Store implements it.
type OrderSource interface {
	OpenOrders(ctx context.Context, accountID string) ([]model.Order, error)
}

// DefaultEventBuffer is the event buffer used when Options leaves it zero. A
// negative EventBuffer asks for an unbuffered channel.
const DefaultEventBuffer = 256

type Options struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	Jitter        bool
	EventBuffer   int

	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = time.Minute
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	switch {
	case o.EventBuffer == 0:
		o.EventBuffer = DefaultEventBuffer
	case o.EventBuffer < 0:
		o.EventBuffer = 0
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Status is a point-in-time view of an actor.
type Status struct {
	AccountID string
	Connected bool
	Running   bool
	Cycles    uint64
	Applied   uint64
	Dropped   uint64
	Failures  int
	LastSync  time.Time
	LastError string
}

type cmdKind int

const (
	cmdSync cmdKind = iota
	cmdShutdown
)

type command struct {
	kind  cmdKind
	reply chan error
}

// Actor owns reconciliation for one account. All of its state is confined to
// the Run goroutine; other goroutines talk to it through commands.
type Actor struct {
	account string
	client  broker.Client
	orders  OrderSource
	apply   Applier
	opts    Options
	log     logrus.FieldLogger

	cmds    chan command
	events  chan broker.Event
	done    chan struct{}
	started atomic.Bool
	status  atomic.Pointer[Status]

	// Owned by Run.
	backoff *backoff.Backoff
	applied map[string]uint64
	down    bool
}

func NewActor(accountID string, client broker.Client, orders OrderSource, apply Applier, opts Options) *Actor {
	opts.defaults()
	a := &Actor{
		account: accountID,
		client:  client,
		orders:  orders,
		apply:   apply,
		opts:    opts,
		log:     logs.Or(opts.Log).WithField("account", accountID),
		cmds:    make(chan command),
		events:  make(chan broker.Event, opts.EventBuffer),
		done:    make(chan struct{}),
		backoff: &backoff.Backoff{
			Min:    opts.BackoffMin,
			Max:    opts.BackoffMax,
			Factor: opts.BackoffFactor,
			Jitter: opts.Jitter,
		},
		applied: make(map[string]uint64),
	}
	a.status.Store(&Status{AccountID: accountID})
	return a
}

func (a *Actor) AccountID() string { return a.account }

// Events delivers every applied event plus connectivity changes. When the
// buffer is full further events are dropped and counted.
func (a *Actor) Events() <-chan broker.Event { return a.events }

func (a *Actor) Status() Status { return *a.status.Load() }

func (a *Actor) setStatus(fn func(*Status)) {
	s := *a.status.Load()
	fn(&s)
	a.status.Store(&s)
}

// Run polls until Shutdown is called or ctx is done. A cycle in progress
// always completes before Run returns. Run may be called once.
func (a *Actor) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return model.Errorf(model.ErrActorRunning, "sync actor for %s already ran", a.account)
	}
	defer close(a.done)
	defer close(a.events)
	a.setStatus(func(s *Status) { s.Running = true })
	defer a.setStatus(func(s *Status) { s.Running = false })

	a.log.WithField("poll", a.opts.PollInterval).Info("sync actor started")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("sync actor stopped by context")
			return nil
		case cmd := <-a.cmds:
			if cmd.kind == cmdShutdown {
				a.log.Info("sync actor shut down")
				close(cmd.reply)
				return nil
			}
			err := a.cycle(ctx)
			cmd.reply <- err
			resetTimer(timer, a.next(err))
		case <-timer.C:
			timer.Reset(a.next(a.cycle(ctx)))
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// next picks the delay before the following cycle.
func (a *Actor) next(err error) time.Duration {
	if err != nil {
		return a.backoff.Duration()
	}
	a.backoff.Reset()
	return a.opts.PollInterval
}

// SyncNow runs a cycle immediately and returns its error.
func (a *Actor) SyncNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.cmds <- command{kind: cmdSync, reply: reply}:
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown asks the actor to stop after any in-flight cycle and waits for it.
func (a *Actor) Shutdown(ctx context.Context) error {
	reply := make(chan error)
	select {
	case a.cmds <- command{kind: cmdShutdown, reply: reply}:
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) cycle(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	remote, err := a.client.Sync(sctx, a.account)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// Stopping mid-request is not an outage.
			return ctx.Err()
		}
		err = broker.Classify(err, "sync")
		a.connectionFailed(err)
		return err
	}
	if a.down {
		a.down = false
		a.log.Info("broker connection restored")
		a.emit(broker.Event{Kind: broker.ConnectionRestored, AccountID: a.account, At: a.opts.Now()})
	}
	a.opts.Metrics.Connected(a.account, true)

	// Ledger writes must not be cut short by shutdown.
	actx := context.WithoutCancel(ctx)
	local, err := a.orders.OpenOrders(actx, a.account)
	if err != nil {
		a.cycleFailed(err)
		return err
	}

	live := make(map[string]bool, len(local))
	for _, o := range local {
		live[o.ID] = true
	}
	for id := range a.applied {
		if !live[id] {
			delete(a.applied, id)
		}
	}

	var applied uint64
	for _, ev := range diff(a.account, local, remote, a.applied) {
		ev.At = a.opts.Now()
		if err := a.apply.ApplyEvent(actx, a.account, ev); err != nil {
			// Later events may depend on this one; the next cycle retries
			// from here.
			a.log.WithFields(logrus.Fields{
				"order": ev.OrderID,
				"event": ev.Kind,
			}).WithError(err).Warn("applying event failed")
			a.cycleFailed(err)
			return err
		}
		a.applied[ev.OrderID] = ev.Seq
		applied++
		a.opts.Metrics.SyncEvent(string(ev.Kind))
		a.emit(ev)
	}

	if err := a.apply.CancelOrphanedLegs(actx, a.account); err != nil {
		a.log.WithError(err).Warn("canceling orphaned legs failed")
	}

	a.opts.Metrics.SyncCycle(true)
	a.setStatus(func(s *Status) {
		s.Connected = true
		s.Cycles++
		s.Applied += applied
		s.Failures = 0
		s.LastSync = a.opts.Now()
		s.LastError = ""
	})
	return nil
}

// connectionFailed reports the first failure of an outage once; later
// attempts in the same outage only update the status.
func (a *Actor) connectionFailed(err error) {
	if !a.down {
		a.down = true
		a.opts.Metrics.Connected(a.account, false)
		a.log.WithError(err).Warn("broker connection lost")
		a.emit(broker.Event{Kind: broker.ConnectionLost, AccountID: a.account, At: a.opts.Now(), Err: err})
	} else {
		a.log.WithError(err).Debug("broker still unreachable")
	}
	a.setStatus(func(s *Status) { s.Connected = false })
	a.cycleFailed(err)
}

func (a *Actor) cycleFailed(err error) {
	a.opts.Metrics.SyncCycle(false)
	a.setStatus(func(s *Status) {
		s.Cycles++
		s.Failures++
		s.LastError = err.Error()
	})
}

func (a *Actor) emit(ev broker.Event) {
	select {
	case a.events <- ev:
	default:
		a.setStatus(func(s *Status) { s.Dropped++ })
		a.log.WithField("event", ev.Kind).Warn("event buffer full; dropping event")
	}
}
