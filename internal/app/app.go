// Package app wires the configuration into a running system: logger,
// metrics, ledger, venue, trade machine, level engine and sync actors.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rustyeddy/tradeguard/broker/paper"
	"github.com/rustyeddy/tradeguard/brokersync"
	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/internal/acctlock"
	"github.com/rustyeddy/tradeguard/internal/logs"
	"github.com/rustyeddy/tradeguard/internal/metrics"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/leveling"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type App struct {
	Config  *config.Config
	Log     *logrus.Logger
	Metrics *metrics.Metrics
	Store   ledger.Store
	Venue   *paper.Broker
	Trades  *trade.Machine
	Levels  *leveling.Engine

	venueState string
	logCloser  io.Closer
}

// New builds every component but starts nothing.
func New(cfg *config.Config, out io.Writer) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	log, closer, err := logs.New(cfg.Log, out)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Ledger)
	if err != nil {
		closer.Close()
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Log:        log,
		Metrics:    metrics.New(),
		Store:      store,
		Venue:      paper.New(),
		venueState: cfg.VenueStatePath(),
		logCloser:  closer,
	}
	if a.venueState != "" {
		if err := a.Venue.LoadFile(a.venueState); err != nil {
			return nil, errors.Join(fmt.Errorf("paper venue %s: %w", a.venueState, err), store.Close(), closer.Close())
		}
	}

	locks := acctlock.New(cfg.Ledger.LockWaitDuration())
	a.Trades = trade.New(store, a.Venue, trade.Options{
		Locks:         locks,
		BrokerTimeout: cfg.Broker.TimeoutDuration(),
		Log:           log.WithField("component", "trade"),
		Metrics:       a.Metrics,
	})

	var gate leveling.ProtectedGate
	if g, err := leveling.GateFromEnv(cfg.Protected.KeywordHashEnv); err != nil {
		log.WithError(err).Debug("manual level changes disabled")
	} else {
		gate = g
	}
	a.Levels = leveling.New(store, leveling.Options{
		Locks:             locks,
		Window:            cfg.Leveling.Window(),
		IdempotencyWindow: cfg.Leveling.IdempotencyWindowDuration(),
		Gate:              gate,
		Log:               log.WithField("component", "leveling"),
		Metrics:           a.Metrics,
	})
	a.Trades.AddHook(a.Levels)

	log.WithFields(logrus.Fields{
		"ledger": cfg.Ledger.Driver,
		"broker": cfg.Broker.Kind,
	}).Debug("tradeguard initialized")
	return a, nil
}

func openStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemory(), nil
	case ledger.DriverMattn, ledger.DriverModernc:
		return ledger.OpenSQLite(cfg.Driver, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// NewActor builds a sync actor for one account from the sync settings.
func (a *App) NewActor(accountID string) *brokersync.Actor {
	s := a.Config.Sync
	return brokersync.NewActor(accountID, a.Venue, a.Store, a.Trades, brokersync.Options{
		PollInterval:  s.PollIntervalDuration(),
		Timeout:       a.Config.Broker.TimeoutDuration(),
		BackoffMin:    s.BackoffMinDuration(),
		BackoffMax:    s.BackoffMaxDuration(),
		BackoffFactor: s.BackoffFactor,
		Jitter:        s.Jitter,
		EventBuffer:   s.EventBuffer,
		Log:           a.Log.WithField("component", "sync"),
		Metrics:       a.Metrics,
	})
}

// Run starts one sync actor per account, or per listed account, and serves
// metrics when an address is configured. It returns once ctx is done and
// every actor has finished its cycle.
func (a *App) Run(ctx context.Context, accountIDs ...string) error {
	if len(accountIDs) == 0 {
		accts, err := a.Store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, acct := range accts {
			accountIDs = append(accountIDs, acct.ID)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	sup := brokersync.NewSupervisor(gctx, a.NewActor)
	for _, id := range accountIDs {
		actor, err := sup.Start(id)
		if err != nil {
			return errors.Join(err, sup.Shutdown(context.Background()))
		}
		group.Go(func() error {
			for ev := range actor.Events() {
				a.Log.WithFields(logrus.Fields{
					"account": ev.AccountID,
					"order":   ev.OrderID,
					"event":   ev.Kind,
				}).Info("broker event")
			}
			return nil
		})
	}
	a.Log.WithField("accounts", len(accountIDs)).Info("sync running")

	if addr := a.Config.Metrics.Addr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.mux(), ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			a.Log.WithField("addr", addr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		return sup.Shutdown(context.Background())
	})
	return group.Wait()
}

func (a *App) mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Close saves the paper venue, when it is kept, and releases the ledger and
// log file.
func (a *App) Close() error {
	var saveErr error
	if a.venueState != "" {
		saveErr = a.Venue.SaveFile(a.venueState)
	}
	return errors.Join(saveErr, a.Store.Close(), a.logCloser.Close())
}
