package leveling

import (
	"context"
	"strings"

	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/sirupsen/logrus"
)

// ManualRequest is an operator override of an account's level.
type ManualRequest struct {
	AccountID string
	Target    int
	// Status defaults to normal.
	Status  model.AccountStatus
	Reason  string
	Trigger string
	Keyword string
}

// ApplyManual moves the account to req.Target. The keyword is checked before
// anything else; a request for the level the account is already at is
// ErrSameLevel unless it repeats the last change within the idempotency
// window, in which case that change is returned.
func (e *Engine) ApplyManual(ctx context.Context, req ManualRequest) (model.LevelChangeEvent, error) {
	if !e.gate.Authorize(req.Keyword) {
		e.log.WithField("account", req.AccountID).Warn("manual level change refused")
		return model.LevelChangeEvent{}, model.Errorf(model.ErrUnauthorized, "protected keyword rejected")
	}
	if !model.ValidLevel(req.Target) {
		return model.LevelChangeEvent{}, model.Errorf(model.ErrLevelOutOfRange,
			"level %d outside %d..%d", req.Target, model.MinLevel, model.MaxLevel)
	}
	trigger, err := NormalizeTrigger(req.Trigger)
	if err != nil {
		return model.LevelChangeEvent{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return model.LevelChangeEvent{}, model.Errorf(model.ErrInvalidInput, "reason is required")
	}
	status := req.Status
	if status == "" {
		status = model.StatusNormal
	}
	if !status.Valid() {
		return model.LevelChangeEvent{}, model.Errorf(model.ErrInvalidInput, "unknown status %q", status)
	}

	ctx, release, err := e.locks.Acquire(ctx, req.AccountID)
	if err != nil {
		return model.LevelChangeEvent{}, err
	}
	defer release()

	var (
		ev     model.LevelChangeEvent
		repeat bool
	)
	err = e.store.WithSavepoint(ctx, "level_manual", func(tx ledger.Tx) error {
		acct, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		now := e.now()
		if acct.Level == req.Target {
			hist, err := tx.LevelHistory(ctx, acct.ID)
			if err != nil {
				return err
			}
			if n := len(hist); n > 0 {
				last := hist[n-1]
				if last.Actor == model.ActorManual && last.NewLevel == req.Target &&
					last.Trigger == trigger && last.Reason == reason &&
					now.Sub(last.CreatedAt) <= e.idem {
					ev, repeat = last, true
					return nil
				}
			}
			return model.Errorf(model.ErrSameLevel, "account %s already at level %d", acct.ID, acct.Level)
		}
		ev, err = e.apply(ctx, tx, acct, change{
			level:   req.Target,
			status:  status,
			trigger: trigger,
			reason:  reason,
			actor:   model.ActorManual,
		}, now)
		return err
	})
	if err != nil {
		return model.LevelChangeEvent{}, err
	}

	log := e.log.WithFields(logrus.Fields{"account": req.AccountID, "level": ev.NewLevel, "trigger": ev.Trigger})
	if repeat {
		log.Debug("manual level change repeated; returning previous event")
		return ev, nil
	}
	e.metrics.LevelChanged(req.AccountID, string(model.ActorManual), ev.NewLevel)
	log.WithField("from", ev.PreviousLevel).Info("risk level set manually")
	return ev, nil
}
