package brokersync

import (
	"context"
	"sync"

	"github.com/rustyeddy/tradeguard/model"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs at most one Actor per account under an errgroup.
type Supervisor struct {
	newActor func(accountID string) *Actor

	mu     sync.Mutex
	actors map[string]*Actor
	group  *errgroup.Group
	ctx    context.Context
}

// NewSupervisor builds actors with newActor. Actors stop when ctx is done.
func NewSupervisor(ctx context.Context, newActor func(accountID string) *Actor) *Supervisor {
	g, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		newActor: newActor,
		actors:   make(map[string]*Actor),
		group:    g,
		ctx:      gctx,
	}
}

// Start launches the actor for an account. A second start while the first is
// alive is a conflict.
func (s *Supervisor) Start(accountID string) (*Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actors[accountID]; ok {
		return nil, model.Errorf(model.ErrActorRunning, "sync actor for %s is already running", accountID)
	}
	a := s.newActor(accountID)
	s.actors[accountID] = a
	s.group.Go(func() error {
		defer s.forget(accountID, a)
		return a.Run(s.ctx)
	})
	return a, nil
}

func (s *Supervisor) forget(accountID string, a *Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actors[accountID] == a {
		delete(s.actors, accountID)
	}
}

// Actor returns the running actor of an account.
func (s *Supervisor) Actor(accountID string) (*Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[accountID]
	return a, ok
}

// Running lists the accounts with a live actor.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	return ids
}

// Stop shuts one actor down and waits for it.
func (s *Supervisor) Stop(ctx context.Context, accountID string) error {
	a, ok := s.Actor(accountID)
	if !ok {
		return nil
	}
	return a.Shutdown(ctx)
}

// Shutdown stops every actor and waits for the group.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		if err := a.Shutdown(ctx); err != nil {
			return err
		}
	}
	return s.group.Wait()
}

// Wait blocks until every actor has exited.
func (s *Supervisor) Wait() error { return s.group.Wait() }
