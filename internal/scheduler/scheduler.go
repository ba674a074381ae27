// Package scheduler implements the per-account Scheduler (§4.L): a
// polling loop with single-flight discipline and AccountState persistence.
// Grounded on the teacher's internal/sync/service.go ticker-driven
// liveIndex loop, replacing its ad-hoc boolean single-flight guard with an
// explicit mutex per §9's design note.
package scheduler

import (
	"sync"
	"time"

	"github.com/eslider/maildeckd/internal/account"
	"github.com/eslider/maildeckd/internal/logging"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/syncops"
)

// ErrorFunc receives per-tick errors for the Supervisor to observe (§4.L:
// "Errors are surfaced to the Supervisor via a callback; the loop continues").
type ErrorFunc func(email string, err error)

// Scheduler drives one account's sync passes on a fixed interval.
type Scheduler struct {
	email       string
	allMailName string

	store   *account.Store
	runnerF func() (*syncops.Runner, func(), error) // constructs a fresh Runner + its closer for one pass
	onError ErrorFunc
	log     *logging.Logger

	mu      sync.Mutex // single-flight: held for the duration of one sync pass
	running bool
	ticker  *time.Ticker
	stop    chan struct{}
	done    chan struct{}
}

// Config supplies everything the Scheduler needs to run one account.
type Config struct {
	Email       string
	AllMailName string
	Store       *account.Store
	// RunnerFactory builds a Runner (and its connection-closer) for a
	// single pass; called once per tick so each pass gets its own IMAP
	// connection (§5 open question: not pooled).
	RunnerFactory func() (*syncops.Runner, func(), error)
	OnError       ErrorFunc
	Log           *logging.Logger
}

// New creates a Scheduler for one account.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		email:       cfg.Email,
		allMailName: cfg.AllMailName,
		store:       cfg.Store,
		runnerF:     cfg.RunnerFactory,
		onError:     cfg.OnError,
		log:         cfg.Log,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start loads last_uid, runs one sync pass immediately (incremental if
// last_uid>0, else full), then arms a periodic timer at
// poll_interval_seconds (§4.L).
func (s *Scheduler) Start() error {
	state, err := s.store.Load(s.email)
	if err != nil {
		return err
	}
	s.running = true

	interval := time.Duration(state.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Duration(model.DefaultPollIntervalSecs) * time.Second
	}
	s.ticker = time.NewTicker(interval)

	go s.loop()
	go s.tick() // run once immediately, per §4.L
	return nil
}

// Stop sets running=false and cancels the timer; any in-flight sync is
// allowed to complete (§4.L).
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	<-s.done
	s.ticker.Stop()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C:
			s.tick()
		}
	}
}

// tick performs one sync pass, holding mu for its duration: a single-flight
// guard — if a previous tick's pass is still running, this tick is
// skipped without queueing (§4.L).
func (s *Scheduler) tick() {
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()

	state, err := s.store.Load(s.email)
	if err != nil {
		s.surface(err)
		return
	}

	runner, closeRunner, err := s.runnerF()
	if err != nil {
		s.surface(err)
		s.markError(state, err)
		return
	}
	defer closeRunner()

	opts := syncops.Options{
		Email:         s.email,
		AllMailName:   s.allMailName,
		SyncDepthDays: state.SyncDepthDays,
	}

	var result syncops.Result
	if state.LastUID != nil && *state.LastUID > 0 {
		result, err = runner.IncrementalSync(opts, *state.LastUID)
	} else {
		result, err = runner.FullSync(opts)
	}
	if err != nil {
		s.surface(err)
		s.markError(state, err)
		return
	}

	now := time.Now().UTC()
	state.LastSync = &now
	if result.LastUID > 0 {
		lastUID := result.LastUID
		if state.LastUID == nil || lastUID > *state.LastUID {
			state.LastUID = &lastUID
		}
	}
	state.SyncStateValue = model.SyncStateIdle
	state.LastError = ""
	if err := s.store.Save(state); err != nil {
		s.surface(err)
	}
}

func (s *Scheduler) markError(state model.AccountState, err error) {
	state.SyncStateValue = model.SyncStateError
	state.LastError = err.Error()
	_ = s.store.Save(state)
}

func (s *Scheduler) surface(err error) {
	if s.log != nil {
		s.log.Error("scheduler %s: %v", s.email, err)
	}
	if s.onError != nil {
		s.onError(s.email, err)
	}
}
