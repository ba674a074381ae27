package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eslider/maildeckd/internal/account"
	"github.com/eslider/maildeckd/internal/paths"
	"github.com/eslider/maildeckd/internal/syncops"
)

func newTestScheduler(t *testing.T, factory func() (*syncops.Runner, func(), error), onErr ErrorFunc) *Scheduler {
	t.Helper()
	r, err := paths.New(t.TempDir())
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	store := account.NewStore(r)
	return New(Config{
		Email:         "me@gmail.com",
		Store:         store,
		RunnerFactory: factory,
		OnError:       onErr,
	})
}

func TestTickMarksAccountErrorOnFactoryFailure(t *testing.T) {
	var gotErr error
	s := newTestScheduler(t, func() (*syncops.Runner, func(), error) {
		return nil, func() {}, errors.New("dial failed")
	}, func(email string, err error) { gotErr = err })

	s.tick()

	if gotErr == nil {
		t.Fatalf("expected error surfaced to callback")
	}
	state, err := s.store.Load("me@gmail.com")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.LastError == "" {
		t.Fatalf("expected last_error to be recorded")
	}
}

func TestTickSingleFlightSkipsConcurrentTick(t *testing.T) {
	var inFlight int32
	var calls int32
	release := make(chan struct{})

	s := newTestScheduler(t, func() (*syncops.Runner, func(), error) {
		atomic.AddInt32(&calls, 1)
		atomic.AddInt32(&inFlight, 1)
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil, func() {}, errors.New("stop before using nil runner")
	}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tick()
	}()

	time.Sleep(20 * time.Millisecond) // let the first tick acquire the lock
	s.tick()                         // should skip immediately: lock held

	close(release)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call to runner factory, got %d", calls)
	}
}
