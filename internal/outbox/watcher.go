package outbox

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eslider/maildeckd/internal/logging"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
	"github.com/eslider/maildeckd/internal/smtpsend"
)

// debounceWindow is the minimum size-stability window before a draft file
// is considered settled (§4.K, §9: "a contract, not an implementation
// detail").
const debounceWindow = 500 * time.Millisecond

// Watcher observes one account's outbox directory via fsnotify, debounces
// writes, and drives settled drafts through the state Machine.
type Watcher struct {
	email             string
	paths             *paths.Resolver
	machine           *Machine
	sender            *smtpsend.Sender
	reviewBeforeSend  bool
	log               *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingFile
	inFlight map[string]bool

	stop chan struct{}
	done chan struct{}
}

type pendingFile struct {
	lastSize int64
	timer    *time.Timer
}

// NewWatcher creates a Watcher for one account. reviewBeforeSend mirrors
// config.json's review_before_send (§4.J auto-promotion).
func NewWatcher(email string, resolver *paths.Resolver, sender *smtpsend.Sender, reviewBeforeSend bool, log *logging.Logger) *Watcher {
	return &Watcher{
		email:            email,
		paths:            resolver,
		machine:          New(resolver),
		sender:           sender,
		reviewBeforeSend: reviewBeforeSend,
		log:              log,
		pending:          make(map[string]*pendingFile),
		inFlight:         make(map[string]bool),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start creates the three draft directories if absent, runs the startup
// sweep (§4.K step 5), then watches for new events until Stop is called.
func (w *Watcher) Start() error {
	for _, dir := range []string{w.paths.OutboxDir(w.email), w.paths.SentDir(w.email), w.paths.FailedDir(w.email)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.paths.OutboxDir(w.email)); err != nil {
		watcher.Close()
		return err
	}

	w.sweep()

	go w.loop(watcher)
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) loop(watcher *fsnotify.Watcher) {
	defer close(w.done)
	defer watcher.Close()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.onEvent(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Error("outbox watcher %s: %v", w.email, err)
			}
		}
	}
}

// sweep enumerates existing outbox files and processes each as though a
// fresh event arrived, to recover after crashes (§4.K step 5).
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.paths.OutboxDir(w.email))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.onEvent(filepath.Join(w.paths.OutboxDir(w.email), e.Name()))
	}
}

// onEvent ignores .tmp files (step 1) and arms/re-arms the debounce timer
// for path until its size has been stable for debounceWindow.
func (w *Watcher) onEvent(path string) {
	if strings.HasSuffix(path, ".tmp") {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	pf, ok := w.pending[path]
	if !ok {
		pf = &pendingFile{}
		w.pending[path] = pf
	}
	if pf.timer != nil {
		pf.timer.Stop()
	}
	pf.lastSize = info.Size()

	pf.timer = time.AfterFunc(debounceWindow, func() {
		w.onSettled(path, info.Size())
	})
}

// onSettled runs the per-draft pipeline (§4.K steps 2-4) once a file's
// size has been stable for the debounce window. If the size changed again
// since arming, this is a stale timer and is dropped silently (a newer
// timer is already armed for the latest size).
func (w *Watcher) onSettled(path string, sizeAtArm int64) {
	w.mu.Lock()
	pf, ok := w.pending[path]
	if !ok || pf.lastSize != sizeAtArm {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	filename := filepath.Base(path)

	w.mu.Lock()
	if w.inFlight[filename] {
		w.mu.Unlock()
		return
	}
	w.inFlight[filename] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, filename)
		w.mu.Unlock()
	}()

	d, err := ParseDraft(path)
	if err != nil {
		if w.log != nil {
			w.log.Error("outbox %s: %v", filename, err)
		}
		return
	}

	if !w.reviewBeforeSend && d.Status == model.StatusPendingReview {
		d, err = w.machine.Transition(w.email, filename, model.StatusReadyToSend, Extra{})
		if err != nil {
			if w.log != nil {
				w.log.Error("outbox %s auto-promote: %v", filename, err)
			}
			return
		}
	}

	if d.Status != model.StatusReadyToSend {
		return
	}

	d, err = w.machine.Transition(w.email, filename, model.StatusSending, Extra{})
	if err != nil {
		if w.log != nil {
			w.log.Error("outbox %s -> sending: %v", filename, err)
		}
		return
	}

	result, sendErr := w.sender.Send(d)
	if sendErr != nil {
		now := time.Now().UTC()
		if _, err := w.machine.Transition(w.email, filename, model.StatusFailed, Extra{FailedAt: &now, Error: sendErr.Error()}); err != nil && w.log != nil {
			w.log.Error("outbox %s -> failed: %v", filename, err)
		}
		return
	}

	now := time.Now().UTC()
	if _, err := w.machine.Transition(w.email, filename, model.StatusSent, Extra{SentAt: &now, ProviderMessageID: result.ProviderMessageID}); err != nil && w.log != nil {
		w.log.Error("outbox %s -> sent: %v", filename, err)
	}
}
