// Package daemon implements the Daemon Supervisor (§4.M): config load, PID
// file exclusivity, per-account Scheduler+Watcher lifecycle, and
// signal-driven shutdown. Grounded on the teacher's cmd/mails/main.go
// top-level wiring (config load, start sync service), extended with the
// PID-file exclusivity and signal handling the teacher's single-process
// web server never needed.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/eslider/maildeckd/internal/account"
	"github.com/eslider/maildeckd/internal/config"
	"github.com/eslider/maildeckd/internal/imapclient"
	"github.com/eslider/maildeckd/internal/logging"
	"github.com/eslider/maildeckd/internal/outbox"
	"github.com/eslider/maildeckd/internal/paths"
	"github.com/eslider/maildeckd/internal/scheduler"
	"github.com/eslider/maildeckd/internal/smtpsend"
	"github.com/eslider/maildeckd/internal/storage"
	"github.com/eslider/maildeckd/internal/syncops"
)

// Credentials supplies the IMAP/SMTP auth for one account. The setup CLI
// and keychain storage are external collaborators (§1); the Supervisor
// only consumes whatever resolves these, via CredentialsFunc.
type Credentials struct {
	IMAPAddr string
	SMTPAddr string
	Username string
	Password string
}

// CredentialsFunc resolves an account's credentials at Scheduler start.
type CredentialsFunc func(email string) (Credentials, error)

// Supervisor owns every per-account Scheduler and Watcher for one BASE
// directory (§4.M).
type Supervisor struct {
	paths       *paths.Resolver
	log         *logging.Logger
	credentials CredentialsFunc

	accountStore *account.Store
	schedulers   map[string]*scheduler.Scheduler
	watchers     map[string]*outbox.Watcher
}

// New creates a Supervisor rooted at base ("" uses $HOME/.maildeck).
func New(base string, credentials CredentialsFunc) (*Supervisor, error) {
	resolver, err := paths.New(base)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(resolver.LogFile(), isForeground())
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		paths:        resolver,
		log:          log,
		credentials:  credentials,
		accountStore: account.NewStore(resolver),
		schedulers:   make(map[string]*scheduler.Scheduler),
		watchers:     make(map[string]*outbox.Watcher),
	}, nil
}

func isForeground() bool {
	return os.Getenv("MAILDECKD_FOREGROUND") == "1"
}

// Start writes the PID file (refusing if a live PID already holds it),
// loads config.json, and starts a Scheduler and Watcher per configured
// account (§4.M). onlyAccount restricts this to a single account ("" = all).
func (s *Supervisor) Start(onlyAccount string) error {
	if err := s.acquirePIDFile(); err != nil {
		return err
	}

	cfg, err := config.Load(s.paths.ConfigFile())
	if err != nil {
		s.releasePIDFile()
		return err
	}

	for _, email := range cfg.Accounts {
		if onlyAccount != "" && email != onlyAccount {
			continue
		}
		if err := s.startAccount(email, cfg.ReviewBeforeSend); err != nil {
			s.log.Error("start account %s: %v", email, err)
			continue
		}
	}

	return nil
}

func (s *Supervisor) startAccount(email string, reviewBeforeSend bool) error {
	creds, err := s.credentials(email)
	if err != nil {
		return fmt.Errorf("resolve credentials for %s: %w", email, err)
	}

	storageWriter := storage.New(s.paths)
	sched := scheduler.New(scheduler.Config{
		Email: email,
		Store: s.accountStore,
		RunnerFactory: func() (*syncops.Runner, func(), error) {
			imapClient, err := imapclient.Dial(creds.IMAPAddr, creds.Username, creds.Password)
			if err != nil {
				return nil, func() {}, err
			}
			return syncops.NewRunner(imapClient, storageWriter, s.log), func() { imapClient.Disconnect() }, nil
		},
		Log: s.log,
	})
	if err := sched.Start(); err != nil {
		return err
	}
	s.schedulers[email] = sched

	sender := smtpsend.New(creds.SMTPAddr, creds.Username, creds.Password)
	watcher := outbox.NewWatcher(email, s.paths, sender, reviewBeforeSend, s.log)
	if err := watcher.Start(); err != nil {
		sched.Stop()
		delete(s.schedulers, email)
		return err
	}
	s.watchers[email] = watcher

	return nil
}

// Stop performs an orderly stop() of every scheduler and watcher, then
// deletes the PID file (§4.M).
func (s *Supervisor) Stop() {
	for email, sched := range s.schedulers {
		sched.Stop()
		delete(s.schedulers, email)
	}
	for email, w := range s.watchers {
		w.Stop()
		delete(s.watchers, email)
	}
	s.releasePIDFile()
}

// Run installs SIGINT/SIGTERM handlers and blocks until one arrives, then
// performs an orderly Stop (§4.M).
func (s *Supervisor) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	s.Stop()
}

func (s *Supervisor) acquirePIDFile() error {
	path := s.paths.PIDFile()
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && processAlive(pid) {
			return fmt.Errorf("daemon already running with pid %d", pid)
		}
	}
	if err := os.MkdirAll(s.paths.Base(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (s *Supervisor) releasePIDFile() {
	_ = os.Remove(s.paths.PIDFile())
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
