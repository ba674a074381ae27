// maildeckd mirrors a user's remote mailbox onto the local filesystem as a
// human- and machine-readable corpus, and ships outbox drafts through the
// provider. The filesystem layout is the API surface (§6); this binary is
// the daemon CLI that drives it.
//
// Usage:
//
//	mails start [--account EMAIL]
//	mails stop
//	mails status
//	mails sync [--account EMAIL] [--days N] [--max N] [--full] [--unread] [--dry-run]
//	mails version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/eslider/maildeckd/internal/account"
	"github.com/eslider/maildeckd/internal/config"
	"github.com/eslider/maildeckd/internal/daemon"
	"github.com/eslider/maildeckd/internal/imapclient"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
	"github.com/eslider/maildeckd/internal/smtpsend"
	"github.com/eslider/maildeckd/internal/storage"
	"github.com/eslider/maildeckd/internal/syncops"
	"github.com/eslider/maildeckd/internal/syncops/gmailapi"
)

var version = "1.0.0-dev"

// defaultIMAPPort is Gmail's IMAP-over-TLS port (§6); used when an
// account's AccountState doesn't override Host/Port.
const (
	defaultIMAPHost = "imap.gmail.com"
	defaultIMAPPort = 993
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var result map[string]any
	var err error

	switch os.Args[1] {
	case "start":
		result, err = runStart(os.Args[2:])
	case "stop":
		result, err = runStop(os.Args[2:])
	case "status":
		result, err = runStatus(os.Args[2:])
	case "sync":
		result, err = runSync(os.Args[2:])
	case "version":
		fmt.Printf("mails %s\n", version)
		return
	default:
		printUsage()
		os.Exit(1)
	}

	emitResult(result, err)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: mails <command>

Commands:
  start       Start the daemon for configured accounts
  stop        Stop a running daemon
  status      Report daemon and per-account sync state
  sync        Run one sync pass in the foreground
  version     Print version information

Environment:
  HOME               used to resolve the default base directory ($HOME/.maildeck)
  MAILDECKD_BASE_DIR  override the base directory
  MAILDECKD_FOREGROUND  "1" to also mirror log output to stderr`)
}

// emitResult writes the single JSON line every invocation produces on
// stdout (§6) and sets the process exit code from ok/not-ok.
func emitResult(result map[string]any, err error) {
	if result == nil {
		result = map[string]any{}
	}
	if err != nil {
		result["ok"] = false
		result["error"] = err.Error()
	} else {
		result["ok"] = true
	}

	line, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		fmt.Println(`{"ok":false,"error":"failed to marshal result"}`)
		os.Exit(1)
	}
	fmt.Println(string(line))
	if err != nil {
		os.Exit(1)
	}
}

func baseDir() string {
	return os.Getenv("MAILDECKD_BASE_DIR")
}

// resolveCredentials builds an IMAP/SMTP credential set for email from its
// persisted AccountState (§6: "Auth is username + application-password via
// the supplying credential provider" — the provider itself, e.g. an OS
// keychain, is an external collaborator per §1; here it is whatever wrote
// account.json's password field).
func resolveCredentials(store *account.Store) daemon.CredentialsFunc {
	return func(email string) (daemon.Credentials, error) {
		state, err := store.Load(email)
		if err != nil {
			return daemon.Credentials{}, err
		}
		if state.Password == "" {
			return daemon.Credentials{}, fmt.Errorf("no credentials configured for %s", email)
		}
		host := state.Host
		if host == "" {
			host = defaultIMAPHost
		}
		port := state.Port
		if port == 0 {
			port = defaultIMAPPort
		}
		return daemon.Credentials{
			IMAPAddr: fmt.Sprintf("%s:%d", host, port),
			SMTPAddr: smtpsend.DefaultAddr,
			Username: email,
			Password: state.Password,
		}, nil
	}
}

func runStart(args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	acct := fs.String("account", "", "restrict to a single account")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	store := account.NewStore(mustResolver())
	sup, err := daemon.New(baseDir(), resolveCredentials(store))
	if err != nil {
		return nil, err
	}
	if err := sup.Start(*acct); err != nil {
		return nil, err
	}

	// Foreground: block until SIGINT/SIGTERM, then stop everything in an
	// orderly fashion (§4.M). "ok" is printed once startup has completed,
	// before the block, so callers know the daemon is up.
	fmt.Println(`{"ok":true,"status":"started"}`)
	sup.Run()
	os.Exit(0)
	return nil, nil
}

func runStop(args []string) (map[string]any, error) {
	resolver, err := paths.New(baseDir())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolver.PIDFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no running daemon (pid file not found)")
		}
		return nil, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed pid file: %w", err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return nil, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return map[string]any{"status": "stopping", "pid": pid}, nil
}

func runStatus(args []string) (map[string]any, error) {
	resolver, err := paths.New(baseDir())
	if err != nil {
		return nil, err
	}

	running := false
	var pid int
	if data, err := os.ReadFile(resolver.PIDFile()); err == nil {
		if p, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			pid = p
			if proc, ferr := os.FindProcess(p); ferr == nil && proc.Signal(syscall.Signal(0)) == nil {
				running = true
			}
		}
	}

	cfg, err := config.Load(resolver.ConfigFile())
	if err != nil {
		return nil, err
	}

	store := account.NewStore(resolver)
	accounts := make([]map[string]any, 0, len(cfg.Accounts))
	for _, email := range cfg.Accounts {
		state, err := store.Load(email)
		if err != nil {
			accounts = append(accounts, map[string]any{"email": email, "error": err.Error()})
			continue
		}
		entry := map[string]any{
			"email":      email,
			"sync_state": state.SyncStateValue,
			"last_sync":  state.LastSync,
			"last_uid":   state.LastUID,
			"last_error": state.LastError,
		}
		accounts = append(accounts, entry)
	}

	return map[string]any{
		"running":  running,
		"pid":      pid,
		"accounts": accounts,
	}, nil
}

// runSync performs a single foreground sync pass for one account, outside
// the Scheduler's polling loop (§4.I: "unread-only sync ... used by
// foreground commands"; the same entry point also supports an ad hoc full
// or incremental pass on demand).
func runSync(args []string) (map[string]any, error) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	acctFlag := fs.String("account", "", "account email (required unless config.json names exactly one)")
	days := fs.Int("days", 0, "override sync_depth_days for this pass")
	max := fs.Int("max", 0, "cap the number of messages fetched")
	full := fs.Bool("full", false, "force a full sync regardless of last_uid")
	unread := fs.Bool("unread", false, "unread-only sync; does not advance last_uid")
	dryRun := fs.Bool("dry-run", false, "fetch, parse and group but write nothing; prints the mode and number of threads that would be written")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	resolver, err := paths.New(baseDir())
	if err != nil {
		return nil, err
	}

	email := *acctFlag
	if email == "" {
		cfg, err := config.Load(resolver.ConfigFile())
		if err != nil {
			return nil, err
		}
		if len(cfg.Accounts) != 1 {
			return nil, fmt.Errorf("--account is required (config.json has %d accounts)", len(cfg.Accounts))
		}
		email = cfg.Accounts[0]
	}

	store := account.NewStore(resolver)
	state, err := store.Load(email)
	if err != nil {
		return nil, err
	}

	passArgs := syncPassArgs{email: email, days: *days, max: *max, full: *full, unread: *unread, dryRun: *dryRun}

	if state.Mode == "gmail_api" {
		return runSyncGmailAPI(resolver, store, state, passArgs)
	}
	return runSyncIMAP(resolver, store, state, passArgs)
}

// syncPassArgs is the parsed, mode-independent half of the `sync` command's
// flags (§4.I/§6).
type syncPassArgs struct {
	email  string
	days   int
	max    int
	full   bool
	unread bool
	dryRun bool
}

// runSyncIMAP performs one IMAP-path sync pass (§4.I's primary, spec-named
// transport).
func runSyncIMAP(resolver *paths.Resolver, store *account.Store, state model.AccountState, a syncPassArgs) (map[string]any, error) {
	creds, err := resolveCredentials(store)(a.email)
	if err != nil {
		return nil, err
	}

	imapClient, err := imapclient.Dial(creds.IMAPAddr, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	defer imapClient.Disconnect()

	depthDays := state.SyncDepthDays
	if a.days > 0 {
		depthDays = a.days
	}
	opts := syncops.Options{
		Email:         a.email,
		SyncDepthDays: depthDays,
		Max:           a.max,
		DryRun:        a.dryRun,
	}

	runner := syncops.NewRunner(imapClient, storage.New(resolver), nil)

	var result syncops.Result
	var mode string
	switch {
	case a.unread:
		mode = "unread"
		result, err = runner.UnreadSync(opts)
	case a.full:
		mode = "full"
		result, err = runner.FullSync(opts)
	case state.LastUID != nil && *state.LastUID > 0:
		mode = "incremental"
		result, err = runner.IncrementalSync(opts, *state.LastUID)
	default:
		mode = "full"
		result, err = runner.FullSync(opts)
	}
	if err != nil {
		if a.dryRun {
			return nil, fmt.Errorf("%s sync: %w", mode, err)
		}
		state.SyncStateValue = model.SyncStateError
		state.LastError = err.Error()
		_ = store.Save(state)
		return nil, fmt.Errorf("%s sync: %w", mode, err)
	}

	if a.dryRun {
		return map[string]any{
			"mode":            mode,
			"dry_run":         true,
			"threads_touched": result.ThreadsTouched,
			"last_uid":        result.LastUID,
		}, nil
	}

	if mode != "unread" {
		now := time.Now().UTC()
		state.LastSync = &now
		if result.LastUID > 0 && (state.LastUID == nil || result.LastUID > *state.LastUID) {
			lastUID := result.LastUID
			state.LastUID = &lastUID
		}
	}
	state.SyncStateValue = model.SyncStateIdle
	state.LastError = ""
	if err := store.Save(state); err != nil {
		return nil, err
	}

	return map[string]any{
		"mode":            mode,
		"threads_touched": result.ThreadsTouched,
		"last_uid":        result.LastUID,
	}, nil
}

// runSyncGmailAPI performs one sync pass over the optional Gmail HTTP API
// path (SPEC_FULL "SUPPLEMENTED FEATURES"), using history_id instead of
// last_uid as its progress marker (§9).
func runSyncGmailAPI(resolver *paths.Resolver, store *account.Store, state model.AccountState, a syncPassArgs) (map[string]any, error) {
	if state.RefreshToken == "" {
		return nil, fmt.Errorf("no Gmail API refresh token configured for %s", a.email)
	}

	ctx := context.Background()
	client, err := gmailapi.Dial(ctx, gmailapi.Credentials{
		ClientID:     state.ClientID,
		ClientSecret: state.ClientSecret,
		RefreshToken: state.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("gmail api dial: %w", err)
	}

	depthDays := state.SyncDepthDays
	if a.days > 0 {
		depthDays = a.days
	}
	opts := gmailapi.Options{
		Email:         a.email,
		SyncDepthDays: depthDays,
		Max:           a.max,
		DryRun:        a.dryRun,
	}

	runner := gmailapi.NewRunner(client, storage.New(resolver), nil)

	var result gmailapi.Result
	var mode string
	switch {
	case a.unread:
		mode = "unread"
		result, err = runner.UnreadSync(opts)
	case a.full:
		mode = "full"
		result, err = runner.FullSync(opts)
	case state.HistoryID != "":
		mode = "incremental"
		var historyID uint64
		historyID, err = strconv.ParseUint(state.HistoryID, 10, 64)
		if err == nil {
			result, err = runner.IncrementalSync(opts, historyID)
		}
	default:
		mode = "full"
		result, err = runner.FullSync(opts)
	}
	if err != nil {
		if a.dryRun {
			return nil, fmt.Errorf("%s sync: %w", mode, err)
		}
		state.SyncStateValue = model.SyncStateError
		state.LastError = err.Error()
		_ = store.Save(state)
		return nil, fmt.Errorf("%s sync: %w", mode, err)
	}

	if a.dryRun {
		return map[string]any{
			"mode":            mode,
			"dry_run":         true,
			"threads_touched": result.ThreadsTouched,
			"history_id":      state.HistoryID,
		}, nil
	}

	if mode != "unread" {
		now := time.Now().UTC()
		state.LastSync = &now
		if result.HistoryID > 0 {
			state.HistoryID = strconv.FormatUint(result.HistoryID, 10)
		}
	}
	state.SyncStateValue = model.SyncStateIdle
	state.LastError = ""
	if err := store.Save(state); err != nil {
		return nil, err
	}

	return map[string]any{
		"mode":            mode,
		"threads_touched": result.ThreadsTouched,
		"history_id":      state.HistoryID,
	}, nil
}

func mustResolver() *paths.Resolver {
	resolver, err := paths.New(baseDir())
	if err != nil {
		panic(err)
	}
	return resolver
}
