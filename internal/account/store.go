// Package account persists each account's AccountState (§3) as
// accounts/<email>/account.json, the exclusive state owned by that
// account's Scheduler. Rewritten from the teacher's multi-user
// accounts.yml store into the single-tenant, one-JSON-file-per-account
// shape this spec names (§6) — this spec has no multi-user concept.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/eslider/maildeckd/internal/atomicfile"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
)

// Store loads and saves AccountState records, one writer per account at a
// time enforced by a per-email mutex (§5: "AccountState file: single writer").
type Store struct {
	paths *paths.Resolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at the given Resolver.
func NewStore(resolver *paths.Resolver) *Store {
	return &Store{paths: resolver, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(email string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[email]
	if !ok {
		l = &sync.Mutex{}
		s.locks[email] = l
	}
	return l
}

// Load reads accounts/<email>/account.json. A missing file returns a fresh
// AccountState with the spec's defaults (§3) rather than an error, so a
// newly-configured account can be started for the first time.
func (s *Store) Load(email string) (model.AccountState, error) {
	l := s.lockFor(email)
	l.Lock()
	defer l.Unlock()

	path := s.paths.AccountStateFile(email)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.AccountState{
				Email:            email,
				SyncDepthDays:    model.DefaultSyncDepthDays,
				PollIntervalSecs: model.DefaultPollIntervalSecs,
				SyncStateValue:   model.SyncStateIdle,
			}, nil
		}
		return model.AccountState{}, fmt.Errorf("read account state %s: %w", path, err)
	}

	var st model.AccountState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.AccountState{}, fmt.Errorf("parse account state %s: %w", path, err)
	}
	return st, nil
}

// Save writes state atomically (§5: serialized via lockFor for this
// account). I3's last_uid monotonicity is the caller's responsibility —
// this layer only persists whatever it's given.
func (s *Store) Save(state model.AccountState) error {
	l := s.lockFor(state.Email)
	l.Lock()
	defer l.Unlock()

	return atomicfile.WriteJSON(s.paths.AccountStateFile(state.Email), state)
}

// ReadSignature reads accounts/<email>/signature.txt if present, returning
// "" when absent (the file is optional, §6).
func (s *Store) ReadSignature(email string) (string, error) {
	data, err := os.ReadFile(s.paths.SignatureFile(email))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read signature for %s: %w", email, err)
	}
	return string(data), nil
}
