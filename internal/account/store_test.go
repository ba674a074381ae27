package account

import (
	"testing"

	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	r, err := paths.New(t.TempDir())
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	return NewStore(r)
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Load("me@gmail.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.SyncDepthDays != model.DefaultSyncDepthDays || st.PollIntervalSecs != model.DefaultPollIntervalSecs {
		t.Fatalf("expected defaults, got %+v", st)
	}
	if st.SyncStateValue != model.SyncStateIdle {
		t.Fatalf("expected idle sync_state, got %q", st.SyncStateValue)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	uid := uint64(103)
	state := model.AccountState{
		Email:            "me@gmail.com",
		LastUID:          &uid,
		SyncDepthDays:    30,
		PollIntervalSecs: 60,
		SyncStateValue:   model.SyncStateIdle,
	}
	if err := s.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("me@gmail.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastUID == nil || *got.LastUID != 103 {
		t.Fatalf("expected last_uid 103, got %+v", got.LastUID)
	}
}
