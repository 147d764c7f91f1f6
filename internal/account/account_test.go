package account_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctionhouse/internal/account"
	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/event"
	"github.com/jensholdgaard/auctionhouse/internal/event/eventtest"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

var testTP = noop.NewTracerProvider()

// mockUserRepo implements store.UserRepository for testing.
type mockUserRepo struct {
	users map[string]*store.User
	err   error
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*store.User)}
}

func (m *mockUserRepo) Create(_ context.Context, u *store.User) error {
	if m.err != nil {
		return m.err
	}
	for _, existing := range m.users {
		if existing.Handle == u.Handle {
			return fmt.Errorf("creating user %q: %w", u.Handle, store.ErrDuplicate)
		}
	}
	u.ID = "test-id-" + u.Handle
	u.Version = 1
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (*store.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("getting user %s: %w", id, store.ErrNotFound)
	}
	return u, nil
}

func newManager(repo *mockUserRepo, events event.Publisher) *account.Manager {
	clk := &clock.Mock{T: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return account.NewManager(repo, nil, nil, events, slog.Default(), testTP, clk)
}

func TestManager_RegisterUser(t *testing.T) {
	tests := []struct {
		name       string
		handle     string
		wantHandle string
		wantErr    error
	}{
		{name: "simple", handle: "ann", wantHandle: "ann"},
		{name: "trimmed", handle: "  bob  ", wantHandle: "bob"},
		{name: "single character", handle: "x", wantHandle: "x"},
		{name: "max length", handle: strings.Repeat("a", 24), wantHandle: strings.Repeat("a", 24)},
		{name: "multibyte counts runes", handle: strings.Repeat("é", 24), wantHandle: strings.Repeat("é", 24)},
		{name: "empty", handle: "", wantErr: account.ErrInvalidHandle},
		{name: "blank", handle: "   ", wantErr: account.ErrInvalidHandle},
		{name: "too long", handle: strings.Repeat("a", 25), wantErr: account.ErrInvalidHandle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &eventtest.Recorder{}
			mgr := newManager(newMockUserRepo(), rec)

			u, err := mgr.RegisterUser(context.Background(), tt.handle)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("RegisterUser() error = %v, want %v", err, tt.wantErr)
				}
				if len(rec.Events()) != 0 {
					t.Errorf("events = %d, want 0", len(rec.Events()))
				}
				return
			}
			if err != nil {
				t.Fatalf("RegisterUser() error = %v", err)
			}
			if u.Handle != tt.wantHandle {
				t.Errorf("handle = %q, want %q", u.Handle, tt.wantHandle)
			}
			if u.UserRating.Valid {
				t.Errorf("new user has rating %v, want null", u.UserRating.Decimal)
			}
			if got := rec.OfType(event.UserRegistered); len(got) != 1 || got[0].AggregateID != u.ID {
				t.Errorf("user.registered events = %+v", got)
			}
		})
	}
}

func TestManager_RegisterUser_HandleTaken(t *testing.T) {
	mgr := newManager(newMockUserRepo(), event.Nop{})
	ctx := context.Background()

	if _, err := mgr.RegisterUser(ctx, "ann"); err != nil {
		t.Fatalf("first RegisterUser() error = %v", err)
	}
	if _, err := mgr.RegisterUser(ctx, " ann "); !errors.Is(err, account.ErrHandleTaken) {
		t.Errorf("duplicate RegisterUser() error = %v, want ErrHandleTaken", err)
	}
}

func TestManager_RegisterUser_RepoError(t *testing.T) {
	repo := newMockUserRepo()
	repo.err = errors.New("db down")
	mgr := newManager(repo, event.Nop{})

	_, err := mgr.RegisterUser(context.Background(), "ann")
	if err == nil || errors.Is(err, account.ErrHandleTaken) {
		t.Errorf("RegisterUser() error = %v, want wrapped db error", err)
	}
}

func TestManager_RegisterUser_PublishFailure(t *testing.T) {
	mgr := newManager(newMockUserRepo(), &eventtest.Recorder{Err: errors.New("broker down")})

	if _, err := mgr.RegisterUser(context.Background(), "ann"); err != nil {
		t.Errorf("RegisterUser() error = %v, want nil when publishing fails", err)
	}
}

func TestManager_GetUser(t *testing.T) {
	repo := newMockUserRepo()
	mgr := newManager(repo, event.Nop{})
	ctx := context.Background()

	u, err := mgr.RegisterUser(ctx, "ann")
	if err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}
	got, err := mgr.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Handle != "ann" {
		t.Errorf("handle = %q, want ann", got.Handle)
	}
	if _, err := mgr.GetUser(ctx, "missing"); !errors.Is(err, account.ErrUserNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{account.ErrInvalidHandle, "invalid_handle"},
		{fmt.Errorf("wrapped: %w", account.ErrHandleTaken), "handle_taken"},
		{account.ErrUserNotFound, "user_not_found"},
		{account.ErrItemNotFound, "item_not_found"},
		{fmt.Errorf("toggle: %w", account.ErrOwnItem), "own_item"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := account.Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
