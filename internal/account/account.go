// Package account registers marketplace users, serves their profiles and
// keeps their favorite items.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/event"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const maxHandleLen = 24

var (
	ErrInvalidHandle = errors.New("handle must be 1 to 24 characters")
	ErrHandleTaken   = errors.New("handle is already taken")
	ErrUserNotFound  = errors.New("user not found")
	ErrItemNotFound  = errors.New("item not found")
	ErrOwnItem       = errors.New("cannot favorite your own item")
)

// Manager handles user accounts.
type Manager struct {
	users     store.UserRepository
	items     store.ItemRepository
	favorites store.FavoriteRepository
	events    event.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     clock.Clock
}

// NewManager returns a new account Manager.
func NewManager(
	users store.UserRepository,
	items store.ItemRepository,
	favorites store.FavoriteRepository,
	events event.Publisher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
) *Manager {
	return &Manager{
		users:     users,
		items:     items,
		favorites: favorites,
		events:    events,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/account"),
		clock:     clk,
	}
}

// Profile is the public view of a user.
type Profile struct {
	User *store.User
	// ItemsSold counts the user's closed auctions that ended with a winner.
	ItemsSold int
}

// RegisterUser creates a user with a unique handle. The handle is stored
// trimmed and is what bid histories mask.
func (m *Manager) RegisterUser(ctx context.Context, handle string) (*store.User, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.RegisterUser",
		trace.WithAttributes(attribute.String("handle", handle)),
	)
	defer span.End()

	handle = strings.TrimSpace(handle)
	if n := utf8.RuneCountInString(handle); n == 0 || n > maxHandleLen {
		return nil, ErrInvalidHandle
	}

	u := &store.User{Handle: handle}
	if err := m.users.Create(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrHandleTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	e, err := event.New(u.ID, event.UserRegistered, u.Version, m.clock.Now(), event.UserRegisteredData{Handle: handle})
	if err == nil {
		err = m.events.Publish(ctx, e)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish user registered event", slog.Any("error", err))
	}

	m.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", u.ID),
		slog.String("handle", handle),
	)
	return u, nil
}

// GetUser returns a user by ID.
func (m *Manager) GetUser(ctx context.Context, id string) (*store.User, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetUser",
		trace.WithAttributes(attribute.String("user_id", id)),
	)
	defer span.End()

	return m.loadUser(ctx, id)
}

// GetProfile returns a user together with their selling record. Closure is
// evaluated against the clock, so an auction past its end time counts as sold
// even before settlement has run.
func (m *Manager) GetProfile(ctx context.Context, id string) (*Profile, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetProfile",
		trace.WithAttributes(attribute.String("user_id", id)),
	)
	defer span.End()

	u, err := m.loadUser(ctx, id)
	if err != nil {
		return nil, err
	}
	won, err := m.items.List(ctx, store.ItemFilter{OwnerID: id, WithWinner: true})
	if err != nil {
		return nil, fmt.Errorf("listing items sold: %w", err)
	}
	now := m.clock.Now()
	sold := 0
	for i := range won {
		if auction.IsClosed(&won[i], now) {
			sold++
		}
	}
	return &Profile{User: u, ItemsSold: sold}, nil
}

// ToggleFavorite adds itemID to the user's favorites, or removes it when it
// is already there, and reports whether it is a favorite afterwards. Users
// cannot favorite their own listings.
func (m *Manager) ToggleFavorite(ctx context.Context, userID, itemID string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ToggleFavorite",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("item_id", itemID),
		),
	)
	defer span.End()

	if _, err := m.loadUser(ctx, userID); err != nil {
		return false, err
	}
	it, err := m.items.GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrItemNotFound
		}
		return false, fmt.Errorf("loading item: %w", err)
	}
	if it.OwnerID == userID {
		return false, ErrOwnItem
	}

	favorited, err := m.favorites.Toggle(ctx, userID, itemID)
	if err != nil {
		return false, fmt.Errorf("toggling favorite: %w", err)
	}
	m.logger.InfoContext(ctx, "favorite toggled",
		slog.String("user_id", userID),
		slog.String("item_id", itemID),
		slog.Bool("favorited", favorited),
	)
	return favorited, nil
}

// Favorites returns the user's favorite items, newest first.
func (m *Manager) Favorites(ctx context.Context, userID string) ([]store.Favorite, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Favorites",
		trace.WithAttributes(attribute.String("user_id", userID)),
	)
	defer span.End()

	if _, err := m.loadUser(ctx, userID); err != nil {
		return nil, err
	}
	favs, err := m.favorites.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing favorites: %w", err)
	}
	return favs, nil
}

func (m *Manager) loadUser(ctx context.Context, id string) (*store.User, error) {
	u, err := m.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// Reason returns the stable machine readable code of an account error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidHandle):
		return "invalid_handle"
	case errors.Is(err, ErrHandleTaken):
		return "handle_taken"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, ErrOwnItem):
		return "own_item"
	}
	return "internal"
}
