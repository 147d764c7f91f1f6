package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const userColumns = `id, handle, user_rating, version, created_at`

// UserRepo implements store.UserRepository with sqlx.
type UserRepo struct {
	db      *sqlx.DB
	dialect Dialect
	clock   clock.Clock
}

// NewUserRepo returns a new UserRepo.
func NewUserRepo(db *sqlx.DB, d Dialect, clk clock.Clock) *UserRepo {
	return &UserRepo{db: db, dialect: d, clock: clk}
}

func (r *UserRepo) Create(ctx context.Context, u *store.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Version = 1
	u.CreatedAt = r.clock.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?)`),
		u.ID, u.Handle, u.UserRating, u.Version, u.CreatedAt,
	)
	if err != nil {
		if r.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("creating user %q: %w", u.Handle, store.ErrDuplicate)
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := r.db.GetContext(ctx, &u, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, notFound(err))
	}
	return &u, nil
}
