package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// FavoriteRepo implements store.FavoriteRepository with sqlx.
type FavoriteRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewFavoriteRepo returns a new FavoriteRepo.
func NewFavoriteRepo(db *sqlx.DB, clk clock.Clock) *FavoriteRepo {
	return &FavoriteRepo{db: db, clock: clk}
}

func (r *FavoriteRepo) Toggle(ctx context.Context, userID, itemID string) (bool, error) {
	var favorited bool
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM favorites WHERE user_id = ? AND item_id = ?`), userID, itemID)
		if err != nil {
			return fmt.Errorf("removing favorite: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		if n > 0 {
			favorited = false
			return nil
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO favorites (user_id, item_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (user_id, item_id) DO NOTHING`),
			userID, itemID, r.clock.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("adding favorite: %w", err)
		}
		favorited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return favorited, nil
}

func (r *FavoriteRepo) ListByUser(ctx context.Context, userID string) ([]store.Favorite, error) {
	favs := []store.Favorite{}
	err := r.db.SelectContext(ctx, &favs, r.db.Rebind(
		`SELECT user_id, item_id, created_at FROM favorites
		 WHERE user_id = ? ORDER BY created_at DESC, item_id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("listing favorites: %w", err)
	}
	return favs, nil
}
