package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const reviewColumns = `id, author_id, seller_id, service, product, packaging, shipping, overall,
	rating, comment, created_at, updated_at`

// ReviewRepo implements store.ReviewRepository with sqlx.
type ReviewRepo struct {
	db      *sqlx.DB
	dialect Dialect
	clock   clock.Clock
}

// NewReviewRepo returns a new ReviewRepo.
func NewReviewRepo(db *sqlx.DB, d Dialect, clk clock.Clock) *ReviewRepo {
	return &ReviewRepo{db: db, dialect: d, clock: clk}
}

func (r *ReviewRepo) GetByID(ctx context.Context, id string) (*store.Review, error) {
	var rv store.Review
	err := r.db.GetContext(ctx, &rv, r.db.Rebind(`SELECT `+reviewColumns+` FROM reviews WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("getting review %s: %w", id, notFound(err))
	}
	return &rv, nil
}

func (r *ReviewRepo) GetByAuthorAndSeller(ctx context.Context, authorID, sellerID string) (*store.Review, error) {
	var rv store.Review
	err := r.db.GetContext(ctx, &rv, r.db.Rebind(
		`SELECT `+reviewColumns+` FROM reviews WHERE author_id = ? AND seller_id = ?`), authorID, sellerID)
	if err != nil {
		return nil, fmt.Errorf("getting review by author: %w", notFound(err))
	}
	return &rv, nil
}

func (r *ReviewRepo) ListBySeller(ctx context.Context, sellerID string) ([]store.Review, error) {
	var reviews []store.Review
	err := r.db.SelectContext(ctx, &reviews, r.db.Rebind(
		`SELECT `+reviewColumns+` FROM reviews WHERE seller_id = ? ORDER BY created_at DESC`), sellerID)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	return reviews, nil
}

func (r *ReviewRepo) Create(ctx context.Context, rv *store.Review, rate store.RatingFunc) (decimal.Decimal, error) {
	if rv.ID == "" {
		rv.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	rv.CreatedAt = now
	rv.UpdatedAt = now

	var sellerRating decimal.Decimal
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO reviews (`+reviewColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rv.ID, rv.AuthorID, rv.SellerID, rv.Service, rv.Product, rv.Packaging, rv.Shipping, rv.Overall,
			rv.Rating, rv.Comment, rv.CreatedAt, rv.UpdatedAt,
		)
		if err != nil {
			if r.dialect.IsUniqueViolation(err) {
				return fmt.Errorf("creating review: %w", store.ErrDuplicate)
			}
			return fmt.Errorf("creating review: %w", err)
		}
		sellerRating, err = recomputeSeller(ctx, tx, rv.SellerID, rate)
		return err
	})
	return sellerRating, err
}

func (r *ReviewRepo) Update(ctx context.Context, rv *store.Review, rate store.RatingFunc) (decimal.Decimal, error) {
	now := r.clock.Now().UTC()

	var sellerRating decimal.Decimal
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE reviews SET service = ?, product = ?, packaging = ?, shipping = ?, overall = ?,
			        rating = ?, comment = ?, updated_at = ?
			 WHERE id = ?`),
			rv.Service, rv.Product, rv.Packaging, rv.Shipping, rv.Overall, rv.Rating, rv.Comment, now, rv.ID,
		)
		if err != nil {
			return fmt.Errorf("updating review: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("updating review %s: %w", rv.ID, store.ErrNotFound)
		}
		sellerRating, err = recomputeSeller(ctx, tx, rv.SellerID, rate)
		return err
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	rv.UpdatedAt = now
	return sellerRating, nil
}

func (r *ReviewRepo) Delete(ctx context.Context, id string, rate store.RatingFunc) (decimal.Decimal, error) {
	var sellerRating decimal.Decimal
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var sellerID string
		if err := tx.GetContext(ctx, &sellerID, tx.Rebind(`SELECT seller_id FROM reviews WHERE id = ?`), id); err != nil {
			return fmt.Errorf("loading review %s: %w", id, notFound(err))
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM reviews WHERE id = ?`), id); err != nil {
			return fmt.Errorf("deleting review: %w", err)
		}
		var err error
		sellerRating, err = recomputeSeller(ctx, tx, sellerID, rate)
		return err
	})
	return sellerRating, err
}

// recomputeSeller folds the seller's remaining review ratings with rate and
// writes the result with a compare-and-set on the seller's version.
func recomputeSeller(ctx context.Context, tx *sqlx.Tx, sellerID string, rate store.RatingFunc) (decimal.Decimal, error) {
	var version int64
	if err := tx.GetContext(ctx, &version, tx.Rebind(`SELECT version FROM users WHERE id = ?`), sellerID); err != nil {
		return decimal.Decimal{}, fmt.Errorf("loading seller %s: %w", sellerID, notFound(err))
	}

	var ratings []decimal.Decimal
	if err := tx.SelectContext(ctx, &ratings, tx.Rebind(
		`SELECT rating FROM reviews WHERE seller_id = ? ORDER BY created_at ASC`), sellerID); err != nil {
		return decimal.Decimal{}, fmt.Errorf("loading seller ratings: %w", err)
	}

	rating := rate(ratings)
	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE users SET user_rating = ?, version = version + 1 WHERE id = ? AND version = ?`),
		rating, sellerID, version,
	)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("updating seller rating: %w", err)
	}
	if err := expectOne(res); err != nil {
		return decimal.Decimal{}, fmt.Errorf("updating seller %s rating: %w", sellerID, err)
	}
	return rating, nil
}
