package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const itemColumns = `id, owner_id, name, description, initial_bid, current_bid, highest_bidder_id,
	start_time, end_time, bid_history, payment_confirmation, shipping_info,
	settlement_requested_at, version, created_at, updated_at`

const bidColumns = `id, item_id, bidder_id, amount, item_version, created_at`

// ItemRepo implements store.ItemRepository with sqlx.
type ItemRepo struct {
	db      *sqlx.DB
	dialect Dialect
	clock   clock.Clock
}

// NewItemRepo returns a new ItemRepo.
func NewItemRepo(db *sqlx.DB, d Dialect, clk clock.Clock) *ItemRepo {
	return &ItemRepo{db: db, dialect: d, clock: clk}
}

func (r *ItemRepo) Create(ctx context.Context, it *store.Item) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.BidHistory == nil {
		it.BidHistory = store.BidHistory{}
	}
	now := r.clock.Now().UTC()
	it.Version = 1
	it.CreatedAt = now
	it.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		it.ID, it.OwnerID, it.Name, it.Description, it.InitialBid, it.CurrentBid, it.HighestBidderID,
		it.StartTime.UTC(), it.EndTime.UTC(), it.BidHistory, it.PaymentConfirmation, it.ShippingInfo,
		it.SettlementRequestedAt, it.Version, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

func (r *ItemRepo) GetByID(ctx context.Context, id string) (*store.Item, error) {
	var it store.Item
	err := r.db.GetContext(ctx, &it, r.db.Rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("getting item %s: %w", id, notFound(err))
	}
	return &it, nil
}

func (r *ItemRepo) Update(ctx context.Context, it *store.Item) error {
	now := r.clock.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE items SET name = ?, description = ?, start_time = ?, end_time = ?,
		        updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND highest_bidder_id IS NULL`),
		it.Name, it.Description, it.StartTime.UTC(), it.EndTime.UTC(),
		now, it.ID, it.Version,
	)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("updating item %s: %w", it.ID, err)
	}
	it.Version++
	it.UpdatedAt = now
	return nil
}

func (r *ItemRepo) Delete(ctx context.Context, id string, version int64) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var bids int
		if err := tx.GetContext(ctx, &bids, tx.Rebind(`SELECT COUNT(*) FROM bids WHERE item_id = ?`), id); err != nil {
			return fmt.Errorf("counting bids: %w", err)
		}
		if bids > 0 {
			return fmt.Errorf("deleting item %s: %w", id, store.ErrHasBids)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM items WHERE id = ? AND version = ? AND highest_bidder_id IS NULL`), id, version)
		if err != nil {
			return fmt.Errorf("deleting item: %w", err)
		}
		if err := expectOne(res); err != nil {
			return fmt.Errorf("deleting item %s: %w", id, err)
		}
		return nil
	})
}

func (r *ItemRepo) PlaceBid(ctx context.Context, it *store.Item, b *store.Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE items SET current_bid = ?, highest_bidder_id = ?, bid_history = ?,
			        updated_at = ?, version = version + 1
			 WHERE id = ? AND version = ?`),
			it.CurrentBid, it.HighestBidderID, it.BidHistory, now, it.ID, it.Version,
		)
		if err != nil {
			return fmt.Errorf("advancing item: %w", err)
		}
		if err := expectOne(res); err != nil {
			return fmt.Errorf("advancing item %s: %w", it.ID, err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO bids (`+bidColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			b.ID, it.ID, b.BidderID, b.Amount, it.Version+1, now,
		)
		if err != nil {
			return fmt.Errorf("inserting bid: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	it.Version++
	it.UpdatedAt = now
	b.ItemID = it.ID
	b.ItemVersion = it.Version
	b.CreatedAt = now
	return nil
}

func (r *ItemRepo) List(ctx context.Context, f store.ItemFilter) ([]store.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE 1 = 1`
	var args []any
	if f.OwnerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.WithWinner {
		q += ` AND highest_bidder_id IS NOT NULL`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	items := []store.Item{}
	if err := r.db.SelectContext(ctx, &items, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

func (r *ItemRepo) ListBids(ctx context.Context, itemID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids, r.db.Rebind(
		`SELECT `+bidColumns+` FROM bids WHERE item_id = ? ORDER BY item_version DESC`), itemID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

func (r *ItemRepo) ListWonBy(ctx context.Context, sellerID, bidderID string) ([]store.Item, error) {
	var items []store.Item
	err := r.db.SelectContext(ctx, &items, r.db.Rebind(
		`SELECT `+itemColumns+` FROM items WHERE owner_id = ? AND highest_bidder_id = ? ORDER BY end_time ASC`),
		sellerID, bidderID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing items won: %w", err)
	}
	return items, nil
}

func (r *ItemRepo) ListAwaitingSettlement(ctx context.Context, limit int) ([]store.Item, error) {
	var items []store.Item
	err := r.db.SelectContext(ctx, &items, r.db.Rebind(
		`SELECT `+itemColumns+` FROM items
		 WHERE highest_bidder_id IS NOT NULL
		   AND payment_confirmation IS NULL
		   AND settlement_requested_at IS NULL
		 ORDER BY end_time ASC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing items awaiting settlement: %w", err)
	}
	return items, nil
}

func (r *ItemRepo) UpdateSettlement(ctx context.Context, it *store.Item) error {
	now := r.clock.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE items SET payment_confirmation = ?, shipping_info = ?, settlement_requested_at = ?,
		        updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`),
		it.PaymentConfirmation, it.ShippingInfo, it.SettlementRequestedAt, now, it.ID, it.Version,
	)
	if err != nil {
		return fmt.Errorf("updating settlement: %w", err)
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("updating settlement of item %s: %w", it.ID, err)
	}
	it.Version++
	it.UpdatedAt = now
	return nil
}
