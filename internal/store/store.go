package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Errors shared by every driver.
var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("concurrent modification")
	ErrDuplicate = errors.New("duplicate record")
	ErrHasBids   = errors.New("item has bids")
)

// User is a marketplace participant. UserRating stays null until the first
// review of the user as a seller arrives.
type User struct {
	ID         string              `db:"id"`
	Handle     string              `db:"handle"`
	UserRating decimal.NullDecimal `db:"user_rating"`
	Version    int64               `db:"version"`
	CreatedAt  time.Time           `db:"created_at"`
}

// HistoryEntry is one masked line of an item's public bid history.
type HistoryEntry struct {
	Bidder string          `json:"bidder"`
	Amount decimal.Decimal `json:"amount"`
}

// BidHistory is the newest-first bid history stored as JSON on the item row.
type BidHistory []HistoryEntry

// Value implements driver.Valuer. A string is returned so that Postgres can
// coerce it into JSONB.
func (h BidHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding bid history: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (h *BidHistory) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = BidHistory{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scanning bid history: unsupported type %T", src)
	}
	out := BidHistory{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding bid history: %w", err)
	}
	*h = out
	return nil
}

// Prepend returns a new history with e as its newest entry.
func (h BidHistory) Prepend(e HistoryEntry) BidHistory {
	out := make(BidHistory, 0, len(h)+1)
	out = append(out, e)
	return append(out, h...)
}

// Item is an auction listing together with its winning state.
type Item struct {
	ID                    string              `db:"id"`
	OwnerID               string              `db:"owner_id"`
	Name                  string              `db:"name"`
	Description           string              `db:"description"`
	InitialBid            decimal.Decimal     `db:"initial_bid"`
	CurrentBid            decimal.NullDecimal `db:"current_bid"`
	HighestBidderID       *string             `db:"highest_bidder_id"`
	StartTime             time.Time           `db:"start_time"`
	EndTime               time.Time           `db:"end_time"`
	BidHistory            BidHistory          `db:"bid_history"`
	PaymentConfirmation   *string             `db:"payment_confirmation"`
	ShippingInfo          *string             `db:"shipping_info"`
	SettlementRequestedAt *time.Time          `db:"settlement_requested_at"`
	Version               int64               `db:"version"`
	CreatedAt             time.Time           `db:"created_at"`
	UpdatedAt             time.Time           `db:"updated_at"`
}

// Bid is an immutable offer recorded in the bid ledger. ItemVersion is the
// item version the bid produced and orders the ledger.
type Bid struct {
	ID          string          `db:"id"`
	ItemID      string          `db:"item_id"`
	BidderID    string          `db:"bidder_id"`
	Amount      decimal.Decimal `db:"amount"`
	ItemVersion int64           `db:"item_version"`
	CreatedAt   time.Time       `db:"created_at"`
}

// Review is a buyer's scored review of a seller.
type Review struct {
	ID        string          `db:"id"`
	AuthorID  string          `db:"author_id"`
	SellerID  string          `db:"seller_id"`
	Service   int             `db:"service"`
	Product   int             `db:"product"`
	Packaging int             `db:"packaging"`
	Shipping  int             `db:"shipping"`
	Overall   int             `db:"overall"`
	Rating    decimal.Decimal `db:"rating"`
	Comment   string          `db:"comment"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// Favorite marks an item a user is watching.
type Favorite struct {
	UserID    string    `db:"user_id"`
	ItemID    string    `db:"item_id"`
	CreatedAt time.Time `db:"created_at"`
}

// ItemFilter narrows ItemRepository.List. The zero value matches every item.
type ItemFilter struct {
	OwnerID string
	// WithWinner keeps only items that have a highest bidder.
	WithWinner bool
	// Limit caps the result; zero means no cap.
	Limit int
}

// RatingFunc folds every remaining review rating of a seller into the
// seller's displayed rating.
type RatingFunc func(ratings []decimal.Decimal) decimal.Decimal

// UserRepository defines user persistence operations.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
}

// ItemRepository defines item and bid ledger persistence operations.
// Every write is a compare-and-set on Item.Version; on success the version
// held by the caller is advanced, otherwise ErrConflict is returned.
type ItemRepository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id string) (*Item, error)
	// Update writes the listing fields. It also fails with ErrConflict once
	// the item has a highest bidder.
	Update(ctx context.Context, it *Item) error
	// Delete removes an item without bids.
	Delete(ctx context.Context, id string, version int64) error
	// PlaceBid inserts b and writes the item's winning state and bid history
	// in one transaction.
	PlaceBid(ctx context.Context, it *Item, b *Bid) error
	// List returns the items matching f, newest listing first.
	List(ctx context.Context, f ItemFilter) ([]Item, error)
	// ListBids returns the bid ledger of an item, newest first.
	ListBids(ctx context.Context, itemID string) ([]Bid, error)
	// ListWonBy returns the seller's items currently held by bidderID.
	ListWonBy(ctx context.Context, sellerID, bidderID string) ([]Item, error)
	// ListAwaitingSettlement returns items with a highest bidder that have
	// neither a payment confirmation nor a settlement request, earliest end first.
	ListAwaitingSettlement(ctx context.Context, limit int) ([]Item, error)
	// UpdateSettlement writes the payment, shipping and settlement request fields.
	UpdateSettlement(ctx context.Context, it *Item) error
}

// ReviewRepository defines review persistence. Writes recompute the seller's
// rating with rate inside the same transaction and return it.
type ReviewRepository interface {
	GetByID(ctx context.Context, id string) (*Review, error)
	GetByAuthorAndSeller(ctx context.Context, authorID, sellerID string) (*Review, error)
	ListBySeller(ctx context.Context, sellerID string) ([]Review, error)
	Create(ctx context.Context, r *Review, rate RatingFunc) (decimal.Decimal, error)
	Update(ctx context.Context, r *Review, rate RatingFunc) (decimal.Decimal, error)
	Delete(ctx context.Context, id string, rate RatingFunc) (decimal.Decimal, error)
}

// FavoriteRepository defines favorite persistence. Favorites of a deleted
// item disappear with it.
type FavoriteRepository interface {
	// Toggle adds the favorite when absent and removes it when present. It
	// reports whether the item is a favorite afterwards.
	Toggle(ctx context.Context, userID, itemID string) (bool, error)
	// ListByUser returns the user's favorites, newest first.
	ListByUser(ctx context.Context, userID string) ([]Favorite, error)
}
