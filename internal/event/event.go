package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	UserRegistered Type = "user.registered"

	ItemListed  Type = "item.listed"
	ItemUpdated Type = "item.updated"
	ItemDeleted Type = "item.deleted"

	BidPlaced Type = "bid.placed"

	ReviewSubmitted Type = "review.submitted"
	ReviewUpdated   Type = "review.updated"
	ReviewDeleted   Type = "review.deleted"

	SettlementRequested Type = "settlement.requested"
	PaymentConfirmed    Type = "payment.confirmed"
	ShippingUpdated     Type = "shipping.updated"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        Type            `json:"type"`
	Data        json.RawMessage `json:"data"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New builds an event with a fresh ID and data encoded as JSON.
func New(aggregateID string, t Type, version int64, at time.Time, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s event: %w", t, err)
	}
	return Event{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Type:        t,
		Data:        raw,
		Version:     version,
		CreatedAt:   at.UTC(),
	}, nil
}

// UserRegisteredData is the payload for UserRegistered events.
type UserRegisteredData struct {
	Handle string `json:"handle"`
}

// ItemData is the payload for ItemListed, ItemUpdated and ItemDeleted events.
type ItemData struct {
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name"`
	InitialBid decimal.Decimal `json:"initial_bid"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
}

// BidPlacedData is the payload for BidPlaced events. BidderLabel is the
// masked handle also shown in the public bid history.
type BidPlacedData struct {
	BidID       string           `json:"bid_id"`
	BidderID    string           `json:"bidder_id"`
	BidderLabel string           `json:"bidder_label"`
	Amount      decimal.Decimal  `json:"amount"`
	PreviousBid *decimal.Decimal `json:"previous_bid,omitempty"`
	EndTime     time.Time        `json:"end_time"`
}

// ReviewData is the payload for review events.
type ReviewData struct {
	ReviewID     string          `json:"review_id"`
	AuthorID     string          `json:"author_id"`
	SellerID     string          `json:"seller_id"`
	Rating       decimal.Decimal `json:"rating"`
	SellerRating decimal.Decimal `json:"seller_rating"`
}

// SettlementData is the payload for SettlementRequested and PaymentConfirmed
// events: the closure facts handed to the payment collaborator.
type SettlementData struct {
	ItemID       string          `json:"item_id"`
	WinnerID     string          `json:"winner_id"`
	Amount       decimal.Decimal `json:"amount"`
	Confirmation string          `json:"confirmation,omitempty"`
}
