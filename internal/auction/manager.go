package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/event"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/auctionhouse/internal/auction"

// Manager is the bid settlement engine plus the listing and post-close
// operations around it.
type Manager struct {
	items  store.ItemRepository
	users  store.UserRepository
	events event.Publisher
	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock

	maxAttempts  int
	retryBackoff time.Duration

	bidsAccepted metric.Int64Counter
	bidsRejected metric.Int64Counter
	bidConflicts metric.Int64Counter
}

// NewManager creates a new auction Manager.
func NewManager(
	cfg config.BiddingConfig,
	items store.ItemRepository,
	users store.UserRepository,
	events event.Publisher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	clk clock.Clock,
) (*Manager, error) {
	meter := mp.Meter(instrumentationName)

	accepted, err := meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids committed to the ledger"))
	if err != nil {
		return nil, fmt.Errorf("creating accepted counter: %w", err)
	}
	rejected, err := meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids refused, by reason"))
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}
	conflicts, err := meter.Int64Counter("auction.bids.conflicts",
		metric.WithDescription("Bid attempts that lost an optimistic concurrency race"))
	if err != nil {
		return nil, fmt.Errorf("creating conflict counter: %w", err)
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Manager{
		items:        items,
		users:        users,
		events:       events,
		logger:       logger,
		tracer:       tp.Tracer(instrumentationName),
		clock:        clk,
		maxAttempts:  attempts,
		retryBackoff: cfg.RetryBackoff,
		bidsAccepted: accepted,
		bidsRejected: rejected,
		bidConflicts: conflicts,
	}, nil
}

// BidResult describes an accepted bid and the item state it produced.
type BidResult struct {
	BidID           string
	ItemID          string
	CurrentBid      decimal.Decimal
	HighestBidderID string
	BidderLabel     string
	PlacedAt        time.Time
}

// State is the public view of an auction, recomputed at read time.
type State struct {
	ItemID          string
	OwnerID         string
	Name            string
	Description     string
	InitialBid      decimal.Decimal
	CurrentBid      decimal.NullDecimal
	HighestBidderID *string
	MinimumBid      decimal.Decimal
	StartTime       time.Time
	EndTime         time.Time
	IsClosed        bool
	BidHistory      store.BidHistory
	BidCount        int
}

// PlaceBid validates and commits a bid. The item is re-read and re-validated
// on every attempt; attempts that lose a concurrent write are retried up to
// the configured limit, after which ErrConflict is returned.
func (m *Manager) PlaceBid(ctx context.Context, itemID, bidderID string, amount decimal.Decimal) (*BidResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.PlaceBid",
		trace.WithAttributes(
			attribute.String("item_id", itemID),
			attribute.String("bidder_id", bidderID),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	res, previous, err := m.placeBid(ctx, itemID, bidderID, amount)
	if err != nil {
		m.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", Reason(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
		m.logger.InfoContext(ctx, "bid rejected",
			slog.String("item_id", itemID),
			slog.String("bidder_id", bidderID),
			slog.String("amount", amount.String()),
			slog.String("reason", Reason(err)),
		)
		return nil, err
	}
	m.bidsAccepted.Add(ctx, 1)

	data := event.BidPlacedData{
		BidID:       res.BidID,
		BidderID:    bidderID,
		BidderLabel: res.BidderLabel,
		Amount:      amount,
		EndTime:     previous.EndTime,
	}
	if previous.CurrentBid.Valid {
		prev := previous.CurrentBid.Decimal
		data.PreviousBid = &prev
	}
	m.publish(ctx, itemID, event.BidPlaced, previous.Version+1, data)

	m.logger.InfoContext(ctx, "bid placed",
		slog.String("item_id", itemID),
		slog.String("bid_id", res.BidID),
		slog.String("bidder_id", bidderID),
		slog.String("amount", amount.String()),
	)
	return res, nil
}

func (m *Manager) placeBid(ctx context.Context, itemID, bidderID string, amount decimal.Decimal) (*BidResult, *store.Item, error) {
	// A missing item is reported before an unknown bidder.
	if _, err := m.loadItem(ctx, itemID); err != nil {
		return nil, nil, err
	}
	bidder, err := m.users.GetByID(ctx, bidderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrBidderNotFound
		}
		return nil, nil, fmt.Errorf("loading bidder: %w", err)
	}
	label := MaskBidder(bidder.Handle)

	var previous *store.Item
	res, err := retry(ctx, m, func() (*BidResult, error) {
		it, err := m.loadItem(ctx, itemID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := Validate(it, bidderID, amount, m.clock.Now()); err != nil {
			return nil, backoff.Permanent(err)
		}

		next := *it
		next.CurrentBid = decimal.NewNullDecimal(amount)
		next.HighestBidderID = &bidderID
		next.BidHistory = it.BidHistory.Prepend(store.HistoryEntry{Bidder: label, Amount: amount})

		b := &store.Bid{BidderID: bidderID, Amount: amount}
		if err := m.items.PlaceBid(ctx, &next, b); err != nil {
			if errors.Is(err, store.ErrConflict) {
				m.bidConflicts.Add(ctx, 1)
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("placing bid: %w", err))
		}

		previous = it
		return &BidResult{
			BidID:           b.ID,
			ItemID:          itemID,
			CurrentBid:      amount,
			HighestBidderID: bidderID,
			BidderLabel:     label,
			PlacedAt:        b.CreatedAt,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res, previous, nil
}

// GetAuctionState returns the auction view of an item.
func (m *Manager) GetAuctionState(ctx context.Context, itemID string) (*State, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetAuctionState",
		trace.WithAttributes(attribute.String("item_id", itemID)),
	)
	defer span.End()

	it, err := m.loadItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	history := it.BidHistory
	if history == nil {
		history = store.BidHistory{}
	}
	return &State{
		ItemID:          it.ID,
		OwnerID:         it.OwnerID,
		Name:            it.Name,
		Description:     it.Description,
		InitialBid:      it.InitialBid,
		CurrentBid:      it.CurrentBid,
		HighestBidderID: it.HighestBidderID,
		MinimumBid:      MinimumNextBid(it),
		StartTime:       it.StartTime,
		EndTime:         it.EndTime,
		IsClosed:        IsClosed(it, m.clock.Now()),
		BidHistory:      history,
		BidCount:        len(history),
	}, nil
}

// GetItem returns the stored listing.
func (m *Manager) GetItem(ctx context.Context, itemID string) (*store.Item, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetItem",
		trace.WithAttributes(attribute.String("item_id", itemID)),
	)
	defer span.End()

	return m.loadItem(ctx, itemID)
}

// Page sizes for ListItems.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListItems returns listings newest first, optionally only those of ownerID.
// A limit below one means DefaultListLimit; larger than MaxListLimit is capped.
func (m *Manager) ListItems(ctx context.Context, ownerID string, limit int) ([]store.Item, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListItems",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	switch {
	case limit < 1:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	items, err := m.items.List(ctx, store.ItemFilter{OwnerID: ownerID, Limit: limit})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

// ListBids returns the unmasked bid ledger of an item, newest first.
func (m *Manager) ListBids(ctx context.Context, itemID string) ([]store.Bid, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListBids",
		trace.WithAttributes(attribute.String("item_id", itemID)),
	)
	defer span.End()

	if _, err := m.loadItem(ctx, itemID); err != nil {
		return nil, err
	}
	return m.items.ListBids(ctx, itemID)
}

// CreateItem lists a new item for ownerID. A zero start time means now.
func (m *Manager) CreateItem(ctx context.Context, ownerID string, l Listing) (*store.Item, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateItem",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("name", l.Name),
		),
	)
	defer span.End()

	if _, err := m.users.GetByID(ctx, ownerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOwnerNotFound
		}
		return nil, fmt.Errorf("loading owner: %w", err)
	}

	now := m.clock.Now()
	if l.StartTime.IsZero() {
		l.StartTime = now
	}
	if err := l.validate(now); err != nil {
		return nil, err
	}

	it := &store.Item{
		OwnerID:     ownerID,
		Name:        l.Name,
		Description: l.Description,
		InitialBid:  l.InitialBid,
		StartTime:   l.StartTime.UTC(),
		EndTime:     l.EndTime.UTC(),
		BidHistory:  store.BidHistory{},
	}
	if err := m.items.Create(ctx, it); err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}

	m.publish(ctx, it.ID, event.ItemListed, it.Version, itemData(it))
	m.logger.InfoContext(ctx, "item listed",
		slog.String("item_id", it.ID),
		slog.String("owner_id", ownerID),
		slog.Time("end_time", it.EndTime),
	)
	return it, nil
}

// EditItem replaces the listing of an item nobody has bid on. The initial
// bid is fixed at creation; a zero InitialBid keeps it.
func (m *Manager) EditItem(ctx context.Context, ownerID, itemID string, l Listing) (*store.Item, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.EditItem",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("item_id", itemID),
		),
	)
	defer span.End()

	return retry(ctx, m, func() (*store.Item, error) {
		it, err := m.loadOwned(ctx, ownerID, itemID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !l.InitialBid.IsZero() && !l.InitialBid.Equal(it.InitialBid) {
			return nil, backoff.Permanent(invalidListing("initial bid cannot change"))
		}
		edit := l
		edit.InitialBid = it.InitialBid
		if edit.StartTime.IsZero() {
			edit.StartTime = it.StartTime
		}
		if err := edit.validate(m.clock.Now()); err != nil {
			return nil, backoff.Permanent(err)
		}

		it.Name = edit.Name
		it.Description = edit.Description
		it.StartTime = edit.StartTime.UTC()
		it.EndTime = edit.EndTime.UTC()
		if err := m.items.Update(ctx, it); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("updating item: %w", err))
		}

		m.publish(ctx, it.ID, event.ItemUpdated, it.Version, itemData(it))
		m.logger.InfoContext(ctx, "item updated", slog.String("item_id", it.ID))
		return it, nil
	})
}

// DeleteItem removes an item nobody has bid on.
func (m *Manager) DeleteItem(ctx context.Context, ownerID, itemID string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.DeleteItem",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("item_id", itemID),
		),
	)
	defer span.End()

	_, err := retry(ctx, m, func() (struct{}, error) {
		it, err := m.loadOwned(ctx, ownerID, itemID)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err := m.items.Delete(ctx, it.ID, it.Version); err != nil {
			switch {
			case errors.Is(err, store.ErrConflict):
				return struct{}{}, err
			case errors.Is(err, store.ErrHasBids):
				return struct{}{}, backoff.Permanent(ErrBiddingStarted)
			}
			return struct{}{}, backoff.Permanent(fmt.Errorf("deleting item: %w", err))
		}

		m.publish(ctx, it.ID, event.ItemDeleted, it.Version+1, itemData(it))
		m.logger.InfoContext(ctx, "item deleted", slog.String("item_id", it.ID))
		return struct{}{}, nil
	})
	return err
}

// loadOwned loads an item that ownerID may still change.
func (m *Manager) loadOwned(ctx context.Context, ownerID, itemID string) (*store.Item, error) {
	it, err := m.loadItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if it.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if it.HighestBidderID != nil {
		return nil, ErrBiddingStarted
	}
	return it, nil
}

func (m *Manager) loadItem(ctx context.Context, itemID string) (*store.Item, error) {
	it, err := m.items.GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("loading item: %w", err)
	}
	return it, nil
}

// publish emits an event after the fact. Failures are logged, never returned.
func (m *Manager) publish(ctx context.Context, aggregateID string, t event.Type, version int64, data any) {
	e, err := event.New(aggregateID, t, version, m.clock.Now(), data)
	if err == nil {
		err = m.events.Publish(ctx, e)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish event",
			slog.String("type", string(t)),
			slog.String("aggregate_id", aggregateID),
			slog.Any("error", err),
		)
	}
}

func itemData(it *store.Item) event.ItemData {
	return event.ItemData{
		OwnerID:    it.OwnerID,
		Name:       it.Name,
		InitialBid: it.InitialBid,
		StartTime:  it.StartTime,
		EndTime:    it.EndTime,
	}
}

// retry runs op until it succeeds, fails permanently, or the attempt budget
// is spent. A spent budget surfaces as ErrConflict.
func retry[T any](ctx context.Context, m *Manager, op func() (T, error)) (T, error) {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if m.retryBackoff > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = m.retryBackoff
		exp.MaxInterval = 20 * m.retryBackoff
		b = exp
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.maxAttempts)),
	)
	if err == nil {
		return res, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, store.ErrConflict) {
		return res, fmt.Errorf("%w after %d attempts", ErrConflict, m.maxAttempts)
	}
	return res, err
}

// Reason returns the stable machine readable code of an auction error.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "internal"
}

var reasons = []struct {
	err  error
	code string
}{
	{ErrSelfBid, "self_bid"},
	{ErrAuctionEnded, "auction_ended"},
	{ErrNonPositiveBid, "non_positive_bid"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrBidTooLow, "bid_too_low"},
	{ErrItemNotFound, "item_not_found"},
	{ErrBidderNotFound, "bidder_not_found"},
	{ErrOwnerNotFound, "owner_not_found"},
	{ErrConflict, "conflict"},
	{ErrInvalidListing, "invalid_listing"},
	{ErrNotOwner, "not_owner"},
	{ErrBiddingStarted, "bidding_started"},
	{ErrAuctionOpen, "auction_open"},
	{ErrNoWinner, "no_winner"},
	{ErrNotWinner, "not_winner"},
	{ErrAlreadyPaid, "already_paid"},
	{ErrNotPaid, "not_paid"},
	{ErrAlreadyRequested, "already_requested"},
	{ErrInvalidConfirmation, "invalid_confirmation"},
	{ErrInvalidShippingInfo, "invalid_shipping_info"},
}
