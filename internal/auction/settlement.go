package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/event"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// Settlement holds the closure facts of an item as seen by the payment
// collaborator and the shipping views.
type Settlement struct {
	ItemID              string
	OwnerID             string
	Closed              bool
	WinnerID            string
	Amount              decimal.NullDecimal
	PaymentConfirmation string
	ShippingInfo        string
	RequestedAt         *time.Time
}

func settlementOf(it *store.Item, now time.Time) *Settlement {
	s := &Settlement{
		ItemID:      it.ID,
		OwnerID:     it.OwnerID,
		Closed:      IsClosed(it, now),
		WinnerID:    Winner(it, now),
		RequestedAt: it.SettlementRequestedAt,
	}
	if s.WinnerID != "" {
		s.Amount = it.CurrentBid
	}
	if it.PaymentConfirmation != nil {
		s.PaymentConfirmation = *it.PaymentConfirmation
	}
	if it.ShippingInfo != nil {
		s.ShippingInfo = *it.ShippingInfo
	}
	return s
}

// Settlement returns the closure facts of an item. The winner and amount are
// only reported once the auction has closed.
func (m *Manager) Settlement(ctx context.Context, itemID string) (*Settlement, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Settlement",
		trace.WithAttributes(attribute.String("item_id", itemID)),
	)
	defer span.End()

	it, err := m.loadItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return settlementOf(it, m.clock.Now()), nil
}

// ConfirmPayment records the payment collaborator's confirmation for a
// closed auction with a winner.
func (m *Manager) ConfirmPayment(ctx context.Context, itemID, confirmation string) (*Settlement, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ConfirmPayment",
		trace.WithAttributes(attribute.String("item_id", itemID)),
	)
	defer span.End()

	confirmation = strings.TrimSpace(confirmation)
	if n := utf8.RuneCountInString(confirmation); n == 0 || n > maxConfirmation {
		return nil, ErrInvalidConfirmation
	}

	return m.updateSettlement(ctx, itemID, event.PaymentConfirmed, func(it *store.Item, now time.Time) error {
		if !IsClosed(it, now) {
			return ErrAuctionOpen
		}
		if it.HighestBidderID == nil {
			return ErrNoWinner
		}
		if it.PaymentConfirmation != nil {
			return ErrAlreadyPaid
		}
		it.PaymentConfirmation = &confirmation
		return nil
	})
}

// SetShippingInfo stores the winner's shipping details once payment has been
// confirmed. The winner may overwrite earlier details.
func (m *Manager) SetShippingInfo(ctx context.Context, itemID, winnerID, info string) (*Settlement, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SetShippingInfo",
		trace.WithAttributes(
			attribute.String("item_id", itemID),
			attribute.String("winner_id", winnerID),
		),
	)
	defer span.End()

	info = strings.TrimSpace(info)
	if n := utf8.RuneCountInString(info); n == 0 || n > maxShippingInfo {
		return nil, ErrInvalidShippingInfo
	}

	return m.updateSettlement(ctx, itemID, event.ShippingUpdated, func(it *store.Item, now time.Time) error {
		if !IsClosed(it, now) {
			return ErrAuctionOpen
		}
		if it.HighestBidderID == nil {
			return ErrNoWinner
		}
		if *it.HighestBidderID != winnerID {
			return ErrNotWinner
		}
		if it.PaymentConfirmation == nil {
			return ErrNotPaid
		}
		it.ShippingInfo = &info
		return nil
	})
}

// PendingSettlements returns closed auctions with a winner that have not been
// handed to the payment collaborator yet.
func (m *Manager) PendingSettlements(ctx context.Context, limit int) ([]*Settlement, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.PendingSettlements")
	defer span.End()

	items, err := m.items.ListAwaitingSettlement(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending settlements: %w", err)
	}

	now := m.clock.Now()
	var pending []*Settlement
	for i := range items {
		if !IsClosed(&items[i], now) {
			continue
		}
		pending = append(pending, settlementOf(&items[i], now))
	}
	span.SetAttributes(attribute.Int("pending", len(pending)))
	return pending, nil
}

// MarkSettlementRequested stamps the time the payment collaborator was asked
// to capture the winning bid.
func (m *Manager) MarkSettlementRequested(ctx context.Context, itemID string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.MarkSettlementRequested",
		trace.WithAttributes(attribute.String("item_id", itemID)),
	)
	defer span.End()

	_, err := m.updateSettlement(ctx, itemID, "", func(it *store.Item, now time.Time) error {
		if Winner(it, now) == "" {
			return ErrNoWinner
		}
		if it.SettlementRequestedAt != nil {
			return ErrAlreadyRequested
		}
		at := now.UTC()
		it.SettlementRequestedAt = &at
		return nil
	})
	return err
}

// updateSettlement applies mutate to a freshly loaded item and writes the
// settlement columns back, retrying lost races. An empty t publishes nothing.
func (m *Manager) updateSettlement(
	ctx context.Context,
	itemID string,
	t event.Type,
	mutate func(it *store.Item, now time.Time) error,
) (*Settlement, error) {
	s, err := retry(ctx, m, func() (*Settlement, error) {
		it, err := m.loadItem(ctx, itemID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		now := m.clock.Now()
		if err := mutate(it, now); err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := m.items.UpdateSettlement(ctx, it); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("updating settlement: %w", err))
		}

		s := settlementOf(it, now)
		if t != "" {
			m.publish(ctx, itemID, t, it.Version, event.SettlementData{
				ItemID:       itemID,
				WinnerID:     s.WinnerID,
				Amount:       s.Amount.Decimal,
				Confirmation: s.PaymentConfirmation,
			})
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "settlement updated",
		slog.String("item_id", itemID),
		slog.Bool("paid", s.PaymentConfirmation != ""),
		slog.Bool("shipping", s.ShippingInfo != ""),
	)
	return s, nil
}
