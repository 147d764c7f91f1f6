// Package settlement hands closed auctions with a winner to the payment
// collaborator by publishing settlement.requested events.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/event"
)

// Source lists closed auctions awaiting settlement and records that they
// were handed over. *auction.Manager implements it.
type Source interface {
	PendingSettlements(ctx context.Context, limit int) ([]*auction.Settlement, error)
	MarkSettlementRequested(ctx context.Context, itemID string) error
}

// Dispatcher polls Source and publishes one settlement request per item.
type Dispatcher struct {
	source   Source
	events   event.Publisher
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
	interval time.Duration
	batch    int
}

// NewDispatcher returns a new Dispatcher.
func NewDispatcher(cfg config.SettlementConfig, source Source, events event.Publisher, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		source:   source,
		events:   events,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/settlement"),
		clock:    clk,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
	}
}

// EventID is the ID of the settlement request for an item. It is stable so
// that a request published twice is deduplicated downstream.
func EventID(itemID string) string {
	return "settlement-" + itemID
}

// Run dispatches on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "settlement dispatcher started", slog.Duration("interval", d.interval))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "settlement dispatch failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("settlement dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce publishes a request for every pending settlement and returns
// how many were handed over. An item is only marked once its request has
// been published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.DispatchOnce")
	defer span.End()

	pending, err := d.source.PendingSettlements(ctx, d.batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing pending settlements")
		return 0, err
	}

	var (
		sent int
		errs []error
	)
	for _, s := range pending {
		if err := d.dispatch(ctx, s); err != nil {
			if errors.Is(err, auction.ErrAlreadyRequested) {
				continue
			}
			errs = append(errs, fmt.Errorf("item %s: %w", s.ItemID, err))
			continue
		}
		sent++
	}

	span.SetAttributes(
		attribute.Int("pending", len(pending)),
		attribute.Int("sent", sent),
	)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatching settlements")
		return sent, err
	}
	return sent, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, s *auction.Settlement) error {
	e, err := event.New(s.ItemID, event.SettlementRequested, 0, d.clock.Now(), event.SettlementData{
		ItemID:   s.ItemID,
		WinnerID: s.WinnerID,
		Amount:   s.Amount.Decimal,
	})
	if err != nil {
		return err
	}
	e.ID = EventID(s.ItemID)

	if err := d.events.Publish(ctx, e); err != nil {
		return fmt.Errorf("publishing settlement request: %w", err)
	}
	if err := d.source.MarkSettlementRequested(ctx, s.ItemID); err != nil {
		return fmt.Errorf("marking settlement requested: %w", err)
	}

	d.logger.InfoContext(ctx, "settlement requested",
		slog.String("item_id", s.ItemID),
		slog.String("winner_id", s.WinnerID),
		slog.String("amount", s.Amount.Decimal.String()),
	)
	return nil
}
