package rating

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
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/event"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

const (
	instrumentationName = "github.com/jensholdgaard/auctionhouse/internal/rating"
	maxCommentLen       = 300
)

var (
	ErrSellerNotFound  = errors.New("seller not found")
	ErrNotEligible     = errors.New("only winners of a closed auction of this seller may review")
	ErrAlreadyReviewed = errors.New("seller already reviewed by this user")
	ErrReviewNotFound  = errors.New("review not found")
	ErrNotAuthor       = errors.New("only the author may change this review")
	ErrCommentTooLong  = errors.New("comment is longer than 300 characters")
	ErrConflict        = errors.New("seller rating is being modified concurrently, retry")
)

// Manager handles reviews and the seller rating recomputation that follows
// every review write.
type Manager struct {
	reviews store.ReviewRepository
	items   store.ItemRepository
	users   store.UserRepository
	events  event.Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock

	maxAttempts  int
	retryBackoff time.Duration

	recomputations metric.Int64Counter
}

// NewManager creates a new rating Manager. Retries on a concurrently updated
// seller follow the bidding retry settings.
func NewManager(
	cfg config.BiddingConfig,
	reviews store.ReviewRepository,
	items store.ItemRepository,
	users store.UserRepository,
	events event.Publisher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	clk clock.Clock,
) (*Manager, error) {
	recomputations, err := mp.Meter(instrumentationName).Int64Counter("rating.recomputations",
		metric.WithDescription("Seller rating recomputations, by trigger"))
	if err != nil {
		return nil, fmt.Errorf("creating recomputation counter: %w", err)
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Manager{
		reviews:        reviews,
		items:          items,
		users:          users,
		events:         events,
		logger:         logger,
		tracer:         tp.Tracer(instrumentationName),
		clock:          clk,
		maxAttempts:    attempts,
		retryBackoff:   cfg.RetryBackoff,
		recomputations: recomputations,
	}, nil
}

// Result is a written review together with the seller rating it produced.
type Result struct {
	Review       *store.Review
	SellerRating decimal.Decimal
}

// SubmitReview records authorID's review of sellerID and recomputes the
// seller rating in the same transaction.
func (m *Manager) SubmitReview(ctx context.Context, authorID, sellerID string, s Scores, comment string) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SubmitReview",
		trace.WithAttributes(
			attribute.String("author_id", authorID),
			attribute.String("seller_id", sellerID),
		),
	)
	defer span.End()

	if _, err := m.users.GetByID(ctx, sellerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSellerNotFound
		}
		return nil, fmt.Errorf("loading seller: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	comment, err := cleanComment(comment)
	if err != nil {
		return nil, err
	}
	if err := m.checkEligible(ctx, authorID, sellerID); err != nil {
		return nil, err
	}
	if _, err := m.reviews.GetByAuthorAndSeller(ctx, authorID, sellerID); err == nil {
		return nil, ErrAlreadyReviewed
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking existing review: %w", err)
	}

	rv := &store.Review{
		AuthorID:  authorID,
		SellerID:  sellerID,
		Service:   s.Service,
		Product:   s.Product,
		Packaging: s.Packaging,
		Shipping:  s.Shipping,
		Overall:   s.Overall,
		Rating:    s.Rating(),
		Comment:   comment,
	}
	sellerRating, err := m.write(ctx, "submit", ErrSellerNotFound, func() (decimal.Decimal, error) {
		rv.ID = ""
		r, err := m.reviews.Create(ctx, rv, SellerRating)
		if errors.Is(err, store.ErrDuplicate) {
			return r, backoff.Permanent(ErrAlreadyReviewed)
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, event.ReviewSubmitted, rv, sellerRating)
	m.logger.InfoContext(ctx, "review submitted",
		slog.String("review_id", rv.ID),
		slog.String("author_id", authorID),
		slog.String("seller_id", sellerID),
		slog.String("rating", rv.Rating.String()),
		slog.String("seller_rating", sellerRating.String()),
	)
	return &Result{Review: rv, SellerRating: sellerRating}, nil
}

// UpdateReview rescores an existing review owned by authorID.
func (m *Manager) UpdateReview(ctx context.Context, authorID, reviewID string, s Scores, comment string) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.UpdateReview",
		trace.WithAttributes(
			attribute.String("author_id", authorID),
			attribute.String("review_id", reviewID),
		),
	)
	defer span.End()

	rv, err := m.loadOwned(ctx, authorID, reviewID)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	comment, err = cleanComment(comment)
	if err != nil {
		return nil, err
	}

	rv.Service, rv.Product, rv.Packaging, rv.Shipping, rv.Overall = s.Service, s.Product, s.Packaging, s.Shipping, s.Overall
	rv.Rating = s.Rating()
	rv.Comment = comment

	sellerRating, err := m.write(ctx, "update", ErrReviewNotFound, func() (decimal.Decimal, error) {
		return m.reviews.Update(ctx, rv, SellerRating)
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, event.ReviewUpdated, rv, sellerRating)
	m.logger.InfoContext(ctx, "review updated",
		slog.String("review_id", rv.ID),
		slog.String("seller_rating", sellerRating.String()),
	)
	return &Result{Review: rv, SellerRating: sellerRating}, nil
}

// DeleteReview removes a review owned by authorID and returns the seller's
// new rating.
func (m *Manager) DeleteReview(ctx context.Context, authorID, reviewID string) (decimal.Decimal, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.DeleteReview",
		trace.WithAttributes(
			attribute.String("author_id", authorID),
			attribute.String("review_id", reviewID),
		),
	)
	defer span.End()

	rv, err := m.loadOwned(ctx, authorID, reviewID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	sellerRating, err := m.write(ctx, "delete", ErrReviewNotFound, func() (decimal.Decimal, error) {
		return m.reviews.Delete(ctx, rv.ID, SellerRating)
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	m.publish(ctx, event.ReviewDeleted, rv, sellerRating)
	m.logger.InfoContext(ctx, "review deleted",
		slog.String("review_id", rv.ID),
		slog.String("seller_rating", sellerRating.String()),
	)
	return sellerRating, nil
}

// Summary aggregates the reviews of a seller.
type Summary struct {
	SellerID           string
	SellerRating       decimal.NullDecimal
	ReviewCount        int
	Service            decimal.Decimal
	Product            decimal.Decimal
	Packaging          decimal.Decimal
	Shipping           decimal.Decimal
	Overall            decimal.Decimal
	FiveStarPercentage decimal.Decimal
	Reviews            []store.Review
}

// SellerSummary returns the review statistics of a seller, newest review
// first.
func (m *Manager) SellerSummary(ctx context.Context, sellerID string) (*Summary, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SellerSummary",
		trace.WithAttributes(attribute.String("seller_id", sellerID)),
	)
	defer span.End()

	seller, err := m.users.GetByID(ctx, sellerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSellerNotFound
		}
		return nil, fmt.Errorf("loading seller: %w", err)
	}
	reviews, err := m.reviews.ListBySeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []store.Review{}
	}

	sum := &Summary{
		SellerID:     sellerID,
		SellerRating: seller.UserRating,
		ReviewCount:  len(reviews),
		Reviews:      reviews,
	}
	if len(reviews) == 0 {
		return sum, nil
	}

	var totals Scores
	fiveStar := 0
	for _, rv := range reviews {
		totals.Service += rv.Service
		totals.Product += rv.Product
		totals.Packaging += rv.Packaging
		totals.Shipping += rv.Shipping
		totals.Overall += rv.Overall
		if rv.Overall == MaxScore {
			fiveStar++
		}
	}
	n := decimal.NewFromInt(int64(len(reviews)))
	avg := func(total int) decimal.Decimal { return decimal.NewFromInt(int64(total)).Div(n).Round(2) }
	sum.Service = avg(totals.Service)
	sum.Product = avg(totals.Product)
	sum.Packaging = avg(totals.Packaging)
	sum.Shipping = avg(totals.Shipping)
	sum.Overall = avg(totals.Overall)
	sum.FiveStarPercentage = decimal.NewFromInt(int64(fiveStar * 100)).Div(n).Round(2)
	return sum, nil
}

// checkEligible requires authorID to hold the winning bid on at least one
// closed auction of sellerID. Closure is evaluated against the clock here.
func (m *Manager) checkEligible(ctx context.Context, authorID, sellerID string) error {
	won, err := m.items.ListWonBy(ctx, sellerID, authorID)
	if err != nil {
		return fmt.Errorf("checking eligibility: %w", err)
	}
	now := m.clock.Now()
	for i := range won {
		if auction.Winner(&won[i], now) == authorID {
			return nil
		}
	}
	return ErrNotEligible
}

func (m *Manager) loadOwned(ctx context.Context, authorID, reviewID string) (*store.Review, error) {
	rv, err := m.reviews.GetByID(ctx, reviewID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrReviewNotFound
		}
		return nil, fmt.Errorf("loading review: %w", err)
	}
	if rv.AuthorID != authorID {
		return nil, ErrNotAuthor
	}
	return rv, nil
}

// write runs a review write, retrying while the seller row loses a
// concurrent rating update. A row that disappears underneath the write is
// reported as notFound, which depends on what the operation started from.
func (m *Manager) write(ctx context.Context, trigger string, notFound error, op func() (decimal.Decimal, error)) (decimal.Decimal, error) {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if m.retryBackoff > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = m.retryBackoff
		exp.MaxInterval = 20 * m.retryBackoff
		b = exp
	}

	r, err := backoff.Retry(ctx, func() (decimal.Decimal, error) {
		r, err := op()
		if err == nil || errors.Is(err, store.ErrConflict) {
			return r, err
		}
		if errors.Is(err, store.ErrNotFound) {
			return r, backoff.Permanent(fmt.Errorf("%w: %w", notFound, err))
		}
		return r, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(m.maxAttempts)))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if errors.Is(err, store.ErrConflict) {
			return decimal.Decimal{}, fmt.Errorf("%w after %d attempts", ErrConflict, m.maxAttempts)
		}
		return decimal.Decimal{}, err
	}

	m.recomputations.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	return r, nil
}

func (m *Manager) publish(ctx context.Context, t event.Type, rv *store.Review, sellerRating decimal.Decimal) {
	e, err := event.New(rv.SellerID, t, 0, m.clock.Now(), event.ReviewData{
		ReviewID:     rv.ID,
		AuthorID:     rv.AuthorID,
		SellerID:     rv.SellerID,
		Rating:       rv.Rating,
		SellerRating: sellerRating,
	})
	if err == nil {
		err = m.events.Publish(ctx, e)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish event",
			slog.String("type", string(t)),
			slog.String("review_id", rv.ID),
			slog.Any("error", err),
		)
	}
}

func cleanComment(c string) (string, error) {
	c = strings.TrimSpace(c)
	if utf8.RuneCountInString(c) > maxCommentLen {
		return "", ErrCommentTooLong
	}
	return c, nil
}

// Reason returns the stable machine readable code of a rating error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRating):
		return "invalid_rating"
	case errors.Is(err, ErrSellerNotFound):
		return "seller_not_found"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrAlreadyReviewed):
		return "already_reviewed"
	case errors.Is(err, ErrReviewNotFound):
		return "review_not_found"
	case errors.Is(err, ErrNotAuthor):
		return "not_author"
	case errors.Is(err, ErrCommentTooLong):
		return "comment_too_long"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "internal"
}
